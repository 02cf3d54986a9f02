package reconcile

import (
	"errors"

	"github.com/theobattaglia1/tiktok-trending-data/internal/models"
)

// ErrOutOfOrder marks a snapshot pair with non-positive elapsed time,
// caused by clock skew or a retried scrape. The delta is discarded so
// downstream rate math never divides by zero or sees negative time.
var ErrOutOfOrder = errors.New("snapshot out of order")

// Reconcile merges a new snapshot against the most recent prior
// snapshot for the same entity. No prior means no delta and no error.
// A negative view delta (platform-side count correction) still
// produces a delta, flagged Corrected; downstream clamps its growth
// contribution to zero instead of reporting a declining trend.
func Reconcile(current models.Snapshot, prior *models.Snapshot) (*models.Delta, error) {
	if prior == nil {
		return nil, nil
	}

	elapsed := current.CapturedAt.Sub(prior.CapturedAt).Seconds()
	if elapsed <= 0 {
		return nil, ErrOutOfOrder
	}

	viewDelta := current.ViewCount - prior.ViewCount
	return &models.Delta{
		ElapsedSeconds: elapsed,
		ViewDelta:      viewDelta,
		Corrected:      viewDelta < 0,
	}, nil
}
