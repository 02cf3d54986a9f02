package growth

import (
	"context"
	"fmt"
	"time"

	"github.com/theobattaglia1/tiktok-trending-data/internal/models"
)

// ReferenceLookup finds the most recent snapshot at or before a
// horizon. The store implements it; tests use an in-memory fake.
type ReferenceLookup interface {
	SnapshotAtOrBefore(ctx context.Context, entity models.EntityRef, ts time.Time) (*models.Snapshot, error)
}

// Compute derives the growth rate of the current snapshot over each
// configured window. A window with no reference snapshot at or before
// its horizon is left out of the RateSet entirely; callers must
// distinguish "no data yet" from zero growth. A negative raw rate is a
// count correction: it is clamped to zero and flagged Corrected.
//
// Windows are computed independently. A store failure aborts the
// computation; the next cycle retries from store state.
func Compute(ctx context.Context, lookup ReferenceLookup, current models.Snapshot, now time.Time) (models.RateSet, error) {
	rates := make(models.RateSet, len(models.Windows))

	for _, w := range models.Windows {
		horizon := now.Add(-w.Duration())
		ref, err := lookup.SnapshotAtOrBefore(ctx, current.Entity, horizon)
		if err != nil {
			return nil, fmt.Errorf("lookup %s reference for %s: %w", w, current.Entity, err)
		}
		if ref == nil {
			continue
		}

		denom := ref.ViewCount
		if denom < 1 {
			denom = 1
		}
		rate := float64(current.ViewCount-ref.ViewCount) / float64(denom)

		corrected := false
		if rate < 0 {
			rate = 0
			corrected = true
		}

		rates[w] = models.GrowthRate{
			Window:     w,
			Rate:       rate,
			Corrected:  corrected,
			ComputedAt: now,
		}
	}

	return rates, nil
}
