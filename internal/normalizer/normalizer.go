package normalizer

import (
	"fmt"
	"strings"
	"time"

	"github.com/theobattaglia1/tiktok-trending-data/internal/models"
	"github.com/theobattaglia1/tiktok-trending-data/pkg/kafka"
)

// ValidationError describes a single raw record dropped during
// normalization. The batch continues without it.
type ValidationError struct {
	Kind   string
	ID     string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid record kind=%q id=%q: %s", e.Kind, e.ID, e.Reason)
}

// Normalize canonicalizes one raw discovery batch into snapshots, one
// per distinct entity. Records that fail validation are dropped and
// reported; they never fail the batch. When the same entity appears
// twice, the record with the latest captured_at wins. A record without
// its own captured_at inherits the batch capture time.
func Normalize(batch kafka.SnapshotBatch) ([]models.Snapshot, []*ValidationError) {
	latest := make(map[models.EntityRef]models.Snapshot, len(batch.Records))
	order := make([]models.EntityRef, 0, len(batch.Records))
	var dropped []*ValidationError

	for _, rec := range batch.Records {
		snap, err := normalizeRecord(rec, batch.CapturedAt)
		if err != nil {
			dropped = append(dropped, err)
			continue
		}

		prev, seen := latest[snap.Entity]
		if !seen {
			order = append(order, snap.Entity)
			latest[snap.Entity] = snap
			continue
		}
		if !snap.CapturedAt.Before(prev.CapturedAt) {
			latest[snap.Entity] = snap
		}
	}

	snapshots := make([]models.Snapshot, 0, len(order))
	for _, ref := range order {
		snapshots = append(snapshots, latest[ref])
	}
	return snapshots, dropped
}

func normalizeRecord(rec kafka.RawRecord, batchCapturedAt time.Time) (models.Snapshot, *ValidationError) {
	kind := models.EntityKind(strings.ToLower(strings.TrimSpace(rec.Kind)))
	if !kind.Valid() {
		return models.Snapshot{}, &ValidationError{Kind: rec.Kind, ID: rec.ID, Reason: "unknown entity kind"}
	}

	id := strings.TrimSpace(rec.ID)
	if id == "" {
		return models.Snapshot{}, &ValidationError{Kind: rec.Kind, ID: rec.ID, Reason: "missing entity id"}
	}

	if rec.ViewCount == nil {
		return models.Snapshot{}, &ValidationError{Kind: rec.Kind, ID: rec.ID, Reason: "missing view_count"}
	}
	if *rec.ViewCount < 0 {
		return models.Snapshot{}, &ValidationError{Kind: rec.Kind, ID: rec.ID, Reason: "negative view_count"}
	}

	capturedAt := rec.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = batchCapturedAt
	}
	if capturedAt.IsZero() {
		return models.Snapshot{}, &ValidationError{Kind: rec.Kind, ID: rec.ID, Reason: "missing captured_at"}
	}

	return models.Snapshot{
		Entity:      models.EntityRef{Kind: kind, ExternalID: id},
		DisplayName: strings.TrimSpace(rec.Name),
		CapturedAt:  capturedAt.UTC(),
		ViewCount:   *rec.ViewCount,
		Likes:       rec.Likes,
		Shares:      rec.Shares,
		VideoCount:  rec.VideoCount,
	}, nil
}
