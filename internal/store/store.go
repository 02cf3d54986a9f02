package store

import (
	"context"
	"time"

	"github.com/theobattaglia1/tiktok-trending-data/internal/models"
)

// Store is the persistence contract for the engine. Postgres holds the
// snapshot log, entity registry, and alert log; ClickHouse holds the
// growth metric and classification history read by the dashboard.
// All appends are durable before a cycle is considered complete.
type Store interface {
	// LatestSnapshot returns the most recent snapshot for the entity,
	// or nil when none exists.
	LatestSnapshot(ctx context.Context, entity models.EntityRef) (*models.Snapshot, error)

	// SnapshotAtOrBefore returns the most recent snapshot captured at
	// or before ts, or nil when none exists.
	SnapshotAtOrBefore(ctx context.Context, entity models.EntityRef, ts time.Time) (*models.Snapshot, error)

	// AppendSnapshot durably appends one snapshot and upserts the
	// entity registry row.
	AppendSnapshot(ctx context.Context, snapshot models.Snapshot) error

	// AppendGrowthMetrics appends the defined rates of one cycle for
	// one entity to the metric history.
	AppendGrowthMetrics(ctx context.Context, entity models.EntityRef, rates models.RateSet) error

	// AppendClassification appends one classification row to history.
	AppendClassification(ctx context.Context, c models.Classification) error

	// HasAlertWithKey reports whether an alert with the dedup key was
	// already emitted.
	HasAlertWithKey(ctx context.Context, dedupKey string) (bool, error)

	// AppendAlert inserts the alert unless its dedup key already
	// exists. The insert is atomic; inserted reports whether this call
	// won the key.
	AppendAlert(ctx context.Context, event models.AlertEvent) (inserted bool, err error)

	// ActiveEntities lists entities whose latest snapshot was captured
	// at or after since, for the re-evaluation sweep.
	ActiveEntities(ctx context.Context, since time.Time) ([]models.EntityRef, error)
}
