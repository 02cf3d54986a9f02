package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/theobattaglia1/tiktok-trending-data/internal/models"
	"github.com/theobattaglia1/tiktok-trending-data/pkg/database"
	"github.com/theobattaglia1/tiktok-trending-data/pkg/logging"
)

// TrendStore implements Store on Postgres and ClickHouse.
type TrendStore struct {
	pg         database.PostgresConn
	clickhouse database.ClickHouseConn
	logger     logging.Logger
}

// NewTrendStore creates a TrendStore
func NewTrendStore(pg database.PostgresConn, ch database.ClickHouseConn, logger logging.Logger) *TrendStore {
	return &TrendStore{
		pg:         pg,
		clickhouse: ch,
		logger:     logger,
	}
}

const snapshotColumns = `entity_kind, entity_id, display_name, captured_at, view_count, likes, shares, video_count`

func (s *TrendStore) scanSnapshot(row *sql.Row) (*models.Snapshot, error) {
	var snap models.Snapshot
	var kind string
	var likes, shares, videoCount sql.NullInt64

	err := row.Scan(&kind, &snap.Entity.ExternalID, &snap.DisplayName, &snap.CapturedAt,
		&snap.ViewCount, &likes, &shares, &videoCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	snap.Entity.Kind = models.EntityKind(kind)
	if likes.Valid {
		snap.Likes = &likes.Int64
	}
	if shares.Valid {
		snap.Shares = &shares.Int64
	}
	if videoCount.Valid {
		snap.VideoCount = &videoCount.Int64
	}
	return &snap, nil
}

func (s *TrendStore) LatestSnapshot(ctx context.Context, entity models.EntityRef) (*models.Snapshot, error) {
	row := s.pg.QueryRowContext(ctx, `
		SELECT `+snapshotColumns+`
		FROM snapshots
		WHERE entity_kind = $1 AND entity_id = $2
		ORDER BY captured_at DESC
		LIMIT 1
	`, string(entity.Kind), entity.ExternalID)

	snap, err := s.scanSnapshot(row)
	if err != nil {
		return nil, fmt.Errorf("query latest snapshot for %s: %w", entity, err)
	}
	return snap, nil
}

func (s *TrendStore) SnapshotAtOrBefore(ctx context.Context, entity models.EntityRef, ts time.Time) (*models.Snapshot, error) {
	row := s.pg.QueryRowContext(ctx, `
		SELECT `+snapshotColumns+`
		FROM snapshots
		WHERE entity_kind = $1 AND entity_id = $2 AND captured_at <= $3
		ORDER BY captured_at DESC
		LIMIT 1
	`, string(entity.Kind), entity.ExternalID, ts)

	snap, err := s.scanSnapshot(row)
	if err != nil {
		return nil, fmt.Errorf("query snapshot at or before %s for %s: %w", ts.Format(time.RFC3339), entity, err)
	}
	return snap, nil
}

func (s *TrendStore) AppendSnapshot(ctx context.Context, snapshot models.Snapshot) error {
	_, err := s.pg.ExecContext(ctx, `
		INSERT INTO entities (kind, external_id, display_name, first_seen_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (kind, external_id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			last_seen_at = GREATEST(entities.last_seen_at, EXCLUDED.last_seen_at)
	`, string(snapshot.Entity.Kind), snapshot.Entity.ExternalID, snapshot.DisplayName, snapshot.CapturedAt)
	if err != nil {
		return fmt.Errorf("upsert entity %s: %w", snapshot.Entity, err)
	}

	_, err = s.pg.ExecContext(ctx, `
		INSERT INTO snapshots (`+snapshotColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (entity_kind, entity_id, captured_at) DO NOTHING
	`, string(snapshot.Entity.Kind), snapshot.Entity.ExternalID, snapshot.DisplayName,
		snapshot.CapturedAt, snapshot.ViewCount,
		nullable(snapshot.Likes), nullable(snapshot.Shares), nullable(snapshot.VideoCount))
	if err != nil {
		return fmt.Errorf("append snapshot for %s: %w", snapshot.Entity, err)
	}
	return nil
}

func (s *TrendStore) AppendGrowthMetrics(ctx context.Context, entity models.EntityRef, rates models.RateSet) error {
	if len(rates) == 0 {
		return nil
	}

	batch, err := s.clickhouse.PrepareBatch(ctx, `
		INSERT INTO growth_metrics (
			entity_kind, entity_id, window, rate, corrected, computed_at
		)`)
	if err != nil {
		return fmt.Errorf("prepare growth_metrics batch: %w", err)
	}

	for _, w := range models.Windows {
		r, ok := rates.Rate(w)
		if !ok {
			continue
		}
		if err := batch.Append(
			string(entity.Kind),
			entity.ExternalID,
			string(w),
			r.Rate,
			r.Corrected,
			r.ComputedAt,
		); err != nil {
			return fmt.Errorf("append growth metric %s/%s: %w", entity, w, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send growth_metrics batch: %w", err)
	}
	return nil
}

func (s *TrendStore) AppendClassification(ctx context.Context, c models.Classification) error {
	batch, err := s.clickhouse.PrepareBatch(ctx, `
		INSERT INTO classifications (
			entity_kind, entity_id, stage, view_count, classified_at
		)`)
	if err != nil {
		return fmt.Errorf("prepare classifications batch: %w", err)
	}

	if err := batch.Append(
		string(c.Entity.Kind),
		c.Entity.ExternalID,
		c.Stage.String(),
		c.ViewCount,
		c.ClassifiedAt,
	); err != nil {
		return fmt.Errorf("append classification for %s: %w", c.Entity, err)
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send classifications batch: %w", err)
	}
	return nil
}

func (s *TrendStore) HasAlertWithKey(ctx context.Context, dedupKey string) (bool, error) {
	var exists bool
	err := s.pg.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM alerts WHERE dedup_key = $1)
	`, dedupKey).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query alert dedup key: %w", err)
	}
	return exists, nil
}

func (s *TrendStore) AppendAlert(ctx context.Context, event models.AlertEvent) (bool, error) {
	// The unique index on dedup_key makes suppression atomic even when
	// two workers race on the same key.
	res, err := s.pg.ExecContext(ctx, `
		INSERT INTO alerts (
			id, entity_kind, entity_id, display_name, priority,
			trigger_window, trigger_rate, view_count, stage, dedup_key, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (dedup_key) DO NOTHING
	`, event.ID, string(event.Entity.Kind), event.Entity.ExternalID, event.DisplayName,
		string(event.Priority), string(event.TriggerWindow), event.TriggerRate,
		event.ViewCount, event.Stage.String(), event.DedupKey, event.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("append alert for %s: %w", event.Entity, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("append alert rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *TrendStore) ActiveEntities(ctx context.Context, since time.Time) ([]models.EntityRef, error) {
	rows, err := s.pg.QueryContext(ctx, `
		SELECT kind, external_id FROM entities
		WHERE last_seen_at >= $1
		ORDER BY kind, external_id
	`, since)
	if err != nil {
		return nil, fmt.Errorf("query active entities: %w", err)
	}
	defer rows.Close()

	var refs []models.EntityRef
	for rows.Next() {
		var kind string
		var ref models.EntityRef
		if err := rows.Scan(&kind, &ref.ExternalID); err != nil {
			return nil, fmt.Errorf("scan active entity: %w", err)
		}
		ref.Kind = models.EntityKind(kind)
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate active entities: %w", err)
	}
	return refs, nil
}

func nullable(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
