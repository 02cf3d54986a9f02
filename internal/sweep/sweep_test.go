package sweep

import (
	"context"
	"testing"
	"time"

	"github.com/theobattaglia1/tiktok-trending-data/internal/engine"
	"github.com/theobattaglia1/tiktok-trending-data/internal/models"
	"github.com/theobattaglia1/tiktok-trending-data/internal/store"
	"github.com/theobattaglia1/tiktok-trending-data/pkg/kafka"
	"github.com/theobattaglia1/tiktok-trending-data/pkg/logging"
)

// sweepStore wraps the pieces of Store the sweep path touches.
type sweepStore struct {
	store.Store
	snapshots       map[models.EntityRef][]models.Snapshot
	classifications []models.Classification
}

func (s *sweepStore) LatestSnapshot(ctx context.Context, entity models.EntityRef) (*models.Snapshot, error) {
	var best *models.Snapshot
	for i := range s.snapshots[entity] {
		snap := s.snapshots[entity][i]
		if best == nil || snap.CapturedAt.After(best.CapturedAt) {
			best = &s.snapshots[entity][i]
		}
	}
	if best == nil {
		return nil, nil
	}
	out := *best
	return &out, nil
}

func (s *sweepStore) SnapshotAtOrBefore(ctx context.Context, entity models.EntityRef, ts time.Time) (*models.Snapshot, error) {
	var best *models.Snapshot
	for i := range s.snapshots[entity] {
		snap := s.snapshots[entity][i]
		if snap.CapturedAt.After(ts) {
			continue
		}
		if best == nil || snap.CapturedAt.After(best.CapturedAt) {
			best = &s.snapshots[entity][i]
		}
	}
	if best == nil {
		return nil, nil
	}
	out := *best
	return &out, nil
}

func (s *sweepStore) AppendGrowthMetrics(ctx context.Context, entity models.EntityRef, rates models.RateSet) error {
	return nil
}

func (s *sweepStore) AppendClassification(ctx context.Context, c models.Classification) error {
	s.classifications = append(s.classifications, c)
	return nil
}

func (s *sweepStore) ActiveEntities(ctx context.Context, since time.Time) ([]models.EntityRef, error) {
	var refs []models.EntityRef
	for ref, snaps := range s.snapshots {
		for _, snap := range snaps {
			if !snap.CapturedAt.Before(since) {
				refs = append(refs, ref)
				break
			}
		}
	}
	return refs, nil
}

type noopPublisher struct{}

func (noopPublisher) PublishAlert(*kafka.AlertMessage) error {
	return nil
}

func TestRunOnceReclassifiesActiveEntities(t *testing.T) {
	base := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	entity := models.EntityRef{Kind: models.KindSound, ExternalID: "s-1"}
	stale := models.EntityRef{Kind: models.KindSound, ExternalID: "s-2"}

	st := &sweepStore{snapshots: map[models.EntityRef][]models.Snapshot{
		entity: {
			{Entity: entity, CapturedAt: base, ViewCount: 5000},
			{Entity: entity, CapturedAt: base.Add(time.Hour), ViewCount: 50000},
		},
		stale: {
			{Entity: stale, CapturedAt: base.Add(-48 * time.Hour), ViewCount: 900000},
		},
	}}

	logger := logging.NewLogger()
	eng := engine.New(st, noopPublisher{}, logger, nil, engine.DefaultConfig())
	sweeper := NewSweeper(eng, st, logger, 5*time.Minute, 24*time.Hour)

	if err := sweeper.RunOnce(context.Background(), base.Add(3*time.Hour)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Only the recently seen entity is re-evaluated; the hour-old
	// spike has aged out of the 1h window, so it demotes to new.
	if len(st.classifications) != 1 {
		t.Fatalf("expected 1 classification, got %d", len(st.classifications))
	}
	if st.classifications[0].Entity != entity {
		t.Fatalf("expected %v to be re-evaluated, got %v", entity, st.classifications[0].Entity)
	}
	if st.classifications[0].Stage != models.StageNew {
		t.Fatalf("expected demotion to new, got %v", st.classifications[0].Stage)
	}
}
