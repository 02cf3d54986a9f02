package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/theobattaglia1/tiktok-trending-data/internal/models"
	"github.com/theobattaglia1/tiktok-trending-data/pkg/kafka"
	"github.com/theobattaglia1/tiktok-trending-data/pkg/logging"
	"github.com/theobattaglia1/tiktok-trending-data/pkg/monitoring"
)

// memStore is an in-memory Store for engine tests.
type memStore struct {
	mu              sync.Mutex
	snapshots       map[models.EntityRef][]models.Snapshot
	metrics         []models.GrowthRate
	classifications []models.Classification
	alerts          map[string]models.AlertEvent
	failReads       bool
	failWrites      bool
}

func newMemStore() *memStore {
	return &memStore{
		snapshots: make(map[models.EntityRef][]models.Snapshot),
		alerts:    make(map[string]models.AlertEvent),
	}
}

var errStoreDown = errors.New("store unavailable")

func (m *memStore) LatestSnapshot(ctx context.Context, entity models.EntityRef) (*models.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failReads {
		return nil, errStoreDown
	}
	var best *models.Snapshot
	for i := range m.snapshots[entity] {
		s := m.snapshots[entity][i]
		if best == nil || s.CapturedAt.After(best.CapturedAt) {
			best = &m.snapshots[entity][i]
		}
	}
	if best == nil {
		return nil, nil
	}
	out := *best
	return &out, nil
}

func (m *memStore) SnapshotAtOrBefore(ctx context.Context, entity models.EntityRef, ts time.Time) (*models.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failReads {
		return nil, errStoreDown
	}
	var best *models.Snapshot
	for i := range m.snapshots[entity] {
		s := m.snapshots[entity][i]
		if s.CapturedAt.After(ts) {
			continue
		}
		if best == nil || s.CapturedAt.After(best.CapturedAt) {
			best = &m.snapshots[entity][i]
		}
	}
	if best == nil {
		return nil, nil
	}
	out := *best
	return &out, nil
}

func (m *memStore) AppendSnapshot(ctx context.Context, snapshot models.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrites {
		return errStoreDown
	}
	m.snapshots[snapshot.Entity] = append(m.snapshots[snapshot.Entity], snapshot)
	return nil
}

func (m *memStore) AppendGrowthMetrics(ctx context.Context, entity models.EntityRef, rates models.RateSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrites {
		return errStoreDown
	}
	for _, w := range models.Windows {
		if r, ok := rates.Rate(w); ok {
			m.metrics = append(m.metrics, r)
		}
	}
	return nil
}

func (m *memStore) AppendClassification(ctx context.Context, c models.Classification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrites {
		return errStoreDown
	}
	m.classifications = append(m.classifications, c)
	return nil
}

func (m *memStore) HasAlertWithKey(ctx context.Context, dedupKey string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.alerts[dedupKey]
	return ok, nil
}

func (m *memStore) AppendAlert(ctx context.Context, event models.AlertEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrites {
		return false, errStoreDown
	}
	if _, ok := m.alerts[event.DedupKey]; ok {
		return false, nil
	}
	m.alerts[event.DedupKey] = event
	return true, nil
}

func (m *memStore) ActiveEntities(ctx context.Context, since time.Time) ([]models.EntityRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var refs []models.EntityRef
	for ref, snaps := range m.snapshots {
		for _, s := range snaps {
			if !s.CapturedAt.Before(since) {
				refs = append(refs, ref)
				break
			}
		}
	}
	return refs, nil
}

// fakePublisher records published alerts.
type fakePublisher struct {
	mu     sync.Mutex
	alerts []kafka.AlertMessage
	err    error
}

func (p *fakePublisher) PublishAlert(alert *kafka.AlertMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.alerts = append(p.alerts, *alert)
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.alerts)
}

func i64(v int64) *int64 {
	return &v
}

func testEngine(st *memStore, pub *fakePublisher) *Engine {
	logger := logging.NewLogger()
	return New(st, pub, logger, nil, DefaultConfig())
}

func batchOf(capturedAt time.Time, records ...kafka.RawRecord) kafka.SnapshotBatch {
	return kafka.SnapshotBatch{
		BatchID:    "b-1",
		Source:     "discover-page",
		CapturedAt: capturedAt,
		Records:    records,
	}
}

func TestHandleBatchFullCycle(t *testing.T) {
	base := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	st := newMemStore()
	pub := &fakePublisher{}
	eng := testEngine(st, pub)

	// First observation: one snapshot, no growth data, stage new.
	first := batchOf(base, kafka.RawRecord{Kind: "sound", ID: "s-1", Name: "spring mix", ViewCount: i64(5000), CapturedAt: base})
	if err := eng.HandleBatch(context.Background(), first); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(st.classifications) != 1 {
		t.Fatalf("expected 1 classification, got %d", len(st.classifications))
	}
	if st.classifications[0].Stage != models.StageNew {
		t.Fatalf("expected stage new for single snapshot, got %v", st.classifications[0].Stage)
	}
	if len(st.metrics) != 0 {
		t.Fatalf("expected no growth metrics without history, got %d", len(st.metrics))
	}

	// One hour later the entity has 50,000 views: 1h rate 9.0, stage
	// early_traction, alert priority high.
	second := batchOf(base.Add(time.Hour),
		kafka.RawRecord{Kind: "sound", ID: "s-1", Name: "spring mix", ViewCount: i64(50000), CapturedAt: base.Add(time.Hour)})
	if err := eng.HandleBatch(context.Background(), second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(st.metrics) != 1 {
		t.Fatalf("expected 1 growth metric, got %d", len(st.metrics))
	}
	if st.metrics[0].Rate != 9.0 {
		t.Fatalf("expected 1h rate 9.0, got %v", st.metrics[0].Rate)
	}

	last := st.classifications[len(st.classifications)-1]
	if last.Stage != models.StageEarlyTraction {
		t.Fatalf("expected stage early_traction, got %v", last.Stage)
	}

	if pub.count() != 1 {
		t.Fatalf("expected 1 published alert, got %d", pub.count())
	}
	if pub.alerts[0].Priority != string(models.PriorityHigh) {
		t.Fatalf("expected high priority alert, got %q", pub.alerts[0].Priority)
	}
}

func TestHandleBatchAlertDedupAcrossCycles(t *testing.T) {
	base := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	st := newMemStore()
	pub := &fakePublisher{}
	eng := testEngine(st, pub)

	seed := batchOf(base, kafka.RawRecord{Kind: "hashtag", ID: "h-1", Name: "#dance", ViewCount: i64(5000), CapturedAt: base})
	if err := eng.HandleBatch(context.Background(), seed); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Two evaluation cycles five minutes apart inside the same dedup
	// bucket: the sustained spike alerts exactly once.
	for _, offset := range []time.Duration{60 * time.Minute, 65 * time.Minute} {
		at := base.Add(offset)
		b := batchOf(at, kafka.RawRecord{Kind: "hashtag", ID: "h-1", Name: "#dance", ViewCount: i64(50000), CapturedAt: at})
		if err := eng.HandleBatch(context.Background(), b); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if len(st.alerts) != 1 {
		t.Fatalf("expected 1 stored alert, got %d", len(st.alerts))
	}
	if pub.count() != 1 {
		t.Fatalf("expected 1 published alert, got %d", pub.count())
	}
}

func TestHandleBatchOutOfOrderSnapshotSitsOut(t *testing.T) {
	base := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	st := newMemStore()
	pub := &fakePublisher{}
	eng := testEngine(st, pub)

	seed := batchOf(base, kafka.RawRecord{Kind: "creator", ID: "c-1", ViewCount: i64(1000), CapturedAt: base})
	if err := eng.HandleBatch(context.Background(), seed); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	before := len(st.classifications)

	// Clock skew: the second capture claims an earlier timestamp. The
	// delta is discarded, nothing downstream runs, and nothing crashes.
	skewed := batchOf(base.Add(-time.Minute),
		kafka.RawRecord{Kind: "creator", ID: "c-1", ViewCount: i64(2000), CapturedAt: base.Add(-time.Minute)})
	if err := eng.HandleBatch(context.Background(), skewed); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(st.metrics) != 0 {
		t.Fatalf("expected no growth metrics from skewed pair, got %d", len(st.metrics))
	}
	if len(st.classifications) != before {
		t.Fatalf("expected no new classification from skewed pair")
	}
}

func TestHandleBatchDroppedRecordDoesNotAbort(t *testing.T) {
	base := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	st := newMemStore()
	pub := &fakePublisher{}
	eng := testEngine(st, pub)

	b := batchOf(base,
		kafka.RawRecord{Kind: "nonsense", ID: "x-1", ViewCount: i64(10), CapturedAt: base},
		kafka.RawRecord{Kind: "sound", ID: "s-1", ViewCount: i64(10), CapturedAt: base},
	)
	if err := eng.HandleBatch(context.Background(), b); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(st.classifications) != 1 {
		t.Fatalf("expected the valid entity to be classified, got %d", len(st.classifications))
	}
}

func TestHandleBatchStoreFailureAbortsCycle(t *testing.T) {
	base := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	st := newMemStore()
	st.failWrites = true
	pub := &fakePublisher{}
	eng := testEngine(st, pub)

	b := batchOf(base, kafka.RawRecord{Kind: "sound", ID: "s-1", ViewCount: i64(10), CapturedAt: base})
	if err := eng.HandleBatch(context.Background(), b); err == nil {
		t.Fatal("expected store failure to abort the cycle")
	}
}

func TestHandleBatchPublishFailureDoesNotFailCycle(t *testing.T) {
	base := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	st := newMemStore()
	pub := &fakePublisher{err: errors.New("broker unreachable")}
	eng := testEngine(st, pub)

	seed := batchOf(base, kafka.RawRecord{Kind: "sound", ID: "s-1", ViewCount: i64(5000), CapturedAt: base})
	if err := eng.HandleBatch(context.Background(), seed); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	spike := batchOf(base.Add(time.Hour),
		kafka.RawRecord{Kind: "sound", ID: "s-1", ViewCount: i64(50000), CapturedAt: base.Add(time.Hour)})
	if err := eng.HandleBatch(context.Background(), spike); err != nil {
		t.Fatalf("publish failure must not fail the cycle: %v", err)
	}

	// The alert row is still durable even though delivery failed.
	if len(st.alerts) != 1 {
		t.Fatalf("expected 1 stored alert, got %d", len(st.alerts))
	}
}

func TestReevaluateFromStoredHistory(t *testing.T) {
	base := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	st := newMemStore()
	pub := &fakePublisher{}
	eng := testEngine(st, pub)

	entity := models.EntityRef{Kind: models.KindSound, ExternalID: "s-1"}
	st.snapshots[entity] = []models.Snapshot{
		{Entity: entity, CapturedAt: base, ViewCount: 5000},
		{Entity: entity, CapturedAt: base.Add(time.Hour), ViewCount: 50000},
	}

	// Hours later the spike has aged out of the 1h window: the sweep
	// demotes the stage from stored history without a new snapshot.
	if err := eng.Reevaluate(context.Background(), entity, base.Add(3*time.Hour)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(st.classifications) != 1 {
		t.Fatalf("expected 1 classification, got %d", len(st.classifications))
	}
	if st.classifications[0].Stage != models.StageNew {
		t.Fatalf("expected demotion to new on re-evaluation, got %v", st.classifications[0].Stage)
	}
	if pub.count() != 0 {
		t.Fatalf("expected no alert from the stalled entity, got %d", pub.count())
	}
}

func TestReevaluateUnknownEntityIsNoop(t *testing.T) {
	st := newMemStore()
	eng := testEngine(st, &fakePublisher{})

	entity := models.EntityRef{Kind: models.KindSound, ExternalID: "missing"}
	if err := eng.Reevaluate(context.Background(), entity, time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(st.classifications) != 0 {
		t.Fatal("expected no classification for unknown entity")
	}
}

func TestMessageHandlerRoutesPoisonToDLQ(t *testing.T) {
	st := newMemStore()
	pub := &fakePublisher{}
	eng := testEngine(st, pub)

	dlq := &fakeDLQ{}
	handler := eng.MessageHandler(dlq, "discovery_snapshots_dlq")

	msg := kafka.Message{Topic: "discovery_snapshots", Value: []byte("not-json")}
	if err := handler(context.Background(), msg); err != nil {
		t.Fatalf("poison message must be committed, got error: %v", err)
	}
	if len(dlq.produced) != 1 {
		t.Fatalf("expected 1 DLQ message, got %d", len(dlq.produced))
	}
	if dlq.produced[0].topic != "discovery_snapshots_dlq" {
		t.Fatalf("unexpected DLQ topic %q", dlq.produced[0].topic)
	}
}

type producedMessage struct {
	topic string
	value []byte
}

type fakeDLQ struct {
	produced []producedMessage
	err      error
}

func (f *fakeDLQ) ProduceMessage(topic string, key []byte, value []byte, headers map[string]string) error {
	if f.err != nil {
		return f.err
	}
	f.produced = append(f.produced, producedMessage{topic: topic, value: value})
	return nil
}

func TestMessageHandlerRecordsKafkaMetrics(t *testing.T) {
	st := newMemStore()
	mc := monitoring.NewMetricsCollector("spyglass-engine-test", "test", "test")
	metrics := NewMetrics(mc)
	eng := New(st, &fakePublisher{}, logging.NewLogger(), metrics, DefaultConfig())
	handler := eng.MessageHandler(&fakeDLQ{}, "discovery_snapshots_dlq")

	valid := kafka.Message{
		Topic: "discovery_snapshots",
		Value: []byte(`{"batch_id":"b-1","source":"discover-page","records":[{"kind":"sound","id":"s-1","name":"spring mix","view_count":10,"captured_at":"2025-03-14T09:00:00Z"}]}`),
	}
	if err := handler(context.Background(), valid); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := testutil.ToFloat64(metrics.KafkaMessages.WithLabelValues("discovery_snapshots", "consume", "processed")); got != 1 {
		t.Fatalf("expected 1 processed message, got %v", got)
	}
	if got := testutil.CollectAndCount(metrics.KafkaDuration); got == 0 {
		t.Fatal("expected consume duration to be observed")
	}

	poison := kafka.Message{Topic: "discovery_snapshots", Value: []byte("not-json")}
	if err := handler(context.Background(), poison); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := testutil.ToFloat64(metrics.KafkaMessages.WithLabelValues("discovery_snapshots_dlq", "produce", "dlq")); got != 1 {
		t.Fatalf("expected 1 DLQ message, got %v", got)
	}
}

func TestMessageHandlerDLQFailureBlocksPartition(t *testing.T) {
	st := newMemStore()
	eng := testEngine(st, &fakePublisher{})

	dlq := &fakeDLQ{err: errors.New("broker unreachable")}
	handler := eng.MessageHandler(dlq, "discovery_snapshots_dlq")

	msg := kafka.Message{Topic: "discovery_snapshots", Value: []byte("not-json")}
	if err := handler(context.Background(), msg); err == nil {
		t.Fatal("expected error when the DLQ produce fails")
	}
}
