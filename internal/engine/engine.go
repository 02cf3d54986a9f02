package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/theobattaglia1/tiktok-trending-data/internal/alerts"
	"github.com/theobattaglia1/tiktok-trending-data/internal/classify"
	"github.com/theobattaglia1/tiktok-trending-data/internal/growth"
	"github.com/theobattaglia1/tiktok-trending-data/internal/models"
	"github.com/theobattaglia1/tiktok-trending-data/internal/normalizer"
	"github.com/theobattaglia1/tiktok-trending-data/internal/reconcile"
	"github.com/theobattaglia1/tiktok-trending-data/internal/store"
	"github.com/theobattaglia1/tiktok-trending-data/pkg/kafka"
	"github.com/theobattaglia1/tiktok-trending-data/pkg/logging"
)

// AlertPublisher hands emitted alerts to the notification boundary.
type AlertPublisher interface {
	PublishAlert(alert *kafka.AlertMessage) error
}

// DLQProducer routes undecodable messages to a dead-letter topic.
type DLQProducer interface {
	ProduceMessage(topic string, key []byte, value []byte, headers map[string]string) error
}

// Config holds the engine's tunables for one run
type Config struct {
	Workers int
	Stage   classify.Thresholds
	Alert   alerts.Thresholds
}

// DefaultConfig returns the standard engine configuration
func DefaultConfig() Config {
	return Config{
		Workers: 4,
		Stage:   classify.DefaultThresholds(),
		Alert:   alerts.DefaultThresholds(),
	}
}

// Engine runs one evaluation cycle per consumed snapshot batch:
// normalize, reconcile against history, compute growth rates, classify,
// and evaluate alerts, fanning entities out over a bounded worker pool.
type Engine struct {
	store     store.Store
	publisher AlertPublisher
	logger    logging.Logger
	metrics   *Metrics
	cfg       Config
}

// New creates an Engine
func New(st store.Store, publisher AlertPublisher, logger logging.Logger, metrics *Metrics, cfg Config) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Engine{
		store:     st,
		publisher: publisher,
		logger:    logger,
		metrics:   metrics,
		cfg:       cfg,
	}
}

// HandleBatch runs one evaluation cycle over a normalized batch.
// Entities are independent: a malformed or anomalous entity never
// aborts the rest, but a store failure does, so the next cycle can
// retry from store state. The cycle is idempotent given the same
// stored history.
func (e *Engine) HandleBatch(ctx context.Context, batch kafka.SnapshotBatch) error {
	start := time.Now()

	snapshots, dropped := normalizer.Normalize(batch)
	for _, d := range dropped {
		e.logger.WithFields(logging.Fields{
			"batch_id": batch.BatchID,
			"kind":     d.Kind,
			"id":       d.ID,
			"reason":   d.Reason,
		}).Warn("Dropped invalid record")
		if e.metrics != nil {
			e.metrics.SnapshotsTotal.WithLabelValues(d.Kind, "dropped").Inc()
		}
	}

	err := e.processEntities(ctx, snapshots)

	if e.metrics != nil {
		e.metrics.CycleDuration.WithLabelValues("batch").Observe(time.Since(start).Seconds())
		e.metrics.EntitiesPerCycle.WithLabelValues("batch").Observe(float64(len(snapshots)))
	}

	if err != nil {
		return fmt.Errorf("cycle for batch %s: %w", batch.BatchID, err)
	}

	e.logger.WithFields(logging.Fields{
		"batch_id": batch.BatchID,
		"source":   batch.Source,
		"entities": len(snapshots),
		"dropped":  len(dropped),
	}).Info("Evaluation cycle complete")
	return nil
}

// processEntities fans snapshots out over the worker pool. The first
// store failure is returned after all workers drain; remaining
// entities still get their chance, partial completion self-heals on
// the next cycle.
func (e *Engine) processEntities(ctx context.Context, snapshots []models.Snapshot) error {
	if len(snapshots) == 0 {
		return nil
	}

	jobs := make(chan models.Snapshot)
	errs := make(chan error, len(snapshots))

	var wg sync.WaitGroup
	for i := 0; i < e.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for snap := range jobs {
				if err := e.ingestSnapshot(ctx, snap); err != nil {
					errs <- err
				}
			}
		}()
	}

	for _, snap := range snapshots {
		jobs <- snap
	}
	close(jobs)
	wg.Wait()
	close(errs)

	return <-errs
}

// ingestSnapshot appends one snapshot and runs the downstream stages
// for its entity. Every returned error is a store failure.
func (e *Engine) ingestSnapshot(ctx context.Context, snap models.Snapshot) error {
	prior, err := e.store.LatestSnapshot(ctx, snap.Entity)
	if err != nil {
		return err
	}

	if err := e.store.AppendSnapshot(ctx, snap); err != nil {
		if e.metrics != nil {
			e.metrics.SnapshotsTotal.WithLabelValues(string(snap.Entity.Kind), "error").Inc()
		}
		return err
	}
	if e.metrics != nil {
		e.metrics.SnapshotsTotal.WithLabelValues(string(snap.Entity.Kind), "ingested").Inc()
	}

	delta, err := reconcile.Reconcile(snap, prior)
	if err != nil {
		if errors.Is(err, reconcile.ErrOutOfOrder) {
			// Clock skew or a retried scrape. The delta is discarded
			// and the entity sits this cycle out; the next in-order
			// snapshot restores it.
			e.logger.WithFields(logging.Fields{
				"entity":      snap.Entity.String(),
				"captured_at": snap.CapturedAt,
			}).Warn("Out-of-order snapshot, delta discarded")
			if e.metrics != nil {
				e.metrics.DeltasDiscarded.Inc()
			}
			return nil
		}
		return err
	}

	if delta != nil && delta.Corrected {
		e.logger.WithFields(logging.Fields{
			"entity":     snap.Entity.String(),
			"view_delta": delta.ViewDelta,
		}).Warn("View count correction detected, growth clamped to zero")
		if e.metrics != nil {
			e.metrics.Corrections.Inc()
		}
	}

	return e.evaluate(ctx, snap, snap.CapturedAt)
}

// evaluate runs growth, classification, and alerting for one snapshot.
func (e *Engine) evaluate(ctx context.Context, snap models.Snapshot, now time.Time) error {
	rates, err := growth.Compute(ctx, e.store, snap, now)
	if err != nil {
		return err
	}

	if err := e.appendGrowthMetrics(ctx, snap.Entity, rates); err != nil {
		return err
	}

	classification := classify.Classify(e.cfg.Stage, snap, rates, now)
	if err := e.appendClassification(ctx, classification); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.Classifications.WithLabelValues(classification.Stage.String()).Inc()
	}

	event := alerts.Evaluate(e.cfg.Alert, snap, classification.Stage, rates, now)
	if event == nil {
		return nil
	}

	inserted, err := e.store.AppendAlert(ctx, *event)
	if err != nil {
		return err
	}
	if !inserted {
		if e.metrics != nil {
			e.metrics.AlertsTotal.WithLabelValues(string(event.Priority), "suppressed").Inc()
		}
		return nil
	}

	e.publish(event)
	return nil
}

// publish hands the alert to the notification boundary. Delivery
// failures are the collaborator's concern and never fail the cycle.
func (e *Engine) publish(event *models.AlertEvent) {
	msg := &kafka.AlertMessage{
		AlertID:    event.ID,
		EntityKind: string(event.Entity.Kind),
		EntityID:   event.Entity.ExternalID,
		EntityName: event.DisplayName,
		Priority:   string(event.Priority),
		Window:     string(event.TriggerWindow),
		GrowthRate: event.TriggerRate,
		Stage:      event.Stage.String(),
		ViewCount:  event.ViewCount,
		CreatedAt:  event.CreatedAt,
	}

	start := time.Now()
	err := e.publisher.PublishAlert(msg)
	if e.metrics != nil {
		e.metrics.KafkaDuration.WithLabelValues("produce").Observe(time.Since(start).Seconds())
	}
	if err != nil {
		e.logger.WithError(err).WithFields(logging.Fields{
			"entity":   event.Entity.String(),
			"priority": event.Priority,
		}).Error("Failed to publish alert")
		if e.metrics != nil {
			e.metrics.AlertsTotal.WithLabelValues(string(event.Priority), "publish_failed").Inc()
		}
		return
	}

	e.logger.WithFields(logging.Fields{
		"entity":   event.Entity.String(),
		"priority": event.Priority,
		"window":   event.TriggerWindow,
		"rate":     event.TriggerRate,
	}).Info("Alert emitted")
	if e.metrics != nil {
		e.metrics.AlertsTotal.WithLabelValues(string(event.Priority), "emitted").Inc()
	}
}

// Reevaluate re-runs growth, classification, and alerting for one
// entity from its stored history, without ingesting a new snapshot.
// The sweep uses it so stages decay correctly between scrapes.
func (e *Engine) Reevaluate(ctx context.Context, entity models.EntityRef, now time.Time) error {
	latest, err := e.store.LatestSnapshot(ctx, entity)
	if err != nil {
		return err
	}
	if latest == nil {
		return nil
	}
	return e.evaluate(ctx, *latest, now)
}

func (e *Engine) appendGrowthMetrics(ctx context.Context, entity models.EntityRef, rates models.RateSet) error {
	if len(rates) == 0 {
		return nil
	}
	if err := e.store.AppendGrowthMetrics(ctx, entity, rates); err != nil {
		if e.metrics != nil {
			e.metrics.ClickHouseInserts.WithLabelValues("growth_metrics", "error").Inc()
		}
		return err
	}
	if e.metrics != nil {
		e.metrics.ClickHouseInserts.WithLabelValues("growth_metrics", "success").Inc()
	}
	return nil
}

func (e *Engine) appendClassification(ctx context.Context, c models.Classification) error {
	if err := e.store.AppendClassification(ctx, c); err != nil {
		if e.metrics != nil {
			e.metrics.ClickHouseInserts.WithLabelValues("classifications", "error").Inc()
		}
		return err
	}
	if e.metrics != nil {
		e.metrics.ClickHouseInserts.WithLabelValues("classifications", "success").Inc()
	}
	return nil
}

// MessageHandler adapts the engine to a Kafka consumer. Undecodable
// messages go to the dead-letter topic and are committed so they never
// wedge the partition; store failures propagate so the consumer blocks
// the partition and retries.
func (e *Engine) MessageHandler(dlq DLQProducer, dlqTopic string) kafka.Handler {
	handle := kafka.SnapshotBatchHandler(e.HandleBatch)

	return func(ctx context.Context, msg kafka.Message) error {
		start := time.Now()
		err := handle(ctx, msg)
		if e.metrics != nil {
			e.metrics.KafkaDuration.WithLabelValues("consume").Observe(time.Since(start).Seconds())
		}

		if errors.Is(err, kafka.ErrMalformedBatch) {
			e.logger.WithError(err).WithFields(logging.Fields{
				"topic":     msg.Topic,
				"partition": msg.Partition,
				"offset":    msg.Offset,
			}).Error("Undecodable snapshot batch, routing to DLQ")

			payload, encErr := kafka.EncodeDLQMessage(msg, err, "spyglass")
			if encErr != nil {
				return encErr
			}
			if dlqErr := dlq.ProduceMessage(dlqTopic, msg.Key, payload, nil); dlqErr != nil {
				return dlqErr
			}
			if e.metrics != nil {
				e.metrics.KafkaMessages.WithLabelValues(dlqTopic, "produce", "dlq").Inc()
			}
			return nil
		}

		if e.metrics != nil {
			status := "processed"
			if err != nil {
				status = "error"
			}
			e.metrics.KafkaMessages.WithLabelValues(msg.Topic, "consume", status).Inc()
		}
		return err
	}
}
