package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// RawRecord is a single untyped discovery entry as scraped from the
// platform's discovery surface. Optional fields stay nil when the
// upstream page omitted them.
type RawRecord struct {
	Kind       string    `json:"kind"`
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	ViewCount  *int64    `json:"view_count"`
	Likes      *int64    `json:"likes,omitempty"`
	Shares     *int64    `json:"shares,omitempty"`
	VideoCount *int64    `json:"video_count,omitempty"`
	CapturedAt time.Time `json:"captured_at"`
}

// SnapshotBatch is the ingestion envelope produced by the scraper.
// One batch corresponds to one capture pass over the discovery pages.
type SnapshotBatch struct {
	BatchID    string      `json:"batch_id"`
	Source     string      `json:"source"`
	CapturedAt time.Time   `json:"captured_at"`
	Records    []RawRecord `json:"records"`
}

// AlertMessage is the outbound envelope for virality alerts.
type AlertMessage struct {
	AlertID    string    `json:"alert_id"`
	EntityKind string    `json:"entity_kind"`
	EntityID   string    `json:"entity_id"`
	EntityName string    `json:"entity_name"`
	Priority   string    `json:"priority"`
	Window     string    `json:"window"`
	GrowthRate float64   `json:"growth_rate"`
	Stage      string    `json:"stage"`
	ViewCount  int64     `json:"view_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// ErrMalformedBatch marks a message that cannot be decoded into a
// usable SnapshotBatch. Consumers route such messages to the DLQ
// instead of retrying them.
var ErrMalformedBatch = errors.New("malformed snapshot batch")

// DecodeSnapshotBatch parses a consumed Kafka message into a SnapshotBatch.
func DecodeSnapshotBatch(msg Message) (SnapshotBatch, error) {
	var batch SnapshotBatch
	if err := json.Unmarshal(msg.Value, &batch); err != nil {
		return SnapshotBatch{}, fmt.Errorf("%w: %v", ErrMalformedBatch, err)
	}
	if len(batch.Records) == 0 {
		return SnapshotBatch{}, fmt.Errorf("%w: batch %q has no records", ErrMalformedBatch, batch.BatchID)
	}
	return batch, nil
}

// SnapshotBatchHandler wraps a batch-processing function into a Handler
// that decodes the message before invoking it. A decode failure or a
// handler error propagates so the consumer can route the message to the DLQ.
func SnapshotBatchHandler(fn func(ctx context.Context, batch SnapshotBatch) error) Handler {
	return func(ctx context.Context, msg Message) error {
		batch, err := DecodeSnapshotBatch(msg)
		if err != nil {
			return err
		}
		return fn(ctx, batch)
	}
}
