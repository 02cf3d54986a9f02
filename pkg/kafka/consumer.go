package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Message represents a consumed Kafka message
type Message struct {
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Topic     string
	Partition int32
	Offset    int64
	Timestamp time.Time
}

// Handler processes one consumed message. A returned error blocks the
// message's partition so the offset is retried after restart.
type Handler func(ctx context.Context, msg Message) error

// Consumer reads snapshot batches from a single topic with manual
// commits. Offsets are committed only up to the last successfully
// handled message per partition, so a failed batch is never skipped.
type Consumer struct {
	client  *kgo.Client
	logger  *logrus.Logger
	topic   string
	handler Handler
}

// NewConsumer creates a consumer-group member subscribed to topic.
func NewConsumer(brokers []string, groupID, clientID, topic string, handler Handler, logger *logrus.Logger) (*Consumer, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ClientID(clientID),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Consumer{
		client:  client,
		logger:  logger,
		topic:   topic,
		handler: handler,
	}, nil
}

// Close closes the underlying client
func (c *Consumer) Close() error {
	c.client.Close()
	return nil
}

// Start polls for snapshot batches until the context is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			fetches := c.client.PollFetches(ctx)
			if errs := fetches.Errors(); len(errs) > 0 {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.logger.Errorf("errors while polling %s: %v", c.topic, errs)
				continue
			}

			var records []*kgo.Record
			iter := fetches.RecordIter()
			for !iter.Done() {
				records = append(records, iter.Next())
			}

			commitRecords := c.processRecords(ctx, records)
			if len(commitRecords) > 0 {
				if err := c.client.CommitRecords(ctx, commitRecords...); err != nil {
					c.logger.WithError(err).Error("failed to commit records")
				}
			}
		}
	}
}

// processRecords runs the handler over a poll's records in partition
// order and returns the latest committable record per partition. Once
// a record fails, later offsets in its partition are neither handled
// nor committed; committing past the failure would lose the batch.
func (c *Consumer) processRecords(ctx context.Context, records []*kgo.Record) []*kgo.Record {
	blocked := make(map[int32]bool)
	lastSuccess := make(map[int32]*kgo.Record)

	for _, record := range records {
		if blocked[record.Partition] {
			continue
		}

		hdrs := make(map[string]string, len(record.Headers))
		for _, h := range record.Headers {
			hdrs[h.Key] = string(h.Value)
		}

		msg := Message{
			Key:       record.Key,
			Value:     record.Value,
			Headers:   hdrs,
			Topic:     record.Topic,
			Partition: record.Partition,
			Offset:    record.Offset,
			Timestamp: record.Timestamp,
		}

		if err := c.handler(ctx, msg); err != nil {
			c.logger.WithError(err).WithFields(logrus.Fields{
				"topic":     record.Topic,
				"partition": record.Partition,
				"offset":    record.Offset,
			}).Error("Failed to handle message - will retry on restart")
			blocked[record.Partition] = true
			continue
		}

		lastSuccess[record.Partition] = record
	}

	if len(lastSuccess) == 0 {
		return nil
	}

	commitRecords := make([]*kgo.Record, 0, len(lastSuccess))
	for _, record := range lastSuccess {
		commitRecords = append(commitRecords, record)
	}
	return commitRecords
}

// GetClient returns the underlying kgo.Client for health checks
func (c *Consumer) GetClient() *kgo.Client {
	return c.client
}
