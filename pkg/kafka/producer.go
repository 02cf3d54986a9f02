package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Producer publishes alert and DLQ messages
type Producer struct {
	client     *kgo.Client
	logger     *logrus.Logger
	alertTopic string
}

// NewProducer creates a new Kafka producer
func NewProducer(brokers []string, alertTopic string, logger *logrus.Logger) (*Producer, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ClientID("spyglass"),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(10 * time.Millisecond),
		kgo.ProducerBatchMaxBytes(1000000),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Producer{
		client:     client,
		logger:     logger,
		alertTopic: alertTopic,
	}, nil
}

func (p *Producer) Close() error {
	p.client.Close()
	return nil
}

func (p *Producer) ProduceMessage(topic string, key []byte, value []byte, headers map[string]string) error {
	record := &kgo.Record{
		Topic: topic,
		Key:   key,
		Value: value,
	}

	if len(headers) > 0 {
		for k, v := range headers {
			record.Headers = append(record.Headers, kgo.RecordHeader{
				Key:   k,
				Value: []byte(v),
			})
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result := p.client.ProduceSync(ctx, record)
	if err := result.FirstErr(); err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}

	return nil
}

// GetClient returns the underlying kgo.Client for health checks
func (p *Producer) GetClient() *kgo.Client {
	return p.client
}

// PublishAlert publishes a single alert message
func (p *Producer) PublishAlert(alert *AlertMessage) error {
	if alert == nil {
		return fmt.Errorf("alert cannot be nil")
	}

	value, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	headers := map[string]string{
		"entity_kind": alert.EntityKind,
		"priority":    alert.Priority,
	}

	return p.ProduceMessage(p.alertTopic, []byte(alert.EntityID), value, headers)
}
