package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"

	"github.com/booyajones/clarity/pkg/tracing"
)

// Producer handles Kafka event emission
type Producer struct {
	writer *kafka.Writer
	logger ectologger.Logger
	topic  string
}

// ProducerConfig holds Kafka producer configuration
type ProducerConfig struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
	RequiredAcks int
	Compression  string
}

// NewProducer creates a new Kafka producer
func NewProducer(cfg ProducerConfig, logger ectologger.Logger) *Producer {
	compression := kafka.Snappy
	switch cfg.Compression {
	case "gzip":
		compression = kafka.Gzip
	case "lz4":
		compression = kafka.Lz4
	case "zstd":
		compression = kafka.Zstd
	case "none":
		compression = 0
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.LeastBytes{},
		BatchSize:              cfg.BatchSize,
		BatchTimeout:           cfg.BatchTimeout,
		RequiredAcks:           kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:            compression,
		AllowAutoTopicCreation: true,
	}

	return &Producer{
		writer: writer,
		logger: logger,
		topic:  cfg.Topic,
	}
}

// Close closes the producer
func (p *Producer) Close() error {
	return p.writer.Close()
}

// BatchEvent represents a batch lifecycle event
type BatchEvent struct {
	EventType string          `json:"event_type"` // batch.stage.started, batch.stage.completed, batch.stage.error, batch.completed, batch.error
	TenantID  string          `json:"tenant_id"`
	BatchID   string          `json:"batch_id"`
	Stage     string          `json:"stage,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// PayeeEvent represents a resolved payee record
type PayeeEvent struct {
	EventType  string    `json:"event_type"` // payee.resolved
	TenantID   string    `json:"tenant_id"`
	BatchID    string    `json:"batch_id"`
	RecordID   string    `json:"record_id"`
	Status     string    `json:"status"`
	EntityID   *string   `json:"entity_id,omitempty"`
	Confidence float64   `json:"confidence"`
	MatchType  *string   `json:"match_type,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// PublishBatchEvent publishes a batch lifecycle event to Kafka
func (p *Producer) PublishBatchEvent(ctx context.Context, event *BatchEvent) error {
	ctx, span := tracing.StartSpan(ctx, "kafka.Producer.PublishBatchEvent")
	defer span.End()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Topic: p.topic,
		Key:   []byte(event.BatchID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
			{Key: "tenant_id", Value: []byte(event.TenantID)},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.WithContext(ctx).WithError(err).Error("Failed to publish batch event")
		return err
	}

	p.logger.WithContext(ctx).WithFields(map[string]any{
		"event_type": event.EventType,
		"batch_id":   event.BatchID,
		"stage":      event.Stage,
	}).Debug("Published batch event")

	return nil
}

// PublishPayeeEvents publishes multiple payee resolution events in a batch
func (p *Producer) PublishPayeeEvents(ctx context.Context, events []*PayeeEvent) error {
	ctx, span := tracing.StartSpan(ctx, "kafka.Producer.PublishPayeeEvents")
	defer span.End()

	if len(events) == 0 {
		return nil
	}

	messages := make([]kafka.Message, len(events))
	for i, event := range events {
		if event.Timestamp.IsZero() {
			event.Timestamp = time.Now().UTC()
		}

		data, err := json.Marshal(event)
		if err != nil {
			return err
		}

		messages[i] = kafka.Message{
			Topic: p.topic,
			Key:   []byte(event.RecordID),
			Value: data,
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte(event.EventType)},
				{Key: "tenant_id", Value: []byte(event.TenantID)},
				{Key: "schema_version", Value: []byte("1.0")},
			},
		}
	}

	if err := p.writer.WriteMessages(ctx, messages...); err != nil {
		p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"batch_size": len(events),
		}).Error("Failed to publish payee events batch")
		return err
	}

	p.logger.WithContext(ctx).WithFields(map[string]any{
		"batch_size": len(events),
	}).Debug("Published payee events batch")

	return nil
}
