// Package events publishes visit outcomes to Kafka for downstream consumers
// (indexers, analytics). The crawler core never depends on these events; a
// nil Publisher is a no-op.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/pageharvest/crawler/internal/kv"
)

// Config holds Kafka connection settings.
type Config struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
}

// Publisher writes visit events to a Kafka topic.
type Publisher struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewPublisher creates the publisher, or nil when no brokers are configured.
func NewPublisher(config Config, logger *zap.Logger) *Publisher {
	if len(config.Brokers) == 0 {
		return nil
	}
	if config.BatchSize == 0 {
		config.BatchSize = 100
	}
	if config.BatchTimeout == 0 {
		config.BatchTimeout = 1 * time.Second
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    config.BatchSize,
		BatchTimeout: config.BatchTimeout,
		Compression:  kafka.Snappy,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
	}

	logger.Info("created visit event publisher",
		zap.Strings("brokers", config.Brokers),
		zap.String("topic", config.Topic),
	)

	return &Publisher{writer: writer, logger: logger}
}

// VisitEvent is the wire form of one visit outcome.
type VisitEvent struct {
	URL          string `json:"url"`
	URLSHA256    string `json:"url_sha256"`
	Domain       string `json:"domain"`
	StatusCode   int    `json:"status_code"`
	FetchedAt    int64  `json:"fetched_at"`
	ContentType  string `json:"content_type,omitempty"`
	ContentHash  string `json:"content_hash,omitempty"`
	ContentPath  string `json:"content_path,omitempty"`
	RedirectedTo string `json:"redirected_to_url,omitempty"`
	Error        string `json:"error,omitempty"`
}

// PublishVisit emits one visit event, keyed by domain so per-domain ordering
// is preserved within a partition. Safe to call on a nil Publisher.
func (p *Publisher) PublishVisit(ctx context.Context, rec *kv.VisitedRecord) error {
	if p == nil {
		return nil
	}

	event := VisitEvent{
		URL:          rec.URL,
		URLSHA256:    rec.URLSHA256,
		Domain:       rec.Domain,
		StatusCode:   rec.StatusCode,
		FetchedAt:    rec.FetchedAt,
		ContentType:  rec.ContentType,
		ContentHash:  rec.ContentHash,
		ContentPath:  rec.ContentPath,
		RedirectedTo: rec.RedirectedTo,
		Error:        rec.Error,
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal visit event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(rec.Domain),
		Value: data,
		Time:  time.Now(),
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish visit event: %w", err)
	}
	return nil
}

// Close flushes and closes the writer. Safe on a nil Publisher.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("failed to close event writer: %w", err)
	}
	return nil
}
