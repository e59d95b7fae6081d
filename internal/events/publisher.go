// Package events publishes feed domain events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// DefaultPostSharedTopic carries post.shared events.
const DefaultPostSharedTopic = "social_post_shared"

// PostShared is emitted after a post has been created or re-shared.
type PostShared struct {
	PostID       string    `json:"post_id"`
	UserID       string    `json:"user_id"`
	ActivityType string    `json:"activity_type"`
	SourceType   string    `json:"source_type,omitempty"`
	SourceID     string    `json:"source_id,omitempty"`
	Visibility   string    `json:"visibility"`
	Strategy     string    `json:"strategy"`
	SharedAt     time.Time `json:"shared_at"`
}

// Publisher delivers feed events.
type Publisher interface {
	PublishPostShared(ctx context.Context, evt PostShared) error
}

// NoopPublisher drops every event.
type NoopPublisher struct{}

// PublishPostShared implements Publisher.
func (NoopPublisher) PublishPostShared(context.Context, PostShared) error { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// WriterConfig describes the post.shared topic writer.
type WriterConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
}

// NewPostSharedWriter builds a synchronous writer bound to the post.shared
// topic. Keys are hashed so one user's events land on one partition.
func NewPostSharedWriter(cfg WriterConfig) *kafka.Writer {
	if cfg.Topic == "" {
		cfg.Topic = DefaultPostSharedTopic
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Snappy,
		BatchTimeout: cfg.BatchTimeout,
	}
}

// PublisherOption configures a KafkaPublisher.
type PublisherOption func(*KafkaPublisher)

// WithLogger sets the publisher logger.
func WithLogger(logger *zap.Logger) PublisherOption {
	return func(p *KafkaPublisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// KafkaPublisher writes events keyed by user id so one user's events stay ordered.
type KafkaPublisher struct {
	writer messageWriter
	logger *zap.Logger
}

// NewKafkaPublisher constructs a KafkaPublisher over w, usually a writer from
// NewPostSharedWriter.
func NewKafkaPublisher(w messageWriter, opts ...PublisherOption) *KafkaPublisher {
	p := &KafkaPublisher{writer: w, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PublishPostShared implements Publisher.
func (p *KafkaPublisher) PublishPostShared(ctx context.Context, evt PostShared) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode post.shared: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(evt.UserID),
		Value: body,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte("post.shared")},
			{Key: "post_id", Value: []byte(evt.PostID)},
			{Key: "strategy", Value: []byte(evt.Strategy)},
		},
		Time: evt.SharedAt,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Warn("post.shared publish failed",
			zap.String("post_id", evt.PostID),
			zap.String("user_id", evt.UserID),
			zap.Error(err))
		return fmt.Errorf("publish post.shared: %w", err)
	}
	return nil
}
