// Package stream publishes rental session records to Kafka.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/quok-it/benchbot/pkg/models"
)

// SinkName identifies the Kafka sink in logs and metrics
const SinkName = "kafka"

// DefaultTopic receives session records when none is configured
const DefaultTopic = "benchbot.rental-sessions"

// Header keys set on every message
const (
	HeaderMarketplace = "marketplace"
	HeaderStatus      = "termination_status"
)

// messageWriter is the subset of *kafka.Writer the publisher uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes each saved session as a JSON message keyed by session id.
// A session saved twice produces two messages with the same key; consumers
// keep the latest.
type Publisher struct {
	writer messageWriter
	topic  string
	logger *slog.Logger
}

// PublisherOption configures a Publisher
type PublisherOption func(*Publisher)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// withWriter replaces the kafka writer
func withWriter(w messageWriter) PublisherOption {
	return func(p *Publisher) {
		p.writer = w
	}
}

// NewPublisher creates a publisher for the given brokers and topic
func NewPublisher(brokers []string, topic string, opts ...PublisherOption) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("at least one kafka broker is required")
	}
	if topic == "" {
		topic = DefaultTopic
	}

	p := &Publisher{
		topic:  topic,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.writer == nil {
		p.writer = &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			BatchTimeout:           10 * time.Millisecond,
			AllowAutoTopicCreation: true,
		}
	}

	return p, nil
}

// ParseBrokers splits a comma-separated broker list
func ParseBrokers(s string) []string {
	var brokers []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

// Name returns the sink name
func (p *Publisher) Name() string {
	return SinkName
}

// Topic returns the destination topic
func (p *Publisher) Topic() string {
	return p.topic
}

// Save publishes the session record
func (p *Publisher) Save(ctx context.Context, session *models.RentalSession) error {
	value, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(session.SessionID),
		Value: value,
		Headers: []kafka.Header{
			{Key: HeaderMarketplace, Value: []byte(session.Marketplace)},
			{Key: HeaderStatus, Value: []byte(session.TerminationStatus)},
		},
		Time: time.Now().UTC(),
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish session %s: %w", session.SessionID, err)
	}

	p.logger.DebugContext(ctx, "published session",
		slog.String("topic", p.topic),
		slog.String("session_id", session.SessionID))
	return nil
}

// Close flushes pending messages and closes the writer
func (p *Publisher) Close() error {
	return p.writer.Close()
}
