// Package publisher announces committed approval decisions on Kafka.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"spotkeeper/internal/approval/models"
	"spotkeeper/internal/platform/config"
	"spotkeeper/pkg/platform/circuit"
)

// ErrUnavailable is returned while the breaker keeps calls away from a
// failing broker.
var ErrUnavailable = errors.New("decision publisher unavailable")

// Producer is the slice of *kgo.Client the publisher uses.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Ping(ctx context.Context) error
	Close()
}

// KafkaPublisher writes decision events as JSON, keyed by booking id so every
// decision for a booking lands on the same partition in commit order.
type KafkaPublisher struct {
	client  Producer
	topic   string
	breaker *circuit.Breaker
	logger  *slog.Logger
}

type Option func(*KafkaPublisher)

func WithLogger(logger *slog.Logger) Option {
	return func(p *KafkaPublisher) {
		p.logger = logger
	}
}

func WithBreaker(b *circuit.Breaker) Option {
	return func(p *KafkaPublisher) {
		p.breaker = b
	}
}

// New connects to the configured brokers.
func New(cfg config.Kafka, opts ...Option) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.DecisionTopic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(0),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return NewWithProducer(client, cfg.DecisionTopic, opts...), nil
}

func NewWithProducer(client Producer, topic string, opts ...Option) *KafkaPublisher {
	p := &KafkaPublisher{
		client:  client,
		topic:   topic,
		breaker: circuit.New("decision-publisher"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish sends events synchronously. The first record error is returned.
func (p *KafkaPublisher) Publish(ctx context.Context, events []models.DecisionEvent) error {
	if len(events) == 0 {
		return nil
	}
	if !p.breaker.Allow() {
		return ErrUnavailable
	}

	records := make([]*kgo.Record, 0, len(events))
	for _, e := range events {
		value, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode decision event: %w", err)
		}
		records = append(records, &kgo.Record{
			Topic: p.topic,
			Key:   []byte(strconv.FormatInt(e.BookingID, 10)),
			Value: value,
		})
	}

	if err := p.client.ProduceSync(ctx, records...).FirstErr(); err != nil {
		if _, change := p.breaker.RecordFailure(); change.Opened && p.logger != nil {
			p.logger.WarnContext(ctx, "decision publisher circuit opened", "topic", p.topic, "error", err)
		}
		return fmt.Errorf("produce decision events: %w", err)
	}
	if _, change := p.breaker.RecordSuccess(); change.Closed && p.logger != nil {
		p.logger.InfoContext(ctx, "decision publisher circuit closed", "topic", p.topic)
	}
	return nil
}

func (p *KafkaPublisher) Health(ctx context.Context) error {
	return p.client.Ping(ctx)
}

func (p *KafkaPublisher) Close() {
	p.client.Close()
}

// EnsureTopic creates the decision topic unless it already exists.
func EnsureTopic(ctx context.Context, client *kgo.Client, cfg config.Kafka) error {
	admin := kadm.NewClient(client)
	_, err := admin.CreateTopic(ctx, cfg.Partitions, cfg.Replication, nil, cfg.DecisionTopic)
	if err != nil && !errors.Is(err, kerr.TopicAlreadyExists) {
		return fmt.Errorf("create topic %s: %w", cfg.DecisionTopic, err)
	}
	return nil
}

// Client exposes the underlying kgo client for topic provisioning.
func (p *KafkaPublisher) Client() (*kgo.Client, bool) {
	c, ok := p.client.(*kgo.Client)
	return c, ok
}

// Noop is used when no brokers are configured.
type Noop struct{}

func (Noop) Publish(context.Context, []models.DecisionEvent) error { return nil }

// Publisher is implemented by every decision subscriber.
type Publisher interface {
	Publish(ctx context.Context, events []models.DecisionEvent) error
}

// Multi fans events out to several publishers and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, events []models.DecisionEvent) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, events); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
