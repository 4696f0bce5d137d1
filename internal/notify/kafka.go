package notify

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"phiguard/pkg/platform/circuit"
)

// Producer is the subset of the franz-go client used to publish events.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// KafkaObserver publishes events as JSON records keyed by event type.
// Publishing is synchronous, so a breaker stops a dead broker from adding
// its timeout to every access check and sweep.
type KafkaObserver struct {
	producer Producer
	topic    string
	logger   *slog.Logger
	breaker  *circuit.Breaker
}

type KafkaOption func(*KafkaObserver)

// WithBreaker replaces the default breaker.
func WithBreaker(b *circuit.Breaker) KafkaOption {
	return func(o *KafkaObserver) {
		o.breaker = b
	}
}

func NewKafkaObserver(producer Producer, topic string, logger *slog.Logger, opts ...KafkaOption) *KafkaObserver {
	if logger == nil {
		logger = slog.Default()
	}
	o := &KafkaObserver{
		producer: producer,
		topic:    topic,
		logger:   logger,
		breaker:  circuit.New("kafka-events"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *KafkaObserver) Notify(ctx context.Context, event Event) {
	if !o.breaker.Allow() {
		o.logger.DebugContext(ctx, "event dropped, kafka circuit open", "type", event.Type)
		return
	}
	value, err := json.Marshal(event)
	if err != nil {
		o.logger.ErrorContext(ctx, "failed to encode event", "type", event.Type, "error", err)
		return
	}
	rec := &kgo.Record{
		Topic: o.topic,
		Key:   []byte(event.Type),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "event_type", Value: []byte(event.Type)},
		},
	}
	if err := o.producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
		o.logger.ErrorContext(ctx, "failed to publish event",
			"type", event.Type,
			"topic", o.topic,
			"error", err,
		)
		if _, change := o.breaker.RecordFailure(); change.Opened {
			o.logger.WarnContext(ctx, "kafka circuit opened, dropping events until the broker recovers",
				"breaker", o.breaker.Name(),
			)
		}
		return
	}
	if _, change := o.breaker.RecordSuccess(); change.Closed {
		o.logger.InfoContext(ctx, "kafka circuit closed", "breaker", o.breaker.Name())
	}
}
