package kafka

import (
	"context"
	"encoding/json"

	"backend-uthutho/internal/broker/messages"
	"backend-uthutho/internal/logger"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Producer struct {
	w     messageWriter
	topic string
	log   logrus.FieldLogger
}

func NewProducer(brokers []string, topic string, log logrus.FieldLogger) *Producer {
	return newProducerWithWriter(&kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		Async:                  true,
	}, topic, log)
}

func newProducerWithWriter(w messageWriter, topic string, log logrus.FieldLogger) *Producer {
	return &Producer{w: w, topic: topic, log: logger.OrDiscard(log)}
}

func (p *Producer) Publish(ctx context.Context, key, value []byte) error {
	if err := p.w.WriteMessages(ctx, kafka.Message{
		Topic: p.topic,
		Key:   key,
		Value: value,
	}); err != nil {
		return errors.Wrap(err, "kafka publish")
	}
	return nil
}

// Emit publishes a lifecycle event keyed by journey id so one journey's events
// stay ordered within a partition. Failures are logged only.
func (p *Producer) Emit(ctx context.Context, ev messages.JourneyEvent) {
	b, err := json.Marshal(ev)
	if err != nil {
		p.log.WithError(err).Warn("marshal journey event")
		return
	}
	if err := p.Publish(ctx, []byte(ev.JourneyID), b); err != nil {
		p.log.WithError(err).WithField("type", ev.Type).Warn("journey event not published")
	}
}

func (p *Producer) Close() error {
	return p.w.Close()
}

// Noop discards events when no brokers are configured.
type Noop struct{}

func (Noop) Emit(context.Context, messages.JourneyEvent) {}
