package notify

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/floodwatch/floodwatch-cli/internal/model"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// KafkaPublisher produces one message per change, keyed by entity. The hash
// balancer sends every change for one entity to the same partition, so a
// consumer sees each city's transitions in order.
type KafkaPublisher struct {
	writer messageWriter
}

// NewKafka creates a producer for topic.
func NewKafka(brokers []string, topic string) *KafkaPublisher {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &KafkaPublisher{writer: w}
}

// Publish sends all changes in a single WriteMessages call.
func (p *KafkaPublisher) Publish(ctx context.Context, changes []model.WarningChange) error {
	if len(changes) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, len(changes))
	for i, c := range changes {
		msg, err := changeToMessage(c)
		if err != nil {
			return err
		}
		msgs[i] = msg
	}
	return eris.Wrapf(p.writer.WriteMessages(ctx, msgs...), "notify: write %d kafka messages", len(msgs))
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func changeToMessage(c model.WarningChange) (kafkago.Message, error) {
	data, err := encodeChange(c)
	if err != nil {
		return kafkago.Message{}, err
	}
	return kafkago.Message{
		Key:   []byte(changeKey(c)),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "warning_level", Value: []byte(c.To.String())},
			{Key: "changed_at", Value: []byte(c.At.Format(time.RFC3339))},
		},
	}, nil
}
