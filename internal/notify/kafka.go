package notify

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Kafka publishes notifications to a topic keyed by recipient, so one
// recipient's messages stay ordered within a partition.
type Kafka struct {
	Writer messageWriter
}

func NewKafka(brokers []string, topic string) *Kafka {
	return &Kafka{Writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}}
}

func (k *Kafka) Notify(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return k.Writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(n.RecipientID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "case_id", Value: []byte(n.CaseID)},
		},
	})
}

// Close flushes the underlying writer when it supports closing.
func (k *Kafka) Close() error {
	if c, ok := k.Writer.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
