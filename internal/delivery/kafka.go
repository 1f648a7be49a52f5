package delivery

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

var _ messageWriter = (*kafka.Writer)(nil)

type KafkaSender struct {
	writer messageWriter
	topic  string
}

func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
}

func NewKafkaSender(w messageWriter, topic string) *KafkaSender {
	return &KafkaSender{writer: w, topic: topic}
}

func (k *KafkaSender) Name() string { return ChannelKafka }

func (k *KafkaSender) Destination() string { return k.topic }

// Send keys messages by zone so one zone's alerts stay ordered.
func (k *KafkaSender) Send(ctx context.Context, msg Message) error {
	data, err := encodeEnvelope(msg)
	if err != nil {
		return fmt.Errorf("marshal kafka alert: %w", err)
	}
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.Alert.Zone),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(msg.Alert.EventType)},
			{Key: "severity", Value: []byte(msg.Alert.Severity)},
		},
	})
	if err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}
