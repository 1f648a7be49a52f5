package delivery

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"
)

type publishFunc func(ctx context.Context, m *pubsub.Message) (string, error)

type PubSubSender struct {
	publish publishFunc
	topic   string
}

func NewPubSubSender(topic *pubsub.Topic) *PubSubSender {
	return &PubSubSender{
		topic: topic.ID(),
		publish: func(ctx context.Context, m *pubsub.Message) (string, error) {
			return topic.Publish(ctx, m).Get(ctx)
		},
	}
}

func (p *PubSubSender) Name() string { return ChannelPubSub }

func (p *PubSubSender) Destination() string { return p.topic }

func (p *PubSubSender) Send(ctx context.Context, msg Message) error {
	data, err := encodeEnvelope(msg)
	if err != nil {
		return fmt.Errorf("marshal pubsub alert: %w", err)
	}
	_, err = p.publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"zone_id":    msg.Alert.Zone,
			"event_type": msg.Alert.EventType,
			"severity":   string(msg.Alert.Severity),
		},
	})
	if err != nil {
		return fmt.Errorf("pubsub publish: %w", err)
	}
	return nil
}
