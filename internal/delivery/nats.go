package delivery

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"

	"ezwatch/internal/model"
)

// natsConn is the subset of *nats.Conn the sender needs.
type natsConn interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
}

var _ natsConn = (*nats.Conn)(nil)

// envelope is the JSON body published on message-bus channels.
type envelope struct {
	EventID string             `json:"event_id,omitempty"`
	Text    string             `json:"text"`
	Alert   model.AlertMessage `json:"alert"`
}

func encodeEnvelope(msg Message) ([]byte, error) {
	return json.Marshal(envelope{EventID: msg.EventID, Text: msg.Text, Alert: msg.Alert})
}

type NATSSender struct {
	conn    natsConn
	subject string
}

func NewNATSSender(conn natsConn, subject string) *NATSSender {
	if subject == "" {
		subject = "ezwatch.alerts"
	}
	return &NATSSender{conn: conn, subject: subject}
}

func (n *NATSSender) Name() string { return ChannelNATS }

func (n *NATSSender) Destination() string { return n.subject }

// Send publishes and flushes so a success means the server has the message.
func (n *NATSSender) Send(ctx context.Context, msg Message) error {
	data, err := encodeEnvelope(msg)
	if err != nil {
		return fmt.Errorf("marshal nats alert: %w", err)
	}
	if err := n.conn.Publish(n.subject, data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	if err := n.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}
	return nil
}
