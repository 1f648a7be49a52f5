// Package delivery turns an accepted alert into notifications on the
// configured channels.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"ezwatch/internal/model"
)

const (
	ChannelWhatsApp = "whatsapp"
	ChannelEmail    = "email"
	ChannelNATS     = "nats"
	ChannelKafka    = "kafka"
	ChannelPubSub   = "pubsub"
)

// KnownChannels lists every channel name a zone may use as destination.
var KnownChannels = []string{ChannelWhatsApp, ChannelEmail, ChannelNATS, ChannelKafka, ChannelPubSub}

var (
	ErrTimeout   = errors.New("delivery timed out")
	ErrNoChannel = errors.New("no delivery channel configured")
)

type Message struct {
	EventID string
	Alert   model.AlertMessage
	Text    string
}

func (m Message) Subject() string {
	return fmt.Sprintf("[EZ-WATCH] %s - %s", m.Alert.Title, m.Alert.Zone)
}

type Sender interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// Destination is implemented by senders that can describe where they deliver.
type Destination interface {
	Destination() string
}

type Result struct {
	Channel  string
	Success  bool
	Reason   string
	Attempts []model.DeliveryAttempt
}

func (r Result) Err() error {
	switch {
	case r.Success:
		return nil
	case r.Reason == model.ReasonNoDeliveryChannel:
		return ErrNoChannel
	default:
		return errors.New(r.Reason)
	}
}

// Dispatcher tries destinations in order and stops at the first success.
// It never retries a channel.
type Dispatcher struct {
	senders map[string]Sender
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

func NewDispatcher(timeout time.Duration, logger *slog.Logger, senders ...Sender) *Dispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	d := &Dispatcher{
		senders: make(map[string]Sender, len(senders)),
		timeout: timeout,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, s := range senders {
		if s != nil {
			d.senders[s.Name()] = s
		}
	}
	return d
}

// Channels returns the enabled channel names in KnownChannels order.
func (d *Dispatcher) Channels() []string {
	out := make([]string, 0, len(d.senders))
	for _, name := range KnownChannels {
		if _, ok := d.senders[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

func (d *Dispatcher) Dispatch(ctx context.Context, msg Message, destinations []string) Result {
	res := Result{}
	seen := make(map[string]bool, len(destinations))
	for _, name := range destinations {
		if seen[name] {
			continue
		}
		seen[name] = true
		s, ok := d.senders[name]
		if !ok {
			continue
		}
		err := d.attempt(ctx, s, msg)
		at := model.DeliveryAttempt{
			EventID: msg.EventID,
			Channel: name,
			At:      d.now(),
			Success: err == nil,
			Message: msg.Alert,
		}
		if dst, ok := s.(Destination); ok {
			at.Destination = dst.Destination()
		}
		res.Channel = name
		if err == nil {
			res.Attempts = append(res.Attempts, at)
			res.Success = true
			res.Reason = ""
			return res
		}
		at.Error = err.Error()
		res.Attempts = append(res.Attempts, at)
		res.Reason = failureReason(name, err)
		if d.logger != nil {
			d.logger.Warn("delivery attempt failed", "channel", name, "event_id", msg.EventID, "reason", res.Reason, "err", err)
		}
	}
	if len(res.Attempts) == 0 {
		res.Reason = model.ReasonNoDeliveryChannel
	}
	return res
}

// attempt bounds one send with the dispatcher timeout even when the sender
// ignores its context.
func (d *Dispatcher) attempt(ctx context.Context, s Sender, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- s.Send(ctx, msg)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%s: %w", s.Name(), ErrTimeout)
		}
		return ctx.Err()
	}
}

func failureReason(channel string, err error) string {
	if IsTimeout(err) {
		return model.TimeoutReason(channel)
	}
	return model.SendFailedReason(channel)
}

func IsTimeout(err error) bool {
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
