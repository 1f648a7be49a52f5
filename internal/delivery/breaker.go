package delivery

import (
	"context"
	"log/slog"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
)

type BreakerSettings struct {
	// ConsecutiveFailures opens the circuit; zero disables the breaker.
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
	HalfOpenRequests    uint32
}

// breakerSender fails fast while a channel keeps failing so a dead endpoint
// does not cost every event a full timeout.
type breakerSender struct {
	Sender
	cb *gobreaker.CircuitBreaker[struct{}]
}

func WithBreaker(s Sender, cfg BreakerSettings, logger *slog.Logger) Sender {
	if s == nil || cfg.ConsecutiveFailures == 0 {
		return s
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = 1
	}
	threshold := cfg.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        s.Name(),
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if logger != nil {
				logger.Warn("delivery circuit state change", "channel", name, "from", from.String(), "to", to.String())
			}
		},
	})
	return &breakerSender{Sender: s, cb: cb}
}

func (b *breakerSender) Send(ctx context.Context, msg Message) error {
	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, b.Sender.Send(ctx, msg)
	})
	return err
}

func (b *breakerSender) Destination() string {
	if d, ok := b.Sender.(Destination); ok {
		return d.Destination()
	}
	return ""
}

func (b *breakerSender) State() gobreaker.State {
	return b.cb.State()
}
