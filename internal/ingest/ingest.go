// Package ingest feeds CV events from streaming sources into the engine's
// worker pool.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"ezwatch/internal/model"
	"ezwatch/internal/normalize"
)

// Rejecter records payloads that never reached a worker: undecodable ones
// and events dropped on a full queue.
type Rejecter interface {
	Reject(ctx context.Context, reason string) model.Outcome
	Overflow(ctx context.Context, ev model.CVEvent) model.Outcome
}

// Sink decodes raw payloads and queues the events for processing.
type Sink struct {
	out    chan<- model.CVEvent
	reject Rejecter
	logger *slog.Logger
}

func NewSink(out chan<- model.CVEvent, reject Rejecter, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Sink{out: out, reject: reject, logger: logger}
}

// Handle reports whether the payload was queued.
func (s *Sink) Handle(ctx context.Context, payload []byte, source string) bool {
	ev, err := normalize.Decode(payload)
	if err != nil {
		s.logger.Warn("undecodable event", "source", source, "err", err)
		if s.reject != nil {
			s.reject.Reject(ctx, model.ReasonInvalidPayload)
		}
		return false
	}
	if SendNonBlocking(ctx, s.out, ev, s.logger) {
		return true
	}
	if ctx.Err() == nil && s.reject != nil {
		s.reject.Overflow(ctx, ev)
	}
	return false
}

func SendNonBlocking(ctx context.Context, out chan<- model.CVEvent, ev model.CVEvent, logger *slog.Logger) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	default:
		if logger != nil {
			logger.Warn("event channel full, dropping event", "camera_id", ev.CameraID, "zone_id", ev.ZoneID, "timestamp", ev.TimestampUTC)
		}
		return false
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
