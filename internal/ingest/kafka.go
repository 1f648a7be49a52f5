package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"ezwatch/internal/config"
)

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

func StartKafka(ctx context.Context, cfg config.KafkaConfig, sink *Sink, logger *slog.Logger) {
	if !cfg.Enabled {
		if logger != nil {
			logger.Info("kafka ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka ingest enabled", "brokers", cfg.Brokers, "topic", cfg.Topic, "group_id", cfg.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	go consume(ctx, reader, sink, logger)
}

func consume(ctx context.Context, reader messageReader, sink *Sink, logger *slog.Logger) {
	defer reader.Close()
	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if logger != nil {
				logger.Warn("kafka read error", "err", err)
			}
			if !BackoffSleep(ctx, time.Second) {
				return
			}
			continue
		}
		sink.Handle(ctx, m.Value, "kafka")
	}
}
