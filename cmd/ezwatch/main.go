package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"ezwatch/internal/alerts"
	"ezwatch/internal/api"
	"ezwatch/internal/config"
	"ezwatch/internal/delivery"
	"ezwatch/internal/engine"
	"ezwatch/internal/gate"
	"ezwatch/internal/heartbeat"
	"ezwatch/internal/ingest"
	"ezwatch/internal/logging"
	"ezwatch/internal/metrics"
	"ezwatch/internal/model"
	"ezwatch/internal/storage"
)

var version = "dev"

func main() {
	defaultPath := os.Getenv("EZWATCH_CONFIG")
	if defaultPath == "" {
		defaultPath = "ezwatch.yaml"
	}
	path := flag.String("config", defaultPath, "path to the YAML or JSON configuration file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config.ResolvePath(*path)); err != nil {
		fmt.Fprintln(os.Stderr, "ezwatch:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, path string) error {
	mgr, err := config.NewManager(path)
	if err != nil {
		return err
	}
	cfg := mgr.Get()
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting ezwatch", "version", version, "config", path, "zones", len(cfg.Zones))

	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}()

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if store != nil {
		if err := store.Init(ctx); err != nil {
			return fmt.Errorf("storage init: %w", err)
		}
		closers = append(closers, store)
	}

	gates, err := newGateStore(cfg, store)
	if err != nil {
		return err
	}
	if gates != gate.Store(store) {
		closers = append(closers, gates)
	}

	senders, senderClosers, err := newSenders(ctx, cfg, logger)
	closers = append(closers, senderClosers...)
	if err != nil {
		return err
	}
	dispatcher := delivery.NewDispatcher(cfg.Delivery.Timeout, logger, senders...)
	if len(dispatcher.Channels()) == 0 {
		logger.Warn("no delivery channel enabled; every accepted event will fail")
	}

	counters := metrics.NewCollector()
	history := alerts.NewStore(cfg.Alerts.StoreLimit)
	stats := metrics.NewStore(cfg.Metrics.StoreLimit)
	deps := engine.Deps{
		Logger:   logger,
		Counters: counters,
		History:  history,
		Stats:    stats,
		Gates:    gates,
		Delivery: dispatcher,
	}
	if store != nil {
		deps.Recorder = store
	}
	eng := engine.NewEngine(cfg, deps)

	go mgr.Watch(ctx, 5*time.Second, func(next *config.Config) {
		eng.UpdateConfig(next)
		logger.Info("configuration reloaded", "zones", len(next.Zones))
	}, func(err error) {
		logger.Error("configuration reload failed", "err", err)
	})

	events := make(chan model.CVEvent, cfg.Ingest.ChannelBuffer)
	workers := eng.Start(ctx, events, cfg.Ingest.Workers)
	sink := ingest.NewSink(events, eng, logger)
	ingest.StartKafka(ctx, cfg.Ingest.Kafka, sink, logger)
	if err := ingest.StartTCPStream(ctx, cfg.Ingest.TCPStream, sink, logger); err != nil {
		return fmt.Errorf("tcp stream ingest: %w", err)
	}
	ingest.StartFileTail(ctx, cfg.Ingest.FileTail, sink, logger)

	var tracker heartbeat.Tracker = heartbeat.NewMemoryTracker()
	if store != nil {
		tracker = store
	}
	if cfg.Heartbeat.Enabled {
		heartbeat.NewMonitor(tracker, eng, cfg.Heartbeat, logger).Start(ctx)
	}

	opts := api.Options{
		Config:     mgr,
		Engine:     eng,
		History:    history,
		Stats:      stats,
		Counters:   counters,
		Heartbeats: tracker,
		Logger:     logger,
		Version:    version,
	}
	if store != nil {
		opts.Ready = store.Ping
	}
	srv := api.Start(ctx, opts)

	<-ctx.Done()
	logger.Info("shutting down")
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("api shutdown", "err", err)
		}
	}
	workers.Wait()
	return nil
}

func newGateStore(cfg *config.Config, store storage.Store) (gate.Store, error) {
	switch cfg.Gate.Driver {
	case "redis":
		r := cfg.Gate.Redis
		client := redis.NewClient(&redis.Options{Addr: r.Addr, Password: r.Password, DB: r.DB})
		lockTTL := r.LockTTL
		// Leases renew while held; the floor covers a full fallback chain
		// should renewals stall.
		if floor := time.Duration(len(delivery.KnownChannels)+1) * cfg.Delivery.Timeout; lockTTL < floor {
			lockTTL = floor
		}
		return gate.NewRedisStore(client, gate.RedisOptions{
			Prefix:    r.KeyPrefix,
			LockTTL:   lockTTL,
			RecordTTL: r.KeyTTL,
		}), nil
	case "storage":
		if store == nil {
			return nil, errors.New("gate driver storage needs storage.enabled")
		}
		return store, nil
	default:
		return gate.NewMemoryStore(cfg.Gate.MaxKeys), nil
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// newSenders builds every enabled channel, each behind its own circuit
// breaker. The returned closers release client connections.
func newSenders(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]delivery.Sender, []io.Closer, error) {
	d := cfg.Delivery
	breaker := delivery.BreakerSettings{
		ConsecutiveFailures: d.Breaker.ConsecutiveFailures,
		OpenTimeout:         d.Breaker.OpenTimeout,
	}
	var senders []delivery.Sender
	var closers []io.Closer
	add := func(s delivery.Sender) {
		senders = append(senders, delivery.WithBreaker(s, breaker, logger))
		logger.Info("delivery channel enabled", "channel", s.Name())
	}

	if d.WhatsApp.Enabled {
		add(delivery.NewWhatsAppSender(delivery.WhatsAppConfig{
			WebhookURL:  d.WhatsApp.WebhookURL,
			BearerToken: d.WhatsApp.BearerToken,
		}, &http.Client{Timeout: d.Timeout}))
	}
	if d.Email.Enabled {
		add(delivery.NewEmailSender(delivery.EmailConfig{
			Host:       d.Email.Host,
			Port:       d.Email.Port,
			Username:   d.Email.Username,
			Password:   d.Email.Password,
			From:       d.Email.From,
			Recipients: d.Email.To,
			StartTLS:   d.Email.StartTLS,
		}))
	}
	if d.NATS.Enabled {
		nc, err := nats.Connect(d.NATS.URL, nats.Name("ezwatch"), nats.MaxReconnects(-1))
		if err != nil {
			return senders, closers, fmt.Errorf("nats connect: %w", err)
		}
		closers = append(closers, closerFunc(func() error { nc.Close(); return nil }))
		add(delivery.NewNATSSender(nc, d.NATS.Subject))
	}
	if d.Kafka.Enabled {
		w := delivery.NewKafkaWriter(d.Kafka.Brokers, d.Kafka.Topic)
		closers = append(closers, w)
		add(delivery.NewKafkaSender(w, d.Kafka.Topic))
	}
	if d.PubSub.Enabled {
		client, err := pubsub.NewClient(ctx, d.PubSub.ProjectID)
		if err != nil {
			return senders, closers, fmt.Errorf("pubsub client: %w", err)
		}
		topic := client.Topic(d.PubSub.TopicID)
		closers = append(closers, client, closerFunc(func() error { topic.Stop(); return nil }))
		add(delivery.NewPubSubSender(topic))
	}
	return senders, closers, nil
}
