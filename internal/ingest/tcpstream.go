package ingest

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"

	"ezwatch/internal/config"
)

// StartTCPStream accepts connections carrying one JSON event per line.
func StartTCPStream(ctx context.Context, cfg config.TCPStreamConfig, sink *Sink, logger *slog.Logger) error {
	if !cfg.Enabled {
		if logger != nil {
			logger.Info("tcp stream ingest disabled")
		}
		return nil
	}
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}
	if logger != nil {
		logger.Info("tcp stream ingest enabled", "addr", ln.Addr().String())
	}
	go serveTCPStream(ctx, ln, sink, logger)
	return nil
}

func serveTCPStream(ctx context.Context, ln net.Listener, sink *Sink, logger *slog.Logger) {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if logger != nil {
				logger.Warn("tcp stream accept error", "err", err)
			}
			continue
		}
		go handleTCPStreamConn(ctx, conn, sink, logger)
	}
}

func handleTCPStreamConn(ctx context.Context, conn net.Conn, sink *Sink, logger *slog.Logger) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 8192), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		sink.Handle(ctx, line, "tcp_stream")
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
	if err := scanner.Err(); err != nil && logger != nil {
		logger.Warn("tcp stream scanner error", "err", err)
	}
}
