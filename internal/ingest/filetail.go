package ingest

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"ezwatch/internal/config"
)

// StartFileTail follows each spool file, decoding one JSON event per line.
// A file that shrinks is treated as rotated and read again from the start.
func StartFileTail(ctx context.Context, cfg config.FileTailConfig, sink *Sink, logger *slog.Logger) {
	if !cfg.Enabled {
		if logger != nil {
			logger.Info("file tail ingest disabled")
		}
		return
	}
	for _, path := range cfg.Files {
		if logger != nil {
			logger.Info("file tail ingest enabled", "path", path, "start_at_end", cfg.StartAtEnd)
		}
		go tailFile(ctx, path, cfg.StartAtEnd, sink, logger)
	}
}

func tailFile(ctx context.Context, path string, startAtEnd bool, sink *Sink, logger *slog.Logger) {
	var file *os.File
	var offset int64
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if file == nil {
			f, err := os.Open(path)
			if err != nil {
				if logger != nil {
					logger.Warn("tail open failed", "path", path, "err", err)
				}
				if !BackoffSleep(ctx, 500*time.Millisecond) {
					return
				}
				continue
			}
			file = f
			offset = 0
			if startAtEnd {
				if pos, err := file.Seek(0, io.SeekEnd); err == nil {
					offset = pos
				}
				// Only the first open skips history; rotated files are read whole.
				startAtEnd = false
			}
		}

		reader := bufio.NewReader(file)
		var partial []byte
		for {
			chunk, err := reader.ReadBytes('\n')
			partial = append(partial, chunk...)
			if err != nil {
				if err == io.EOF {
					if !BackoffSleep(ctx, 200*time.Millisecond) {
						_ = file.Close()
						return
					}
					info, statErr := os.Stat(path)
					if statErr == nil && info.Size() < offset {
						_ = file.Close()
						file = nil
						break
					}
					continue
				}
				if logger != nil {
					logger.Warn("tail read error", "path", path, "err", err)
				}
				_ = file.Close()
				file = nil
				break
			}
			offset += int64(len(partial))
			line := bytes.TrimSpace(partial)
			partial = nil
			if len(line) == 0 {
				continue
			}
			sink.Handle(ctx, line, "file_tail")
		}
	}
}
