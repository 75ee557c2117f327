package server

import (
	"context"
	"log/slog"
	"time"

	"trustloop/internal/notify"
)

const defaultDispatchInterval = 15 * time.Second

// batchProcessor is the part of notify.Dispatcher the loop needs.
type batchProcessor interface {
	ProcessBatch(ctx context.Context) (notify.BatchResult, error)
}

type dispatchLoop struct {
	d        batchProcessor
	interval time.Duration
	logger   *slog.Logger
}

// StartDispatcher drains due notifications every interval until ctx ends.
// It is the in-process alternative to running `notify dispatch` from cron.
func StartDispatcher(ctx context.Context, d batchProcessor, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = defaultDispatchInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := &dispatchLoop{d: d, interval: interval, logger: logger}
	go l.run(ctx)
}

func (l *dispatchLoop) run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		l.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (l *dispatchLoop) tick(ctx context.Context) {
	res, err := l.d.ProcessBatch(ctx)
	if err != nil {
		if ctx.Err() == nil {
			l.logger.Error("notification dispatch failed", "error", err)
		}
		return
	}
	if res.Claimed > 0 || res.Reclaimed > 0 {
		l.logger.Info("notifications dispatched", "claimed", res.Claimed, "sent", res.Sent, "retried", res.Retried, "failed", res.Failed, "reclaimed", res.Reclaimed)
	}
}
