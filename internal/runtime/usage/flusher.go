package usage

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const DefaultFlushInterval = 30 * time.Second

// Flusher moves pending ledger records into a Sink.
type Flusher struct {
	ledger   *Ledger
	sink     Sink
	interval time.Duration
	logger   *slog.Logger

	mu sync.Mutex
}

func NewFlusher(ledger *Ledger, sink Sink, interval time.Duration, logger *slog.Logger) *Flusher {
	if sink == nil {
		sink = NopSink{}
	}
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Flusher{
		ledger:   ledger,
		sink:     sink,
		interval: interval,
		logger:   logger.With(slog.String("agent", "usage_flusher")),
	}
}

// Flush writes every pending record. The ledger watermark only advances after
// the sink accepts the batch.
func (f *Flusher) Flush(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	pending := f.ledger.Pending()
	if len(pending) == 0 {
		return nil
	}
	if err := f.sink.Write(ctx, pending); err != nil {
		return err
	}
	f.ledger.MarkFlushed(len(pending))
	f.logger.Debug("usage records flushed", slog.Int("count", len(pending)))
	return nil
}

// Run flushes on every tick until ctx ends.
func (f *Flusher) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.Flush(ctx); err != nil {
				f.logger.Error("usage flush failed", slog.Any("error", err))
			}
		}
	}
}

func (f *Flusher) Close() error {
	return f.sink.Close()
}
