package batcher

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/tabrelay/tabrelay/internal/protocol"
)

// Sink receives assembled batch payloads for one tab. The connection
// manager's SendToTab satisfies this; the return value reports immediate
// delivery versus queueing.
type Sink interface {
	SendToTab(tabID int, payload []byte) bool
}

// SinkFunc is a function adapter for Sink.
type SinkFunc func(tabID int, payload []byte) bool

func (f SinkFunc) SendToTab(tabID int, payload []byte) bool { return f(tabID, payload) }

// Config holds batcher configuration.
type Config struct {
	MaxEntries    int           // Entries per tab before an early flush (default: 100)
	FlushInterval time.Duration // Flush period (default: 250ms)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxEntries:    100,
		FlushInterval: 250 * time.Millisecond,
	}
}

// Metrics counts batcher activity.
type Metrics struct {
	Entries   int64
	Batches   int64
	Delivered int64
	Queued    int64
}

// Batcher coalesces captured page events per tab into batch payloads, so a
// chatty page does not turn into one WebSocket frame per console line.
type Batcher struct {
	cfg    Config
	sink   Sink
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	pending map[int][]json.RawMessage // tab id -> entries
	metrics Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Batcher.
func New(cfg Config, sink Sink, logger *slog.Logger) *Batcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultConfig().MaxEntries
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}
	return &Batcher{
		cfg:     cfg,
		sink:    sink,
		logger:  logger,
		now:     time.Now,
		pending: make(map[int][]json.RawMessage),
	}
}

// Start begins the flush loop.
func (b *Batcher) Start(ctx context.Context) error {
	b.ctx, b.cancel = context.WithCancel(ctx)

	b.wg.Add(1)
	go b.flushLoop()

	b.logger.Info("batcher started",
		"max_entries", b.cfg.MaxEntries,
		"flush_interval", b.cfg.FlushInterval,
	)
	return nil
}

// Stop gracefully shuts down the batcher, flushing whatever is pending.
func (b *Batcher) Stop(ctx context.Context) error {
	if b.cancel != nil {
		b.cancel()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		b.logger.Warn("batcher stop timed out")
	}

	// Final flush
	b.FlushAll()
	b.logger.Info("batcher stopped")
	return nil
}

// Add records one captured entry for a tab. A tab crossing MaxEntries is
// flushed immediately.
func (b *Batcher) Add(tabID int, entry json.RawMessage) {
	b.mu.Lock()
	b.pending[tabID] = append(b.pending[tabID], entry)
	b.metrics.Entries++
	shouldFlush := len(b.pending[tabID]) >= b.cfg.MaxEntries
	b.mu.Unlock()

	if shouldFlush {
		b.flushTab(tabID)
	}
}

// Pending returns the number of unflushed entries for a tab.
func (b *Batcher) Pending(tabID int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending[tabID])
}

// Stats returns current metrics.
func (b *Batcher) Stats() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.metrics
}

// FlushAll flushes every tab with pending entries.
func (b *Batcher) FlushAll() {
	b.mu.Lock()
	tabs := make([]int, 0, len(b.pending))
	for tabID := range b.pending {
		tabs = append(tabs, tabID)
	}
	b.mu.Unlock()

	for _, tabID := range tabs {
		b.flushTab(tabID)
	}
}

// flushLoop periodically flushes all tabs.
func (b *Batcher) flushLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.FlushAll()
		}
	}
}

// flushTab assembles and sends one tab's pending entries.
func (b *Batcher) flushTab(tabID int) {
	b.mu.Lock()
	entries := b.pending[tabID]
	if len(entries) == 0 {
		b.mu.Unlock()
		return
	}
	delete(b.pending, tabID)
	b.metrics.Batches++
	b.mu.Unlock()

	payload, err := json.Marshal(protocol.Batch{
		Type:      protocol.TypeBatch,
		TabID:     tabID,
		Entries:   entries,
		Timestamp: b.now().UnixMilli(),
	})
	if err != nil {
		b.logger.Error("failed to encode batch", "tab", tabID, "error", err)
		return
	}

	delivered := b.sink.SendToTab(tabID, payload)

	b.mu.Lock()
	if delivered {
		b.metrics.Delivered++
	} else {
		b.metrics.Queued++
	}
	b.mu.Unlock()

	b.logger.Debug("flushed batch",
		"tab", tabID,
		"entries", len(entries),
		"delivered", delivered,
	)
}
