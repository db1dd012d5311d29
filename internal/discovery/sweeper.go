package discovery

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tabrelay/tabrelay/internal/storage"
)

// BackendHandler receives discovered backends.
type BackendHandler interface {
	HandleBackend(b Backend)
}

// BackendHandlerFunc is a function adapter for BackendHandler.
type BackendHandlerFunc func(Backend)

func (f BackendHandlerFunc) HandleBackend(b Backend) { f(b) }

// Config holds sweeper configuration.
type Config struct {
	PortStart   int           // First candidate port (default: 8875)
	PortEnd     int           // Last candidate port, inclusive (default: 8895)
	Interval    time.Duration // Sweep interval (default: 30s)
	Concurrency int           // Max concurrent probes (default: 4)
}

// DefaultConfig returns sensible defaults matching the backend's
// auto-discovery port window.
func DefaultConfig() Config {
	return Config{
		PortStart:   8875,
		PortEnd:     8895,
		Interval:    30 * time.Second,
		Concurrency: 4,
	}
}

// Sweeper periodically probes the candidate port range for live backends.
// Ports with a cached identity are probed first, so reconnecting to a
// known backend does not wait behind a cold scan.
type Sweeper struct {
	cfg     Config
	prober  Prober
	store   storage.Store
	handler BackendHandler
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Sweeper. A nil store disables identity prioritization.
func New(cfg Config, prober Prober, store storage.Store, handler BackendHandler, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		cfg:     cfg,
		prober:  prober,
		store:   store,
		handler: handler,
		logger:  logger,
	}
}

// Start begins the sweep loop.
func (s *Sweeper) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.run()

	s.logger.Info("discovery sweeper started",
		"port_start", s.cfg.PortStart,
		"port_end", s.cfg.PortEnd,
		"interval", s.cfg.Interval,
	)

	return nil
}

// Stop gracefully shuts down the sweeper.
func (s *Sweeper) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("discovery sweeper stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the main sweep loop.
func (s *Sweeper) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	// Sweep immediately on start.
	s.Sweep(s.ctx)

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(s.ctx)
		}
	}
}

// Sweep probes every candidate port once, concurrently, reporting each live
// backend to the handler.
func (s *Sweeper) Sweep(ctx context.Context) {
	start := time.Now()

	ports := s.Candidates()
	sem := make(chan struct{}, s.cfg.Concurrency)
	var wg sync.WaitGroup
	var found atomic.Int64

	for _, port := range ports {
		wg.Add(1)
		go func(port int) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}

			b, err := s.prober.Probe(ctx, port)
			if err != nil {
				// Silence is the common case: most candidate ports
				// have nothing listening.
				s.logger.Debug("probe failed", "port", port, "err", err)
				return
			}

			found.Add(1)
			s.logger.Info("backend discovered",
				"port", b.Port,
				"name", b.Name,
				"path", b.Path,
			)
			if s.handler != nil {
				s.handler.HandleBackend(b)
			}
		}(port)
	}

	wg.Wait()

	s.logger.Debug("sweep complete",
		"ports", len(ports),
		"found", found.Load(),
		"duration", time.Since(start),
	)
}

// Candidates returns the ports to probe, previously seen backends first
// (most recent first), then the rest of the range in ascending order.
func (s *Sweeper) Candidates() []int {
	known := make(map[int]time.Time)
	if s.store != nil {
		if ids, err := s.store.Identities(); err == nil {
			for port, id := range ids {
				known[port] = id.LastSeen
			}
		} else {
			s.logger.Warn("failed to load identity cache", "error", err)
		}
	}

	var prioritized, rest []int
	for port := s.cfg.PortStart; port <= s.cfg.PortEnd; port++ {
		if _, ok := known[port]; ok {
			prioritized = append(prioritized, port)
		} else {
			rest = append(rest, port)
		}
	}

	sort.Slice(prioritized, func(i, j int) bool {
		return known[prioritized[i]].After(known[prioritized[j]])
	})

	return append(prioritized, rest...)
}
