package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// DefaultCapacity bounds pending outbound messages per connection.
const DefaultCapacity = 500

// Persister stores a connection's pending payloads across restarts. The
// storage package satisfies this.
type Persister interface {
	SaveQueue(port int, payloads [][]byte) error
	ClearQueue(port int) error
}

// SendFunc delivers one payload over the live socket.
type SendFunc func(payload []byte) error

// Message is one pending outbound payload. The id exists for logging and
// post-mortem correlation; ordering is implicit in queue position.
type Message struct {
	ID      string
	Payload []byte
}

// Queue is a bounded, persisted, drop-oldest outbound buffer for one
// connection. Safe for concurrent use.
type Queue struct {
	port    int
	cap     int
	store   Persister
	logger  *slog.Logger
	limiter *rate.Limiter

	mu      sync.Mutex
	entries []Message
	dropped int64
}

// Config controls queue capacity and flush pacing.
type Config struct {
	Capacity int
	// FlushRate caps flush throughput in messages per second so a freshly
	// restarted backend is not firehosed during drain. Zero disables pacing.
	FlushRate float64
	// FlushBurst is the limiter burst size when FlushRate is set.
	FlushBurst int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Capacity:   DefaultCapacity,
		FlushRate:  200,
		FlushBurst: 50,
	}
}

// New creates a queue for port, pre-loaded with payloads restored from the
// persister. A nil store disables persistence.
func New(port int, cfg Config, store Persister, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}

	q := &Queue{
		port:   port,
		cap:    cfg.Capacity,
		store:  store,
		logger: logger.With("port", port),
	}
	if cfg.FlushRate > 0 {
		burst := cfg.FlushBurst
		if burst <= 0 {
			burst = 1
		}
		q.limiter = rate.NewLimiter(rate.Limit(cfg.FlushRate), burst)
	}
	return q
}

// Restore seeds the queue from persisted payloads, trimming to capacity.
func (q *Queue) Restore(payloads [][]byte) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.entries = q.entries[:0]
	for _, p := range payloads {
		q.entries = append(q.entries, Message{ID: uuid.NewString(), Payload: p})
	}
	if over := len(q.entries) - q.cap; over > 0 {
		q.entries = append([]Message(nil), q.entries[over:]...)
		q.dropped += int64(over)
	}
}

// Enqueue appends a payload, dropping the oldest entries if the queue is
// over capacity, and persists the result.
func (q *Queue) Enqueue(payload []byte) {
	q.mu.Lock()
	q.entries = append(q.entries, Message{ID: uuid.NewString(), Payload: payload})
	if over := len(q.entries) - q.cap; over > 0 {
		q.entries = append([]Message(nil), q.entries[over:]...)
		q.dropped += int64(over)
		q.logger.Warn("queue over capacity, dropped oldest",
			"dropped", over,
			"capacity", q.cap,
		)
	}
	snapshot := q.snapshotLocked()
	q.mu.Unlock()

	q.persist(snapshot)
}

// Flush sends pending payloads strictly in enqueue order. On a send failure
// the failed message is re-inserted at the front and flushing stops; the
// persisted copy is cleared only after everything went out.
func (q *Queue) Flush(ctx context.Context, send SendFunc) (sent int, err error) {
	for {
		q.mu.Lock()
		if len(q.entries) == 0 {
			q.mu.Unlock()
			break
		}
		msg := q.entries[0]
		q.entries = q.entries[1:]
		q.mu.Unlock()

		if q.limiter != nil {
			if werr := q.limiter.Wait(ctx); werr != nil {
				q.requeueFront(msg)
				return sent, werr
			}
		}

		if serr := send(msg.Payload); serr != nil {
			q.requeueFront(msg)
			q.mu.Lock()
			snapshot := q.snapshotLocked()
			q.mu.Unlock()
			q.persist(snapshot)
			return sent, fmt.Errorf("flush message %s: %w", msg.ID, serr)
		}
		sent++
	}

	if q.store != nil {
		if cerr := q.store.ClearQueue(q.port); cerr != nil {
			q.logger.Warn("failed to clear persisted queue", "error", cerr)
		}
	}
	return sent, nil
}

// Len returns the number of pending messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Dropped returns the cumulative count of payloads lost to the capacity cap.
func (q *Queue) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Persist writes the current contents through to the persister. Called on
// connection teardown so pending messages survive a restart.
func (q *Queue) Persist() {
	q.mu.Lock()
	snapshot := q.snapshotLocked()
	q.mu.Unlock()
	q.persist(snapshot)
}

func (q *Queue) requeueFront(msg Message) {
	q.mu.Lock()
	q.entries = append([]Message{msg}, q.entries...)
	q.mu.Unlock()
}

func (q *Queue) snapshotLocked() [][]byte {
	out := make([][]byte, len(q.entries))
	for i, m := range q.entries {
		out[i] = m.Payload
	}
	return out
}

func (q *Queue) persist(snapshot [][]byte) {
	if q.store == nil {
		return
	}
	if err := q.store.SaveQueue(q.port, snapshot); err != nil {
		q.logger.Warn("failed to persist queue", "error", err)
	}
}
