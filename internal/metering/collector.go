package metering

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// BatchInserter is the interface used by Collector to persist events.
// It exists to allow testing without a real database.
type BatchInserter interface {
	BatchInsert(ctx context.Context, events []Event) error
}

// FlushObserver is an optional interface for recording flush outcomes.
type FlushObserver interface {
	ObserveFlush(events int, err error)
}

// Collector buffers events in memory and periodically flushes them to the
// store in batches. It is safe for concurrent use.
type Collector struct {
	store         BatchInserter
	buffer        []Event
	mu            sync.Mutex
	batchSize     int
	flushInterval time.Duration
	logger        *slog.Logger
	metrics       FlushObserver

	started  atomic.Bool
	done     chan struct{}
	exited   chan struct{}
	stopOnce sync.Once
}

// NewCollector creates a new Collector that flushes to the given store when the
// buffer reaches batchSize or every flushInterval, whichever comes first.
func NewCollector(store BatchInserter, batchSize int, flushInterval time.Duration) *Collector {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	return &Collector{
		store:         store,
		buffer:        make([]Event, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		logger:        slog.Default(),
		done:          make(chan struct{}),
		exited:        make(chan struct{}),
	}
}

// SetLogger replaces the default logger.
func (c *Collector) SetLogger(logger *slog.Logger) {
	c.logger = logger
}

// SetMetrics sets the optional flush observer.
func (c *Collector) SetMetrics(m FlushObserver) {
	c.metrics = m
}

// Start begins flushing buffered events on a timer. It blocks until Stop is
// called or the context is cancelled.
func (c *Collector) Start(ctx context.Context) {
	c.started.Store(true)
	defer close(c.exited)

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.flush()
		case <-ctx.Done():
			c.flush()
			return
		case <-c.done:
			c.flush()
			return
		}
	}
}

// Record adds an event to the buffer. If the buffer reaches batchSize,
// a flush is triggered immediately.
func (c *Collector) Record(ev Event) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	c.mu.Lock()
	c.buffer = append(c.buffer, ev)
	shouldFlush := len(c.buffer) >= c.batchSize
	c.mu.Unlock()

	if shouldFlush {
		c.flush()
	}
}

// flush drains all buffered events and writes them to the store. It logs
// errors rather than returning them so callers are not blocked.
func (c *Collector) flush() {
	c.mu.Lock()
	if len(c.buffer) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.buffer
	c.buffer = make([]Event, 0, c.batchSize)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := c.store.BatchInsert(ctx, batch)
	if err != nil {
		c.logger.Error("failed to flush usage events", "count", len(batch), "error", err)
	}
	if c.metrics != nil {
		c.metrics.ObserveFlush(len(batch), err)
	}
}

// Stop signals the background loop to exit and waits for its final flush.
// When Start was never called the buffer is flushed directly. Stop is safe
// to call more than once.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
	if c.started.Load() {
		<-c.exited
		return
	}
	c.flush()
}
