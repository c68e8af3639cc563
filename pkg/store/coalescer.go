package store

import (
	"context"
	"sync"
	"time"

	"github.com/fernandoexploraria/proximityd/pkg/logx"
)

// CoalescerConfig tunes the write coalescer
type CoalescerConfig struct {
	// FlushWindow is how long queued writes wait for more writes to the
	// same batch before hitting the backend
	FlushWindow time.Duration `json:"flush_window"`
	// CacheTTL bounds how long a cached value answers reads without
	// consulting the backend
	CacheTTL time.Duration `json:"cache_ttl"`
}

// DefaultCoalescerConfig returns the standard coalescing windows
func DefaultCoalescerConfig() CoalescerConfig {
	return CoalescerConfig{
		FlushWindow: 500 * time.Millisecond,
		CacheTTL:    30 * time.Second,
	}
}

// CoalescerStats reports coalescer effectiveness
type CoalescerStats struct {
	Writes        int64   `json:"writes"`
	Flushes       int64   `json:"flushes"`
	FlushedKeys   int64   `json:"flushed_keys"`
	Errors        int64   `json:"errors"`
	CacheHits     int64   `json:"cache_hits"`
	CacheMisses   int64   `json:"cache_misses"`
	AvgBatchSize  float64 `json:"avg_batch_size"`
	CacheHitRate  float64 `json:"cache_hit_rate"`
	WriteErrRate  float64 `json:"write_error_rate"`
	PendingWrites int     `json:"pending_writes"`
}

type cacheEntry struct {
	value    []byte
	storedAt time.Time
}

// Coalescer sits in front of a KV backend. Normal writes are queued and
// flushed in batches after a short window; high-priority writes go straight
// through. Reads are answered from a TTL cache when possible. Last write
// wins within a batch.
type Coalescer struct {
	mu      sync.Mutex
	backend KV
	config  CoalescerConfig
	logger  *logx.Logger

	cache   map[string]cacheEntry
	pending map[string][]byte
	timer   *time.Timer
	gen     int
	closed  bool

	writes      int64
	flushes     int64
	flushedKeys int64
	errors      int64
	cacheHits   int64
	cacheMisses int64
}

// NewCoalescer wraps the backend with write coalescing
func NewCoalescer(backend KV, config CoalescerConfig, logger *logx.Logger) *Coalescer {
	if config.FlushWindow <= 0 {
		config.FlushWindow = DefaultCoalescerConfig().FlushWindow
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = DefaultCoalescerConfig().CacheTTL
	}
	return &Coalescer{
		backend: backend,
		config:  config,
		logger:  logger,
		cache:   make(map[string]cacheEntry),
		pending: make(map[string][]byte),
	}
}

// Get answers from the cache when the entry is fresh, otherwise reads
// through to the backend and refills the cache
func (c *Coalescer) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	if v, ok := c.pending[key]; ok {
		c.cacheHits++
		c.mu.Unlock()
		return v, true, nil
	}
	if e, ok := c.cache[key]; ok && time.Since(e.storedAt) < c.config.CacheTTL {
		c.cacheHits++
		c.mu.Unlock()
		return e.value, true, nil
	}
	c.cacheMisses++
	c.mu.Unlock()

	value, found, err := c.backend.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if found {
		c.mu.Lock()
		c.cache[key] = cacheEntry{value: value, storedAt: time.Now()}
		c.mu.Unlock()
	}
	return value, found, nil
}

// Set queues a write for the next flush window. The cache is updated
// immediately so reads see the new value before the backend does.
func (c *Coalescer) Set(ctx context.Context, key string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return c.backend.Set(ctx, key, value)
	}
	c.writes++
	c.pending[key] = value
	c.cache[key] = cacheEntry{value: value, storedAt: time.Now()}
	c.scheduleLocked()
	return nil
}

// SetHighPriority bypasses coalescing and writes to the backend
// immediately. Any queued write for the same key is superseded.
func (c *Coalescer) SetHighPriority(ctx context.Context, key string, value []byte) error {
	c.mu.Lock()
	c.writes++
	delete(c.pending, key)
	c.cache[key] = cacheEntry{value: value, storedAt: time.Now()}
	c.mu.Unlock()

	if err := c.backend.Set(ctx, key, value); err != nil {
		c.mu.Lock()
		c.errors++
		c.mu.Unlock()
		return err
	}
	return nil
}

// Delete removes the key from cache, queue and backend
func (c *Coalescer) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	delete(c.pending, key)
	delete(c.cache, key)
	c.mu.Unlock()
	return c.backend.Delete(ctx, key)
}

// ForceFlush writes all queued values to the backend now
func (c *Coalescer) ForceFlush(ctx context.Context) error {
	c.mu.Lock()
	batch := c.takeBatchLocked()
	c.mu.Unlock()
	return c.writeBatch(ctx, batch)
}

// Close flushes outstanding writes and stops the flush timer. Writes after
// Close go straight to the backend.
func (c *Coalescer) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	batch := c.takeBatchLocked()
	c.mu.Unlock()
	return c.writeBatch(ctx, batch)
}

// Stats returns a snapshot of coalescer effectiveness counters
func (c *Coalescer) Stats() CoalescerStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := CoalescerStats{
		Writes:        c.writes,
		Flushes:       c.flushes,
		FlushedKeys:   c.flushedKeys,
		Errors:        c.errors,
		CacheHits:     c.cacheHits,
		CacheMisses:   c.cacheMisses,
		PendingWrites: len(c.pending),
	}
	if c.flushes > 0 {
		s.AvgBatchSize = float64(c.flushedKeys) / float64(c.flushes)
	}
	if reads := c.cacheHits + c.cacheMisses; reads > 0 {
		s.CacheHitRate = float64(c.cacheHits) / float64(reads)
	}
	if c.writes > 0 {
		s.WriteErrRate = float64(c.errors) / float64(c.writes)
	}
	return s
}

// scheduleLocked arms the flush timer if it is not already running
func (c *Coalescer) scheduleLocked() {
	if c.timer != nil {
		return
	}
	c.gen++
	gen := c.gen
	c.timer = time.AfterFunc(c.config.FlushWindow, func() {
		c.flushTimer(gen)
	})
}

func (c *Coalescer) flushTimer(gen int) {
	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	batch := c.takeBatchLocked()
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.writeBatch(ctx, batch); err != nil {
		c.logger.Warn("coalesced flush failed", "error", err)
	}
}

func (c *Coalescer) takeBatchLocked() map[string][]byte {
	if len(c.pending) == 0 {
		return nil
	}
	batch := c.pending
	c.pending = make(map[string][]byte)
	return batch
}

func (c *Coalescer) writeBatch(ctx context.Context, batch map[string][]byte) error {
	if len(batch) == 0 {
		return nil
	}
	var firstErr error
	var wrote int64
	for key, value := range batch {
		if err := c.backend.Set(ctx, key, value); err != nil {
			c.mu.Lock()
			c.errors++
			c.mu.Unlock()
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		wrote++
	}
	c.mu.Lock()
	c.flushes++
	c.flushedKeys += wrote
	c.mu.Unlock()
	return firstErr
}
