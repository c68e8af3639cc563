// Package history keeps an append-only audit log of grace period transitions
// with bounded retention and derived effectiveness metrics.
package history

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fernandoexploraria/proximityd/pkg"
	"github.com/fernandoexploraria/proximityd/pkg/logx"
)

// Action identifies how a grace period transition ended up in the log
type Action string

const (
	ActionActivated  Action = "activated"
	ActionCleared    Action = "cleared"
	ActionExpired    Action = "expired"
	ActionOverridden Action = "overridden"
)

// Trigger identifies what caused a transition
type Trigger string

const (
	TriggerAutomatic Trigger = "automatic"
	TriggerManual    Trigger = "manual"
	TriggerDebug     Trigger = "debug"
	TriggerSystem    Trigger = "system"
)

// Entry is one immutable audit record
type Entry struct {
	ID         string                 `json:"id"`
	Timestamp  time.Time              `json:"timestamp"`
	Action     Action                 `json:"action"`
	Reason     string                 `json:"reason,omitempty"`
	DurationMS int64                  `json:"duration,omitempty"`
	Trigger    Trigger                `json:"trigger"`
	Context    map[string]interface{} `json:"context,omitempty"`
}

// Persister is the storage surface the log writes its durable subset through
type Persister interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
}

// Config bounds the log
type Config struct {
	MaxEntries   int `json:"max_entries"`
	PersistLimit int `json:"persist_limit"`
}

// DefaultConfig returns the default history bounds
func DefaultConfig() Config {
	return Config{
		MaxEntries:   100,
		PersistLimit: 50,
	}
}

// Log is a fixed-capacity, newest-first ring buffer of entries
type Log struct {
	mu      sync.Mutex
	logger  *logx.Logger
	store   Persister
	entries []Entry
	config  Config
}

// NewLog creates a history log persisting through the given store.
// A nil store disables persistence.
func NewLog(config Config, store Persister, logger *logx.Logger) *Log {
	if config.MaxEntries <= 0 {
		config.MaxEntries = DefaultConfig().MaxEntries
	}
	if config.PersistLimit <= 0 || config.PersistLimit > config.MaxEntries {
		config.PersistLimit = DefaultConfig().PersistLimit
	}

	return &Log{
		logger:  logger,
		store:   store,
		entries: make([]Entry, 0, config.MaxEntries),
		config:  config,
	}
}

// Add appends an entry to the front of the log, evicting the oldest past
// capacity, and persists the most recent subset
func (l *Log) Add(ctx context.Context, e Entry) Entry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Trigger == "" {
		e.Trigger = TriggerAutomatic
	}

	l.mu.Lock()
	l.entries = append([]Entry{e}, l.entries...)
	if len(l.entries) > l.config.MaxEntries {
		l.entries = l.entries[:l.config.MaxEntries]
	}
	persisted := l.persistSubsetLocked()
	l.mu.Unlock()

	l.persist(ctx, persisted)
	return e
}

// persistSubsetLocked copies the newest PersistLimit entries
func (l *Log) persistSubsetLocked() []Entry {
	if l.store == nil {
		return nil
	}
	n := len(l.entries)
	if n > l.config.PersistLimit {
		n = l.config.PersistLimit
	}
	subset := make([]Entry, n)
	copy(subset, l.entries[:n])
	return subset
}

func (l *Log) persist(ctx context.Context, subset []Entry) {
	if l.store == nil || subset == nil {
		return
	}
	data, err := json.Marshal(subset)
	if err != nil {
		l.logger.Warn("failed to marshal history", "error", err)
		return
	}
	if err := l.store.Set(ctx, pkg.KeyGracePeriodHistory, data); err != nil {
		l.logger.Warn("failed to persist history", "error", err)
	}
}

// Load restores the persisted subset. Malformed payloads degrade to an empty
// log rather than failing.
func (l *Log) Load(ctx context.Context) {
	if l.store == nil {
		return
	}
	data, found, err := l.store.Get(ctx, pkg.KeyGracePeriodHistory)
	if err != nil {
		l.logger.Warn("failed to load history", "error", err)
		return
	}
	if !found {
		return
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		l.logger.Warn("discarding malformed history payload", "error", err)
		return
	}

	l.mu.Lock()
	if len(entries) > l.config.MaxEntries {
		entries = entries[:l.config.MaxEntries]
	}
	l.entries = entries
	l.mu.Unlock()

	l.logger.Info("history restored", "entries", len(entries))
}

// All returns a copy of every entry, newest first
func (l *Log) All() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of retained entries
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// InRange returns entries whose timestamps fall within [from, to]
func (l *Log) InRange(from, to time.Time) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Entry
	for _, e := range l.entries {
		if !e.Timestamp.Before(from) && !e.Timestamp.After(to) {
			out = append(out, e)
		}
	}
	return out
}

// ByReason returns entries recorded with the given reason
func (l *Log) ByReason(reason string) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Entry
	for _, e := range l.entries {
		if e.Reason == reason {
			out = append(out, e)
		}
	}
	return out
}

// ByTrigger returns entries recorded with the given trigger
func (l *Log) ByTrigger(trigger Trigger) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Entry
	for _, e := range l.entries {
		if e.Trigger == trigger {
			out = append(out, e)
		}
	}
	return out
}
