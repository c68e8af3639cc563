package grace

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/fernandoexploraria/proximityd/pkg"
	"github.com/fernandoexploraria/proximityd/pkg/history"
	"github.com/fernandoexploraria/proximityd/pkg/logx"
	"github.com/fernandoexploraria/proximityd/pkg/settings"
)

// SnapshotStore persists grace period state across restarts. Writes go
// through the high-priority path so they bypass write coalescing.
type SnapshotStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	SetHighPriority(ctx context.Context, key string, value []byte) error
}

// State describes the currently active grace period, if any
type State struct {
	Active      bool          `json:"is_active"`
	Reason      Reason        `json:"reason,omitempty"`
	ActivatedAt time.Time     `json:"activated_at,omitempty"`
	Duration    time.Duration `json:"-"`
}

// snapshot is the persisted form of State
type snapshot struct {
	Active      bool      `json:"is_active"`
	Reason      Reason    `json:"reason,omitempty"`
	ActivatedAt time.Time `json:"activated_at,omitempty"`
	DurationMS  int64     `json:"duration_ms,omitempty"`
}

// Manager owns the grace period state machine: at most one window active at
// a time, expiry by timer, every transition appended to the history log and
// snapshotted for recovery across restarts.
type Manager struct {
	mu       sync.Mutex
	logger   *logx.Logger
	settings settings.Settings
	hist     *history.Log
	snap     SnapshotStore
	state    State
	timer    *time.Timer
	gen      int
	onChange func(State)
}

// NewManager creates a grace period manager. hist and snap may be nil, which
// disables audit logging and persistence respectively.
func NewManager(s settings.Settings, hist *history.Log, snap SnapshotStore, logger *logx.Logger) *Manager {
	return &Manager{
		logger:   logger,
		settings: s,
		hist:     hist,
		snap:     snap,
	}
}

// OnChange registers a callback invoked after every state transition.
// Must be called before the manager is in use.
func (m *Manager) OnChange(fn func(State)) {
	m.onChange = fn
}

// Restore resumes a persisted grace period if it has not yet expired. An
// expired snapshot is converted into an expired history entry instead.
func (m *Manager) Restore(ctx context.Context) {
	if m.snap == nil {
		return
	}
	data, found, err := m.snap.Get(ctx, pkg.KeyGracePeriodState)
	if err != nil {
		m.logger.Warn("failed to load grace period snapshot", "error", err)
		return
	}
	if !found {
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		m.logger.Warn("discarding malformed grace period snapshot", "error", err)
		return
	}
	if !snap.Active {
		return
	}

	duration := time.Duration(snap.DurationMS) * time.Millisecond
	remaining := time.Until(snap.ActivatedAt.Add(duration))
	if remaining <= 0 {
		m.appendEntry(ctx, history.ActionExpired, snap.Reason, duration, history.TriggerSystem, nil)
		m.saveSnapshot(ctx, State{})
		return
	}

	m.mu.Lock()
	m.state = State{
		Active:      true,
		Reason:      snap.Reason,
		ActivatedAt: snap.ActivatedAt,
		Duration:    duration,
	}
	m.armTimerLocked(remaining)
	st := m.state
	m.mu.Unlock()

	m.logger.Info("grace period resumed from snapshot",
		"reason", st.Reason,
		"remaining", remaining,
	)
	m.notifyChange(st)
}

// Activate starts a grace period if the policy allows it. Returns whether a
// window was started.
func (m *Manager) Activate(ctx context.Context, reason Reason, trigCtx Context, trigger history.Trigger) bool {
	m.mu.Lock()
	if !ShouldActivate(reason, trigCtx, m.settings, m.state.Active) {
		m.mu.Unlock()
		return false
	}

	duration := DurationsFor(m.settings).ForReason(reason)
	m.state = State{
		Active:      true,
		Reason:      reason,
		ActivatedAt: time.Now(),
		Duration:    duration,
	}
	m.armTimerLocked(duration)
	st := m.state
	m.mu.Unlock()

	m.logger.Info("grace period activated",
		"reason", reason,
		"duration", duration,
		"trigger", trigger,
	)

	entryCtx := map[string]interface{}{}
	if reason == ReasonMovement {
		entryCtx["movement_distance_m"] = trigCtx.MovementDistance
	}
	if reason == ReasonAppResume {
		entryCtx["background_duration_ms"] = trigCtx.BackgroundDuration.Milliseconds()
	}

	m.appendEntry(ctx, history.ActionActivated, reason, duration, trigger, entryCtx)
	m.saveSnapshot(ctx, st)
	m.notifyChange(st)
	return true
}

// Clear ends the active grace period before its natural expiry
func (m *Manager) Clear(ctx context.Context, trigger history.Trigger) bool {
	return m.end(ctx, history.ActionCleared, trigger)
}

// Override is a manual clear, recorded distinctly in the audit log
func (m *Manager) Override(ctx context.Context) bool {
	return m.end(ctx, history.ActionOverridden, history.TriggerManual)
}

func (m *Manager) end(ctx context.Context, action history.Action, trigger history.Trigger) bool {
	m.mu.Lock()
	if !m.state.Active {
		m.mu.Unlock()
		return false
	}
	reason := m.state.Reason
	elapsed := time.Since(m.state.ActivatedAt)
	m.stopTimerLocked()
	m.state = State{}
	m.mu.Unlock()

	m.logger.Info("grace period ended",
		"action", action,
		"reason", reason,
		"elapsed", elapsed,
	)
	m.appendEntry(ctx, action, reason, elapsed, trigger, nil)
	m.saveSnapshot(ctx, State{})
	m.notifyChange(State{})
	return true
}

// expire handles natural timer expiry. The generation check discards stale
// timers that lost a race with Clear/Activate.
func (m *Manager) expire(gen int) {
	m.mu.Lock()
	if !m.state.Active || m.gen != gen {
		m.mu.Unlock()
		return
	}
	reason := m.state.Reason
	duration := m.state.Duration
	m.state = State{}
	m.mu.Unlock()

	ctx := context.Background()
	m.logger.Debug("grace period expired", "reason", reason, "duration", duration)
	m.appendEntry(ctx, history.ActionExpired, reason, duration, history.TriggerAutomatic, nil)
	m.saveSnapshot(ctx, State{})
	m.notifyChange(State{})
}

func (m *Manager) armTimerLocked(d time.Duration) {
	m.stopTimerLocked()
	m.gen++
	gen := m.gen
	m.timer = time.AfterFunc(d, func() { m.expire(gen) })
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// Current returns a copy of the active state
func (m *Manager) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsActive reports whether a grace period is currently suppressing alerts
func (m *Manager) IsActive() bool {
	return m.Current().Active
}

// Remaining returns the time left on the active window, 0 when idle
func (m *Manager) Remaining() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.state.Active {
		return 0
	}
	remaining := time.Until(m.state.ActivatedAt.Add(m.state.Duration))
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Apply installs updated settings. Disabling grace periods clears any active
// window.
func (m *Manager) Apply(ctx context.Context, s settings.Settings) {
	m.mu.Lock()
	m.settings = s
	disabled := !s.GracePeriodEnabled && m.state.Active
	m.mu.Unlock()

	if disabled {
		m.Clear(ctx, history.TriggerSystem)
	}
}

// Stop cancels the expiry timer without recording a transition
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopTimerLocked()
}

func (m *Manager) appendEntry(ctx context.Context, action history.Action, reason Reason, d time.Duration, trigger history.Trigger, entryCtx map[string]interface{}) {
	if m.hist == nil {
		return
	}
	m.hist.Add(ctx, history.Entry{
		Action:     action,
		Reason:     string(reason),
		DurationMS: d.Milliseconds(),
		Trigger:    trigger,
		Context:    entryCtx,
	})
}

func (m *Manager) saveSnapshot(ctx context.Context, st State) {
	if m.snap == nil {
		return
	}
	data, err := json.Marshal(snapshot{
		Active:      st.Active,
		Reason:      st.Reason,
		ActivatedAt: st.ActivatedAt,
		DurationMS:  st.Duration.Milliseconds(),
	})
	if err != nil {
		m.logger.Warn("failed to marshal grace period snapshot", "error", err)
		return
	}
	if err := m.snap.SetHighPriority(ctx, pkg.KeyGracePeriodState, data); err != nil {
		m.logger.Warn("failed to persist grace period snapshot", "error", err)
	}
}

func (m *Manager) notifyChange(st State) {
	if m.onChange != nil {
		m.onChange(st)
	}
}
