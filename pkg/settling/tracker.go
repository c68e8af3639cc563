// Package settling holds candidate locations provisional until consecutive
// readings stabilize within a small radius.
package settling

import (
	"sync"
	"time"

	"github.com/fernandoexploraria/proximityd/pkg"
	"github.com/fernandoexploraria/proximityd/pkg/geo"
	"github.com/fernandoexploraria/proximityd/pkg/logx"
)

// Config controls the settling state machine
type Config struct {
	// AnchorRadiusM is how far a reading may drift from the anchor without
	// restarting the window
	AnchorRadiusM float64 `json:"anchor_radius_m"`
	// MaxWindowFactor bounds total settling time at factor x window; beyond
	// it the current anchor is force-settled so noisy GPS cannot starve
	// settling forever
	MaxWindowFactor int `json:"max_window_factor"`
}

// DefaultConfig returns the default settling parameters
func DefaultConfig() Config {
	return Config{
		AnchorRadiusM:   10.0,
		MaxWindowFactor: 4,
	}
}

// Callback receives the stable location once settling completes
type Callback func(pkg.UserLocation)

type state int

const (
	stateIdle state = iota
	stateSettling
)

// Tracker is the two-state settling machine. Safe for concurrent use; the
// expiry timer fires on its own goroutine.
type Tracker struct {
	mu     sync.Mutex
	logger *logx.Logger
	config Config

	st           state
	anchor       pkg.UserLocation
	lastAccepted time.Time
	sessionStart time.Time
	deadline     time.Time
	window       time.Duration
	timer        *time.Timer
	gen          int

	lastStable    *pkg.UserLocation
	callbacks     []Callback
	onStable      Callback
}

// NewTracker creates a settling tracker. onStable, if non-nil, is a
// persistent handler invoked for every settled location in addition to the
// one-shot registered callbacks.
func NewTracker(config Config, logger *logx.Logger, onStable Callback) *Tracker {
	if config.AnchorRadiusM <= 0 {
		config.AnchorRadiusM = DefaultConfig().AnchorRadiusM
	}
	if config.MaxWindowFactor <= 0 {
		config.MaxWindowFactor = DefaultConfig().MaxWindowFactor
	}
	return &Tracker{
		logger:   logger,
		config:   config,
		onStable: onStable,
	}
}

// OnSettled registers a one-shot callback fired with the next stable
// location. Callbacks are cleared after firing.
func (t *Tracker) OnSettled(cb Callback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = append(t.callbacks, cb)
}

// Process feeds a location sample into the state machine. window is the
// settling duration from the user's settings. Samples older than the last
// accepted one are dropped.
func (t *Tracker) Process(loc pkg.UserLocation, window time.Duration) {
	t.mu.Lock()

	if !t.lastAccepted.IsZero() && loc.Timestamp.Before(t.lastAccepted) {
		t.mu.Unlock()
		t.logger.Debug("dropping out-of-order location sample",
			"sample_ts", loc.Timestamp,
			"last_ts", t.lastAccepted,
		)
		return
	}
	t.lastAccepted = loc.Timestamp

	switch t.st {
	case stateIdle:
		t.startSettlingLocked(loc, window)
		t.mu.Unlock()
		return

	case stateSettling:
		dist := geo.Distance(t.anchor.Latitude, t.anchor.Longitude, loc.Latitude, loc.Longitude)
		if dist <= t.config.AnchorRadiusM {
			// Small jitter: track the latest reading, keep the timer running
			t.anchor = loc
			t.mu.Unlock()
			return
		}

		// Large jump: the window restarts from scratch, unless we have been
		// restarting for so long that the starvation cap kicks in
		elapsed := time.Since(t.sessionStart)
		maxSettling := time.Duration(t.config.MaxWindowFactor) * t.window
		if elapsed >= maxSettling {
			t.logger.Warn("settling starved past cap, force-settling",
				"elapsed", elapsed,
				"cap", maxSettling,
			)
			t.anchor = loc
			t.settleLocked()
			return // settleLocked unlocks
		}

		t.logger.Debug("settling restarted on location jump",
			"distance_m", dist,
			"elapsed", elapsed,
		)
		t.restartSettlingLocked(loc, window)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
}

func (t *Tracker) startSettlingLocked(loc pkg.UserLocation, window time.Duration) {
	t.st = stateSettling
	t.anchor = loc
	t.window = window
	t.sessionStart = time.Now()
	t.armTimerLocked(window)
}

func (t *Tracker) restartSettlingLocked(loc pkg.UserLocation, window time.Duration) {
	t.anchor = loc
	t.window = window
	t.armTimerLocked(window)
}

func (t *Tracker) armTimerLocked(d time.Duration) {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.deadline = time.Now().Add(d)
	t.gen++
	gen := t.gen
	t.timer = time.AfterFunc(d, func() { t.expire(gen) })
}

// expire completes settling on timer expiry. Stale timers from a restarted
// window are discarded via the generation counter.
func (t *Tracker) expire(gen int) {
	t.mu.Lock()
	if t.st != stateSettling || t.gen != gen {
		t.mu.Unlock()
		return
	}
	t.settleLocked()
}

// settleLocked transitions to idle and fires callbacks. Unlocks t.mu.
func (t *Tracker) settleLocked() {
	stable := t.anchor
	t.st = stateIdle
	t.lastStable = &stable
	cbs := t.callbacks
	t.callbacks = nil
	onStable := t.onStable
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()

	t.logger.Debug("location settled",
		"latitude", stable.Latitude,
		"longitude", stable.Longitude,
	)

	if onStable != nil {
		onStable(stable)
	}
	for _, cb := range cbs {
		cb(stable)
	}
}

// Remaining returns the time left before the current window settles, 0 when
// idle
func (t *Tracker) Remaining() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.st != stateSettling {
		return 0
	}
	remaining := time.Until(t.deadline)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// IsSettling reports whether a window is in progress
func (t *Tracker) IsSettling() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.st == stateSettling
}

// LastStable returns the most recently settled location
func (t *Tracker) LastStable() (pkg.UserLocation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lastStable == nil {
		return pkg.UserLocation{}, false
	}
	return *t.lastStable, true
}

// Stop cancels any pending window without firing callbacks. Idempotent.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.st = stateIdle
	t.callbacks = nil
}
