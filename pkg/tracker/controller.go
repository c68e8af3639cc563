// Package tracker drives the location sampling loop: it owns the tracking
// lifecycle, feeds samples through settling and movement classification, and
// evaluates proximity alerts against settled locations.
package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fernandoexploraria/proximityd/pkg"
	"github.com/fernandoexploraria/proximityd/pkg/geo"
	"github.com/fernandoexploraria/proximityd/pkg/grace"
	"github.com/fernandoexploraria/proximityd/pkg/history"
	"github.com/fernandoexploraria/proximityd/pkg/logx"
	"github.com/fernandoexploraria/proximityd/pkg/movement"
	"github.com/fernandoexploraria/proximityd/pkg/notify"
	"github.com/fernandoexploraria/proximityd/pkg/settings"
	"github.com/fernandoexploraria/proximityd/pkg/settling"
)

// Status is the tracking lifecycle state
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusTracking Status = "tracking"
	StatusError    Status = "error"
)

// hiddenInterval is the effective polling interval while the app is hidden
const hiddenInterval = 5 * time.Minute

// State is a snapshot of the controller's tracking state
type State struct {
	Status            Status            `json:"status"`
	PermissionGranted *bool             `json:"permission_granted,omitempty"`
	Error             string            `json:"error,omitempty"`
	LastUpdate        time.Time         `json:"last_update,omitempty"`
	LastLocation      *pkg.UserLocation `json:"last_location,omitempty"`
	MovementDetected  bool              `json:"movement_detected"`
	Interval          time.Duration     `json:"interval"`
	Hidden            bool              `json:"hidden"`
	SpeedTrend        string            `json:"speed_trend"`
}

// Subscriber receives a copy of each accepted location sample
type Subscriber func(pkg.UserLocation)

// Observer receives controller telemetry. All methods may be called from the
// sampling goroutine.
type Observer interface {
	RecordFix(source string)
	RecordLocationError(class string)
	SetTrackerStatus(status string)
	SetPollInterval(d time.Duration)
	SetMoving(moving bool)
	RecordAlert(landmark string)
	RecordSettled()
}

// Publisher mirrors accepted samples and alerts to external telemetry
type Publisher interface {
	PublishLocation(loc pkg.UserLocation) error
	PublishAlert(alert pkg.ProximityAlert, distanceM float64) error
	PublishStatus(status map[string]interface{}) error
}

// Controller orchestrates the watch/poll loop
type Controller struct {
	logger   *logx.Logger
	provider Provider
	graceMgr *grace.Manager
	notifier notify.Notifier
	observer Observer
	pub      Publisher

	mu           sync.Mutex
	settings     settings.Settings
	status       Status
	permGranted  *bool
	lastErr      string
	lastUpdate   time.Time
	lastLocation *pkg.UserLocation
	lastAccepted time.Time

	detector *movement.Detector
	trend    *movement.TrendAnalyzer
	settler  *settling.Tracker

	alerts      []pkg.ProximityAlert
	insideAlert map[string]bool

	subscribers []Subscriber

	moving       bool
	interval     time.Duration
	failures     int
	hidden       bool
	hiddenAt     time.Time
	stopWatch    func()
	pollCancel   context.CancelFunc
	pollWake     chan struct{}
	watchActive  bool
	sessionStart time.Time
}

// NewController wires the controller. Observer and Publisher may be nil.
func NewController(s settings.Settings, provider Provider, graceMgr *grace.Manager, notifier notify.Notifier, observer Observer, pub Publisher, logger *logx.Logger) *Controller {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	c := &Controller{
		logger:      logger,
		provider:    provider,
		graceMgr:    graceMgr,
		notifier:    notifier,
		observer:    observer,
		pub:         pub,
		settings:    s,
		status:      StatusStopped,
		detector:    movement.NewDetector(logger.WithComponent("movement")),
		trend:       movement.NewTrendAnalyzer(),
		insideAlert: make(map[string]bool),
		interval:    movement.BaseInterval,
	}
	c.settler = settling.NewTracker(settling.DefaultConfig(), logger.WithComponent("settling"), c.onSettled)
	return c
}

// Subscribe registers a subscriber for accepted samples. Subscribers run on
// the sampling goroutine and must not block.
func (c *Controller) Subscribe(sub Subscriber) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers = append(c.subscribers, sub)
}

// SetAlerts replaces the evaluated proximity alerts. Arm state for removed
// landmarks is dropped.
func (c *Controller) SetAlerts(alerts []pkg.ProximityAlert) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append([]pkg.ProximityAlert{}, alerts...)
	known := make(map[string]bool, len(alerts))
	for _, a := range alerts {
		known[a.LandmarkID] = true
	}
	for id := range c.insideAlert {
		if !known[id] {
			delete(c.insideAlert, id)
		}
	}
}

// Start begins tracking. Permission denial is terminal: the controller moves
// to the error state and notifies the user instead of polling uselessly.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.status == StatusTracking || c.status == StatusStarting {
		c.mu.Unlock()
		return nil
	}
	c.setStatusLocked(StatusStarting)
	c.mu.Unlock()

	switch c.provider.Permission(ctx) {
	case PermissionDenied:
		granted := false
		c.mu.Lock()
		c.permGranted = &granted
		c.lastErr = "location permission denied"
		c.setStatusLocked(StatusError)
		c.mu.Unlock()
		c.notifier.Send(ctx, notify.Notification{
			Title:       "Location Access Denied",
			Description: "Proximity alerts need location access. Enable location permissions to continue.",
			Variant:     notify.VariantDestructive,
		})
		return fmt.Errorf("start tracking: %w", &pkg.GeoError{Class: pkg.GeoErrPermissionDenied, Message: "permission denied"})
	case PermissionGranted:
		granted := true
		c.mu.Lock()
		c.permGranted = &granted
		c.mu.Unlock()
	}

	c.mu.Lock()
	c.sessionStart = time.Now()
	c.failures = 0
	c.detector.Reset()
	c.trend.Reset()
	opts := movement.OptimalOptions(movement.State{}, c.nearAlertLocked(nil), 0)
	c.mu.Unlock()

	stop, err := c.provider.Watch(opts, c.handleFix, c.handleError)
	watching := err == nil
	if err == nil {
		c.mu.Lock()
		c.stopWatch = stop
		c.watchActive = true
		c.setStatusLocked(StatusTracking)
		c.mu.Unlock()
	} else if err == ErrWatchUnsupported {
		pollCtx, cancel := context.WithCancel(context.Background())
		c.mu.Lock()
		c.pollCancel = cancel
		c.pollWake = make(chan struct{}, 1)
		c.setStatusLocked(StatusTracking)
		c.mu.Unlock()
		go c.pollLoop(pollCtx)
	} else {
		c.mu.Lock()
		c.lastErr = err.Error()
		c.setStatusLocked(StatusError)
		c.mu.Unlock()
		return fmt.Errorf("start tracking: %w", err)
	}

	// First enable always opens a suppression window
	if c.graceMgr != nil {
		c.graceMgr.Activate(ctx, grace.ReasonInitialization, grace.Context{}, history.TriggerAutomatic)
	}
	c.logger.Info("tracking started", "watch", watching)
	c.publishStatus()
	return nil
}

func (c *Controller) publishStatus() {
	if c.pub == nil {
		return
	}
	st := c.Current()
	c.mu.Lock()
	uptime := time.Duration(0)
	if !c.sessionStart.IsZero() {
		uptime = time.Since(c.sessionStart)
	}
	c.mu.Unlock()
	err := c.pub.PublishStatus(map[string]interface{}{
		"status":            string(st.Status),
		"movement_detected": st.MovementDetected,
		"interval_ms":       st.Interval.Milliseconds(),
		"speed_trend":       st.SpeedTrend,
		"session_uptime_ms": uptime.Milliseconds(),
	})
	if err != nil {
		c.logger.Debug("status publish failed", "error", err)
	}
}

// Stop cancels the watch or poll loop and all pending timers. Idempotent.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.status == StatusStopped {
		c.mu.Unlock()
		return
	}
	stopWatch := c.stopWatch
	cancel := c.pollCancel
	c.stopWatch = nil
	c.pollCancel = nil
	c.watchActive = false
	c.lastErr = ""
	c.lastLocation = nil
	c.lastAccepted = time.Time{}
	c.moving = false
	c.setStatusLocked(StatusStopped)
	c.mu.Unlock()

	if stopWatch != nil {
		stopWatch()
	}
	if cancel != nil {
		cancel()
	}
	c.settler.Stop()
	c.detector.Reset()
	c.logger.Info("tracking stopped")
	c.publishStatus()
}

// Apply installs new settings and re-evaluates the auto start/stop linkage:
// enabled settings start tracking, disabled settings stop it.
func (c *Controller) Apply(ctx context.Context, s settings.Settings) {
	c.mu.Lock()
	c.settings = s
	status := c.status
	c.mu.Unlock()

	if c.graceMgr != nil {
		c.graceMgr.Apply(ctx, s)
	}

	if s.IsEnabled && status == StatusStopped {
		if err := c.Start(ctx); err != nil {
			c.logger.Warn("auto-start after settings change failed", "error", err)
		}
	} else if !s.IsEnabled && status != StatusStopped {
		c.Stop()
	}
}

// SetVisibility tells the controller whether the app is in the foreground.
// Hidden sessions poll at a much wider interval; returning to the foreground
// after a long background stretch opens an app-resume grace window.
func (c *Controller) SetVisibility(ctx context.Context, visible bool) {
	c.mu.Lock()
	wasHidden := c.hidden
	c.hidden = !visible
	var backgroundFor time.Duration
	if !visible {
		c.hiddenAt = time.Now()
	} else if wasHidden {
		backgroundFor = time.Since(c.hiddenAt)
	}
	wake := c.pollWake
	c.mu.Unlock()

	if visible && wasHidden && c.graceMgr != nil {
		c.graceMgr.Activate(ctx, grace.ReasonAppResume, grace.Context{BackgroundDuration: backgroundFor}, history.TriggerAutomatic)
	}
	// nudge the poll loop so a newly visible session does not wait out the
	// hidden interval
	if wake != nil {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
	c.logger.Debug("visibility changed", "visible", visible, "background_for", backgroundFor.String())
}

// Current returns a snapshot of the tracking state
func (c *Controller) Current() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := State{
		Status:           c.status,
		Error:            c.lastErr,
		LastUpdate:       c.lastUpdate,
		MovementDetected: c.moving,
		Interval:         c.effectiveIntervalLocked(),
		Hidden:           c.hidden,
		SpeedTrend:       c.trend.Trend(),
	}
	if c.permGranted != nil {
		granted := *c.permGranted
		st.PermissionGranted = &granted
	}
	if c.lastLocation != nil {
		loc := *c.lastLocation
		st.LastLocation = &loc
	}
	return st
}

// handleFix processes one successful sample from the provider
func (c *Controller) handleFix(loc pkg.UserLocation) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c.mu.Lock()
	if c.status != StatusTracking {
		c.mu.Unlock()
		return
	}
	// samples can arrive out of order from some providers
	if !c.lastAccepted.IsZero() && loc.Timestamp.Before(c.lastAccepted) {
		c.mu.Unlock()
		c.logger.Debug("dropping out-of-order sample", "ts", loc.Timestamp)
		return
	}
	c.lastAccepted = loc.Timestamp
	c.lastUpdate = time.Now()
	cp := loc
	c.lastLocation = &cp
	c.failures = 0
	c.lastErr = ""

	state := c.detector.Detect(loc)
	c.moving = state.IsMoving
	c.trend.Observe(loc.Timestamp, state.AverageSpeed)
	c.interval = movement.AdaptiveInterval(state, c.nearAlertLocked(&loc))
	settlingWindow := c.settings.LocationSettling()
	subs := append([]Subscriber{}, c.subscribers...)
	moveDist := state.DistanceFromLast
	c.mu.Unlock()

	if c.observer != nil {
		c.observer.RecordFix("provider")
		c.observer.SetMoving(state.IsMoving)
		c.observer.SetPollInterval(c.effectiveInterval())
	}

	// a significant jump suppresses alerts while the position stabilizes
	if c.graceMgr != nil && moveDist >= c.movementThreshold() {
		c.graceMgr.Activate(ctx, grace.ReasonMovement, grace.Context{MovementDistance: moveDist}, history.TriggerAutomatic)
	}

	c.settler.Process(loc, settlingWindow)

	for _, sub := range subs {
		sub(loc)
	}
	if c.pub != nil {
		if err := c.pub.PublishLocation(loc); err != nil {
			c.logger.Debug("telemetry publish failed", "error", err)
		}
	}
}

// handleError processes one failed acquisition. Permission denial stops
// tracking; other classes are transient and only surface in status.
func (c *Controller) handleError(gerr *pkg.GeoError) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.observer != nil {
		c.observer.RecordLocationError(string(gerr.Class))
	}

	if gerr.Class == pkg.GeoErrPermissionDenied {
		granted := false
		c.mu.Lock()
		c.permGranted = &granted
		c.lastErr = gerr.Message
		c.mu.Unlock()
		c.notifier.Send(ctx, notify.Notification{
			Title:       "Location Access Denied",
			Description: "Location permission was revoked. Proximity alerts are paused.",
			Variant:     notify.VariantDestructive,
		})
		c.Stop()
		c.mu.Lock()
		// Stop clears lastErr; restore it so the error state carries the message
		c.lastErr = gerr.Message
		c.setStatusLocked(StatusError)
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	c.failures++
	c.lastErr = gerr.Message
	c.mu.Unlock()
	c.logger.Warn("location acquisition failed", "class", gerr.Class, "error", gerr.Message)
}

// onSettled runs for every settled location: this is where proximity alerts
// are actually evaluated, so jittery intermediate fixes never fire one.
func (c *Controller) onSettled(loc pkg.UserLocation) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.observer != nil {
		c.observer.RecordSettled()
	}

	graceActive := c.graceMgr != nil && c.graceMgr.IsActive()

	c.mu.Lock()
	alerts := append([]pkg.ProximityAlert{}, c.alerts...)
	c.mu.Unlock()

	for _, alert := range alerts {
		dist := geo.Distance(loc.Latitude, loc.Longitude, alert.Latitude, alert.Longitude)
		radius := alert.Distance
		if radius <= 0 {
			radius = c.defaultDistance()
		}
		inside := dist <= radius

		c.mu.Lock()
		wasInside := c.insideAlert[alert.LandmarkID]
		c.insideAlert[alert.LandmarkID] = inside
		c.mu.Unlock()

		if !alert.Enabled {
			continue
		}
		if inside && !wasInside && !graceActive {
			c.fireAlert(ctx, alert, dist)
		}
	}
}

func (c *Controller) fireAlert(ctx context.Context, alert pkg.ProximityAlert, dist float64) {
	c.logger.Info("proximity alert fired", "landmark", alert.Name, "distance_m", dist)
	if c.observer != nil {
		c.observer.RecordAlert(alert.LandmarkID)
	}
	if c.pub != nil {
		if err := c.pub.PublishAlert(alert, dist); err != nil {
			c.logger.Debug("alert publish failed", "error", err)
		}
	}
	c.notifier.Send(ctx, notify.Notification{
		Title:       "Proximity Alert",
		Description: fmt.Sprintf("You are within %.0fm of %s", dist, alert.Name),
		Variant:     notify.VariantDefault,
	})
}

// pollLoop is the fallback sampling loop for providers without Watch
func (c *Controller) pollLoop(ctx context.Context) {
	for {
		c.mu.Lock()
		interval := c.effectiveIntervalLocked()
		wake := c.pollWake
		c.mu.Unlock()

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-wake:
			timer.Stop()
			continue
		case <-timer.C:
		}

		c.mu.Lock()
		var mstate movement.State
		if c.lastLocation != nil {
			mstate = movement.State{IsMoving: c.moving}
		}
		opts := movement.OptimalOptions(mstate, c.nearAlertLocked(c.lastLocation), c.failures)
		c.mu.Unlock()

		getCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
		loc, err := c.provider.Get(getCtx, opts)
		cancel()
		if err != nil {
			gerr, ok := err.(*pkg.GeoError)
			if !ok {
				gerr = &pkg.GeoError{Class: pkg.ClassifyGeoError(err), Message: err.Error()}
			}
			c.handleError(gerr)
			continue
		}
		c.handleFix(loc)
	}
}

func (c *Controller) effectiveInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.effectiveIntervalLocked()
}

func (c *Controller) effectiveIntervalLocked() time.Duration {
	if c.hidden {
		return hiddenInterval
	}
	return c.interval
}

// nearAlertLocked reports whether the location is within twice the radius of
// any enabled alert. Caller holds c.mu.
func (c *Controller) nearAlertLocked(loc *pkg.UserLocation) bool {
	if loc == nil {
		return false
	}
	for _, a := range c.alerts {
		if !a.Enabled {
			continue
		}
		radius := a.Distance
		if radius <= 0 {
			radius = c.settings.DefaultDistance
		}
		if geo.Distance(loc.Latitude, loc.Longitude, a.Latitude, a.Longitude) <= radius*2 {
			return true
		}
	}
	return false
}

func (c *Controller) movementThreshold() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.settings.SignificantMovementThresholdM
	if t <= 0 {
		t = settings.DefaultMovementThresholdM
	}
	return t
}

func (c *Controller) defaultDistance() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.settings.DefaultDistance > 0 {
		return c.settings.DefaultDistance
	}
	return settings.DefaultDistanceM
}

func (c *Controller) setStatusLocked(s Status) {
	c.status = s
	if c.observer != nil {
		c.observer.SetTrackerStatus(string(s))
	}
}
