package tracker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fernandoexploraria/proximityd/pkg"
	"github.com/fernandoexploraria/proximityd/pkg/grace"
	"github.com/fernandoexploraria/proximityd/pkg/logx"
	"github.com/fernandoexploraria/proximityd/pkg/notify"
	"github.com/fernandoexploraria/proximityd/pkg/settings"
	"github.com/fernandoexploraria/proximityd/pkg/store"
)

// fakeProvider emits scripted fixes through the watch callbacks
type fakeProvider struct {
	mu         sync.Mutex
	permission Permission
	watchErr   error
	onFix      func(pkg.UserLocation)
	onError    func(*pkg.GeoError)
	stopped    bool
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{permission: PermissionGranted}
}

func (f *fakeProvider) Watch(_ pkg.GeoOptions, onFix func(pkg.UserLocation), onError func(*pkg.GeoError)) (func(), error) {
	if f.watchErr != nil {
		return nil, f.watchErr
	}
	f.mu.Lock()
	f.onFix = onFix
	f.onError = onError
	f.stopped = false
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.stopped = true
		f.mu.Unlock()
	}, nil
}

func (f *fakeProvider) Get(context.Context, pkg.GeoOptions) (pkg.UserLocation, error) {
	return pkg.UserLocation{Latitude: 59.3293, Longitude: 18.0686, Timestamp: time.Now()}, nil
}

func (f *fakeProvider) Permission(context.Context) Permission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.permission
}

func (f *fakeProvider) emit(loc pkg.UserLocation) {
	f.mu.Lock()
	fn := f.onFix
	f.mu.Unlock()
	if fn != nil {
		fn(loc)
	}
}

func (f *fakeProvider) emitError(gerr *pkg.GeoError) {
	f.mu.Lock()
	fn := f.onError
	f.mu.Unlock()
	if fn != nil {
		fn(gerr)
	}
}

func (f *fakeProvider) isStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

// recordingNotifier captures sent notifications
type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (r *recordingNotifier) Send(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func (r *recordingNotifier) last() (notify.Notification, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sent) == 0 {
		return notify.Notification{}, false
	}
	return r.sent[len(r.sent)-1], true
}

func testLogger() *logx.Logger {
	return logx.New("error")
}

// fastSettings keeps settling and grace windows short enough for tests
func fastSettings() settings.Settings {
	s := settings.Default()
	s.GracePeriodInitializationMS = 0
	s.LocationSettlingMS = 40
	s.GracePeriodEnabled = false
	return s
}

func graceManager(s settings.Settings) *grace.Manager {
	return grace.NewManager(s, nil, coalescedMemory(), testLogger())
}

func coalescedMemory() *store.Coalescer {
	return store.NewCoalescer(store.NewMemoryStore(), store.DefaultCoalescerConfig(), testLogger())
}

func loc(lat, lon float64) pkg.UserLocation {
	return pkg.UserLocation{Latitude: lat, Longitude: lon, Timestamp: time.Now()}
}

func TestPermissionDeniedIsTerminal(t *testing.T) {
	p := newFakeProvider()
	p.permission = PermissionDenied
	n := &recordingNotifier{}
	c := NewController(fastSettings(), p, nil, n, nil, nil, testLogger())

	if err := c.Start(context.Background()); err == nil {
		t.Fatal("Start should fail when permission is denied")
	}
	st := c.Current()
	if st.Status != StatusError {
		t.Errorf("status = %s, want error", st.Status)
	}
	if st.PermissionGranted == nil || *st.PermissionGranted {
		t.Error("permission should be recorded as denied")
	}
	got, ok := n.last()
	if !ok || got.Variant != notify.VariantDestructive {
		t.Errorf("expected destructive notification, got %+v", got)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	p := newFakeProvider()
	c := NewController(fastSettings(), p, nil, nil, nil, nil, testLogger())

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := c.Current().Status; got != StatusTracking {
		t.Errorf("status = %s, want tracking", got)
	}

	c.Stop()
	if got := c.Current().Status; got != StatusStopped {
		t.Errorf("status after stop = %s, want stopped", got)
	}
	if !p.isStopped() {
		t.Error("watch handle should be cancelled on stop")
	}
	c.Stop() // idempotent
}

func TestInitializationGraceOnStart(t *testing.T) {
	s := fastSettings()
	s.GracePeriodEnabled = true
	s.GracePeriodInitializationMS = 5000
	gm := graceManager(s)
	p := newFakeProvider()
	c := NewController(s, p, gm, nil, nil, nil, testLogger())

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	if !gm.IsActive() {
		t.Fatal("starting tracking should open a grace window")
	}
	if got := gm.Current().Reason; got != grace.ReasonInitialization {
		t.Errorf("grace reason = %s, want initialization", got)
	}
}

func TestOutOfOrderSamplesDropped(t *testing.T) {
	p := newFakeProvider()
	c := NewController(fastSettings(), p, nil, nil, nil, nil, testLogger())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	var mu sync.Mutex
	var seen []pkg.UserLocation
	c.Subscribe(func(l pkg.UserLocation) {
		mu.Lock()
		seen = append(seen, l)
		mu.Unlock()
	})

	now := time.Now()
	p.emit(pkg.UserLocation{Latitude: 1, Longitude: 1, Timestamp: now})
	p.emit(pkg.UserLocation{Latitude: 2, Longitude: 2, Timestamp: now.Add(-time.Second)})
	p.emit(pkg.UserLocation{Latitude: 3, Longitude: 3, Timestamp: now.Add(time.Second)})
	// equal timestamps are not out of order
	p.emit(pkg.UserLocation{Latitude: 4, Longitude: 4, Timestamp: now.Add(time.Second)})

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 {
		t.Fatalf("accepted samples = %d, want 3 (only the stale one dropped)", len(seen))
	}
	if seen[2].Latitude != 4 {
		t.Errorf("last accepted sample latitude = %f, want 4", seen[2].Latitude)
	}
}

func TestAlertFiresOncePerEntry(t *testing.T) {
	p := newFakeProvider()
	n := &recordingNotifier{}
	c := NewController(fastSettings(), p, nil, n, nil, nil, testLogger())
	c.SetAlerts([]pkg.ProximityAlert{{
		LandmarkID: "central-station",
		Name:       "Central Station",
		Latitude:   59.3300,
		Longitude:  18.0580,
		Distance:   100,
		Enabled:    true,
	}})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	// inside the radius; let the settling window elapse
	p.emit(loc(59.3300, 18.0580))
	time.Sleep(100 * time.Millisecond)
	if n.count() != 1 {
		t.Fatalf("notifications = %d, want 1 after entering radius", n.count())
	}

	// still inside after another settle: no re-fire
	p.emit(loc(59.33005, 18.0580))
	time.Sleep(100 * time.Millisecond)
	if n.count() != 1 {
		t.Fatalf("notifications = %d, alert should not re-fire while inside", n.count())
	}

	// leave (~1.1km away), settle, re-enter: fires again
	p.emit(loc(59.3400, 18.0580))
	time.Sleep(100 * time.Millisecond)
	p.emit(loc(59.3300, 18.0580))
	time.Sleep(100 * time.Millisecond)
	if n.count() != 2 {
		t.Errorf("notifications = %d, want 2 after leaving and re-entering", n.count())
	}
}

func TestGraceSuppressesAlerts(t *testing.T) {
	s := fastSettings()
	s.GracePeriodEnabled = true
	s.GracePeriodInitializationMS = 60000
	gm := graceManager(s)
	p := newFakeProvider()
	n := &recordingNotifier{}
	c := NewController(s, p, gm, n, nil, nil, testLogger())
	c.SetAlerts([]pkg.ProximityAlert{{
		LandmarkID: "home",
		Name:       "Home",
		Latitude:   59.3300,
		Longitude:  18.0580,
		Distance:   100,
		Enabled:    true,
	}})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	if !gm.IsActive() {
		t.Fatal("grace window should be active after start")
	}
	p.emit(loc(59.3300, 18.0580))
	time.Sleep(100 * time.Millisecond)
	if n.count() != 0 {
		t.Errorf("notifications = %d, alerts must be suppressed during grace", n.count())
	}
}

func TestSignificantJumpActivatesMovementGrace(t *testing.T) {
	s := fastSettings()
	s.GracePeriodEnabled = true
	s.GracePeriodInitializationMS = 1 // expires almost immediately
	s.GracePeriodMovementMS = 60000
	s.SignificantMovementThresholdM = 150
	gm := graceManager(s)
	p := newFakeProvider()
	c := NewController(s, p, gm, nil, nil, nil, testLogger())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()
	time.Sleep(50 * time.Millisecond) // let the initialization window lapse

	p.emit(loc(59.3293, 18.0686))
	p.emit(loc(59.3393, 18.0686)) // ~1.1km jump
	if !gm.IsActive() || gm.Current().Reason != grace.ReasonMovement {
		t.Errorf("large jump should open a movement grace window, state=%+v", gm.Current())
	}
}

func TestTransientErrorsDoNotStopTracking(t *testing.T) {
	p := newFakeProvider()
	c := NewController(fastSettings(), p, nil, nil, nil, nil, testLogger())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	p.emitError(&pkg.GeoError{Class: pkg.GeoErrTimeout, Message: "fix timed out"})
	st := c.Current()
	if st.Status != StatusTracking {
		t.Errorf("status = %s, transient errors should not stop tracking", st.Status)
	}
	if st.Error == "" {
		t.Error("transient error should surface in status")
	}
}

func TestPermissionRevocationStopsTracking(t *testing.T) {
	p := newFakeProvider()
	n := &recordingNotifier{}
	c := NewController(fastSettings(), p, nil, n, nil, nil, testLogger())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	p.emitError(&pkg.GeoError{Class: pkg.GeoErrPermissionDenied, Message: "revoked"})
	st := c.Current()
	if st.Status != StatusError {
		t.Errorf("status = %s, want error after revocation", st.Status)
	}
	if st.Error != "revoked" {
		t.Errorf("error = %q, want the revocation message preserved", st.Error)
	}
	if !p.isStopped() {
		t.Error("watch should be cancelled after revocation")
	}
	if n.count() != 1 {
		t.Errorf("notifications = %d, want 1", n.count())
	}
}

func TestApplyAutoStartsAndStops(t *testing.T) {
	p := newFakeProvider()
	s := fastSettings()
	s.IsEnabled = false
	c := NewController(s, p, nil, nil, nil, nil, testLogger())

	enabled := s
	enabled.IsEnabled = true
	c.Apply(context.Background(), enabled)
	if got := c.Current().Status; got != StatusTracking {
		t.Errorf("status after enabling = %s, want tracking", got)
	}

	c.Apply(context.Background(), s)
	if got := c.Current().Status; got != StatusStopped {
		t.Errorf("status after disabling = %s, want stopped", got)
	}
}

func TestHiddenWidensInterval(t *testing.T) {
	p := newFakeProvider()
	c := NewController(fastSettings(), p, nil, nil, nil, nil, testLogger())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	c.SetVisibility(context.Background(), false)
	if got := c.Current().Interval; got != hiddenInterval {
		t.Errorf("hidden interval = %v, want %v", got, hiddenInterval)
	}
	c.SetVisibility(context.Background(), true)
	if got := c.Current().Interval; got == hiddenInterval {
		t.Error("interval should return to adaptive schedule when visible")
	}
}

func TestResumeAfterLongBackgroundOpensGrace(t *testing.T) {
	s := fastSettings()
	s.GracePeriodEnabled = true
	s.GracePeriodInitializationMS = 1
	s.GracePeriodAppResumeMS = 60000
	gm := graceManager(s)
	p := newFakeProvider()
	c := NewController(s, p, gm, nil, nil, nil, testLogger())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()
	time.Sleep(50 * time.Millisecond)

	// fake a long background stretch
	c.SetVisibility(context.Background(), false)
	c.mu.Lock()
	c.hiddenAt = time.Now().Add(-time.Minute)
	c.mu.Unlock()
	c.SetVisibility(context.Background(), true)

	if !gm.IsActive() || gm.Current().Reason != grace.ReasonAppResume {
		t.Errorf("long background resume should open app_resume grace, state=%+v", gm.Current())
	}
}

func TestShortBackgroundDoesNotOpenGrace(t *testing.T) {
	s := fastSettings()
	s.GracePeriodEnabled = true
	s.GracePeriodInitializationMS = 1
	gm := graceManager(s)
	p := newFakeProvider()
	c := NewController(s, p, gm, nil, nil, nil, testLogger())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()
	time.Sleep(50 * time.Millisecond)

	c.SetVisibility(context.Background(), false)
	c.SetVisibility(context.Background(), true)

	if gm.IsActive() {
		t.Error("sub-threshold background stretch should not open a grace window")
	}
}
