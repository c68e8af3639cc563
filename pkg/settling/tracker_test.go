package settling

import (
	"sync"
	"testing"
	"time"

	"github.com/fernandoexploraria/proximityd/pkg"
	"github.com/fernandoexploraria/proximityd/pkg/logx"
)

func testLogger() *logx.Logger {
	return logx.New("error")
}

func loc(lat, lon float64) pkg.UserLocation {
	return pkg.UserLocation{Latitude: lat, Longitude: lon, Timestamp: time.Now()}
}

// collector records settled locations thread-safely
type collector struct {
	mu   sync.Mutex
	locs []pkg.UserLocation
}

func (c *collector) add(l pkg.UserLocation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.locs = append(c.locs, l)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.locs)
}

func (c *collector) last() pkg.UserLocation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.locs[len(c.locs)-1]
}

func TestSettlingIdempotentUnderJitter(t *testing.T) {
	var got collector
	tr := NewTracker(DefaultConfig(), testLogger(), nil)
	tr.OnSettled(got.add)

	window := 60 * time.Millisecond

	// All samples within a couple of meters of each other
	tr.Process(loc(59.33000, 18.06000), window)
	tr.Process(loc(59.33001, 18.06001), window)
	last := loc(59.33002, 18.06000)
	tr.Process(last, window)

	time.Sleep(120 * time.Millisecond)

	if got.count() != 1 {
		t.Fatalf("settled %d times; want exactly 1", got.count())
	}
	// Settles with the last location fed before expiry, not the first
	if got.last().Latitude != last.Latitude {
		t.Errorf("settled latitude = %v; want %v (the last fed)", got.last().Latitude, last.Latitude)
	}

	stable, ok := tr.LastStable()
	if !ok || stable.Latitude != last.Latitude {
		t.Error("LastStable should return the settled location")
	}
}

func TestSettlingCallbacksClearedAfterFiring(t *testing.T) {
	var got collector
	tr := NewTracker(DefaultConfig(), testLogger(), nil)
	tr.OnSettled(got.add)

	window := 40 * time.Millisecond
	tr.Process(loc(59.33, 18.06), window)
	time.Sleep(80 * time.Millisecond)

	// A second settling cycle must not re-invoke the cleared callback
	tr.Process(loc(59.34, 18.07), window)
	time.Sleep(80 * time.Millisecond)

	if got.count() != 1 {
		t.Errorf("callback fired %d times; want 1 (one-shot)", got.count())
	}
}

func TestSettlingRestartOnJump(t *testing.T) {
	var got collector
	tr := NewTracker(DefaultConfig(), testLogger(), got.add)

	window := 80 * time.Millisecond
	start := time.Now()

	tr.Process(loc(59.33000, 18.06000), window)
	time.Sleep(40 * time.Millisecond)

	// Jump about 110m: the pending window must restart from scratch
	tr.Process(loc(59.33100, 18.06000), window)

	time.Sleep(60 * time.Millisecond)
	if got.count() != 0 {
		t.Fatal("restarted window should not have settled yet")
	}

	time.Sleep(60 * time.Millisecond)
	if got.count() != 1 {
		t.Fatalf("settled %d times; want 1", got.count())
	}

	// Total time to settle exceeds the nominal window due to the restart
	if elapsed := time.Since(start); elapsed < window+40*time.Millisecond {
		t.Errorf("settling completed in %v; restart should push it past %v", elapsed, window+40*time.Millisecond)
	}

	if got.last().Latitude != 59.33100 {
		t.Errorf("settled at latitude %v; want the post-jump anchor", got.last().Latitude)
	}
}

func TestSettlingStarvationCap(t *testing.T) {
	var got collector
	config := DefaultConfig()
	config.MaxWindowFactor = 2
	tr := NewTracker(config, testLogger(), got.add)

	window := 40 * time.Millisecond

	// Oscillate by >10m forever; without the cap this would never settle
	tr.Process(loc(59.33000, 18.06000), window)
	for i := 0; i < 6; i++ {
		time.Sleep(20 * time.Millisecond)
		lat := 59.33000 + float64(i%2+1)*0.0002
		tr.Process(loc(lat, 18.06000), window)
	}

	if got.count() == 0 {
		t.Error("starvation cap should have force-settled the oscillating location")
	}
}

func TestSettlingDropsOutOfOrderSamples(t *testing.T) {
	tr := NewTracker(DefaultConfig(), testLogger(), nil)

	window := 200 * time.Millisecond
	now := time.Now()

	tr.Process(pkg.UserLocation{Latitude: 59.33, Longitude: 18.06, Timestamp: now}, window)

	// An older sample far away must not restart the window
	stale := pkg.UserLocation{Latitude: 59.40, Longitude: 18.20, Timestamp: now.Add(-time.Minute)}
	tr.Process(stale, window)

	if !tr.IsSettling() {
		t.Fatal("tracker should still be settling")
	}
	// Anchor unchanged: a fresh nearby sample is still within the radius
	tr.Process(pkg.UserLocation{Latitude: 59.33001, Longitude: 18.06, Timestamp: now.Add(time.Millisecond)}, window)
	if !tr.IsSettling() {
		t.Error("nearby fresh sample should not have disturbed the window")
	}
}

func TestRemainingTime(t *testing.T) {
	tr := NewTracker(DefaultConfig(), testLogger(), nil)

	if tr.Remaining() != 0 {
		t.Error("idle tracker should report 0 remaining")
	}

	tr.Process(loc(59.33, 18.06), 150*time.Millisecond)
	remaining := tr.Remaining()
	if remaining <= 0 || remaining > 150*time.Millisecond {
		t.Errorf("remaining = %v; want within (0, 150ms]", remaining)
	}

	tr.Stop()
	if tr.Remaining() != 0 {
		t.Error("stopped tracker should report 0 remaining")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	var got collector
	tr := NewTracker(DefaultConfig(), testLogger(), got.add)

	tr.Process(loc(59.33, 18.06), 40*time.Millisecond)
	tr.Stop()
	tr.Stop()

	time.Sleep(80 * time.Millisecond)
	if got.count() != 0 {
		t.Error("stopped tracker must not fire callbacks")
	}
}
