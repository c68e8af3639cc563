package tracker

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/fernandoexploraria/proximityd/pkg"
)

// ErrWatchUnsupported is returned by providers that can only serve one-shot
// fixes; the controller falls back to its polling loop.
var ErrWatchUnsupported = errors.New("continuous watch not supported")

// Permission is the provider's access state
type Permission int

const (
	PermissionUnknown Permission = iota
	PermissionGranted
	PermissionDenied
)

// Provider is a source of location fixes. Watch delivers fixes continuously
// until the returned stop function is called; Get acquires a single fix
// honoring the options.
type Provider interface {
	Watch(opts pkg.GeoOptions, onFix func(pkg.UserLocation), onError func(*pkg.GeoError)) (stop func(), err error)
	Get(ctx context.Context, opts pkg.GeoOptions) (pkg.UserLocation, error)
	Permission(ctx context.Context) Permission
}

// SimulatedProvider walks a position around a starting point. It stands in
// for a real geolocation source when the daemon runs without one.
type SimulatedProvider struct {
	mu       sync.Mutex
	lat, lon float64
	stepM    float64
	interval time.Duration
	rng      *rand.Rand
}

// NewSimulatedProvider creates a random-walk provider starting at the given
// coordinates
func NewSimulatedProvider(lat, lon float64) *SimulatedProvider {
	return &SimulatedProvider{
		lat:      lat,
		lon:      lon,
		stepM:    5,
		interval: 2 * time.Second,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *SimulatedProvider) step() pkg.UserLocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	// ~0.000009 degrees per meter of latitude
	s.lat += (s.rng.Float64() - 0.5) * 2 * s.stepM * 0.000009
	s.lon += (s.rng.Float64() - 0.5) * 2 * s.stepM * 0.000009
	acc := 10.0
	return pkg.UserLocation{
		Latitude:  s.lat,
		Longitude: s.lon,
		Accuracy:  &acc,
		Timestamp: time.Now(),
	}
}

// Watch emits a simulated fix on a fixed cadence
func (s *SimulatedProvider) Watch(_ pkg.GeoOptions, onFix func(pkg.UserLocation), _ func(*pkg.GeoError)) (func(), error) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				onFix(s.step())
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }, nil
}

// Get returns the next simulated fix
func (s *SimulatedProvider) Get(_ context.Context, _ pkg.GeoOptions) (pkg.UserLocation, error) {
	return s.step(), nil
}

// Permission always grants for the simulated source
func (s *SimulatedProvider) Permission(context.Context) Permission {
	return PermissionGranted
}
