// Package metrics exposes Prometheus metrics for the tracking daemon
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fernandoexploraria/proximityd/pkg/logx"
)

// Server registers and serves tracking metrics over HTTP
type Server struct {
	logger *logx.Logger
	server *http.Server

	locationFixes    *prometheus.CounterVec
	locationErrors   *prometheus.CounterVec
	trackerStatus    *prometheus.GaugeVec
	pollInterval     prometheus.Gauge
	movementState    prometheus.Gauge
	graceActivations *prometheus.CounterVec
	graceActive      prometheus.Gauge
	alertsFired      *prometheus.CounterVec
	settledLocations prometheus.Counter
	storeFlushes     prometheus.Gauge
	storeBatchSize   prometheus.Gauge
	retryAttempts    *prometheus.CounterVec
	daemonUptime     prometheus.Gauge

	startedAt time.Time
}

// NewServer creates a metrics server and registers all collectors
func NewServer(logger *logx.Logger) *Server {
	s := &Server{
		logger:    logger,
		startedAt: time.Now(),
	}
	s.registerMetrics()
	return s
}

func (s *Server) registerMetrics() {
	s.locationFixes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proximityd_location_fixes_total",
			Help: "Total location fixes received, by source",
		},
		[]string{"source"},
	)

	s.locationErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proximityd_location_errors_total",
			Help: "Total geolocation errors, by class",
		},
		[]string{"class"},
	)

	s.trackerStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "proximityd_tracker_status",
			Help: "Tracker lifecycle status (1 for the current state, 0 otherwise)",
		},
		[]string{"status"},
	)

	s.pollInterval = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "proximityd_poll_interval_seconds",
			Help: "Current adaptive polling interval",
		},
	)

	s.movementState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "proximityd_moving",
			Help: "Whether the user is currently classified as moving",
		},
	)

	s.graceActivations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proximityd_grace_activations_total",
			Help: "Total grace period activations, by reason",
		},
		[]string{"reason"},
	)

	s.graceActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "proximityd_grace_active",
			Help: "Whether a grace period is currently active",
		},
	)

	s.alertsFired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proximityd_alerts_fired_total",
			Help: "Total proximity alerts fired, by landmark",
		},
		[]string{"landmark"},
	)

	s.settledLocations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "proximityd_settled_locations_total",
			Help: "Total locations that passed the settling window",
		},
	)

	s.storeFlushes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "proximityd_store_flushes",
			Help: "Coalesced write flushes since startup",
		},
	)

	s.storeBatchSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "proximityd_store_avg_batch_size",
			Help: "Average keys per coalesced flush",
		},
	)

	s.retryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proximityd_retry_attempts_total",
			Help: "Total retry attempts, by operation",
		},
		[]string{"operation"},
	)

	s.daemonUptime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "proximityd_uptime_seconds",
			Help: "Daemon uptime in seconds",
		},
	)

	prometheus.MustRegister(
		s.locationFixes,
		s.locationErrors,
		s.trackerStatus,
		s.pollInterval,
		s.movementState,
		s.graceActivations,
		s.graceActive,
		s.alertsFired,
		s.settledLocations,
		s.storeFlushes,
		s.storeBatchSize,
		s.retryAttempts,
		s.daemonUptime,
	)
}

// Start serves /metrics and /health on the given port
func (s *Server) Start(port int) error {
	s.logger.Info("starting metrics server", "port", port)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", s.healthHandler)

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics server error", "error", err)
		}
	}()
	return nil
}

// Stop shuts down the HTTP server
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "ok")
}

// RecordFix counts a location fix from the given source
func (s *Server) RecordFix(source string) {
	s.locationFixes.WithLabelValues(source).Inc()
}

// RecordLocationError counts a geolocation error by class
func (s *Server) RecordLocationError(class string) {
	s.locationErrors.WithLabelValues(class).Inc()
}

// SetTrackerStatus marks the current lifecycle status
func (s *Server) SetTrackerStatus(status string) {
	for _, st := range []string{"stopped", "starting", "tracking", "error"} {
		v := 0.0
		if st == status {
			v = 1.0
		}
		s.trackerStatus.WithLabelValues(st).Set(v)
	}
}

// SetPollInterval records the current adaptive interval
func (s *Server) SetPollInterval(d time.Duration) {
	s.pollInterval.Set(d.Seconds())
}

// SetMoving records the movement classification
func (s *Server) SetMoving(moving bool) {
	if moving {
		s.movementState.Set(1)
	} else {
		s.movementState.Set(0)
	}
}

// RecordGraceActivation counts a grace period activation
func (s *Server) RecordGraceActivation(reason string) {
	s.graceActivations.WithLabelValues(reason).Inc()
}

// SetGraceActive records whether a grace period is running
func (s *Server) SetGraceActive(active bool) {
	if active {
		s.graceActive.Set(1)
	} else {
		s.graceActive.Set(0)
	}
}

// RecordAlert counts a fired proximity alert
func (s *Server) RecordAlert(landmark string) {
	s.alertsFired.WithLabelValues(landmark).Inc()
}

// RecordSettled counts a settled location
func (s *Server) RecordSettled() {
	s.settledLocations.Inc()
}

// RecordStoreStats updates coalescer gauges
func (s *Server) RecordStoreStats(flushes int64, avgBatch float64) {
	s.storeFlushes.Set(float64(flushes))
	s.storeBatchSize.Set(avgBatch)
}

// RecordRetry counts a retry attempt for an operation
func (s *Server) RecordRetry(operation string) {
	s.retryAttempts.WithLabelValues(operation).Inc()
}

// UpdateUptime refreshes the uptime gauge
func (s *Server) UpdateUptime() {
	s.daemonUptime.Set(time.Since(s.startedAt).Seconds())
}
