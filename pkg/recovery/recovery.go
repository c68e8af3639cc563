// Package recovery wraps fallible operations with bounded keyed retries and
// repairs corrupt settings instead of letting them take the tracker down.
package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fernandoexploraria/proximityd/pkg/logx"
	"github.com/fernandoexploraria/proximityd/pkg/settings"
)

// DefaultMaxRetries bounds attempts per operation before giving up
const DefaultMaxRetries = 3

// Config tunes the retry manager
type Config struct {
	MaxRetries int `json:"max_retries"`
	// Sleep is injectable for tests; nil means real time.Sleep respecting ctx
	Sleep func(ctx context.Context, d time.Duration) error `json:"-"`
	// OnRetry, when set, is called with the operation ID after every
	// failed attempt
	OnRetry func(operationID string) `json:"-"`
}

// DefaultConfig returns the standard retry policy
func DefaultConfig() Config {
	return Config{MaxRetries: DefaultMaxRetries}
}

// Manager tracks retry state per operation ID so concurrent callers retrying
// the same logical operation share one attempt budget
type Manager struct {
	mu      sync.Mutex
	logger  *logx.Logger
	config  Config
	retries map[string]int
}

// NewManager creates a retry manager
func NewManager(config Config, logger *logx.Logger) *Manager {
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}
	if config.Sleep == nil {
		config.Sleep = sleepCtx
	}
	return &Manager{
		logger:  logger,
		config:  config,
		retries: make(map[string]int),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Retry runs op up to MaxRetries times with exponential backoff (2^attempt
// seconds) between attempts. Attempt counts persist per operationID across
// calls and clear on success or exhaustion.
func (m *Manager) Retry(ctx context.Context, operationID string, op func(ctx context.Context) error) error {
	var lastErr error
	for {
		m.mu.Lock()
		attempt := m.retries[operationID]
		if attempt >= m.config.MaxRetries {
			delete(m.retries, operationID)
			m.mu.Unlock()
			if lastErr == nil {
				lastErr = fmt.Errorf("operation %s: retry budget exhausted", operationID)
			}
			return fmt.Errorf("operation %s failed after %d attempts: %w", operationID, m.config.MaxRetries, lastErr)
		}
		m.retries[operationID] = attempt + 1
		m.mu.Unlock()

		err := op(ctx)
		if err == nil {
			m.mu.Lock()
			delete(m.retries, operationID)
			m.mu.Unlock()
			return nil
		}
		lastErr = err
		if m.config.OnRetry != nil {
			m.config.OnRetry(operationID)
		}

		// no point sleeping after the final attempt
		if attempt+1 >= m.config.MaxRetries {
			continue
		}

		backoff := time.Duration(1<<uint(attempt)) * time.Second
		m.logger.Warn("operation failed, backing off",
			"operation", operationID,
			"attempt", attempt+1,
			"backoff", backoff.String(),
			"error", err,
		)
		if serr := m.config.Sleep(ctx, backoff); serr != nil {
			return fmt.Errorf("operation %s aborted: %w", operationID, serr)
		}
	}
}

// Attempts reports the attempts consumed so far for an operation
func (m *Manager) Attempts(operationID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retries[operationID]
}

// ResetAll clears all retry state
func (m *Manager) ResetAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retries = make(map[string]int)
}

// Recovery strategies reported by RecoverSettings
const (
	StrategyAutoCorrected  = "auto_corrected"
	StrategyPresetFallback = "preset_fallback"
)

// SettingsRecovery describes how a broken settings payload was repaired
type SettingsRecovery struct {
	Settings settings.Settings `json:"settings"`
	Strategy string            `json:"strategy"`
	Repaired []string          `json:"repaired,omitempty"`
}

// RecoverSettings returns usable settings from a possibly-corrupt candidate:
// out-of-range fields are clamped first; if the result still fails
// validation the balanced defaults take over wholesale.
func RecoverSettings(candidate settings.Settings, logger *logx.Logger) SettingsRecovery {
	clamped := settings.Clamp(candidate)
	if err := settings.Validate(clamped); err == nil {
		repaired := repairedFields(candidate, clamped)
		if len(repaired) > 0 {
			logger.Warn("settings auto-corrected", "fields", repaired)
		}
		return SettingsRecovery{Settings: clamped, Strategy: StrategyAutoCorrected, Repaired: repaired}
	}
	logger.Error("settings unrecoverable, falling back to defaults")
	return SettingsRecovery{Settings: settings.Default(), Strategy: StrategyPresetFallback}
}

func repairedFields(before, after settings.Settings) []string {
	var fields []string
	if before.DefaultDistance != after.DefaultDistance {
		fields = append(fields, "default_distance")
	}
	if before.GracePeriodInitializationMS != after.GracePeriodInitializationMS {
		fields = append(fields, "grace_period_initialization")
	}
	if before.GracePeriodMovementMS != after.GracePeriodMovementMS {
		fields = append(fields, "grace_period_movement")
	}
	if before.GracePeriodAppResumeMS != after.GracePeriodAppResumeMS {
		fields = append(fields, "grace_period_app_resume")
	}
	if before.LocationSettlingMS != after.LocationSettlingMS {
		fields = append(fields, "location_settling_grace_period")
	}
	if before.SignificantMovementThresholdM != after.SignificantMovementThresholdM {
		fields = append(fields, "significant_movement_threshold")
	}
	return fields
}

// HealthStatus summarizes recovery pressure for the status surface
type HealthStatus struct {
	PendingOperations int      `json:"pending_operations"`
	OperationIDs      []string `json:"operation_ids,omitempty"`
}

// Health reports operations currently mid-retry
func (m *Manager) Health() HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := HealthStatus{PendingOperations: len(m.retries)}
	for id := range m.retries {
		h.OperationIDs = append(h.OperationIDs, id)
	}
	return h
}
