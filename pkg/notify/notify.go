// Package notify delivers user-facing alert notifications through a
// Pushover-compatible webhook, with per-variant cooldowns and an hourly cap
// so a flapping geofence cannot flood the user.
package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fernandoexploraria/proximityd/pkg/logx"
)

// Variant classifies a notification for styling and rate limiting
type Variant string

const (
	VariantDefault     Variant = "default"
	VariantDestructive Variant = "destructive"
	VariantWarning     Variant = "warning"
)

// Notification is one user-facing message
type Notification struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Variant     Variant   `json:"variant"`
	Timestamp   time.Time `json:"timestamp"`
}

// Notifier is the delivery surface the tracker raises alerts through
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// Config holds webhook credentials and rate limits
type Config struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
	Token    string `json:"token"`
	User     string `json:"user"`

	CooldownPeriod time.Duration `json:"cooldown_period"`
	MaxPerHour     int           `json:"max_per_hour"`
	HTTPTimeout    time.Duration `json:"http_timeout"`
}

// DefaultConfig returns conservative delivery defaults
func DefaultConfig() Config {
	return Config{
		Endpoint:       "https://api.pushover.net/1/messages.json",
		CooldownPeriod: 30 * time.Second,
		MaxPerHour:     20,
		HTTPTimeout:    10 * time.Second,
	}
}

// Stats reports delivery counters
type Stats struct {
	Sent        int64     `json:"sent"`
	Failed      int64     `json:"failed"`
	RateLimited int64     `json:"rate_limited"`
	LastSent    time.Time `json:"last_sent,omitempty"`
}

// Manager sends notifications over HTTP with rate limiting
type Manager struct {
	config Config
	logger *logx.Logger
	client *http.Client

	mu        sync.Mutex
	lastSent  map[Variant]time.Time
	hourCount map[string]int
	stats     Stats
}

// NewManager creates a notification manager
func NewManager(config Config, logger *logx.Logger) *Manager {
	if config.HTTPTimeout <= 0 {
		config.HTTPTimeout = DefaultConfig().HTTPTimeout
	}
	if config.MaxPerHour <= 0 {
		config.MaxPerHour = DefaultConfig().MaxPerHour
	}
	return &Manager{
		config:    config,
		logger:    logger,
		client:    &http.Client{Timeout: config.HTTPTimeout},
		lastSent:  make(map[Variant]time.Time),
		hourCount: make(map[string]int),
	}
}

// IsEnabled reports whether delivery is configured
func (m *Manager) IsEnabled() bool {
	return m.config.Enabled && m.config.Endpoint != "" && m.config.Token != "" && m.config.User != ""
}

// Send delivers one notification, applying the per-variant cooldown and the
// hourly cap. Destructive notifications bypass the cooldown but not the cap.
func (m *Manager) Send(ctx context.Context, n Notification) error {
	if !m.IsEnabled() {
		m.logger.Debug("notifications disabled, skipping", "title", n.Title)
		return nil
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}
	if !m.shouldSend(n) {
		m.logger.Debug("notification rate limited", "title", n.Title, "variant", n.Variant)
		return nil
	}

	if err := m.post(ctx, n); err != nil {
		m.mu.Lock()
		m.stats.Failed++
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	m.stats.Sent++
	m.stats.LastSent = n.Timestamp
	m.lastSent[n.Variant] = n.Timestamp
	m.hourCount[n.Timestamp.Format("2006010215")]++
	m.mu.Unlock()

	m.logger.Info("notification sent", "title", n.Title, "variant", n.Variant)
	return nil
}

func (m *Manager) shouldSend(n Notification) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	hourKey := n.Timestamp.Format("2006010215")
	if m.hourCount[hourKey] >= m.config.MaxPerHour {
		m.stats.RateLimited++
		return false
	}

	if n.Variant != VariantDestructive {
		if last, ok := m.lastSent[n.Variant]; ok && n.Timestamp.Sub(last) < m.config.CooldownPeriod {
			m.stats.RateLimited++
			return false
		}
	}
	return true
}

func (m *Manager) post(ctx context.Context, n Notification) error {
	form := url.Values{}
	form.Set("token", m.config.Token)
	form.Set("user", m.config.User)
	form.Set("title", n.Title)
	form.Set("message", n.Description)
	form.Set("priority", strconv.Itoa(priorityFor(n.Variant)))
	form.Set("timestamp", strconv.FormatInt(n.Timestamp.Unix(), 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.config.Endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint returned %d", resp.StatusCode)
	}
	return nil
}

func priorityFor(v Variant) int {
	switch v {
	case VariantDestructive:
		return 1
	case VariantWarning:
		return 0
	default:
		return -1
	}
}

// Stats returns a snapshot of delivery counters
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Noop discards all notifications. Used when no webhook is configured.
type Noop struct{}

// Send discards the notification
func (Noop) Send(context.Context, Notification) error { return nil }
