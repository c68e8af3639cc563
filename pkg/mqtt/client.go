// Package mqtt publishes location tracking telemetry to an MQTT broker so
// dashboards and home automation can follow the daemon's state.
package mqtt

import (
	"encoding/json"
	"fmt"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/fernandoexploraria/proximityd/pkg"
	"github.com/fernandoexploraria/proximityd/pkg/logx"
)

// Config holds MQTT connection settings
type Config struct {
	Broker      string `json:"broker"`
	Port        int    `json:"port"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topic_prefix"`
	QoS         int    `json:"qos"`
	Retain      bool   `json:"retain"`
	Enabled     bool   `json:"enabled"`
}

// DefaultConfig returns default MQTT settings
func DefaultConfig() *Config {
	return &Config{
		Broker:      "localhost",
		Port:        1883,
		ClientID:    "proximityd",
		TopicPrefix: "proximity",
		QoS:         1,
		Retain:      false,
		Enabled:     false,
	}
}

// Client publishes tracking telemetry. All publish methods are no-ops while
// disabled or disconnected so the tracker never blocks on the broker.
type Client struct {
	client      MQTT.Client
	logger      *logx.Logger
	config      *Config
	connected   bool
	lastPublish time.Time
}

// NewClient creates an MQTT client
func NewClient(config *Config, logger *logx.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	return &Client{
		logger: logger,
		config: config,
	}
}

// Connect establishes the broker connection with automatic reconnect
func (c *Client) Connect() error {
	if !c.config.Enabled {
		c.logger.Debug("mqtt client disabled")
		return nil
	}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", c.config.Broker, c.config.Port))
	opts.SetClientID(c.config.ClientID)

	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(1 * time.Minute)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	c.client = MQTT.NewClient(opts)

	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connect to mqtt broker: %w", token.Error())
	}

	c.logger.Info("mqtt client connected", "broker", c.config.Broker, "port", c.config.Port)
	return nil
}

// Disconnect closes the broker connection
func (c *Client) Disconnect() {
	if c.client != nil && c.connected {
		c.client.Disconnect(250)
		c.connected = false
		c.logger.Info("mqtt client disconnected")
	}
}

func (c *Client) onConnect(MQTT.Client) {
	c.connected = true
	c.logger.Info("mqtt connection established")
}

func (c *Client) onConnectionLost(_ MQTT.Client, err error) {
	c.connected = false
	c.logger.Error("mqtt connection lost", "error", err)
}

// PublishLocation publishes a settled location fix
func (c *Client) PublishLocation(loc pkg.UserLocation) error {
	if !c.config.Enabled || !c.connected {
		return nil
	}
	topic := fmt.Sprintf("%s/location", c.config.TopicPrefix)
	return c.publishJSON(topic, map[string]interface{}{
		"timestamp": time.Now(),
		"location":  loc,
	})
}

// PublishGraceEvent publishes a grace period transition
func (c *Client) PublishGraceEvent(action, reason string, duration time.Duration) error {
	if !c.config.Enabled || !c.connected {
		return nil
	}
	topic := fmt.Sprintf("%s/grace", c.config.TopicPrefix)
	return c.publishJSON(topic, map[string]interface{}{
		"timestamp":   time.Now(),
		"action":      action,
		"reason":      reason,
		"duration_ms": duration.Milliseconds(),
	})
}

// PublishAlert publishes a fired proximity alert
func (c *Client) PublishAlert(alert pkg.ProximityAlert, distanceM float64) error {
	if !c.config.Enabled || !c.connected {
		return nil
	}
	topic := fmt.Sprintf("%s/alerts", c.config.TopicPrefix)
	return c.publishJSON(topic, map[string]interface{}{
		"timestamp":  time.Now(),
		"alert":      alert,
		"distance_m": distanceM,
	})
}

// PublishStatus publishes tracker status
func (c *Client) PublishStatus(status map[string]interface{}) error {
	if !c.config.Enabled || !c.connected {
		return nil
	}
	topic := fmt.Sprintf("%s/status", c.config.TopicPrefix)
	return c.publishJSON(topic, map[string]interface{}{
		"timestamp": time.Now(),
		"status":    status,
	})
}

func (c *Client) publishJSON(topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal mqtt payload: %w", err)
	}
	token := c.client.Publish(topic, byte(c.config.QoS), c.config.Retain, data)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("publish to %s: %w", topic, token.Error())
	}
	c.lastPublish = time.Now()
	return nil
}

// IsConnected reports broker connectivity
func (c *Client) IsConnected() bool {
	return c.connected
}
