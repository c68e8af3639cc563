package mqtt

import (
	"testing"

	"github.com/fernandoexploraria/proximityd/pkg"
	"github.com/fernandoexploraria/proximityd/pkg/logx"
)

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	if c.Broker != "localhost" || c.Port != 1883 {
		t.Errorf("unexpected broker defaults: %s:%d", c.Broker, c.Port)
	}
	if c.TopicPrefix != "proximity" {
		t.Errorf("TopicPrefix = %q", c.TopicPrefix)
	}
	if c.Enabled {
		t.Error("mqtt should be disabled by default")
	}
}

func TestDisabledClientIsNoop(t *testing.T) {
	c := NewClient(&Config{Enabled: false}, logx.New("error"))
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect on disabled client: %v", err)
	}
	if err := c.PublishLocation(pkg.UserLocation{}); err != nil {
		t.Errorf("PublishLocation on disabled client: %v", err)
	}
	if err := c.PublishGraceEvent("activated", "movement", 0); err != nil {
		t.Errorf("PublishGraceEvent on disabled client: %v", err)
	}
	if c.IsConnected() {
		t.Error("disabled client should not report connected")
	}
}
