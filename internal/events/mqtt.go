package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTClient is the subset of the paho client the bridge needs.
// It exists so tests can substitute a mock without a broker.
type MQTTClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
}

// MQTTBridge republishes bus events to an external MQTT broker under
// {prefix}/events/{type}. A missing or unreachable broker is not an error;
// the bridge just logs and drops.
type MQTTBridge struct {
	client MQTTClient
	prefix string
	logger *slog.Logger
	subID  string
	bus    *Bus
}

// NewMQTTBridge creates a bridge over an already-constructed client.
func NewMQTTBridge(client MQTTClient, prefix string, logger *slog.Logger) *MQTTBridge {
	if prefix == "" {
		prefix = "arbnet"
	}
	return &MQTTBridge{
		client: client,
		prefix: prefix,
		logger: logger.With("component", "mqtt-bridge"),
	}
}

// NewPahoClient builds the default paho client for a broker URL.
func NewPahoClient(broker, username, password string) MQTTClient {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID("arbnet-bridge").
		SetAutoReconnect(true)
	if username != "" {
		opts.SetUsername(username)
		opts.SetPassword(password)
	}
	return mqtt.NewClient(opts)
}

// Start connects the client and subscribes the bridge to all bus events.
func (m *MQTTBridge) Start(bus *Bus) error {
	tok := m.client.Connect()
	tok.Wait()
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	m.bus = bus
	m.subID = bus.Subscribe("", m.forward)
	m.logger.Info("mqtt bridge started", "prefix", m.prefix)
	return nil
}

// Stop unsubscribes and disconnects.
func (m *MQTTBridge) Stop() {
	if m.bus != nil {
		m.bus.Unsubscribe(m.subID)
	}
	m.client.Disconnect(250)
	m.logger.Info("mqtt bridge stopped")
}

func (m *MQTTBridge) forward(_ context.Context, ev Event) {
	if !m.client.IsConnected() {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		m.logger.Warn("mqtt event marshal failed (non-fatal)", "event", ev.Type, "error", err)
		return
	}
	topic := fmt.Sprintf("%s/events/%s", m.prefix, ev.Type)
	m.client.Publish(topic, 0, false, payload)
}
