// Package pubsub provides implementations of message publishers.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/M-Klemm/sofar2PVO/internal/config"
	"github.com/M-Klemm/sofar2PVO/internal/homeassistant"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// NoopPublisher is a no-operation implementation of the MessagePublisher
// interface.
type NoopPublisher struct{}

// NewNoopPublisher creates a new no-operation publisher.
func NewNoopPublisher() *NoopPublisher {
	return &NoopPublisher{}
}

// Connect is a no-op for the NoopPublisher.
func (p *NoopPublisher) Connect(_ context.Context) error {
	return nil
}

// Publish is a no-op for the NoopPublisher.
func (p *NoopPublisher) Publish(_ context.Context, _ string, _ interface{}) error {
	return nil
}

// Close is a no-op for the NoopPublisher.
func (p *NoopPublisher) Close() error {
	return nil
}

// MQTTPublisher implements the MessagePublisher interface for MQTT.
type MQTTPublisher struct {
	config        *config.Config
	client        mqtt.Client
	connected     bool
	mu            sync.RWMutex
	logger        zerolog.Logger
	clientFactory func(*config.Config) mqtt.Client // Factory function for creating MQTT clients (testable)
	discovery     *homeassistant.AutoDiscovery
	discoverySent bool
}

// NewMQTTPublisher creates a new MQTT publisher.
func NewMQTTPublisher(cfg *config.Config) *MQTTPublisher {
	return &MQTTPublisher{
		config:        cfg,
		clientFactory: createMQTTClient,
		logger:        log.With().Str("component", "mqtt").Logger(),
	}
}

// NewMQTTPublisherWithClient creates a new MQTT publisher with a custom
// client (for testing).
func NewMQTTPublisherWithClient(cfg *config.Config, client mqtt.Client) *MQTTPublisher {
	return &MQTTPublisher{
		config: cfg,
		client: client,
		logger: log.With().Str("component", "mqtt").Logger(),
	}
}

// createMQTTClient is the default factory function for creating MQTT clients.
func createMQTTClient(cfg *config.Config) mqtt.Client {
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.MQTT.Host, cfg.MQTT.Port)).
		SetClientID(fmt.Sprintf("sofar2pvo-%d", time.Now().Unix())).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second).
		SetWriteTimeout(5 * time.Second).
		SetKeepAlive(30 * time.Second).
		SetCleanSession(false)

	// Set credentials if provided
	if cfg.MQTT.Username != "" {
		opts.SetUsername(cfg.MQTT.Username)
		opts.SetPassword(cfg.MQTT.Password)
	}

	return mqtt.NewClient(opts)
}

// Connect establishes a connection to the MQTT broker and, when enabled,
// publishes the Home Assistant discovery messages.
func (p *MQTTPublisher) Connect(ctx context.Context) error {
	if !p.config.MQTT.Enabled {
		return nil
	}

	if p.client == nil {
		p.client = p.clientFactory(p.config)
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	connToken := p.client.Connect()

	select {
	case <-connectCtx.Done():
		return fmt.Errorf("failed to connect to MQTT broker: timeout after 10 seconds")
	case <-connToken.Done():
		if connToken.Error() != nil {
			return fmt.Errorf("failed to connect to MQTT broker: %w", connToken.Error())
		}
	}

	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()

	p.logger.Info().
		Str("host", p.config.MQTT.Host).
		Int("port", p.config.MQTT.Port).
		Msg("MQTT connection established")

	if p.config.MQTT.HomeAssistantAutoDiscovery.Enabled {
		if err := p.publishDiscovery(); err != nil {
			p.logger.Warn().Err(err).Msg("Failed to publish Home Assistant discovery")
		}
	}

	return nil
}

// SetupDiscovery attaches a Home Assistant auto-discovery generator used on
// connect.
func (p *MQTTPublisher) SetupDiscovery(serial uint32) error {
	ha := p.config.MQTT.HomeAssistantAutoDiscovery
	if !ha.Enabled {
		return nil
	}

	discovery, err := homeassistant.New(homeassistant.Config{
		DiscoveryPrefix:    ha.DiscoveryPrefix,
		DeviceName:         ha.DeviceName,
		DeviceManufacturer: ha.DeviceManufacturer,
		DeviceModel:        ha.DeviceModel,
		RetainDiscovery:    ha.RetainDiscovery,
	}, p.config.MQTT.Topic, fmt.Sprintf("%d", serial))
	if err != nil {
		return err
	}

	p.discovery = discovery
	return nil
}

// publishDiscovery sends all discovery messages once per connection.
func (p *MQTTPublisher) publishDiscovery() error {
	if p.discovery == nil || p.discoverySent {
		return nil
	}

	messages, err := p.discovery.Messages()
	if err != nil {
		return err
	}

	for _, msg := range messages {
		token := p.client.Publish(msg.Topic, 0, msg.Retain, msg.Payload)
		if token.Wait() && token.Error() != nil {
			return fmt.Errorf("failed to publish discovery to %s: %w", msg.Topic, token.Error())
		}
	}

	p.discoverySent = true
	p.logger.Info().Int("sensors", len(messages)).Msg("Published Home Assistant discovery")
	return nil
}

// Publish sends data to the specified topic as JSON.
func (p *MQTTPublisher) Publish(ctx context.Context, topic string, data interface{}) error {
	if !p.config.MQTT.Enabled {
		return nil
	}

	p.mu.RLock()
	connected := p.connected
	p.mu.RUnlock()
	if !connected && (p.client == nil || !p.client.IsConnected()) {
		return fmt.Errorf("not connected to MQTT broker")
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data for MQTT: %w", err)
	}

	token := p.client.Publish(topic, 0, p.config.MQTT.Retain, payload)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-token.Done():
		if token.Error() != nil {
			return fmt.Errorf("failed to publish to %s: %w", topic, token.Error())
		}
	}

	p.logger.Debug().Str("topic", topic).Int("bytes", len(payload)).Msg("Published message")
	return nil
}

// Close terminates the connection to the MQTT broker.
func (p *MQTTPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
	}
	p.connected = false
	return nil
}
