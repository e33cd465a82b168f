package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/micro-ha/northtracker/addon/internal/config"
	"github.com/micro-ha/northtracker/addon/internal/coordinator"
	"github.com/micro-ha/northtracker/addon/internal/device"
)

const publishTimeout = 5 * time.Second

// Publisher mirrors the device map to retained MQTT topics with HA discovery.
type Publisher struct {
	client pahomqtt.Client
	prefix string
	logger *slog.Logger

	mu sync.Mutex
	// key -> true for units, false for bluetooth sensors
	announced map[string]bool
	latest    device.Map
}

// NewPublisher creates and connects an MQTT publisher.
func NewPublisher(cfg config.MQTTConfig, logger *slog.Logger) (*Publisher, error) {
	p := newPublisher(nil, cfg.TopicPrefix, logger)

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(p.bridgeTopic(), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			p.logger.Info("MQTT connected")
			p.publishBridgeState("online")
			p.republish()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			p.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	p.client = client
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return p, nil
}

func newPublisher(client pahomqtt.Client, prefix string, logger *slog.Logger) *Publisher {
	return &Publisher{
		client:    client,
		prefix:    prefix,
		logger:    logger.With("component", "mqtt"),
		announced: make(map[string]bool),
		latest:    device.Map{},
	}
}

// OnRefresh publishes state for changed keys, discovery for new keys and
// clears the topics of keys that left the map.
func (p *Publisher) OnRefresh(_ context.Context, res coordinator.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.latest = res.Devices
	for _, key := range res.Devices.Keys() {
		e := res.Devices[key]
		if _, ok := p.announced[key]; !ok {
			p.announce(e)
		}
	}
	for _, key := range res.Changed {
		if e, ok := res.Devices[key]; ok {
			p.publishState(e)
		}
	}
	for key, unit := range p.announced {
		if _, ok := res.Devices[key]; ok {
			continue
		}
		p.logger.Info("removing device topics", "key", key)
		for _, msg := range removeDiscovery(key, unit) {
			p.publish(msg.Topic, msg.Payload, true)
		}
		p.publish(stateTopic(p.prefix, key), nil, true)
		delete(p.announced, key)
	}
}

// Stop publishes offline state and disconnects.
func (p *Publisher) Stop() {
	p.publishBridgeState("offline")
	p.client.Disconnect(1000)
	p.logger.Info("MQTT publisher stopped")
}

// republish sends discovery and state for every known entity after a
// (re)connect, since the broker may have lost retained messages.
func (p *Publisher) republish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, key := range p.latest.Keys() {
		e := p.latest[key]
		p.announce(e)
		p.publishState(e)
	}
}

func (p *Publisher) announce(e device.Entity) {
	for _, msg := range buildDiscovery(e, p.prefix) {
		p.publish(msg.Topic, msg.Payload, true)
	}
	_, unit := e.(*device.Device)
	p.announced[e.Key()] = unit
	p.logger.Debug("published HA discovery", "key", e.Key(), "name", e.DisplayName())
}

func (p *Publisher) publishState(e device.Entity) {
	p.publish(stateTopic(p.prefix, e.Key()), mustJSON(device.ViewOf(e)), true)
}

func (p *Publisher) bridgeTopic() string {
	return p.prefix + "/bridge/state"
}

func (p *Publisher) publishBridgeState(state string) {
	p.publish(p.bridgeTopic(), []byte(state), true)
}

func (p *Publisher) publish(topic string, payload []byte, retained bool) {
	token := p.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			p.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			p.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}
