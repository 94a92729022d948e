// Package integration handles external service interactions
package integration

import (
	"sync"
	"time"

	"github.com/abelzeko/garden-controller/internal/config"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("garden.integration")

// qos of every subscription and publication, at least once
const qos = 1

// MQTTBus is the publish/subscribe transport between the controller and the
// sensor boards
type MQTTBus struct {
	client  mqtt.Client
	timeout time.Duration

	mu       sync.Mutex
	handlers map[string]func(topic string, payload []byte)
}

// NewMQTTBus creates a bus client for the configured broker. Subscriptions
// are restored on every reconnection.
func NewMQTTBus(cfg config.MQTTConfig) *MQTTBus {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "garden-" + uuid.NewString()
	}

	bus := &MQTTBus{timeout: cfg.Timeout, handlers: map[string]func(string, []byte){}}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetKeepAlive(cfg.KeepAlive).
		SetConnectTimeout(cfg.Timeout).
		SetAutoReconnect(true).
		SetOrderMatters(false).
		SetOnConnectHandler(func(mqtt.Client) {
			logger.Infof("connected to %s as %s", cfg.Broker, clientID)
			bus.resubscribe()
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warningf("connection to %s lost: %v", cfg.Broker, err)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	bus.client = mqtt.NewClient(opts)
	return bus
}

// newMQTTBusWithClient wraps an existing client
func newMQTTBusWithClient(client mqtt.Client, timeout time.Duration) *MQTTBus {
	return &MQTTBus{client: client, timeout: timeout, handlers: map[string]func(string, []byte){}}
}

// Connect opens the connection to the broker
func (b *MQTTBus) Connect() error {
	if err := b.wait(b.client.Connect(), "connect"); err != nil {
		return errors.Annotate(err, "cannot reach MQTT server")
	}
	return nil
}

// Publish sends a payload on a topic
func (b *MQTTBus) Publish(topic, payload string) error {
	if err := b.wait(b.client.Publish(topic, qos, false, payload), "publish on "+topic); err != nil {
		return errors.Trace(err)
	}
	logger.Debugf("published %q on %q", payload, topic)
	return nil
}

// Subscribe registers the handler for a topic. The handler runs on the client
// goroutine and receives the raw topic and payload.
func (b *MQTTBus) Subscribe(topic string, handler func(topic string, payload []byte)) error {
	if err := b.wait(b.client.Subscribe(topic, qos, route(handler)), "subscribe to "+topic); err != nil {
		return errors.Trace(err)
	}
	b.mu.Lock()
	b.handlers[topic] = handler
	b.mu.Unlock()
	return nil
}

// Close disconnects from the broker, leaving in-flight work some time to complete
func (b *MQTTBus) Close() {
	if b.client.IsConnected() {
		b.client.Disconnect(250)
	}
	logger.Infof("MQTT client disconnected")
}

// resubscribe restores the subscriptions after a reconnection
func (b *MQTTBus) resubscribe() {
	b.mu.Lock()
	handlers := make(map[string]func(string, []byte), len(b.handlers))
	for topic, handler := range b.handlers {
		handlers[topic] = handler
	}
	b.mu.Unlock()

	for topic, handler := range handlers {
		// The token is not awaited, the client goroutine is calling us
		b.client.Subscribe(topic, qos, route(handler))
		logger.Debugf("resubscribed to %q", topic)
	}
}

func (b *MQTTBus) wait(token mqtt.Token, operation string) error {
	if !token.WaitTimeout(b.timeout) {
		return errors.Timeoutf("%s after %s", operation, b.timeout)
	}
	return errors.Annotatef(token.Error(), "cannot %s", operation)
}

func route(handler func(string, []byte)) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	}
}
