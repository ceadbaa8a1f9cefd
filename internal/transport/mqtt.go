package transport

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/hearthchat/hearth/internal/config"
)

// publishTimeout bounds the wait for a broker ack. Per-message delivery is
// repaired by sync, so a slow broker fails the send instead of stalling the
// engine.
const publishTimeout = 5 * time.Second

// MQTT adapts a paho client to the Transport interface. QoS 1 everywhere:
// duplicate delivery is absorbed by the store's dedup layer.
type MQTT struct {
	client mqtt.Client
	logger *zap.Logger
}

// NewMQTT builds an MQTT transport for the given broker settings.
// clientID must be unique per device; brokers disconnect id collisions.
func NewMQTT(cfg config.Broker, clientID string, logger *zap.Logger) *MQTT {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.URL).
		SetClientID(clientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetCleanSession(false).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second)

	t := &MQTT{logger: logger}
	opts.OnConnect = func(_ mqtt.Client) {
		logger.Info("broker connected", zap.String("url", cfg.URL))
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("broker connection lost", zap.Error(err))
	}
	t.client = mqtt.NewClient(opts)
	return t
}

// Connect dials the broker, honoring ctx for cancellation.
func (t *MQTT) Connect(ctx context.Context) error {
	token := t.client.Connect()
	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()
	select {
	case <-done:
		if err := token.Error(); err != nil {
			return fmt.Errorf("connect broker: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish sends payload at QoS 1, waiting at most publishTimeout for the
// broker ack.
func (t *MQTT) Publish(topic string, payload []byte, retained bool) error {
	token := t.client.Publish(topic, 1, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers h for the given topic filter at QoS 1.
func (t *MQTT) Subscribe(filter string, h Handler) error {
	token := t.client.Subscribe(filter, 1, func(_ mqtt.Client, msg mqtt.Message) {
		h(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("subscribe %s: timeout", filter)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", filter, err)
	}
	return nil
}

// Unsubscribe removes a topic filter.
func (t *MQTT) Unsubscribe(filter string) error {
	token := t.client.Unsubscribe(filter)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("unsubscribe %s: timeout", filter)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", filter, err)
	}
	return nil
}

// Close disconnects from the broker, allowing in-flight work to finish.
func (t *MQTT) Close() {
	t.client.Disconnect(250)
}
