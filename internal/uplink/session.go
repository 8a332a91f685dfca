package uplink

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ioannis-ag/IoT-emergency/internal/config"
)

// MQTTSession wraps the paho client. Auto-reconnect is disabled on purpose:
// the Manager owns retry timing, so the broker session must not fight it.
type MQTTSession struct {
	client mqtt.Client
	log    *zap.Logger
	qos    byte
}

// NewMQTTSession creates the broker session without connecting.
func NewMQTTSession(cfg *config.Config, log *zap.Logger) *MQTTSession {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.MQTT.Broker)
	opts.SetClientID(fmt.Sprintf("%s-%s", cfg.Identity.NodeID, uuid.NewString()[:8]))

	if cfg.MQTT.Username != "" {
		opts.SetUsername(cfg.MQTT.Username)
	}
	if cfg.MQTT.Password != "" {
		opts.SetPassword(cfg.MQTT.Password)
	}

	opts.SetAutoReconnect(false)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(5 * time.Second)
	opts.SetKeepAlive(15 * time.Second)

	return &MQTTSession{
		client: mqtt.NewClient(opts),
		log:    log,
		qos:    byte(cfg.MQTT.QoS),
	}
}

// Connect starts a connection attempt and returns immediately; the outcome
// is observed through Connected on later ticks.
func (s *MQTTSession) Connect() {
	if s.client.IsConnected() {
		return
	}
	token := s.client.Connect()
	go func() {
		if token.Wait() && token.Error() != nil {
			s.log.Debug("mqtt connect failed", zap.Error(token.Error()))
		}
	}()
}

// Connected reports whether the broker session is up.
func (s *MQTTSession) Connected() bool {
	return s.client.IsConnectionOpen()
}

// Publish sends one message fire-and-forget. A failed send is superseded by
// the next tick, never retried inline.
func (s *MQTTSession) Publish(topic string, payload []byte) error {
	if !s.Connected() {
		return fmt.Errorf("session not connected")
	}
	token := s.client.Publish(topic, s.qos, false, payload)
	go func() {
		if token.Wait() && token.Error() != nil {
			s.log.Debug("mqtt publish failed",
				zap.String("topic", topic),
				zap.Error(token.Error()),
			)
		}
	}()
	return nil
}

// Close disconnects the session.
func (s *MQTTSession) Close() {
	s.client.Disconnect(250)
}
