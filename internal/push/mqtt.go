package push

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	mqttConnectTimeout = 10 * time.Second
	mqttHandleTimeout  = 30 * time.Second
)

// MQTTSource feeds messages published on a topic into the bridge as pushes.
type MQTTSource struct {
	client mqtt.Client
	topic  string
	bridge *Bridge
	log    *slog.Logger
}

func NewMQTTSource(broker, clientID, topic string, b *Bridge, logger *slog.Logger) *MQTTSource {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &MQTTSource{topic: topic, bridge: b, log: logger}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetConnectTimeout(mqttConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	// subscriptions do not survive a clean-session reconnect
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		tok := c.Subscribe(s.topic, 1, s.onMessage)
		if tok.WaitTimeout(mqttConnectTimeout) && tok.Error() != nil {
			s.log.Error("mqtt subscribe failed", "topic", s.topic, "error", tok.Error())
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.log.Warn("mqtt connection lost", "error", err)
	})
	s.client = mqtt.NewClient(opts)
	return s
}

func (s *MQTTSource) Start(ctx context.Context) error {
	tok := s.client.Connect()
	select {
	case <-tok.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(mqttConnectTimeout):
		return errors.New("mqtt connect timed out")
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	s.log.Info("listening for pushes", "topic", s.topic)
	return nil
}

func (s *MQTTSource) Stop() {
	s.client.Disconnect(250)
}

func (s *MQTTSource) onMessage(_ mqtt.Client, msg mqtt.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), mqttHandleTimeout)
	defer cancel()
	if err := s.bridge.HandlePush(ctx, msg.Payload()); err != nil {
		s.log.Error("push from mqtt not shown", "topic", msg.Topic(), "error", err)
	}
}
