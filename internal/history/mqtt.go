package history

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
)

// MQTTSink publishes events as JSON to <prefix>/<kind>.
type MQTTSink struct {
	client mqtt.Client
	prefix string
}

// NewMQTTSink connects to broker (e.g. tcp://localhost:1883).
func NewMQTTSink(broker, clientID, prefix string) (*MQTTSink, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Str("module", "history").Str("broker", broker).Msg("mqtt connection lost")
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect failed: %w", token.Error())
	}
	return &MQTTSink{client: client, prefix: strings.TrimRight(prefix, "/")}, nil
}

func (s *MQTTSink) Name() string { return "mqtt" }

func (s *MQTTSink) Topic(k Kind) string {
	return s.prefix + "/" + string(k)
}

func (s *MQTTSink) Deliver(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	token := s.client.Publish(s.Topic(ev.Kind), 1, false, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("publish failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disconnects, waiting up to 250ms for in-flight work.
func (s *MQTTSink) Close() {
	if s.client != nil {
		s.client.Disconnect(250)
	}
}
