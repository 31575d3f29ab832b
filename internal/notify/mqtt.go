package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/chaz8081/chargekeeper/internal/ble"
	"github.com/chaz8081/chargekeeper/internal/config"
)

// Publisher is the part of mqtt.Client the sink uses.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTSink publishes every event as JSON on <prefix>/event and keeps a
// retained delivery status on <prefix>/status and the confirmed outlet
// state on <prefix>/outlet.
type MQTTSink struct {
	pub    Publisher
	prefix string
	encode func(v any) ([]byte, error)

	mu   sync.Mutex
	last Status
}

// NewMQTTSink creates a sink publishing under prefix.
func NewMQTTSink(pub Publisher, prefix string) *MQTTSink {
	return &MQTTSink{pub: pub, prefix: prefix, encode: json.Marshal}
}

type eventPayload struct {
	Kind       string    `json:"kind"`
	AttemptID  string    `json:"attempt_id"`
	Address    string    `json:"address"`
	Target     string    `json:"target"`
	Phase      string    `json:"phase"`
	Attempt    int       `json:"attempt"`
	MaxRetries int       `json:"max_retries"`
	Error      string    `json:"error,omitempty"`
	Time       time.Time `json:"time"`
}

func (s *MQTTSink) Emit(ev ble.Event) {
	p := eventPayload{
		Kind:       ev.Kind.String(),
		AttemptID:  ev.AttemptID,
		Address:    ev.Address,
		Target:     ev.Target.String(),
		Phase:      ev.Phase.String(),
		Attempt:    ev.Attempt,
		MaxRetries: ev.MaxRetries,
		Time:       ev.Time,
	}
	if ev.Err != nil {
		p.Error = ev.Err.Error()
	}
	if payload, err := s.encode(p); err != nil {
		slog.Warn("[MQTT] encode event failed, not publishing it", "kind", p.Kind, "error", err)
	} else {
		s.publish(s.prefix+"/event", false, payload)
	}

	if status, ok := StatusOf(ev); ok {
		s.mu.Lock()
		changed := status != s.last
		s.last = status
		s.mu.Unlock()
		if changed {
			s.publish(s.prefix+"/status", true, []byte(status))
		}
	}
	if ev.Kind == ble.EventSucceeded {
		s.publish(s.prefix+"/outlet", true, []byte(ev.Target.String()))
	}
}

// publish never waits on the broker; delivery errors are logged.
func (s *MQTTSink) publish(topic string, retained bool, payload []byte) {
	token := s.pub.Publish(topic, 1, retained, payload)
	go func() {
		if token.Wait() && token.Error() != nil {
			slog.Warn("[MQTT] publish failed", "topic", topic, "error", token.Error())
		}
	}()
}

// Connect opens a broker connection for the sink. The broker marks the
// service offline on <prefix>/availability if the connection drops.
func Connect(cfg config.MQTTConfig) (mqtt.Client, error) {
	availability := cfg.TopicPrefix + "/availability"

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetWill(availability, "offline", 1, true)

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		slog.Warn("[MQTT] connection lost", "error", err)
	})
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		slog.Info("[MQTT] connected", "broker", cfg.Broker)
		client.Publish(availability, 1, true, "online")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt: connect to %s timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect to %s: %w", cfg.Broker, err)
	}
	return client, nil
}

// Disconnect marks the service offline and closes the connection.
func Disconnect(client mqtt.Client, cfg config.MQTTConfig) {
	client.Publish(cfg.TopicPrefix+"/availability", 1, true, "offline").WaitTimeout(time.Second)
	client.Disconnect(250)
}
