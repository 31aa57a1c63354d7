package telemetry

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/banshee-data/rheometer/internal/monitoring"
)

// publisher is the part of mqtt.Client the sink uses.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTSink publishes every Nth record as JSON. Publishing is fire and
// forget at QoS 0 so a slow broker never stalls the logger.
type MQTTSink struct {
	pub   publisher
	topic string
	every int

	mu     sync.Mutex
	n      int
	client mqtt.Client
}

// DialMQTT connects to broker and returns a sink publishing to topic.
func DialMQTT(broker, clientID, topic string, every int) (*MQTTSink, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetConnectTimeout(5 * time.Second).
		SetAutoReconnect(true)
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", broker, token.Error())
	}
	monitoring.Logf("[telemetry] publishing to mqtt %s topic %s", broker, topic)
	s := newMQTTSink(client, topic, every)
	s.client = client
	return s, nil
}

func newMQTTSink(pub publisher, topic string, every int) *MQTTSink {
	if every < 1 {
		every = 1
	}
	return &MQTTSink{pub: pub, topic: topic, every: every}
}

func (s *MQTTSink) Write(r Record) error {
	s.mu.Lock()
	s.n++
	skip := (s.n-1)%s.every != 0
	s.mu.Unlock()
	if skip {
		return nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	s.pub.Publish(s.topic, 0, false, b)
	return nil
}

// Close publishes nothing further and disconnects a dialled client.
func (s *MQTTSink) Close() error {
	if s.client != nil {
		s.client.Disconnect(250)
	}
	return nil
}
