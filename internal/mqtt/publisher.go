package mqtt

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"gatewatch/config"
	"gatewatch/internal/sse"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
)

// Publisher pushes detection events to an MQTT broker. It is publish-only
// and never blocks its callers: publishes are queued and shipped by a
// background worker.
type Publisher struct {
	cfg    *config.MQTTConfig
	client mqtt.Client

	mu          sync.Mutex
	isConnected bool

	queue  chan []byte
	done   chan struct{}
	closed sync.Once
}

// NewPublisher creates the publisher. Call Connect before publishing.
func NewPublisher(cfg *config.MQTTConfig) *Publisher {
	return &Publisher{
		cfg:   cfg,
		queue: make(chan []byte, 256),
		done:  make(chan struct{}),
	}
}

// Connect establishes the broker connection and starts the publish worker.
func (p *Publisher) Connect() error {
	if !p.cfg.Enabled {
		log.Info("MQTT publisher is disabled in configuration")
		return nil
	}

	opts := mqtt.NewClientOptions()
	brokerURL := fmt.Sprintf("tcp://%s:%d", p.cfg.Broker, p.cfg.Port)
	opts.AddBroker(brokerURL)
	opts.SetClientID(p.cfg.ClientID)

	if p.cfg.Username != "" {
		opts.SetUsername(p.cfg.Username)
		opts.SetPassword(p.cfg.Password)
	}

	opts.SetOnConnectHandler(p.onConnect)
	opts.SetConnectionLostHandler(p.onConnectionLost)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(1 * time.Minute)

	p.client = mqtt.NewClient(opts)

	log.Infof("Connecting to MQTT broker at %s", brokerURL)
	if token := p.client.Connect(); token.Wait() && token.Error() != nil {
		log.Errorf("Failed to connect to MQTT broker: %v", token.Error())
		return token.Error()
	}

	go p.worker()
	return nil
}

func (p *Publisher) onConnect(mqtt.Client) {
	p.mu.Lock()
	p.isConnected = true
	p.mu.Unlock()
	log.Infof("Connected to MQTT broker at %s:%d", p.cfg.Broker, p.cfg.Port)
}

func (p *Publisher) onConnectionLost(_ mqtt.Client, err error) {
	p.mu.Lock()
	p.isConnected = false
	p.mu.Unlock()
	log.Warnf("MQTT connection lost: %v", err)
}

// worker drains the queue so publish latency never reaches the frame loop.
func (p *Publisher) worker() {
	for {
		select {
		case <-p.done:
			return
		case payload := <-p.queue:
			token := p.client.Publish(p.cfg.Topic, 1, false, payload)
			if token.Wait() && token.Error() != nil {
				log.Errorf("Failed to publish to topic %s: %v", p.cfg.Topic, token.Error())
			}
		}
	}
}

// PublishDetection queues a detection event for the broker. When the queue
// is full the event is dropped.
func (p *Publisher) PublishDetection(event sse.DetectionEvent) {
	if !p.cfg.Enabled || p.client == nil {
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		log.WithError(err).Error("Failed to marshal MQTT detection event")
		return
	}

	select {
	case p.queue <- payload:
	default:
		log.Warn("MQTT publish queue full, dropping detection event")
	}
}

// Disconnect stops the worker and closes the broker connection.
func (p *Publisher) Disconnect() {
	p.closed.Do(func() {
		close(p.done)
		if p.client != nil && p.client.IsConnected() {
			p.client.Disconnect(250)
			log.Info("MQTT publisher disconnected")
		}
	})
}
