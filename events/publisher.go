// Package events publishes queue change notifications over MQTT so the
// front-end can refresh its view after the engine removes an entry.
//
// Topic: configured via events.topic (default pucs/entries). Every message
// is a JSON document with "type":"entries_updated".
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"pucs/config"
)

// TypeEntriesUpdated is the only event type the engine emits.
const TypeEntriesUpdated = "entries_updated"

const (
	publishTimeout   = 5 * time.Second
	connectWait      = 10 * time.Second
	connectRetryWait = 15 * time.Second
)

// EntriesUpdated describes one automatic removal.
type EntriesUpdated struct {
	Type      string    `json:"type"`
	CycleID   string    `json:"cycle_id"`
	Mode      string    `json:"mode"`
	Callsign  string    `json:"callsign"`
	EntryID   int64     `json:"entry_id"`
	Position  int       `json:"position"`
	RemovedAt time.Time `json:"removed_at"`
}

// Encode returns the wire form of the event, filling the type when unset.
func (e EntriesUpdated) Encode() ([]byte, error) {
	if e.Type == "" {
		e.Type = TypeEntriesUpdated
	}
	return json.Marshal(e)
}

// Publisher holds the MQTT connection. A nil *Publisher is valid and drops
// every event, which is what callers get when events are disabled.
type Publisher struct {
	broker   string
	port     int
	topic    string
	clientID string
	qos      byte
	logger   *log.Logger

	newClient func(*mqtt.ClientOptions) mqtt.Client

	mu     sync.Mutex
	client mqtt.Client
}

// New returns a publisher for cfg, or nil when events are disabled.
func New(cfg config.EventsConfig, logger *log.Logger) *Publisher {
	if !cfg.Enabled {
		return nil
	}
	clientID := strings.TrimSpace(cfg.ClientID)
	if clientID == "" {
		clientID = "pucs-engine"
	}
	return &Publisher{
		broker:    cfg.Broker,
		port:      cfg.Port,
		topic:     cfg.Topic,
		clientID:  fmt.Sprintf("%s-%d", clientID, time.Now().Unix()),
		qos:       byte(cfg.QoS),
		logger:    logger,
		newClient: mqtt.NewClient,
	}
}

// Purpose: Establish the broker connection.
// Key aspects: The client is kept even when the broker is unreachable at
// startup; paho keeps retrying the first connect and reconnects after a loss.
// Publishing is best effort, so failures are only reported.
// Upstream: main startup.
// Downstream: paho mqtt client.
func (p *Publisher) Connect() error {
	if p == nil {
		return nil
	}
	opts := mqtt.NewClientOptions()
	brokerURL := fmt.Sprintf("tcp://%s:%d", p.broker, p.port)
	opts.AddBroker(brokerURL)
	opts.SetClientID(p.clientID)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(connectRetryWait)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(1 * time.Minute)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		p.logf("Events: connected to %s, publishing on %s", brokerURL, p.topic)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		p.logf("Events: connection lost: %v (will reconnect)", err)
	})

	newClient := p.newClient
	if newClient == nil {
		newClient = mqtt.NewClient
	}
	client := newClient(opts)
	p.mu.Lock()
	p.client = client
	p.mu.Unlock()

	token := client.Connect()
	if !token.WaitTimeout(connectWait) {
		return fmt.Errorf("events: %s not reachable yet, retrying every %s", brokerURL, connectRetryWait)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("events: connect %s: %w", brokerURL, err)
	}
	return nil
}

// PublishEntriesUpdated sends one removal notification. Failures are
// returned for logging; they never affect the removal itself.
func (p *Publisher) PublishEntriesUpdated(ev EntriesUpdated) error {
	if p == nil {
		return nil
	}
	payload, err := ev.Encode()
	if err != nil {
		return fmt.Errorf("events: encode: %w", err)
	}
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()
	if client == nil || !client.IsConnectionOpen() {
		return errors.New("events: not connected")
	}
	token := client.Publish(p.topic, p.qos, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("events: publish to %s timed out", p.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("events: publish to %s: %w", p.topic, err)
	}
	return nil
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	p.mu.Lock()
	client := p.client
	p.client = nil
	p.mu.Unlock()
	if client != nil {
		// Also stops a first connect that is still retrying.
		client.Disconnect(250)
	}
}

func (p *Publisher) logf(format string, args ...any) {
	if p == nil || p.logger == nil {
		return
	}
	p.logger.Printf(format, args...)
}
