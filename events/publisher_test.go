package events

import (
	"encoding/json"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"pucs/config"
)

type fakeToken struct {
	mqtt.Token
	err error
}

func (t fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t fakeToken) Error() error                   { return t.err }

type fakeClient struct {
	mqtt.Client
	open         bool
	disconnected bool
	topic        string
	qos          byte
	payloads     [][]byte
}

// pendingToken never completes, like a first connect that is still retrying.
type pendingToken struct{ mqtt.Token }

func (pendingToken) WaitTimeout(time.Duration) bool { return false }

func (c *fakeClient) Connect() mqtt.Token    { return pendingToken{} }
func (c *fakeClient) IsConnectionOpen() bool { return c.open }
func (c *fakeClient) IsConnected() bool      { return c.open }
func (c *fakeClient) Disconnect(uint)        { c.open, c.disconnected = false, true }
func (c *fakeClient) Publish(topic string, qos byte, _ bool, payload any) mqtt.Token {
	c.topic = topic
	c.qos = qos
	c.payloads = append(c.payloads, payload.([]byte))
	return fakeToken{}
}

func TestEncodeFillsType(t *testing.T) {
	at := time.Date(2025, 10, 19, 12, 0, 0, 0, time.UTC)
	data, err := EntriesUpdated{CycleID: "c1", Mode: "full_day", Callsign: "PA3X", EntryID: 7, Position: 2, RemovedAt: at}.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded["type"] != TypeEntriesUpdated || decoded["callsign"] != "PA3X" || decoded["removed_at"] != "2025-10-19T12:00:00Z" {
		t.Fatalf("unexpected payload %s", data)
	}
}

func TestDisabledPublisherIsNil(t *testing.T) {
	p := New(config.EventsConfig{Enabled: false}, nil)
	if p != nil {
		t.Fatalf("disabled events must yield a nil publisher")
	}
	if err := p.Connect(); err != nil {
		t.Fatalf("nil connect: %v", err)
	}
	if err := p.PublishEntriesUpdated(EntriesUpdated{Callsign: "PA3X"}); err != nil {
		t.Fatalf("nil publish: %v", err)
	}
	p.Close()
}

func TestPublishUsesConfiguredTopic(t *testing.T) {
	cfg := config.DefaultConfig().Events
	cfg.Enabled = true
	cfg.QoS = 1
	p := New(cfg, nil)
	fake := &fakeClient{open: true}
	p.client = fake

	if err := p.PublishEntriesUpdated(EntriesUpdated{Callsign: "PA3X"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if fake.topic != cfg.Topic || fake.qos != 1 || len(fake.payloads) != 1 {
		t.Fatalf("unexpected publish topic=%s qos=%d count=%d", fake.topic, fake.qos, len(fake.payloads))
	}
	p.Close()
	if fake.open {
		t.Fatalf("close must disconnect")
	}
}

func TestPublishWithoutConnectionFails(t *testing.T) {
	cfg := config.DefaultConfig().Events
	cfg.Enabled = true
	p := New(cfg, nil)
	if err := p.PublishEntriesUpdated(EntriesUpdated{Callsign: "PA3X"}); err == nil {
		t.Fatalf("expected error without connection")
	}
}

func TestConnectKeepsRetryingClientWhenBrokerIsDown(t *testing.T) {
	cfg := config.DefaultConfig().Events
	cfg.Enabled = true
	p := New(cfg, nil)
	fake := &fakeClient{}
	var opts *mqtt.ClientOptions
	p.newClient = func(o *mqtt.ClientOptions) mqtt.Client {
		opts = o
		return fake
	}

	if err := p.Connect(); err == nil {
		t.Fatalf("expected a warning while the broker is unreachable")
	}
	if opts == nil || !opts.ConnectRetry || !opts.AutoReconnect {
		t.Fatalf("first connect must be retried in the background: %+v", opts)
	}
	if err := p.PublishEntriesUpdated(EntriesUpdated{Callsign: "PA3X"}); err == nil {
		t.Fatalf("publish must fail until the connection is up")
	}

	// The retry loop eventually reaches the broker.
	fake.open = true
	if err := p.PublishEntriesUpdated(EntriesUpdated{Callsign: "PA3X"}); err != nil {
		t.Fatalf("publish after late connect: %v", err)
	}
	if len(fake.payloads) != 1 {
		t.Fatalf("expected 1 payload, got %d", len(fake.payloads))
	}

	fake.open = false
	p.Close()
	if !fake.disconnected {
		t.Fatalf("close must stop a client that is still connecting")
	}
}
