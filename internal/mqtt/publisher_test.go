package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/eclipse/paho.golang/paho"
	"github.com/nugget/weatherbridge/internal/config"
)

// fakeConn records publishes and subscriptions.
type fakeConn struct {
	mu         sync.Mutex
	published  []*paho.Publish
	subscribed []*paho.Subscribe
	failTopic  string // publishes to topics containing this fail
	closed     bool
}

func (c *fakeConn) Publish(_ context.Context, p *paho.Publish) (*paho.PublishResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failTopic != "" && strings.Contains(p.Topic, c.failTopic) {
		return nil, errors.New("not connected")
	}
	c.published = append(c.published, p)
	return &paho.PublishResponse{}, nil
}

func (c *fakeConn) Subscribe(_ context.Context, s *paho.Subscribe) (*paho.Suback, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = append(c.subscribed, s)
	return &paho.Suback{}, nil
}

func (c *fakeConn) AwaitConnection(context.Context) error { return nil }

func (c *fakeConn) Disconnect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.published))
	for i, p := range c.published {
		out[i] = p.Topic
	}
	return out
}

func (c *fakeConn) find(topic string) *paho.Publish {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.published {
		if p.Topic == topic {
			return p
		}
	}
	return nil
}

func testMQTTConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker:          "mqtt://localhost:1883",
		DiscoveryPrefix: "homeassistant",
		TopicPrefix:     "weatherbridge",
	}
}

func newTestPublisher(t *testing.T) (*Publisher, *fakeConn) {
	t.Helper()
	p := New(testMQTTConfig(), "0192f0c4-0000-7000-8000-00000000abcd", discardLogger())
	conn := &fakeConn{}
	p.cm = conn
	return p, conn
}

func TestTopics(t *testing.T) {
	p, _ := newTestPublisher(t)

	tests := []struct {
		got, want string
	}{
		{p.availabilityTopic(), "weatherbridge/availability"},
		{p.stateTopic("home", "current_temperature"), "weatherbridge/home/current_temperature/state"},
		{p.discoveryTopic("home", "current_temperature"), "homeassistant/sensor/home/current_temperature/config"},
		{p.refreshTopic(), "weatherbridge/command/refresh"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("topic = %q, want %q", tt.got, tt.want)
		}
	}
}

func TestClientID(t *testing.T) {
	p, _ := newTestPublisher(t)
	if got := p.clientID(); got != "weatherbridge-0000abcd" {
		t.Errorf("clientID() = %q", got)
	}

	cfg := testMQTTConfig()
	cfg.ClientID = "custom"
	if got := New(cfg, "x", nil).clientID(); got != "custom" {
		t.Errorf("clientID() with override = %q", got)
	}
}

func TestPublish_DiscoveryThenState(t *testing.T) {
	p, conn := newTestPublisher(t)
	p.SetDeviceNames(map[string]string{"home": "Paris"})

	err := p.Publish(context.Background(), "home", map[string]any{
		"current_temperature": "10",
		"current_humidity":    "87",
	})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	want := []string{
		"homeassistant/sensor/home/current_humidity/config",
		"weatherbridge/home/current_humidity/state",
		"homeassistant/sensor/home/current_temperature/config",
		"weatherbridge/home/current_temperature/state",
	}
	if got := conn.topics(); strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("topics = %v, want %v", got, want)
	}

	state := conn.find("weatherbridge/home/current_temperature/state")
	if string(state.Payload) != "10" || !state.Retain {
		t.Errorf("state publish = %q retain=%v", state.Payload, state.Retain)
	}

	disc := conn.find("homeassistant/sensor/home/current_temperature/config")
	if !disc.Retain || disc.QoS != 1 {
		t.Errorf("discovery retain=%v qos=%d, want retained QoS 1", disc.Retain, disc.QoS)
	}
	var cfg SensorConfig
	if err := json.Unmarshal(disc.Payload, &cfg); err != nil {
		t.Fatalf("unmarshal discovery: %v", err)
	}
	if cfg.UniqueID != "0192f0c4-0000-7000-8000-00000000abcd_home_current_temperature" {
		t.Errorf("UniqueID = %q", cfg.UniqueID)
	}
	if cfg.StateTopic != "weatherbridge/home/current_temperature/state" {
		t.Errorf("StateTopic = %q", cfg.StateTopic)
	}
	if cfg.Device.Name != "Paris" || cfg.UnitOfMeasurement != "°C" {
		t.Errorf("device name %q unit %q", cfg.Device.Name, cfg.UnitOfMeasurement)
	}
}

func TestPublish_DiscoveryOncePerConnection(t *testing.T) {
	p, conn := newTestPublisher(t)
	ctx := context.Background()
	values := map[string]any{"current_temperature": "10"}

	for range 3 {
		if err := p.Publish(ctx, "home", values); err != nil {
			t.Fatal(err)
		}
	}
	if n := len(conn.topics()); n != 4 {
		t.Errorf("publishes = %d, want 1 discovery + 3 states", n)
	}

	// A reconnect forgets what was announced.
	p.onConnectionUp(ctx, conn)
	before := len(conn.topics())
	if err := p.Publish(ctx, "home", values); err != nil {
		t.Fatal(err)
	}
	if n := len(conn.topics()) - before; n != 2 {
		t.Errorf("publishes after reconnect = %d, want discovery + state", n)
	}
}

func TestPublish_SkipsEmptyValues(t *testing.T) {
	p, conn := newTestPublisher(t)

	err := p.Publish(context.Background(), "home", map[string]any{
		"current_text": "  ",
		"current_code": nil,
		"current_temp": 12,
	})
	if err != nil {
		t.Fatal(err)
	}
	state := conn.find("weatherbridge/home/current_temp/state")
	if state == nil || string(state.Payload) != "12" {
		t.Fatalf("current_temp state = %v", state)
	}
	if n := len(conn.topics()); n != 2 {
		t.Errorf("publishes = %d, want 2", n)
	}
}

func TestPublish_ErrorsJoined(t *testing.T) {
	p, conn := newTestPublisher(t)
	conn.failTopic = "current_humidity"

	err := p.Publish(context.Background(), "home", map[string]any{
		"current_humidity":    "87",
		"current_temperature": "10",
	})
	if err == nil {
		t.Fatal("Publish() error = nil, want failure for humidity")
	}
	if conn.find("weatherbridge/home/current_temperature/state") == nil {
		t.Error("temperature state not published after humidity failure")
	}
}

func TestPublish_NotStarted(t *testing.T) {
	p := New(testMQTTConfig(), "id", discardLogger())
	if err := p.Publish(context.Background(), "home", map[string]any{"a": "b"}); err == nil {
		t.Error("Publish() before Start should fail")
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Errorf("Stop() before Start = %v, want nil", err)
	}
}

func TestOnConnectionUp_AvailabilityAndSubscribe(t *testing.T) {
	p, conn := newTestPublisher(t)
	p.OnRefresh(func() {})

	p.onConnectionUp(context.Background(), conn)

	avail := conn.find("weatherbridge/availability")
	if avail == nil || string(avail.Payload) != "online" || !avail.Retain {
		t.Fatalf("availability publish = %+v", avail)
	}
	if len(conn.subscribed) != 1 {
		t.Fatalf("subscribe calls = %d, want 1", len(conn.subscribed))
	}
	subs := conn.subscribed[0].Subscriptions
	if len(subs) != 1 || subs[0].Topic != "weatherbridge/command/refresh" {
		t.Errorf("subscriptions = %+v", subs)
	}
}

func TestOnReconnect_StartupOutage(t *testing.T) {
	p, conn := newTestPublisher(t)
	var refreshed int
	p.OnReconnect(func() { refreshed++ })

	// The broker is unreachable when the first poll publishes.
	conn.failTopic = "weatherbridge"
	if err := p.Publish(context.Background(), "home", map[string]any{"current_temperature": "10"}); err == nil {
		t.Fatal("Publish() error = nil while broker down")
	}

	conn.failTopic = ""
	p.onConnectionUp(context.Background(), conn)
	if refreshed != 1 {
		t.Errorf("refresh calls after first connect = %d, want 1", refreshed)
	}

	// The missed publish is consumed by that refresh.
	p.onConnectionUp(context.Background(), conn)
	if refreshed != 2 {
		t.Errorf("refresh calls after reconnect = %d, want 2", refreshed)
	}
}

func TestOnReconnect_FirstConnectWithoutLoss(t *testing.T) {
	p, conn := newTestPublisher(t)
	var refreshed int
	p.OnReconnect(func() { refreshed++ })

	p.onConnectionUp(context.Background(), conn)
	if refreshed != 0 {
		t.Errorf("refresh calls after clean first connect = %d, want 0", refreshed)
	}

	// Even a short drop that no publish noticed refreshes on reconnect.
	p.onConnectionUp(context.Background(), conn)
	if refreshed != 1 {
		t.Errorf("refresh calls after reconnect = %d, want 1", refreshed)
	}
}

func TestOnReconnect_PublishBeforeStart(t *testing.T) {
	p := New(testMQTTConfig(), "id", discardLogger())
	var refreshed int
	p.OnReconnect(func() { refreshed++ })

	if err := p.Publish(context.Background(), "home", map[string]any{"a": "b"}); err == nil {
		t.Fatal("Publish() before Start should fail")
	}
	p.onConnectionUp(context.Background(), &fakeConn{})
	if refreshed != 1 {
		t.Errorf("refresh calls = %d, want 1", refreshed)
	}
}

func TestOnRefresh_Dispatch(t *testing.T) {
	p, _ := newTestPublisher(t)

	var refreshed int
	p.OnRefresh(func() { refreshed++ })
	p.commands.dispatch("weatherbridge/command/refresh", []byte("go"))

	if refreshed != 1 {
		t.Errorf("refresh calls = %d, want 1", refreshed)
	}
}

func TestStop_PublishesOffline(t *testing.T) {
	p, conn := newTestPublisher(t)

	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	avail := conn.find("weatherbridge/availability")
	if avail == nil || string(avail.Payload) != "offline" {
		t.Errorf("availability = %+v, want offline", avail)
	}
	if !conn.closed {
		t.Error("connection not closed")
	}
}

func TestStart_InvalidBroker(t *testing.T) {
	cfg := testMQTTConfig()
	cfg.Broker = "://bad"
	p := New(cfg, "id", discardLogger())
	if err := p.Start(context.Background()); err == nil {
		t.Error("Start() with invalid broker URL should fail")
	}
}
