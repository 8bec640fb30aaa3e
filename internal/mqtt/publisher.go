package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/nugget/weatherbridge/internal/config"
)

// connection is the subset of [autopaho.ConnectionManager] used by the
// publisher. Tests substitute a recorder.
type connection interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
	Subscribe(ctx context.Context, s *paho.Subscribe) (*paho.Suback, error)
	AwaitConnection(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

// Publisher manages the MQTT connection and publishes discovery configs
// and sensor states for weather devices.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	logger     *slog.Logger
	cm         connection
	commands   *commandRouter

	mu          sync.Mutex
	names       map[string]string // device ID → display name
	announced   map[string]bool   // discovery topics sent since the last connect
	connects    int
	onReconnect func()

	// missed is set when a publish fails, so the next connection
	// republishes even if it is the first one.
	missed atomic.Bool
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to open the connection.
func New(cfg config.MQTTConfig, instanceID string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		logger:     logger,
		commands:   newCommandRouter(logger),
		names:      make(map[string]string),
		announced:  make(map[string]bool),
	}
}

// SetDeviceNames records the display names used in discovery device
// blocks. Names for devices already announced take effect on the next
// reconnect.
func (p *Publisher) SetDeviceNames(names map[string]string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.names = make(map[string]string, len(names))
	for id, name := range names {
		p.names[id] = name
	}
}

// OnRefresh registers fn to run when a message arrives on the refresh
// command topic. Must be called before [Publisher.Start].
func (p *Publisher) OnRefresh(fn func()) {
	p.commands.handle(p.refreshTopic(), fn)
}

// OnReconnect registers fn to run when the broker connection comes up
// after states may have been lost: on every reconnect, and on the first
// connect if a publish failed before it.
func (p *Publisher) OnReconnect(fn func()) {
	p.mu.Lock()
	p.onReconnect = fn
	p.mu.Unlock()
}

// Start connects to the broker and returns once the first connection
// is up or 30 seconds have passed, whichever comes first. autopaho keeps
// reconnecting in the background until ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.onConnectionUp(ctx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.clientID(),
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					p.commands.dispatch(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	go p.commands.limiter.start(ctx)

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying; states published meanwhile fail and
		// are logged by the caller.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	return nil
}

// Stop publishes "offline" availability and disconnects. The provided
// context bounds both steps.
func (p *Publisher) Stop(ctx context.Context) error {
	cm := p.conn()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	cm := p.conn()
	if cm == nil {
		return errors.New("mqtt publisher not started")
	}
	return cm.AwaitConnection(ctx)
}

// Publish sends one sensor bundle for deviceID. Sensors are published
// in name order; each one is announced via discovery first if it has
// not been since the last connect. Nil or empty values are skipped.
// Failures are collected and returned together after every sensor has
// been tried.
func (p *Publisher) Publish(ctx context.Context, deviceID string, values map[string]any) error {
	cm := p.conn()
	if cm == nil {
		p.missed.Store(true)
		return errors.New("mqtt publisher not started")
	}

	sensors := make([]string, 0, len(values))
	for s := range values {
		sensors = append(sensors, s)
	}
	slices.Sort(sensors)

	var errs []error
	var sent int
	for _, sensor := range sensors {
		payload := formatValue(values[sensor])
		if payload == "" {
			p.logger.Warn("empty sensor value not published",
				"device", deviceID, "sensor", sensor)
			continue
		}

		if err := p.announce(ctx, cm, deviceID, sensor); err != nil {
			errs = append(errs, err)
			continue
		}

		topic := p.stateTopic(deviceID, sensor)
		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: []byte(payload),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", topic, err))
			continue
		}
		sent++
	}

	if len(errs) > 0 {
		p.missed.Store(true)
	}
	p.logger.Debug("mqtt sensor states published",
		"device", deviceID, "sensors", sent, "errors", len(errs))
	return errors.Join(errs...)
}

func (p *Publisher) conn() connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cm
}

// onConnectionUp runs after every (re-)connect.
func (p *Publisher) onConnectionUp(ctx context.Context, cm connection) {
	p.mu.Lock()
	clear(p.announced)
	p.connects++
	first := p.connects == 1
	refresh := p.onReconnect
	p.mu.Unlock()

	p.publishAvailability(ctx, cm, "online")
	p.subscribeCommands(ctx, cm)

	missed := p.missed.Swap(false)
	if refresh != nil && (!first || missed) {
		p.logger.Info("mqtt states may be stale, requesting refresh",
			"reconnect", !first, "missed_publish", missed)
		refresh()
	}
}

func (p *Publisher) subscribeCommands(ctx context.Context, cm connection) {
	topics := p.commands.topics()
	if len(topics) == 0 {
		return
	}
	subs := make([]paho.SubscribeOptions, 0, len(topics))
	for _, t := range topics {
		subs = append(subs, paho.SubscribeOptions{Topic: t, QoS: 1})
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: subs}); err != nil {
		p.logger.Warn("mqtt command subscribe failed", "topics", topics, "error", err)
		return
	}
	p.logger.Info("mqtt command topics subscribed", "topics", topics)
}

// announce publishes the discovery config for a sensor unless it was
// already sent on this connection.
func (p *Publisher) announce(ctx context.Context, cm connection, deviceID, sensor string) error {
	topic := p.discoveryTopic(deviceID, sensor)

	p.mu.Lock()
	done := p.announced[topic]
	name := p.names[deviceID]
	p.mu.Unlock()
	if done {
		return nil
	}

	payload, err := json.Marshal(p.sensorConfig(deviceID, name, sensor))
	if err != nil {
		return fmt.Errorf("marshal discovery payload for %s: %w", sensor, err)
	}
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
		Retain:  true,
	}); err != nil {
		return fmt.Errorf("publish discovery %s: %w", topic, err)
	}

	p.mu.Lock()
	p.announced[topic] = true
	p.mu.Unlock()
	p.logger.Debug("mqtt discovery published", "device", deviceID, "sensor", sensor, "topic", topic)
	return nil
}

func (p *Publisher) sensorConfig(deviceID, deviceName, sensor string) SensorConfig {
	meta := metaFor(sensor)
	return SensorConfig{
		Name:              displayName(sensor),
		ObjectID:          deviceID + "_" + sensor,
		HasEntityName:     true,
		UniqueID:          p.instanceID + "_" + deviceID + "_" + sensor,
		StateTopic:        p.stateTopic(deviceID, sensor),
		AvailabilityTopic: p.availabilityTopic(),
		Device:            NewDeviceInfo(p.instanceID, deviceID, deviceName),
		Icon:              meta.icon,
		UnitOfMeasurement: meta.unit,
		DeviceClass:       meta.deviceClass,
		StateClass:        meta.stateClass,
		EntityCategory:    meta.entityCategory,
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm connection, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

func formatValue(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// --- Topic helpers ---

func (p *Publisher) clientID() string {
	if p.cfg.ClientID != "" {
		return p.cfg.ClientID
	}
	id := p.instanceID
	if len(id) > 8 {
		id = id[len(id)-8:]
	}
	return "weatherbridge-" + id
}

func (p *Publisher) availabilityTopic() string {
	return p.cfg.TopicPrefix + "/availability"
}

func (p *Publisher) stateTopic(deviceID, sensor string) string {
	return p.cfg.TopicPrefix + "/" + deviceID + "/" + sensor + "/state"
}

func (p *Publisher) refreshTopic() string {
	return p.cfg.TopicPrefix + "/command/refresh"
}

func (p *Publisher) discoveryTopic(deviceID, sensor string) string {
	return p.cfg.DiscoveryPrefix + "/sensor/" + deviceID + "/" + sensor + "/config"
}
