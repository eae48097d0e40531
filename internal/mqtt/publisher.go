package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/invoxia-ha/internal/buildinfo"
	"github.com/nugget/invoxia-ha/internal/config"
	"github.com/nugget/invoxia-ha/internal/events"
	"github.com/nugget/invoxia-ha/internal/metrics"
	"github.com/nugget/invoxia-ha/internal/tracker"
)

const (
	payloadOnline  = "online"
	payloadOffline = "offline"

	// publishTimeout bounds publishes triggered outside Start's context,
	// such as coordinator notifications.
	publishTimeout = 10 * time.Second
)

// publishClient is the subset of [autopaho.ConnectionManager] used for
// publishing.
type publishClient interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Registry records which discovery topics have been announced. It is
// satisfied by [opstate.DiscoveryRegistry].
type Registry interface {
	Record(uniqueID, topic string) error
	Forget(uniqueID string) error
	Stale(current map[string]bool) (map[string]string, error)
}

// Publisher manages the MQTT connection and mirrors registered tracker
// entities into Home Assistant as device_tracker entities. It
// implements [tracker.Notifier].
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	bridge     DeviceInfo
	registry   Registry
	bus        *events.Bus
	logger     *slog.Logger
	births     birthGate

	mu       sync.RWMutex
	entities map[string]*tracker.Entity
	order    []string
	// synced is set once the config entry has registered its trackers.
	// Until then the registry cannot tell a removed tracker from one not
	// yet set up, so stale cleanup waits.
	synced bool
	client publishClient
	cm       *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection. registry and bus may be nil.
func New(cfg config.MQTTConfig, instanceID string, registry Registry, bus *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		bridge:     NewBridgeDevice(instanceID),
		registry:   registry,
		bus:        bus,
		logger:     logger,
		births:     birthGate{cooldown: birthCooldown},
		entities:   make(map[string]*tracker.Entity),
	}
}

// Start connects to the MQTT broker and blocks until ctx is cancelled.
// On every (re-)connect it subscribes to the HA status topic, publishes
// the bridge birth message, announces every registered entity, and,
// once trackers are registered, clears discovery topics of trackers
// that no longer exist.
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
			Payload: []byte(payloadOffline),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.setClient(cm)
			p.subscribeStatus(ctx, cm)
			p.publishAll(ctx, cm)
			p.cleanupStale(ctx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "invoxia-ha-" + p.instanceID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					p.handleMessage(ctx, pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
			OnClientError: func(err error) {
				p.logger.Warn("mqtt client error", "error", err)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				p.logger.Warn("mqtt server requested disconnect", "reason_code", d.ReasonCode)
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

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
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	<-ctx.Done()
	return nil
}

// Stop publishes the bridge "offline" message and disconnects. The
// provided context bounds both.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.RLock()
	cm := p.cm
	p.mu.RUnlock()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, cm, p.availabilityTopic(), payloadOffline)
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires. Used as the connwatch health probe.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	p.mu.RLock()
	cm := p.cm
	p.mu.RUnlock()
	if cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return cm.AwaitConnection(ctx)
}

func (p *Publisher) setClient(c publishClient) {
	p.mu.Lock()
	p.client = c
	p.mu.Unlock()
}

func (p *Publisher) currentClient() publishClient {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.client
}

// Register adds entities to the set mirrored into HA and marks the
// tracker list as known. If the broker is already connected they are
// announced immediately and stale discovery topics are cleared;
// otherwise both happen on connect. Calling it with no entities records
// an account without trackers.
func (p *Publisher) Register(entities ...*tracker.Entity) {
	p.mu.Lock()
	p.synced = true
	for _, e := range entities {
		if _, ok := p.entities[e.UniqueID()]; !ok {
			p.order = append(p.order, e.UniqueID())
		}
		p.entities[e.UniqueID()] = e
	}
	client := p.client
	p.mu.Unlock()

	if client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	for _, e := range entities {
		p.publishEntity(ctx, client, e)
	}
	p.cleanupStale(ctx, client)
}

// Unregister stops mirroring entities and marks them unavailable in HA.
// Their discovery config stays retained so HA keeps the entity history.
// Stale cleanup is suspended until the next Register.
func (p *Publisher) Unregister(entities ...*tracker.Entity) {
	p.mu.Lock()
	p.synced = false
	for _, e := range entities {
		id := e.UniqueID()
		delete(p.entities, id)
		for i, existing := range p.order {
			if existing == id {
				p.order = append(p.order[:i:i], p.order[i+1:]...)
				break
			}
		}
	}
	client := p.client
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	for _, e := range entities {
		if client != nil {
			p.publishAvailability(ctx, client, p.trackerAvailabilityTopic(e.UniqueID()), payloadOffline)
		}
		p.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceMQTT,
			Kind:      events.KindEntityRemoved,
			Data:      map[string]any{"unique_id": e.UniqueID()},
		})
	}
}

// NotifyStateChanged publishes the entity's attributes and availability.
// Notifications for unregistered entities or while disconnected are
// dropped; the next connect republishes everything.
func (p *Publisher) NotifyStateChanged(e *tracker.Entity) {
	p.mu.RLock()
	_, registered := p.entities[e.UniqueID()]
	client := p.client
	p.mu.RUnlock()
	if !registered || client == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	p.publishState(ctx, client, e)
}

// registered returns the registered entities in registration order.
func (p *Publisher) registered() []*tracker.Entity {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*tracker.Entity, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.entities[id])
	}
	return out
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "invoxia/" + p.cfg.NodeID
}

// availabilityTopic is the bridge-wide availability topic carrying the
// will message.
func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) trackerAvailabilityTopic(uniqueID string) string {
	return p.baseTopic() + "/" + uniqueID + "/availability"
}

func (p *Publisher) attributesTopic(uniqueID string) string {
	return p.baseTopic() + "/" + uniqueID + "/attributes"
}

func (p *Publisher) discoveryTopic(uniqueID string) string {
	return p.cfg.DiscoveryPrefix + "/device_tracker/" + p.cfg.NodeID + "/" + uniqueID + "/config"
}

// statusTopic is where HA publishes its own birth and will messages.
func (p *Publisher) statusTopic() string {
	return p.cfg.DiscoveryPrefix + "/status"
}

// --- Discovery ---

func (p *Publisher) discoveryConfig(e *tracker.Entity) DeviceTrackerConfig {
	id := e.UniqueID()
	return DeviceTrackerConfig{
		Name:                e.Name(),
		UniqueID:            "invoxia_" + id,
		ObjectID:            "invoxia_" + id,
		JsonAttributesTopic: p.attributesTopic(id),
		SourceType:          e.SourceType(),
		Icon:                e.Icon(),
		Availability: []Availability{
			{Topic: p.availabilityTopic()},
			{Topic: p.trackerAvailabilityTopic(id)},
		},
		AvailabilityMode: "all",
		Device:           trackerDevice(e, p.instanceID),
		Origin: &Origin{
			Name:      p.bridge.Model,
			SWVersion: buildinfo.Version,
		},
	}
}

func (p *Publisher) publishAll(ctx context.Context, client publishClient) {
	p.publishAvailability(ctx, client, p.availabilityTopic(), payloadOnline)
	for _, e := range p.registered() {
		p.publishEntity(ctx, client, e)
	}
}

func (p *Publisher) publishEntity(ctx context.Context, client publishClient, e *tracker.Entity) {
	if err := p.publishDiscovery(ctx, client, e); err != nil {
		return
	}
	p.publishState(ctx, client, e)
}

func (p *Publisher) publishDiscovery(ctx context.Context, client publishClient, e *tracker.Entity) error {
	topic := p.discoveryTopic(e.UniqueID())
	payload, err := json.Marshal(p.discoveryConfig(e))
	if err != nil {
		p.logger.Error("mqtt marshal discovery payload",
			"unique_id", e.UniqueID(), "error", err)
		return err
	}

	if _, err := client.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
		Retain:  true,
	}); err != nil {
		metrics.MQTTPublishErrors.WithLabelValues("discovery").Inc()
		p.logger.Warn("mqtt discovery publish failed",
			"unique_id", e.UniqueID(), "topic", topic, "error", err)
		return err
	}
	p.logger.Debug("mqtt discovery published",
		"unique_id", e.UniqueID(), "topic", topic)

	if p.registry != nil {
		if err := p.registry.Record(e.UniqueID(), topic); err != nil {
			p.logger.Warn("failed to record discovery topic",
				"unique_id", e.UniqueID(), "error", err)
		}
	}

	p.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceMQTT,
		Kind:      events.KindEntityPublished,
		Data: map[string]any{
			"unique_id": e.UniqueID(),
			"name":      e.Name(),
			"topic":     topic,
		},
	})
	return nil
}

// publishState publishes the entity's attributes and per-tracker
// availability from one consistent state read.
func (p *Publisher) publishState(ctx context.Context, client publishClient, e *tracker.Entity) {
	state := e.State()

	payload, err := json.Marshal(attributesFor(state))
	if err != nil {
		p.logger.Error("mqtt marshal attributes",
			"unique_id", state.UniqueID, "error", err)
		return
	}
	if _, err := client.Publish(ctx, &paho.Publish{
		Topic:   p.attributesTopic(state.UniqueID),
		Payload: payload,
		QoS:     0,
		Retain:  true,
	}); err != nil {
		metrics.MQTTPublishErrors.WithLabelValues("attributes").Inc()
		p.logger.Debug("mqtt attributes publish failed",
			"unique_id", state.UniqueID, "error", err)
	} else {
		p.logger.Log(ctx, config.LevelTrace, "mqtt attributes published",
			"topic", p.attributesTopic(state.UniqueID), "payload", string(payload))
	}

	avail := payloadOffline
	if state.Available {
		avail = payloadOnline
	}
	p.publishAvailability(ctx, client, p.trackerAvailabilityTopic(state.UniqueID), avail)
}

func (p *Publisher) publishAvailability(ctx context.Context, client publishClient, topic, status string) {
	if _, err := client.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		metrics.MQTTPublishErrors.WithLabelValues("availability").Inc()
		p.logger.Warn("mqtt availability publish failed",
			"topic", topic, "status", status, "error", err)
		return
	}
	p.logger.Log(ctx, config.LevelTrace, "mqtt availability published", "topic", topic, "status", status)
}

// cleanupStale clears retained discovery configs for trackers that were
// announced in an earlier run but are no longer registered. An empty
// retained payload makes HA remove the entity. It does nothing before
// the first Register.
func (p *Publisher) cleanupStale(ctx context.Context, client publishClient) {
	if p.registry == nil {
		return
	}

	p.mu.RLock()
	synced := p.synced
	current := make(map[string]bool, len(p.entities))
	for id := range p.entities {
		current[id] = true
	}
	p.mu.RUnlock()
	if !synced {
		p.logger.Debug("stale discovery cleanup deferred until trackers are registered")
		return
	}

	stale, err := p.registry.Stale(current)
	if err != nil {
		p.logger.Warn("failed to read discovery registry", "error", err)
		return
	}

	for id, topic := range stale {
		if _, err := client.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: nil,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			metrics.MQTTPublishErrors.WithLabelValues("cleanup").Inc()
			p.logger.Warn("mqtt stale discovery cleanup failed",
				"unique_id", id, "topic", topic, "error", err)
			continue
		}
		if err := p.registry.Forget(id); err != nil {
			p.logger.Warn("failed to forget discovery topic", "unique_id", id, "error", err)
		}
		p.logger.Info("removed stale tracker from home assistant", "unique_id", id, "topic", topic)
		p.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceMQTT,
			Kind:      events.KindEntityRemoved,
			Data:      map[string]any{"unique_id": id, "topic": topic},
		})
	}
}
