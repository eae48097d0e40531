package mqtt

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// birthCooldown is the minimum spacing between republishes triggered
// by Home Assistant birth messages.
const birthCooldown = 10 * time.Second

// subscribeStatus subscribes to Home Assistant's status topic. HA drops
// non-retained state when it restarts, so its birth message triggers a
// full republish.
func (p *Publisher) subscribeStatus(ctx context.Context, cm *autopaho.ConnectionManager) {
	topic := p.statusTopic()
	_, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 1}},
	})
	if err != nil {
		p.logger.Warn("mqtt subscribe failed", "topic", topic, "error", err)
		return
	}
	p.logger.Debug("mqtt subscribed", "topic", topic)
}

// handleMessage reacts to Home Assistant's birth and will messages.
// The republish runs on its own goroutine; paho's receive loop must not
// wait on QoS 1 acknowledgements.
func (p *Publisher) handleMessage(ctx context.Context, topic string, payload []byte) {
	if topic != p.statusTopic() {
		p.logger.Debug("mqtt message on unexpected topic", "topic", topic, "payload_size", len(payload))
		return
	}

	switch strings.TrimSpace(string(payload)) {
	case payloadOffline:
		p.logger.Info("home assistant went offline")
	case payloadOnline:
		client := p.currentClient()
		if client == nil {
			return
		}
		if !p.births.acquire(time.Now()) {
			p.logger.Debug("home assistant birth ignored, republish recent or running")
			return
		}
		p.logger.Info("home assistant is online, republishing trackers")
		go func() {
			defer p.births.release()
			p.publishAll(ctx, client)
		}()
	}
}

// birthGate lets one birth-triggered republish run at a time and no
// more than one per cooldown. HA can send several birth messages while
// it starts.
type birthGate struct {
	mu       sync.Mutex
	cooldown time.Duration
	running  bool
	last     time.Time
}

func (g *birthGate) acquire(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running || (!g.last.IsZero() && now.Sub(g.last) < g.cooldown) {
		return false
	}
	g.running = true
	g.last = now
	return true
}

func (g *birthGate) release() {
	g.mu.Lock()
	g.running = false
	g.mu.Unlock()
}
