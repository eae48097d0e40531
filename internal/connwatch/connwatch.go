// Package connwatch tracks whether the bridge's external services, the
// tracker API and the MQTT broker, are reachable.
//
// Watchers are advisory. Coordinators keep polling on their own
// schedule; watcher state feeds /health, the service_up metric and the
// event stream. A watcher probes every Interval while the service is
// up and backs off exponentially while it is down.
package connwatch

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/nugget/invoxia-ha/internal/events"
	"github.com/nugget/invoxia-ha/internal/metrics"
)

// Default probe cadence.
const (
	DefaultInterval = time.Minute
	DefaultTimeout  = 10 * time.Second
)

// ProbeFunc returns nil when the service is reachable.
type ProbeFunc func(ctx context.Context) error

// WatcherConfig configures a single service watcher.
type WatcherConfig struct {
	// Name identifies the service in logs, metrics and /health.
	Name  string
	Probe ProbeFunc

	// Interval between probes while the service is up.
	Interval time.Duration
	// Timeout bounds each probe.
	Timeout time.Duration
	// Backoff paces probes while the service is down.
	Backoff BackoffConfig
}

// ServiceStatus is a watched service's health as reported on /health.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Since     time.Time `json:"since,omitzero"`
	LastCheck time.Time `json:"last_check,omitzero"`
	Failures  int       `json:"consecutive_failures,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher probes one service until stopped.
type Watcher struct {
	cfg    WatcherConfig
	bus    *events.Bus
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	status  ServiceStatus
	checked bool
}

// Status returns a copy of the watcher's current state.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// IsReady reports whether the last probe succeeded.
func (w *Watcher) IsReady() bool {
	return w.Status().Ready
}

// Stop cancels the watcher and waits for it to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	metrics.ServiceUp.WithLabelValues(w.cfg.Name).Set(0)

	delay := w.cfg.Backoff.InitialDelay
	for {
		pctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
		err := w.cfg.Probe(pctx)
		cancel()
		if ctx.Err() != nil {
			return
		}
		w.record(err)

		wait := w.cfg.Interval
		if err != nil {
			wait = delay
			delay = w.cfg.Backoff.Next(delay)
		} else {
			delay = w.cfg.Backoff.InitialDelay
		}
		if !Sleep(ctx, wait) {
			return
		}
	}
}

// record stores a probe result and announces state transitions. The
// first result always counts as a transition.
func (w *Watcher) record(err error) {
	now := time.Now()
	ready := err == nil

	w.mu.Lock()
	changed := !w.checked || w.status.Ready != ready
	w.checked = true
	w.status.LastCheck = now
	w.status.Ready = ready
	if changed {
		w.status.Since = now
	}
	if ready {
		w.status.Failures = 0
		w.status.LastError = ""
	} else {
		w.status.Failures++
		w.status.LastError = err.Error()
	}
	failures := w.status.Failures
	w.mu.Unlock()

	if !changed {
		if !ready {
			w.logger.Debug("service still unreachable", "service", w.cfg.Name, "failures", failures, "error", err)
		}
		return
	}

	if ready {
		metrics.ServiceUp.WithLabelValues(w.cfg.Name).Set(1)
		w.logger.Info("service reachable", "service", w.cfg.Name)
		w.bus.Publish(events.Event{
			Source: events.SourceConnwatch,
			Kind:   events.KindServiceReady,
			Data:   map[string]any{"service": w.cfg.Name},
		})
		return
	}
	metrics.ServiceUp.WithLabelValues(w.cfg.Name).Set(0)
	w.logger.Warn("service unreachable", "service", w.cfg.Name, "error", err)
	w.bus.Publish(events.Event{
		Source: events.SourceConnwatch,
		Kind:   events.KindServiceDown,
		Data:   map[string]any{"service": w.cfg.Name, "error": err.Error()},
	})
}

// Manager owns the bridge's watchers.
type Manager struct {
	bus    *events.Bus
	logger *slog.Logger

	mu       sync.RWMutex
	watchers map[string]*Watcher
}

// NewManager creates a manager whose watchers publish transitions to
// bus, which may be nil.
func NewManager(bus *events.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		bus:      bus,
		logger:   logger,
		watchers: make(map[string]*Watcher),
	}
}

// Watch starts a watcher for cfg.Name, replacing any earlier watcher of
// the same name. It runs until ctx ends or Stop is called. Watch panics
// on an empty Name or nil Probe.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" || cfg.Probe == nil {
		panic("connwatch: WatcherConfig needs a Name and a Probe")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	wctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		cfg:    cfg,
		bus:    m.bus,
		logger: m.logger.With("component", "connwatch"),
		cancel: cancel,
		done:   make(chan struct{}),
		status: ServiceStatus{Name: cfg.Name},
	}

	m.mu.Lock()
	old := m.watchers[cfg.Name]
	m.watchers[cfg.Name] = w
	m.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	go w.run(wctx)
	return w
}

// Status returns every watched service's status keyed by name.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		out[name] = w.Status()
	}
	return out
}

// AllReady reports whether every watched service is reachable. It is
// true when nothing is watched.
func (m *Manager) AllReady() bool {
	for _, s := range m.Status() {
		if !s.Ready {
			return false
		}
	}
	return true
}

// Stop stops every watcher and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := maps.Clone(m.watchers)
	m.mu.RUnlock()
	for _, w := range watchers {
		w.Stop()
	}
}
