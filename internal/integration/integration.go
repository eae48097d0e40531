// Package integration wires the tracker API, one coordinator per
// tracker, and their entities into a single config entry with an
// explicit setup, run, and unload lifecycle.
package integration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/invoxia-ha/internal/coordinator"
	"github.com/nugget/invoxia-ha/internal/events"
	"github.com/nugget/invoxia-ha/internal/invoxia"
	"github.com/nugget/invoxia-ha/internal/tracker"
)

// ErrUnknownTracker is returned for a unique ID no entity has.
var ErrUnknownTracker = errors.New("unknown tracker")

// Registrar receives the entities of an entry so they can be mirrored
// into Home Assistant. The MQTT publisher implements it.
type Registrar interface {
	Register(entities ...*tracker.Entity)
	Unregister(entities ...*tracker.Entity)
}

// Config configures Setup.
type Config struct {
	// EntryID identifies the config entry in logs and events.
	EntryID string

	// Provider is the tracker API client shared by every coordinator.
	Provider invoxia.Provider

	// Registrar receives the entities once set up. Optional.
	Registrar Registrar

	// Notifier is told about entity state changes. Optional.
	Notifier tracker.Notifier

	// Interval and Timeout override the coordinator defaults for tests.
	Interval time.Duration
	Timeout  time.Duration

	Bus    *events.Bus
	Logger *slog.Logger
}

// Entry is a set-up config entry: the client plus the coordinators and
// entities built from it.
type Entry struct {
	ID     string
	Client invoxia.Provider

	cfg    Config
	logger *slog.Logger

	coordinators []*coordinator.Coordinator
	entities     []*tracker.Entity
	byID         map[string]*tracker.Entity

	mu       sync.Mutex
	cancel   context.CancelFunc
	unloaded bool
}

// TrackerSnapshot is the status API view of one entity.
type TrackerSnapshot struct {
	tracker.State
	TrackerID  int64     `json:"tracker_id"`
	Serial     string    `json:"serial,omitempty"`
	Type       string    `json:"type"`
	LastUpdate time.Time `json:"last_update"`
	LastError  string    `json:"last_error,omitempty"`
}

// Setup lists the account's trackers, builds one coordinator per
// tracker, runs every coordinator's first refresh concurrently, then
// builds, attaches, and registers the entities. Failed first refreshes
// are logged, not fatal: those entities start unavailable at the zero
// snapshot and recover on a later cycle. Only failing to list the
// trackers fails setup.
func Setup(ctx context.Context, cfg Config) (*Entry, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("entry_id", cfg.EntryID)

	trackers, err := cfg.Provider.GetTrackers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list trackers: %w", err)
	}

	e := &Entry{
		ID:     cfg.EntryID,
		Client: cfg.Provider,
		cfg:    cfg,
		logger: logger,
		byID:   make(map[string]*tracker.Entity, len(trackers)),
	}

	for _, tr := range trackers {
		e.coordinators = append(e.coordinators, coordinator.New(coordinator.Config{
			Fetcher:  cfg.Provider,
			Tracker:  tr,
			Interval: cfg.Interval,
			Timeout:  cfg.Timeout,
			Bus:      cfg.Bus,
			Logger:   logger,
		}))
	}

	var g errgroup.Group
	for _, c := range e.coordinators {
		g.Go(func() error {
			// Failures are logged by the coordinator and leave it unavailable.
			_, _ = c.Refresh(ctx)
			return nil
		})
	}
	_ = g.Wait()

	available := 0
	for i, c := range e.coordinators {
		ent := tracker.New(c, trackers[i], cfg.Notifier, logger)
		ent.Attach()
		e.entities = append(e.entities, ent)
		e.byID[ent.UniqueID()] = ent
		if c.Available() {
			available++
		}
	}

	// Registered even when empty: it tells the registrar the account's
	// tracker list is complete.
	if cfg.Registrar != nil {
		cfg.Registrar.Register(e.entities...)
	}

	logger.Info("config entry set up",
		"trackers", len(e.entities),
		"available", available,
	)
	cfg.Bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceSetup,
		Kind:      events.KindSetupComplete,
		Data: map[string]any{
			"entry_id":  cfg.EntryID,
			"trackers":  len(e.entities),
			"available": available,
		},
	})

	return e, nil
}

// Run starts every coordinator's polling loop and blocks until ctx is
// cancelled or the entry is unloaded.
func (e *Entry) Run(ctx context.Context) {
	e.mu.Lock()
	if e.unloaded {
		e.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.mu.Unlock()
	defer cancel()

	var wg sync.WaitGroup
	for _, c := range e.coordinators {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Start(ctx)
		}()
	}
	wg.Wait()
}

// Unload tears the entry down: stops the polling loops, detaches every
// entity, shuts the coordinators down, and unregisters the entities.
// Calling Unload more than once is a no-op.
func (e *Entry) Unload() {
	e.mu.Lock()
	if e.unloaded {
		e.mu.Unlock()
		return
	}
	e.unloaded = true
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, ent := range e.entities {
		ent.Detach()
	}
	for _, c := range e.coordinators {
		c.Shutdown()
	}
	if e.cfg.Registrar != nil {
		e.cfg.Registrar.Unregister(e.entities...)
	}

	e.logger.Info("config entry unloaded")
	e.cfg.Bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceSetup,
		Kind:      events.KindUnloaded,
		Data:      map[string]any{"entry_id": e.ID},
	})
}

// Entities returns the entry's entities in tracker listing order.
func (e *Entry) Entities() []*tracker.Entity {
	out := make([]*tracker.Entity, len(e.entities))
	copy(out, e.entities)
	return out
}

// Entity returns the entity with the given unique ID.
func (e *Entry) Entity(uniqueID string) (*tracker.Entity, bool) {
	ent, ok := e.byID[uniqueID]
	return ent, ok
}

// Refresh runs an immediate cycle for one tracker. It shares the
// coordinator's lock with the scheduled loop, so it waits for an
// in-flight cycle rather than overlapping it.
func (e *Entry) Refresh(ctx context.Context, uniqueID string) (coordinator.TrackerData, error) {
	ent, ok := e.byID[uniqueID]
	if !ok {
		return coordinator.TrackerData{}, fmt.Errorf("%w: %s", ErrUnknownTracker, uniqueID)
	}
	return ent.Coordinator().Refresh(ctx)
}

// Snapshot returns the status API view of every entity.
func (e *Entry) Snapshot() []TrackerSnapshot {
	out := make([]TrackerSnapshot, 0, len(e.entities))
	for _, ent := range e.entities {
		out = append(out, snapshotOf(ent))
	}
	return out
}

// SnapshotOf returns the status API view of one entity.
func (e *Entry) SnapshotOf(uniqueID string) (TrackerSnapshot, bool) {
	ent, ok := e.byID[uniqueID]
	if !ok {
		return TrackerSnapshot{}, false
	}
	return snapshotOf(ent), true
}

func snapshotOf(ent *tracker.Entity) TrackerSnapshot {
	id := ent.Tracker().TrackerIdentity()
	c := ent.Coordinator()
	s := TrackerSnapshot{
		State:      ent.State(),
		TrackerID:  id.ID,
		Serial:     id.Serial,
		Type:       id.Type,
		LastUpdate: c.LastUpdate(),
	}
	if err := c.LastError(); err != nil {
		s.LastError = err.Error()
	}
	return s
}
