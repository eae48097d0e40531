// Package coordinator polls the tracker API for one tracker on a fixed
// schedule and caches the last good snapshot for the entities that
// mirror it.
//
// Each refresh cycle issues the location and status fetches
// concurrently under a single deadline. Any failure, including the
// deadline, ends the cycle with an [*UpdateFailedError]; the cached
// snapshot is left untouched and the coordinator reports itself
// unavailable until a later cycle succeeds. Listeners run after every
// cycle, successful or not.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/invoxia-ha/internal/events"
	"github.com/nugget/invoxia-ha/internal/invoxia"
	"github.com/nugget/invoxia-ha/internal/metrics"
)

const (
	// UpdateInterval is the fixed polling cadence per tracker.
	UpdateInterval = 5 * time.Minute

	// FetchTimeout bounds the joined location and status fetch.
	FetchTimeout = 10 * time.Second
)

// ErrUpdateFailed matches every [*UpdateFailedError] via errors.Is.
var ErrUpdateFailed = errors.New("update failed")

// ErrNoLocation is the cause recorded when the API returns no position
// for a tracker. The cycle fails rather than guessing a position.
var ErrNoLocation = errors.New("no location reported")

// UpdateFailedError is the only error kind a refresh cycle returns. Err
// holds the underlying cause: an API error, a context deadline, or
// [ErrNoLocation].
type UpdateFailedError struct {
	TrackerID int64
	Err       error
}

func (e *UpdateFailedError) Error() string {
	return fmt.Sprintf("update tracker %d failed: %v", e.TrackerID, e.Err)
}

func (e *UpdateFailedError) Unwrap() error { return e.Err }

// Is reports whether target is [ErrUpdateFailed].
func (e *UpdateFailedError) Is(target error) bool { return target == ErrUpdateFailed }

// TrackerData is the snapshot produced by one successful cycle. All
// four fields come from the same cycle.
type TrackerData struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  int     `json:"accuracy"`
	Battery   int     `json:"battery"`
}

// Fetcher is the part of the remote API a coordinator needs. It is
// satisfied by [invoxia.Client] and shared by every coordinator.
type Fetcher interface {
	GetLocations(ctx context.Context, t invoxia.Tracker, maxCount int) ([]invoxia.Location, error)
	GetTrackerStatus(ctx context.Context, t invoxia.Tracker) (*invoxia.TrackerStatus, error)
}

// Config configures a Coordinator.
type Config struct {
	// Fetcher reads tracker data from the remote API.
	Fetcher Fetcher

	// Tracker is the single tracker this coordinator polls.
	Tracker invoxia.Tracker

	// Interval between scheduled cycles. Zero means [UpdateInterval].
	Interval time.Duration

	// Timeout for the joined fetch. Zero means [FetchTimeout].
	Timeout time.Duration

	// Bus receives refresh events. May be nil.
	Bus *events.Bus

	// Logger for structured logging.
	Logger *slog.Logger
}

type listener struct {
	fn func()
}

// Coordinator owns the polling cadence and cached snapshot for one
// tracker. All methods are safe for concurrent use.
type Coordinator struct {
	cfg   Config
	id    int64
	label string // metric label

	// refreshMu serializes cycles so a manual refresh never overlaps a
	// scheduled one.
	refreshMu sync.Mutex

	mu         sync.RWMutex
	data       TrackerData
	hasData    bool
	available  bool
	lastErr    error
	lastUpdate time.Time

	listenersMu sync.Mutex
	listeners   []*listener
}

// New creates a Coordinator. It does not fetch; call [Coordinator.Refresh]
// once to populate the first snapshot, then [Coordinator.Start].
func New(cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = UpdateInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = FetchTimeout
	}
	id := cfg.Tracker.TrackerIdentity().ID
	return &Coordinator{
		cfg:   cfg,
		id:    id,
		label: strconv.FormatInt(id, 10),
	}
}

// Tracker returns the tracker this coordinator polls.
func (c *Coordinator) Tracker() invoxia.Tracker { return c.cfg.Tracker }

// Interval returns the scheduled polling interval.
func (c *Coordinator) Interval() time.Duration { return c.cfg.Interval }

// Data returns a copy of the cached snapshot. It is the zero value
// until the first successful cycle.
func (c *Coordinator) Data() TrackerData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data
}

// HasData reports whether any cycle has succeeded yet.
func (c *Coordinator) HasData() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hasData
}

// Available reports whether the most recent cycle succeeded.
func (c *Coordinator) Available() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.available
}

// LastError returns the error from the most recent cycle, or nil if it
// succeeded.
func (c *Coordinator) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// LastUpdate returns when the cached snapshot was last replaced.
func (c *Coordinator) LastUpdate() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUpdate
}

// AddListener registers fn to run after every cycle. Listeners run
// synchronously on the refreshing goroutine, in registration order.
// The returned func removes the listener; calling it twice is a no-op.
func (c *Coordinator) AddListener(fn func()) (remove func()) {
	l := &listener{fn: fn}

	c.listenersMu.Lock()
	c.listeners = append(c.listeners, l)
	c.listenersMu.Unlock()

	return func() {
		c.listenersMu.Lock()
		defer c.listenersMu.Unlock()
		for i, existing := range c.listeners {
			if existing == l {
				c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
				return
			}
		}
	}
}

// Refresh runs one cycle immediately and returns the new snapshot. On
// failure the cached snapshot is kept, the coordinator becomes
// unavailable, and the returned error is an [*UpdateFailedError].
// Listeners run before Refresh returns in both cases. If ctx is
// cancelled mid-cycle the error is still an [*UpdateFailedError], but
// nothing is recorded and no listener runs.
func (c *Coordinator) Refresh(ctx context.Context) (TrackerData, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	start := time.Now()
	c.cfg.Logger.Debug("fetching tracker data", "tracker_id", c.id)

	data, err := c.fetch(ctx)
	if err != nil && errors.Is(ctx.Err(), context.Canceled) {
		// Abandoned by the caller, usually at shutdown. Availability and
		// the snapshot are left as they were.
		c.cfg.Logger.Debug("tracker refresh cancelled", "tracker_id", c.id)
		return TrackerData{}, &UpdateFailedError{TrackerID: c.id, Err: ctx.Err()}
	}
	if err != nil {
		failed := &UpdateFailedError{TrackerID: c.id, Err: err}
		c.cfg.Logger.Warn("could not fetch tracker data",
			"tracker_id", c.id,
			"error", err,
		)

		c.mu.Lock()
		c.available = false
		c.lastErr = failed
		c.mu.Unlock()

		metrics.ObserveRefresh(c.label, start, err, 0)
		c.cfg.Bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceCoordinator,
			Kind:      events.KindRefreshFailed,
			Data: map[string]any{
				"tracker_id":  c.id,
				"error":       err.Error(),
				"duration_ms": time.Since(start).Milliseconds(),
			},
		})
		c.notify()
		return TrackerData{}, failed
	}

	c.mu.Lock()
	c.data = data
	c.hasData = true
	c.available = true
	c.lastErr = nil
	c.lastUpdate = time.Now()
	c.mu.Unlock()

	metrics.ObserveRefresh(c.label, start, nil, data.Battery)
	c.cfg.Bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceCoordinator,
		Kind:      events.KindRefreshComplete,
		Data: map[string]any{
			"tracker_id":  c.id,
			"latitude":    data.Latitude,
			"longitude":   data.Longitude,
			"accuracy":    data.Accuracy,
			"battery":     data.Battery,
			"duration_ms": time.Since(start).Milliseconds(),
		},
	})
	c.notify()
	return data, nil
}

// fetch issues the location and status reads concurrently and joins
// them under the configured timeout. The deadline is enforced here even
// if a Fetcher ignores its context.
func (c *Coordinator) fetch(ctx context.Context) (TrackerData, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var (
		locations []invoxia.Location
		status    *invoxia.TrackerStatus
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		locations, err = c.cfg.Fetcher.GetLocations(gctx, c.cfg.Tracker, 1)
		return err
	})
	g.Go(func() error {
		var err error
		status, err = c.cfg.Fetcher.GetTrackerStatus(gctx, c.cfg.Tracker)
		return err
	})

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			return TrackerData{}, err
		}
	case <-ctx.Done():
		return TrackerData{}, fmt.Errorf("fetch did not finish within %s: %w", c.cfg.Timeout, ctx.Err())
	}

	if len(locations) == 0 {
		return TrackerData{}, ErrNoLocation
	}
	if status == nil {
		return TrackerData{}, errors.New("no status reported")
	}

	latest := locations[0]
	return TrackerData{
		Latitude:  latest.Lat,
		Longitude: latest.Lng,
		Accuracy:  latest.Precision,
		Battery:   status.Battery,
	}, nil
}

func (c *Coordinator) notify() {
	c.listenersMu.Lock()
	ls := make([]*listener, len(c.listeners))
	copy(ls, c.listeners)
	c.listenersMu.Unlock()

	for _, l := range ls {
		l.fn()
	}
}

// Start runs scheduled cycles every Interval until ctx is cancelled. It
// blocks. Cycles never overlap: the next tick is only handled after the
// current cycle returns. Start does not refresh on entry; setup has
// already run the first cycle.
func (c *Coordinator) Start(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Failures are logged and signalled inside Refresh.
			_, _ = c.Refresh(ctx)
		}
	}
}

// Shutdown drops all listeners. Called when the owning config entry
// unloads; a cycle already in flight finishes but notifies no one.
func (c *Coordinator) Shutdown() {
	c.listenersMu.Lock()
	c.listeners = nil
	c.listenersMu.Unlock()
	c.cfg.Logger.Debug("coordinator shut down", "tracker_id", c.id)
}
