package connwatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/invoxia-ha/internal/events"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastConfig(name string, probe ProbeFunc) WatcherConfig {
	return WatcherConfig{
		Name:     name,
		Probe:    probe,
		Interval: 5 * time.Millisecond,
		Timeout:  100 * time.Millisecond,
		Backoff: BackoffConfig{
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   2,
		},
	}
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// switchProbe fails while down is set.
type switchProbe struct {
	down  atomic.Bool
	calls atomic.Int32
}

func (p *switchProbe) probe(context.Context) error {
	p.calls.Add(1)
	if p.down.Load() {
		return errors.New("connection refused")
	}
	return nil
}

func TestBackoffConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		tests := []struct {
			name string
			in   BackoffConfig
			want BackoffConfig
		}{
			{name: "zero", in: BackoffConfig{}, want: DefaultBackoffConfig()},
			{name: "multiplier below one", in: BackoffConfig{Multiplier: 0.5}, want: DefaultBackoffConfig()},
			{
				name: "kept",
				in:   BackoffConfig{InitialDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 3},
				want: BackoffConfig{InitialDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 3},
			},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				if got := tt.in.withDefaults(); got != tt.want {
					t.Errorf("withDefaults() = %+v, want %+v", got, tt.want)
				}
			})
		}
	})

	t.Run("next", func(t *testing.T) {
		b := DefaultBackoffConfig()
		var got []time.Duration
		for d := b.InitialDelay; len(got) < 7; d = b.Next(d) {
			got = append(got, d)
		}
		want := []time.Duration{
			2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
			32 * time.Second, time.Minute, time.Minute,
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("delay[%d] = %v, want %v", i, got[i], want[i])
			}
		}
	})
}

func TestSleep(t *testing.T) {
	if !Sleep(context.Background(), time.Millisecond) {
		t.Error("Sleep returned false without cancellation")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if Sleep(ctx, time.Hour) {
		t.Error("Sleep returned true on a cancelled context")
	}
}

func TestWatcher_Transitions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.New()
	sub := bus.Subscribe(16, events.SourceConnwatch)
	defer bus.Unsubscribe(sub)

	p := &switchProbe{}
	m := NewManager(bus, quietLogger())
	defer m.Stop()
	w := m.Watch(ctx, fastConfig("invoxia", p.probe))

	waitFor(t, "ready", w.IsReady)
	up := w.Status().Since

	p.down.Store(true)
	waitFor(t, "two failures", func() bool { return w.Status().Failures >= 2 })

	s := w.Status()
	if s.Ready || s.LastError != "connection refused" {
		t.Errorf("down status = %+v", s)
	}
	if !s.Since.After(up) {
		t.Errorf("Since = %v, want after %v", s.Since, up)
	}

	p.down.Store(false)
	waitFor(t, "recovered", w.IsReady)
	if s := w.Status(); s.Failures != 0 || s.LastError != "" {
		t.Errorf("recovered status = %+v", s)
	}
	m.Stop()

	// One event per transition, no repeats while down.
	var kinds []string
	for len(sub) > 0 {
		e := <-sub
		if e.Data["service"] != "invoxia" {
			t.Errorf("event service = %v", e.Data["service"])
		}
		kinds = append(kinds, e.Kind)
	}
	want := []string{events.KindServiceReady, events.KindServiceDown, events.KindServiceReady}
	if len(kinds) != len(want) {
		t.Fatalf("events = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, kinds[i], want[i])
		}
	}
}

func TestWatcher_DownFromStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.New()
	sub := bus.Subscribe(16)
	defer bus.Unsubscribe(sub)

	p := &switchProbe{}
	p.down.Store(true)
	m := NewManager(bus, quietLogger())
	defer m.Stop()
	w := m.Watch(ctx, fastConfig("mqtt", p.probe))

	waitFor(t, "three probes", func() bool { return p.calls.Load() >= 3 })
	if w.IsReady() {
		t.Error("watcher ready with a failing probe")
	}
	if m.AllReady() {
		t.Error("AllReady() = true with a failing service")
	}

	e := <-sub
	if e.Kind != events.KindServiceDown || e.Data["error"] != "connection refused" {
		t.Errorf("first event = %+v", e)
	}
}

func TestWatcher_ProbeTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := fastConfig("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	cfg.Timeout = 5 * time.Millisecond

	m := NewManager(nil, quietLogger())
	defer m.Stop()
	w := m.Watch(ctx, cfg)

	waitFor(t, "timeout recorded", func() bool { return w.Status().Failures > 0 })
	if got := w.Status().LastError; got != context.DeadlineExceeded.Error() {
		t.Errorf("LastError = %q, want deadline exceeded", got)
	}
}

func TestManager_Status(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewManager(nil, quietLogger())
	defer m.Stop()
	if !m.AllReady() {
		t.Error("empty manager should be ready")
	}

	ok := &switchProbe{}
	bad := &switchProbe{}
	bad.down.Store(true)
	m.Watch(ctx, fastConfig("invoxia", ok.probe))
	m.Watch(ctx, fastConfig("mqtt", bad.probe))

	waitFor(t, "both checked", func() bool {
		s := m.Status()
		return !s["invoxia"].LastCheck.IsZero() && !s["mqtt"].LastCheck.IsZero()
	})

	s := m.Status()
	if len(s) != 2 {
		t.Fatalf("Status() has %d services, want 2", len(s))
	}
	if !s["invoxia"].Ready || s["mqtt"].Ready {
		t.Errorf("Status() = %+v", s)
	}
	if s["mqtt"].Name != "mqtt" {
		t.Errorf("name = %q", s["mqtt"].Name)
	}
	if m.AllReady() {
		t.Error("AllReady() = true with mqtt down")
	}
}

func TestManager_WatchReplacesSameName(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewManager(nil, quietLogger())
	defer m.Stop()

	first := &switchProbe{}
	m.Watch(ctx, fastConfig("invoxia", first.probe))
	waitFor(t, "first probe", func() bool { return first.calls.Load() > 0 })

	second := &switchProbe{}
	m.Watch(ctx, fastConfig("invoxia", second.probe))
	stopped := first.calls.Load()

	waitFor(t, "second probes", func() bool { return second.calls.Load() >= 3 })
	if got := first.calls.Load(); got != stopped {
		t.Errorf("replaced watcher kept probing: %d calls after replace, had %d", got, stopped)
	}
	if len(m.Status()) != 1 {
		t.Errorf("Status() = %v, want one service", m.Status())
	}
}

func TestManager_StopEndsWatchers(t *testing.T) {
	m := NewManager(nil, quietLogger())
	p := &switchProbe{}
	m.Watch(context.Background(), fastConfig("invoxia", p.probe))
	waitFor(t, "first probe", func() bool { return p.calls.Load() > 0 })

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}

	n := p.calls.Load()
	time.Sleep(20 * time.Millisecond)
	if p.calls.Load() != n {
		t.Error("probe ran after Stop")
	}
}

func TestWatch_PanicsOnBadConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  WatcherConfig
	}{
		{name: "no name", cfg: WatcherConfig{Probe: func(context.Context) error { return nil }}},
		{name: "no probe", cfg: WatcherConfig{Name: "invoxia"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("Watch did not panic")
				}
			}()
			NewManager(nil, quietLogger()).Watch(context.Background(), tt.cfg)
		})
	}
}
