package tracker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nugget/invoxia-ha/internal/coordinator"
	"github.com/nugget/invoxia-ha/internal/invoxia"
)

type mockFetcher struct {
	mu       sync.Mutex
	location invoxia.Location
	battery  int
	err      error
}

func (m *mockFetcher) GetLocations(_ context.Context, _ invoxia.Tracker, _ int) ([]invoxia.Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return []invoxia.Location{m.location}, nil
}

func (m *mockFetcher) GetTrackerStatus(_ context.Context, _ invoxia.Tracker) (*invoxia.TrackerStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return &invoxia.TrackerStatus{Battery: m.battery}, nil
}

func (m *mockFetcher) set(loc invoxia.Location, battery int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.location, m.battery, m.err = loc, battery, err
}

type mockNotifier struct {
	mu       sync.Mutex
	notified []*Entity
}

func (m *mockNotifier) NotifyStateChanged(e *Entity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notified = append(m.notified, e)
}

func (m *mockNotifier) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.notified)
}

var bike = &invoxia.Tracker01{
	Identity: invoxia.Identity{ID: 42, Serial: "SN-0042", Name: "Bike", Version: "2.1.0", Type: invoxia.TypeTracker01},
	Config:   invoxia.TrackerConfig{BoardName: "TRK-01", Icon: "bike"},
}

var phone = &invoxia.Android{
	Identity: invoxia.Identity{ID: 7, Serial: "AND-7", Name: "Pixel", Version: "5.0", Type: invoxia.TypeAndroid},
}

func newCoord(f coordinator.Fetcher, tr invoxia.Tracker) *coordinator.Coordinator {
	return coordinator.New(coordinator.Config{Fetcher: f, Tracker: tr, Interval: time.Hour})
}

func goodFetcher() *mockFetcher {
	return &mockFetcher{location: invoxia.Location{Lat: 48.85, Lng: 2.35, Precision: 5}, battery: 77}
}

func TestNew_ZeroSnapshotBeforeRefresh(t *testing.T) {
	e := New(newCoord(goodFetcher(), bike), bike, nil, nil)

	if e.Latitude() != 0 || e.Longitude() != 0 || e.LocationAccuracy() != 0 || e.BatteryLevel() != 0 {
		t.Errorf("expected zero snapshot, got %+v", e.State())
	}
	if e.Available() {
		t.Error("Available = true before any refresh")
	}
}

func TestNew_PullsExistingSnapshot(t *testing.T) {
	coord := newCoord(goodFetcher(), bike)
	if _, err := coord.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	e := New(coord, bike, nil, nil)

	if e.Latitude() != 48.85 || e.Longitude() != 2.35 || e.LocationAccuracy() != 5 || e.BatteryLevel() != 77 {
		t.Errorf("unexpected mirror: %+v", e.State())
	}
	if !e.Available() {
		t.Error("Available = false after successful refresh")
	}
}

func TestNew_Tracker01StaticFields(t *testing.T) {
	e := New(newCoord(goodFetcher(), bike), bike, nil, nil)

	if e.Name() != "Bike" {
		t.Errorf("Name = %q, want Bike", e.Name())
	}
	if e.UniqueID() != "42" {
		t.Errorf("UniqueID = %q, want 42", e.UniqueID())
	}
	if e.Icon() != "mdi:bike" {
		t.Errorf("Icon = %q, want mdi:bike", e.Icon())
	}

	info, ok := e.DeviceInfo()
	if !ok {
		t.Fatal("expected device info for tracker_01")
	}
	want := DeviceInfo{
		HWVersion:    "TRK-01",
		Identifiers:  [][2]string{{"invoxia", "SN-0042"}},
		Manufacturer: "Invoxia",
		Name:         "Bike",
		SWVersion:    "2.1.0",
		Model:        "TRK-01",
	}
	if info.HWVersion != want.HWVersion || info.Manufacturer != want.Manufacturer ||
		info.Name != want.Name || info.SWVersion != want.SWVersion || info.Model != want.Model {
		t.Errorf("DeviceInfo = %+v, want %+v", info, want)
	}
	if len(info.Identifiers) != 1 || info.Identifiers[0] != want.Identifiers[0] {
		t.Errorf("Identifiers = %v, want %v", info.Identifiers, want.Identifiers)
	}
}

func TestNew_AndroidCommonFieldsOnly(t *testing.T) {
	e := New(newCoord(goodFetcher(), phone), phone, nil, nil)

	if e.Name() != "Pixel" {
		t.Errorf("Name = %q, want Pixel", e.Name())
	}
	if e.UniqueID() != "7" {
		t.Errorf("UniqueID = %q, want 7", e.UniqueID())
	}
	if e.Icon() != "" {
		t.Errorf("Icon = %q, want empty for android", e.Icon())
	}
	if _, ok := e.DeviceInfo(); ok {
		t.Error("expected no device info for android")
	}
}

func TestIconFor(t *testing.T) {
	tests := []struct {
		selector string
		want     string
	}{
		{"bike", "mdi:bike"},
		{"car", "mdi:car"},
		{"pet", "mdi:paw"},
		{"other", DefaultIcon},
		{"", DefaultIcon},
		{"spaceship", DefaultIcon},
	}
	for _, tt := range tests {
		if got := IconFor(tt.selector); got != tt.want {
			t.Errorf("IconFor(%q) = %q, want %q", tt.selector, got, tt.want)
		}
	}
}

func TestConstantFields(t *testing.T) {
	e := New(newCoord(goodFetcher(), phone), phone, nil, nil)
	if e.SourceType() != "gps" {
		t.Errorf("SourceType = %q, want gps", e.SourceType())
	}
	if e.Attribution() != "Data provided by Invoxia™" {
		t.Errorf("Attribution = %q", e.Attribution())
	}
}

func TestHandleCoordinatorUpdate_CopiesAndNotifies(t *testing.T) {
	f := goodFetcher()
	coord := newCoord(f, bike)
	n := &mockNotifier{}
	e := New(coord, bike, n, nil)
	e.Attach()
	defer e.Detach()

	if _, err := coord.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if n.count() != 1 {
		t.Fatalf("notifications = %d, want 1", n.count())
	}
	if e.BatteryLevel() != 77 || e.Latitude() != 48.85 {
		t.Errorf("mirror not updated: %+v", e.State())
	}

	// Idempotent: a second call with no new data leaves the mirror as is.
	before := e.State()
	e.HandleCoordinatorUpdate()
	if e.State() != before {
		t.Errorf("state changed on repeated update: %+v -> %+v", before, e.State())
	}
}

func TestMirrorIsCopy(t *testing.T) {
	f := goodFetcher()
	coord := newCoord(f, bike)
	e := New(coord, bike, nil, nil)
	e.Attach()

	if _, err := coord.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	e.Detach()

	f.set(invoxia.Location{Lat: 10, Lng: 20, Precision: 30}, 40, nil)
	if _, err := coord.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if e.Latitude() != 48.85 || e.BatteryLevel() != 77 {
		t.Errorf("detached entity changed with coordinator: %+v", e.State())
	}
	if coord.Data().Latitude != 10 {
		t.Errorf("coordinator data = %+v", coord.Data())
	}
}

func TestFailureKeepsValuesMarksUnavailable(t *testing.T) {
	f := goodFetcher()
	coord := newCoord(f, bike)
	n := &mockNotifier{}
	e := New(coord, bike, n, nil)
	e.Attach()
	defer e.Detach()

	_, _ = coord.Refresh(context.Background())
	f.set(invoxia.Location{}, 0, errors.New("timeout"))
	_, _ = coord.Refresh(context.Background())

	if n.count() != 2 {
		t.Errorf("notifications = %d, want 2", n.count())
	}
	if e.Available() {
		t.Error("Available = true after failed refresh")
	}
	if e.Latitude() != 48.85 || e.BatteryLevel() != 77 {
		t.Errorf("stale values lost: %+v", e.State())
	}
}

func TestAttach_Idempotent(t *testing.T) {
	coord := newCoord(goodFetcher(), bike)
	n := &mockNotifier{}
	e := New(coord, bike, n, nil)

	e.Attach()
	e.Attach()
	_, _ = coord.Refresh(context.Background())

	if n.count() != 1 {
		t.Errorf("notifications = %d, want 1 after double Attach", n.count())
	}

	e.Detach()
	e.Detach()
	_, _ = coord.Refresh(context.Background())
	if n.count() != 1 {
		t.Errorf("notifications = %d, want 1 after Detach", n.count())
	}
}

func TestState(t *testing.T) {
	coord := newCoord(goodFetcher(), bike)
	_, _ = coord.Refresh(context.Background())
	e := New(coord, bike, nil, nil)

	want := State{
		UniqueID:         "42",
		Name:             "Bike",
		Icon:             "mdi:bike",
		Latitude:         48.85,
		Longitude:        2.35,
		LocationAccuracy: 5,
		BatteryLevel:     77,
		SourceType:       "gps",
		Available:        true,
	}
	if got := e.State(); got != want {
		t.Errorf("State = %+v, want %+v", got, want)
	}
}
