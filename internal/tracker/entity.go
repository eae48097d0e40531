// Package tracker provides the device-tracker entity: a read-only
// mirror of one coordinator's snapshot plus the static metadata derived
// from the tracker's identity.
//
// Static fields are frozen at construction. The dynamic mirror is a
// copy of the coordinator snapshot, refreshed only by
// [Entity.HandleCoordinatorUpdate]; accessors never touch the network
// and never block on a refresh.
package tracker

import (
	"log/slog"
	"strconv"
	"sync"

	"github.com/nugget/invoxia-ha/internal/coordinator"
	"github.com/nugget/invoxia-ha/internal/invoxia"
)

const (
	// Manufacturer is reported in every device info record.
	Manufacturer = "Invoxia"

	// IdentifierDomain is the first element of device identifier tuples.
	IdentifierDomain = "invoxia"

	// Attribution is shown alongside every entity's state.
	Attribution = "Data provided by Invoxia™"

	// SourceGPS is the only source type trackers report.
	SourceGPS = "gps"

	// DefaultIcon is used when a tracker's icon selector is unknown.
	DefaultIcon = "mdi:map-marker"
)

// MDIIcons maps the icon selector in a tracker's config to a Material
// Design icon.
var MDIIcons = map[string]string{
	"bag":       "mdi:bag-personal",
	"bike":      "mdi:bike",
	"car":       "mdi:car",
	"cat":       "mdi:cat",
	"dog":       "mdi:dog",
	"key":       "mdi:key",
	"luggage":   "mdi:bag-suitcase",
	"motorbike": "mdi:motorbike",
	"other":     DefaultIcon,
	"pet":       "mdi:paw",
	"person":    "mdi:account",
	"scooter":   "mdi:scooter",
	"wallet":    "mdi:wallet",
}

// IconFor returns the MDI icon for a tracker icon selector.
func IconFor(selector string) string {
	if icon, ok := MDIIcons[selector]; ok {
		return icon
	}
	return DefaultIcon
}

// DeviceInfo is the device registry record for a tracker. Only trackers
// that carry extended config have one.
type DeviceInfo struct {
	HWVersion    string      `json:"hw_version"`
	Identifiers  [][2]string `json:"identifiers"`
	Manufacturer string      `json:"manufacturer"`
	Name         string      `json:"name"`
	SWVersion    string      `json:"sw_version"`
	Model        string      `json:"model"`
}

// Notifier is told whenever an entity's observable state may have
// changed. The MQTT publisher implements it.
type Notifier interface {
	NotifyStateChanged(e *Entity)
}

// State is a consistent copy of an entity's observable fields.
type State struct {
	UniqueID         string  `json:"unique_id"`
	Name             string  `json:"name"`
	Icon             string  `json:"icon,omitempty"`
	Latitude         float64 `json:"latitude"`
	Longitude        float64 `json:"longitude"`
	LocationAccuracy int     `json:"gps_accuracy"`
	BatteryLevel     int     `json:"battery_level"`
	SourceType       string  `json:"source_type"`
	Available        bool    `json:"available"`
}

// Entity is the device-tracker entity for one tracker.
type Entity struct {
	coord    *coordinator.Coordinator
	tracker  invoxia.Tracker
	notifier Notifier
	logger   *slog.Logger

	// Static, frozen at construction.
	name       string
	uniqueID   string
	icon       string
	deviceInfo *DeviceInfo

	mu        sync.RWMutex
	data      coordinator.TrackerData
	available bool

	detachMu sync.Mutex
	detach   func()
}

// New builds the entity for tracker. Static fields come from the
// tracker identity; the mirror starts at the zero snapshot and then
// picks up the coordinator's current snapshot if one exists. notifier
// may be nil.
func New(coord *coordinator.Coordinator, tracker invoxia.Tracker, notifier Notifier, logger *slog.Logger) *Entity {
	if logger == nil {
		logger = slog.Default()
	}

	id := tracker.TrackerIdentity()
	e := &Entity{
		coord:    coord,
		tracker:  tracker,
		notifier: notifier,
		logger:   logger,
		name:     id.Name,
		uniqueID: strconv.FormatInt(id.ID, 10),
	}

	switch t := tracker.(type) {
	case *invoxia.Tracker01:
		e.icon = IconFor(t.Config.Icon)
		e.deviceInfo = &DeviceInfo{
			HWVersion:    t.Config.BoardName,
			Identifiers:  [][2]string{{IdentifierDomain, t.Serial}},
			Manufacturer: Manufacturer,
			Name:         t.Name,
			SWVersion:    t.Version,
			Model:        t.Config.BoardName,
		}
	}

	if coord != nil && coord.HasData() {
		e.updateAttr()
	}
	return e
}

func (e *Entity) updateAttr() {
	e.logger.Debug("updating attributes", "tracker_id", e.tracker.TrackerIdentity().ID)
	data := e.coord.Data()
	available := e.coord.Available()

	e.mu.Lock()
	e.data = data
	e.available = available
	e.mu.Unlock()
}

// HandleCoordinatorUpdate copies the coordinator's snapshot and
// availability into the mirror and notifies the host.
func (e *Entity) HandleCoordinatorUpdate() {
	e.updateAttr()
	if e.notifier != nil {
		e.notifier.NotifyStateChanged(e)
	}
}

// Attach subscribes the entity to its coordinator. Calling Attach on an
// attached entity is a no-op.
func (e *Entity) Attach() {
	e.detachMu.Lock()
	defer e.detachMu.Unlock()
	if e.detach != nil {
		return
	}
	e.detach = e.coord.AddListener(e.HandleCoordinatorUpdate)
}

// Detach unsubscribes the entity from its coordinator.
func (e *Entity) Detach() {
	e.detachMu.Lock()
	defer e.detachMu.Unlock()
	if e.detach != nil {
		e.detach()
		e.detach = nil
	}
}

// Coordinator returns the coordinator this entity mirrors.
func (e *Entity) Coordinator() *coordinator.Coordinator { return e.coord }

// Tracker returns the tracker identity the entity was built from.
func (e *Entity) Tracker() invoxia.Tracker { return e.tracker }

func (e *Entity) Name() string { return e.name }

func (e *Entity) UniqueID() string { return e.uniqueID }

// Icon returns the MDI icon, or "" for trackers without extended config.
func (e *Entity) Icon() string { return e.icon }

// DeviceInfo returns the device registry record. ok is false for
// trackers without extended config.
func (e *Entity) DeviceInfo() (info DeviceInfo, ok bool) {
	if e.deviceInfo == nil {
		return DeviceInfo{}, false
	}
	info = *e.deviceInfo
	info.Identifiers = append([][2]string(nil), e.deviceInfo.Identifiers...)
	return info, true
}

func (e *Entity) Attribution() string { return Attribution }

func (e *Entity) SourceType() string { return SourceGPS }

func (e *Entity) BatteryLevel() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.data.Battery
}

func (e *Entity) LocationAccuracy() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.data.Accuracy
}

func (e *Entity) Latitude() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.data.Latitude
}

func (e *Entity) Longitude() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.data.Longitude
}

// Available reports whether the coordinator's last cycle succeeded, as
// of the last mirror copy.
func (e *Entity) Available() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.available
}

// State returns all observable fields read under one lock.
func (e *Entity) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return State{
		UniqueID:         e.uniqueID,
		Name:             e.name,
		Icon:             e.icon,
		Latitude:         e.data.Latitude,
		Longitude:        e.data.Longitude,
		LocationAccuracy: e.data.Accuracy,
		BatteryLevel:     e.data.Battery,
		SourceType:       SourceGPS,
		Available:        e.available,
	}
}
