package invoxia

import (
	"encoding/json"
	"fmt"
	"time"
)

// Device type tags reported by the API in the "type" field.
const (
	TypeTracker01 = "tracker_01"
	TypeAndroid   = "android"
)

// Identity holds the fields every device on an account carries. The
// API owns them; they do not change for the life of a device record.
type Identity struct {
	ID      int64  `json:"id"`
	Serial  string `json:"serial"`
	Name    string `json:"name"`
	Version string `json:"version"`
	Type    string `json:"type"`
}

// Tracker is a device that can report a location. The concrete type
// tells which hardware variant it is; use a type switch to reach
// variant-specific data such as [Tracker01.Config].
type Tracker interface {
	TrackerIdentity() Identity
}

// TrackerConfig is the hardware configuration carried only by
// dedicated GPS tracker units.
type TrackerConfig struct {
	BoardName string `json:"board_name"`
	Icon      string `json:"icon"`
}

// Tracker01 is a dedicated Invoxia GPS tracker.
type Tracker01 struct {
	Identity
	Config TrackerConfig `json:"tracker_config"`
}

// TrackerIdentity implements [Tracker].
func (t *Tracker01) TrackerIdentity() Identity { return t.Identity }

// Android is a phone running the companion app. It reports positions
// like a tracker but has no hardware config.
type Android struct {
	Identity
}

// TrackerIdentity implements [Tracker].
func (a *Android) TrackerIdentity() Identity { return a.Identity }

// DecodeTracker decodes one device object, choosing the variant from
// its "type" field. Unknown types decode as [*Android] so that their
// common identity fields are still usable.
func DecodeTracker(raw json.RawMessage) (Tracker, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("decode device type: %w", err)
	}

	switch probe.Type {
	case TypeTracker01:
		var t Tracker01
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, fmt.Errorf("decode %s: %w", probe.Type, err)
		}
		return &t, nil
	default:
		var a Android
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, fmt.Errorf("decode %s: %w", probe.Type, err)
		}
		return &a, nil
	}
}

// Location is one reported position. Precision is the accuracy radius
// in meters as reported by the device.
type Location struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Precision int       `json:"precision"`
	Method    string    `json:"method"`
	Datetime  time.Time `json:"datetime"`
}

// TrackerStatus is the latest status report of a tracker.
type TrackerStatus struct {
	Battery  int  `json:"battery"`
	Charging bool `json:"charging"`
}
