package mqtt

import (
	"github.com/nugget/invoxia-ha/internal/buildinfo"
	"github.com/nugget/invoxia-ha/internal/tracker"
)

// DeviceInfo is the device block of an HA MQTT discovery payload.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model,omitempty"`
	HWVersion    string   `json:"hw_version,omitempty"`
	SWVersion    string   `json:"sw_version,omitempty"`
	ViaDevice    string   `json:"via_device,omitempty"`
}

// Availability is one entry of a discovery payload's availability list.
type Availability struct {
	Topic               string `json:"topic"`
	PayloadAvailable    string `json:"payload_available,omitempty"`
	PayloadNotAvailable string `json:"payload_not_available,omitempty"`
}

// DeviceTrackerConfig is the JSON payload for an HA MQTT device_tracker
// discovery message. It is published retained to the discovery topic
// on every broker (re-)connect and whenever HA announces itself.
type DeviceTrackerConfig struct {
	Name                string         `json:"name"`
	UniqueID            string         `json:"unique_id"`
	ObjectID            string         `json:"object_id,omitempty"`
	JsonAttributesTopic string         `json:"json_attributes_topic"`
	SourceType          string         `json:"source_type"`
	Icon                string         `json:"icon,omitempty"`
	Availability        []Availability `json:"availability"`
	AvailabilityMode    string         `json:"availability_mode"`
	Device              *DeviceInfo    `json:"device,omitempty"`
	Origin              *Origin        `json:"origin,omitempty"`
}

// Origin identifies the bridge as the source of a discovery payload.
type Origin struct {
	Name       string `json:"name"`
	SWVersion  string `json:"sw_version,omitempty"`
	SupportURL string `json:"support_url,omitempty"`
}

// Attributes is the JSON payload on a tracker's attributes topic. HA
// reads latitude, longitude and gps_accuracy to place the tracker.
type Attributes struct {
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	GPSAccuracy  int     `json:"gps_accuracy"`
	BatteryLevel int     `json:"battery_level"`
	SourceType   string  `json:"source_type"`
}

// NewBridgeDevice returns the device block for the bridge itself. The
// instance ID is the stable identifier; tracker devices link to it via
// via_device.
func NewBridgeDevice(instanceID string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{instanceID},
		Name:         "Invoxia Bridge",
		Manufacturer: tracker.Manufacturer,
		Model:        "invoxia-ha",
		SWVersion:    buildinfo.Version,
	}
}

// trackerDevice converts an entity's device registry record into a
// discovery device block. Entities without device info get no block.
func trackerDevice(e *tracker.Entity, instanceID string) *DeviceInfo {
	info, ok := e.DeviceInfo()
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(info.Identifiers))
	for _, id := range info.Identifiers {
		ids = append(ids, id[0]+"_"+id[1])
	}
	return &DeviceInfo{
		Identifiers:  ids,
		Name:         info.Name,
		Manufacturer: info.Manufacturer,
		Model:        info.Model,
		HWVersion:    info.HWVersion,
		SWVersion:    info.SWVersion,
		ViaDevice:    instanceID,
	}
}

func attributesFor(s tracker.State) Attributes {
	return Attributes{
		Latitude:     s.Latitude,
		Longitude:    s.Longitude,
		GPSAccuracy:  s.LocationAccuracy,
		BatteryLevel: s.BatteryLevel,
		SourceType:   s.SourceType,
	}
}
