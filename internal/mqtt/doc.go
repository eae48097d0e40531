// Package mqtt mirrors tracker entities into Home Assistant using MQTT
// discovery. Each tracker appears as a device_tracker entity whose
// position arrives as JSON attributes.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes a birth message ("online") to the bridge
// availability topic, a retained discovery config for every registered
// tracker, and each tracker's attributes and availability. A will
// message flips the bridge topic to "offline" on unexpected disconnects;
// trackers use availability_mode "all", so a tracker is only available
// while both the bridge and its own coordinator are healthy.
//
// The publisher also listens on HA's status topic and re-announces
// everything when HA comes back online.
package mqtt
