package mqtt

import (
	"fmt"

	"github.com/google/uuid"
)

// State namespace and key holding the bridge instance ID.
const (
	instanceNamespace = "bridge"
	instanceKey       = "instance_id"
)

// KV is the slice of the operational state store the instance ID needs.
// Get returns "" and no error for a missing key.
type KV interface {
	Get(namespace, key string) (string, error)
	Set(namespace, key, value string) error
}

// LoadOrCreateInstanceID returns the bridge instance ID from kv, minting
// and storing a UUIDv7 on first run. The ID names the bridge's MQTT
// client and Home Assistant device, so it survives node_id changes.
func LoadOrCreateInstanceID(kv KV) (string, error) {
	id, err := kv.Get(instanceNamespace, instanceKey)
	if err != nil {
		return "", fmt.Errorf("read instance ID: %w", err)
	}
	if id != "" {
		return id, nil
	}

	u, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate instance ID: %w", err)
	}
	id = u.String()
	if err := kv.Set(instanceNamespace, instanceKey, id); err != nil {
		return "", fmt.Errorf("store instance ID: %w", err)
	}
	return id, nil
}
