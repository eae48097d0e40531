package opstate

import "fmt"

// DiscoveryNamespace holds one entry per announced entity: key is the
// entity's unique ID, value is the retained discovery topic it was
// announced on.
const DiscoveryNamespace = "mqtt_discovery"

// DiscoveryRegistry records which Home Assistant discovery topics the
// bridge has published, so that topics for trackers that have since
// disappeared from the account can be cleared on the next connect.
type DiscoveryRegistry struct {
	store *Store
}

// NewDiscoveryRegistry wraps store.
func NewDiscoveryRegistry(store *Store) *DiscoveryRegistry {
	return &DiscoveryRegistry{store: store}
}

// Record notes that uniqueID was announced on topic.
func (r *DiscoveryRegistry) Record(uniqueID, topic string) error {
	return r.store.Set(DiscoveryNamespace, uniqueID, topic)
}

// Forget drops uniqueID from the registry.
func (r *DiscoveryRegistry) Forget(uniqueID string) error {
	return r.store.Delete(DiscoveryNamespace, uniqueID)
}

// Topics returns every recorded announcement keyed by unique ID.
func (r *DiscoveryRegistry) Topics() (map[string]string, error) {
	entries, err := r.store.Entries(DiscoveryNamespace)
	if err != nil {
		return nil, fmt.Errorf("discovery topics: %w", err)
	}
	topics := make(map[string]string, len(entries))
	for _, e := range entries {
		topics[e.Key] = e.Value
	}
	return topics, nil
}

// Stale returns the recorded announcements whose unique ID is not in
// current.
func (r *DiscoveryRegistry) Stale(current map[string]bool) (map[string]string, error) {
	topics, err := r.Topics()
	if err != nil {
		return nil, err
	}
	for id := range topics {
		if current[id] {
			delete(topics, id)
		}
	}
	return topics, nil
}
