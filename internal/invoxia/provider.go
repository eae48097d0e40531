// Package invoxia provides a client for the Invoxia GPS tracker cloud
// API and the interface the rest of the daemon consumes it through.
package invoxia

import "context"

// Provider is the remote capability surface. [Client] implements it;
// tests substitute in-memory fakes.
type Provider interface {
	// GetTrackers lists every locatable device on the account.
	GetTrackers(ctx context.Context) ([]Tracker, error)

	// GetLocations returns up to maxCount most recent positions for
	// the tracker, newest first.
	GetLocations(ctx context.Context, t Tracker, maxCount int) ([]Location, error)

	// GetTrackerStatus returns the tracker's current status report.
	GetTrackerStatus(ctx context.Context, t Tracker) (*TrackerStatus, error)

	// Ping checks that the API is reachable and the token is accepted.
	Ping(ctx context.Context) error
}
