// Package health exposes the lifecycle manager's status table to external
// health-check endpoints as a pure read-side view.
package health

import "github.com/clipmind/datastore/src/manager"

// Snapshotter is the slice of the manager the reporter needs.
type Snapshotter interface {
	Snapshot() map[string]manager.Status
	State() manager.State
}

// Reporter aggregates per-store status with no mutation capability.
type Reporter struct {
	source Snapshotter
}

// NewReporter builds a reporter over the manager.
func NewReporter(source Snapshotter) *Reporter {
	return &Reporter{source: source}
}

// Snapshot returns the current per-store health map.
func (r *Reporter) Snapshot() map[string]manager.Status {
	return r.source.Snapshot()
}

// Healthy reports whether every store's last probe succeeded.
func (r *Reporter) Healthy() bool {
	if r.source.State() != manager.StateReady {
		return false
	}
	for _, st := range r.source.Snapshot() {
		if st.State != manager.HealthHealthy {
			return false
		}
	}
	return true
}
