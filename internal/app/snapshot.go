package app

import (
	"chronod/internal/pool"
	"chronod/internal/registry"
	"chronod/internal/resched"
)

// Snapshot is a point-in-time operational view for diagnostics.
type Snapshot struct {
	Pool pool.Stats

	Timers []registry.EntryInfo

	ReschedulingEnabled bool
	LastSweep           resched.Summary

	// EventsDropped counts notifications lost to slow bus subscribers.
	EventsDropped uint64
}

func (a *App) Snapshot() Snapshot {
	return Snapshot{
		Pool:                a.pool.Stats(),
		Timers:              a.registry.Snapshot(),
		ReschedulingEnabled: a.controller.Enabled(),
		LastSweep:           a.controller.LastSweep(),
		EventsDropped:       a.bus.Dropped(),
	}
}
