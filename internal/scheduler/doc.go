// Package scheduler keeps the live timers of every tenant, mirrors each one
// into the tenant's "<tenant>:activeTimers" store collection, and rebuilds
// them after a restart from the persisted projections.
//
// Callbacks are never serialized. A projection carries a Descriptor naming
// one of a closed set of kinds, and the Manager's factory table turns it back
// into a callback during InitializeTenant.
package scheduler
