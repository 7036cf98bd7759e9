// Package session implements the session registry, the single source of
// truth for which clients are currently connected. Records are created after
// a successful seat reservation, touched on every heartbeat or capability
// invocation, and deleted on explicit disconnect or by the reaper.
//
// The registry is an in-memory store guarded by a read-write mutex. All
// reads return copies; callers never share memory with the registry's own
// records, so heartbeats and sweeps can proceed concurrently with listings.
package session
