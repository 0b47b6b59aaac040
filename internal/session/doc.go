// Package session implements the recording session lifecycle: the
// per-target registry of active sessions, per-speaker track accumulation
// with capture-time placement, offset calculation against the session
// epoch, and the finalization pipeline that renders, mixes and assembles
// a stopped session's artifacts.
package session
