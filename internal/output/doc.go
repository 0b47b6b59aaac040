// Package output assembles finalized recording sessions on disk. It owns the
// session directory layout, per-speaker WAV files, the optional zip bundle,
// and the session manifest.
package output
