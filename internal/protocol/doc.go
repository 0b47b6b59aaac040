// Package protocol implements parsing and validation of the binary ingest packet format.
// It handles header parsing, announce payload extraction for display names,
// and audio payload processing including the per-frame capture timestamp.
package protocol
