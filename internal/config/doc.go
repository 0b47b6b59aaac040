// Package config provides configuration loading and validation for the voice
// recording service. It handles YAML-based configuration with per-section
// struct validation covering the UDP ingest, HTTP API, capture format,
// recording output, and mixer settings.
package config
