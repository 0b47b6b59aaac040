// Package server implements the UDP listener that receives frame packets
// from capture clients and the HTTP API that controls recording sessions.
// Packets are parsed on a small worker pool and routed to the session
// manager; the HTTP side exposes start/stop, monitoring and Prometheus
// endpoints.
package server
