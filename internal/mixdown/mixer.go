package mixdown

import (
	"context"
	"errors"
	"time"
)

// ErrMixdownFailed indicates the external mixer did not produce the output file
var ErrMixdownFailed = errors.New("mixdown failed")

// Track is a single mixer input placed on the session timeline
type Track struct {
	Path     string
	OffsetMs int
}

// Request describes one mixdown invocation
type Request struct {
	Inputs []Track
	Anchor time.Duration // total session extent, pins the mix start at time zero
	Output string
}

// Mixer renders time-offset speaker tracks into a single output file
type Mixer interface {
	Mix(ctx context.Context, req Request) error
}
