// Package mixdown renders per-speaker recordings into a single mixed audio
// file by shelling out to ffmpeg. Each track is delayed to its capture offset
// and mixed over a silent anchor input so the result always starts at time
// zero and spans the full session extent.
package mixdown
