package session

import (
	"time"

	"github.com/capturelab/voicemix/internal/audio"
)

// OffsetMs converts a speaker's first-frame capture instant into its mix
// placement: whole milliseconds between the session epoch and the first
// frame, truncated to the external mixer's delay granularity. Frames
// captured before the epoch clamp to zero.
func OffsetMs(firstCapture, epoch int64) int {
	if firstCapture <= epoch {
		return 0
	}
	return int(time.Duration(firstCapture-epoch) / time.Millisecond)
}

// EarliestCapture returns the smallest first-frame capture instant across
// tracks. It recovers a session epoch when the start request did not supply
// one, so the earliest speaker lands at offset zero.
func EarliestCapture(tracks []*audio.Track) (int64, bool) {
	var earliest int64
	found := false

	for _, t := range tracks {
		first, ok := t.FirstCapture()
		if !ok {
			continue
		}
		if !found || first < earliest {
			earliest = first
			found = true
		}
	}

	return earliest, found
}
