package audio

import (
	"fmt"
	"sync"
	"time"
)

// Format describes the PCM layout negotiated once per session:
// signed 16-bit little-endian interleaved samples.
type Format struct {
	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`
}

// FrameAlign returns the byte size of one interleaved sample frame
func (f Format) FrameAlign() int {
	return f.Channels * 2
}

// BytesPerSecond returns the PCM data rate for this format
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// DurationBytes converts an elapsed duration into a frame-aligned byte count
func (f Format) DurationBytes(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	raw := int(d.Seconds() * float64(f.BytesPerSecond()))
	align := f.FrameAlign()
	return (raw / align) * align
}

// BytesDuration converts a PCM byte count back into a duration
func (f Format) BytesDuration(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(float64(n) / float64(f.BytesPerSecond()) * float64(time.Second))
}

// Track accumulates one speaker's PCM audio for a recording session.
// Frames are placed on the track's timeline by their capture instant
// relative to the speaker's first frame, so pauses between frames render
// as silence instead of collapsing. The first-frame capture instant is
// recorded exactly once and never changes afterwards.
type Track struct {
	speakerID uint64
	format    Format

	// Timeline state
	firstCapture int64 // Monotonic capture instant of the first frame, nanoseconds
	firstSet     bool
	chunks       []trackChunk
	cursor       int // Next contiguous append position, bytes
	extent       int // Furthest byte written

	frozen bool

	// Frame accounting
	totalFrames    uint32
	droppedFrames  uint32 // Frames discarded after freeze
	lastSeq        uint32
	seqRegressions uint32
	lastUpdate     time.Time

	mu sync.RWMutex
}

// trackChunk is one frame's PCM placed at a byte offset on the track timeline
type trackChunk struct {
	offset int
	data   []byte
}

// TrackStats represents track statistics for monitoring
type TrackStats struct {
	SpeakerID      uint64  `json:"speaker_id"`
	TotalFrames    uint32  `json:"total_frames"`
	DroppedFrames  uint32  `json:"dropped_frames"`
	SeqRegressions uint32  `json:"seq_regressions"`
	ExtentBytes    int     `json:"extent_bytes"`
	Duration       float64 `json:"duration_seconds"`
	Frozen         bool    `json:"frozen"`
}

// NewTrack creates a track for a newly observed speaker
func NewTrack(speakerID uint64, format Format) *Track {
	return &Track{
		speakerID:  speakerID,
		format:     format,
		lastUpdate: time.Now(),
	}
}

// Append places one frame of raw PCM on the track timeline. The first call
// fixes the track's first-frame capture instant. Frames arriving after the
// track is frozen are counted and dropped without error. A frame whose
// capture offset falls at or before the write cursor is appended at the
// cursor, so bursts stay contiguous and never overwrite earlier audio.
func (t *Track) Append(sequence uint32, captureMono int64, pcm []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.frozen {
		t.droppedFrames++
		return nil
	}

	if len(pcm)%2 != 0 {
		return fmt.Errorf("audio data length must be even (got %d bytes)", len(pcm))
	}

	t.lastUpdate = time.Now()

	if len(pcm) == 0 {
		return nil
	}

	if !t.firstSet {
		t.firstCapture = captureMono
		t.firstSet = true
	} else if sequence <= t.lastSeq {
		t.seqRegressions++
	}
	t.lastSeq = sequence
	t.totalFrames++

	// Place by capture time, clamped forward to the cursor
	offset := t.format.DurationBytes(time.Duration(captureMono - t.firstCapture))
	if offset < t.cursor {
		offset = t.cursor
	}

	data := make([]byte, len(pcm))
	copy(data, pcm)

	t.chunks = append(t.chunks, trackChunk{offset: offset, data: data})
	t.cursor = offset + len(data)
	if t.cursor > t.extent {
		t.extent = t.cursor
	}

	return nil
}

// Freeze stops the track from accepting further frames. Any append racing
// with Freeze either completes first or observes the frozen flag; once
// Freeze returns the track contents are stable.
func (t *Track) Freeze() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frozen = true
}

// Render materializes the track's final PCM: a zero-filled buffer of the
// full extent with every frame painted at its timeline offset. Unwritten
// ranges stay silent.
func (t *Track) Render() []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]byte, t.extent)
	for _, c := range t.chunks {
		copy(out[c.offset:], c.data)
	}
	return out
}

// FirstCapture returns the speaker's first-frame capture instant in
// nanoseconds and whether any frame has been recorded
func (t *Track) FirstCapture() (int64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.firstCapture, t.firstSet
}

// SpeakerID returns the speaker this track belongs to
func (t *Track) SpeakerID() uint64 {
	return t.speakerID
}

// Format returns the track's PCM format
func (t *Track) Format() Format {
	return t.format
}

// Extent returns the track length in bytes including interior silence
func (t *Track) Extent() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.extent
}

// Duration returns the track length as a duration
func (t *Track) Duration() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.format.BytesDuration(t.extent)
}

// Frozen reports whether the track has been frozen
func (t *Track) Frozen() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.frozen
}

// TotalFrames returns the number of frames placed on the track
func (t *Track) TotalFrames() uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.totalFrames
}

// DroppedFrames returns the number of frames discarded after freeze
func (t *Track) DroppedFrames() uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.droppedFrames
}

// GetLastUpdate returns the time of the last track mutation
func (t *Track) GetLastUpdate() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastUpdate
}

// GetStats returns current track statistics
func (t *Track) GetStats() TrackStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return TrackStats{
		SpeakerID:      t.speakerID,
		TotalFrames:    t.totalFrames,
		DroppedFrames:  t.droppedFrames,
		SeqRegressions: t.seqRegressions,
		ExtentBytes:    t.extent,
		Duration:       t.format.BytesDuration(t.extent).Seconds(),
		Frozen:         t.frozen,
	}
}
