package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/capturelab/voicemix/internal/audio"
	"github.com/capturelab/voicemix/internal/protocol"
)

// State is a session's lifecycle phase. Complete and Failed are terminal.
type State string

const (
	StateActive     State = "active"
	StateFinalizing State = "finalizing"
	StateComplete   State = "complete"
	StateFailed     State = "failed"
)

// Session accumulates per-speaker audio tracks for one recording target.
// ID, TargetID, StartedAt and EpochMono are immutable after creation.
type Session struct {
	ID        string
	TargetID  uint64
	StartedAt time.Time
	EpochMono int64 // Session epoch on the frame source's monotonic clock; 0 when unknown

	format audio.Format

	// Mutable state guarded by mu
	targetName string
	state      State
	tracks     map[uint64]*audio.Track
	decoders   map[uint64]*audio.OpusDecoder
	names      map[uint64]string

	// Frame accounting
	framesIngested  uint64
	framesDiscarded uint64
	frameErrors     uint64
	lastActivity    time.Time

	mu sync.RWMutex
}

// NewSession creates a session in the Active state
func NewSession(id string, targetID uint64, targetName string, epochMono int64, format audio.Format) *Session {
	now := time.Now()

	return &Session{
		ID:           id,
		TargetID:     targetID,
		StartedAt:    now,
		EpochMono:    epochMono,
		format:       format,
		targetName:   targetName,
		state:        StateActive,
		tracks:       make(map[uint64]*audio.Track),
		decoders:     make(map[uint64]*audio.OpusDecoder),
		names:        make(map[uint64]string),
		lastActivity: now,
	}
}

// AddFrame decodes (when the codec requires it) and places one audio frame
// on the speaker's track, creating the track on the speaker's first frame.
// Returns whether the frame was accepted; frames arriving outside the
// Active state are discarded without error.
func (s *Session) AddFrame(speakerID uint64, codec uint8, sequence uint32, captureMono int64, frame []byte) (bool, error) {
	s.mu.RLock()
	active := s.state == StateActive
	s.mu.RUnlock()

	if !active {
		s.recordDiscarded()
		return false, nil
	}

	// Zero-length frames are keepalives: valid traffic, but they never
	// create a track or a decoder
	if len(frame) == 0 {
		s.mu.Lock()
		s.framesIngested++
		s.lastActivity = time.Now()
		s.mu.Unlock()
		return true, nil
	}

	pcm := frame
	if codec == protocol.CodecOpus {
		decoder, err := s.decoder(speakerID)
		if err != nil {
			s.recordFrameError()
			return false, err
		}

		pcm, err = decoder.Decode(frame)
		if err != nil {
			s.recordFrameError()
			return false, fmt.Errorf("speaker %d: %w", speakerID, err)
		}
	}

	track := s.track(speakerID)
	if track == nil {
		// Freeze won the race against this frame
		s.recordDiscarded()
		return false, nil
	}

	if err := track.Append(sequence, captureMono, pcm); err != nil {
		s.recordFrameError()
		return false, fmt.Errorf("speaker %d: %w", speakerID, err)
	}

	s.mu.Lock()
	s.framesIngested++
	s.lastActivity = time.Now()
	s.mu.Unlock()

	return true, nil
}

// Announce records display names used for artifact naming. Announcements
// are metadata only: they never create tracks.
func (s *Session) Announce(speakerID uint64, speakerName, targetName string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive {
		return
	}

	if speakerID != 0 && speakerName != "" {
		s.names[speakerID] = speakerName
	}
	if targetName != "" {
		s.targetName = targetName
	}
	s.lastActivity = time.Now()
}

// Freeze transitions Active to Finalizing and freezes every track. Appends
// racing with Freeze either complete before it or observe the frozen track
// and discard; once Freeze returns the tracks are stable.
func (s *Session) Freeze() {
	s.mu.Lock()
	if s.state == StateActive {
		s.state = StateFinalizing
	}
	tracks := make([]*audio.Track, 0, len(s.tracks))
	for _, t := range s.tracks {
		tracks = append(tracks, t)
	}
	s.mu.Unlock()

	for _, t := range tracks {
		t.Freeze()
	}
}

// Tracks returns the session's tracks ordered by speaker id
func (s *Session) Tracks() []*audio.Track {
	s.mu.RLock()
	tracks := make([]*audio.Track, 0, len(s.tracks))
	for _, t := range s.tracks {
		tracks = append(tracks, t)
	}
	s.mu.RUnlock()

	sort.Slice(tracks, func(i, j int) bool {
		return tracks[i].SpeakerID() < tracks[j].SpeakerID()
	})

	return tracks
}

// SpeakerName returns the announced display name for a speaker, if any
func (s *Session) SpeakerName(speakerID uint64) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.names[speakerID]
}

// TargetName returns the target's display name as last announced
func (s *Session) TargetName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.targetName
}

// State returns the session's current lifecycle state
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Epoch returns the instant speaker offsets are measured from. When the
// start request did not carry an epoch, the earliest first frame across
// speakers serves, so that speaker lands at offset zero.
func (s *Session) Epoch() int64 {
	if s.EpochMono != 0 {
		return s.EpochMono
	}
	if earliest, ok := EarliestCapture(s.Tracks()); ok {
		return earliest
	}
	return 0
}

// Snapshot returns a point-in-time view of the session for monitoring
func (s *Session) Snapshot() SessionInfo {
	s.mu.RLock()
	info := SessionInfo{
		SessionID:       s.ID,
		TargetID:        s.TargetID,
		TargetName:      s.targetName,
		State:           s.state,
		StartedAt:       s.StartedAt,
		LastActivity:    s.lastActivity,
		Duration:        time.Since(s.StartedAt).Seconds(),
		Speakers:        []SpeakerInfo{},
		FramesIngested:  s.framesIngested,
		FramesDiscarded: s.framesDiscarded,
		FrameErrors:     s.frameErrors,
	}
	names := make(map[uint64]string, len(s.names))
	for id, name := range s.names {
		names[id] = name
	}
	s.mu.RUnlock()

	epoch := s.Epoch()
	for _, t := range s.Tracks() {
		speaker := SpeakerInfo{
			SpeakerID: t.SpeakerID(),
			Name:      names[t.SpeakerID()],
			Duration:  t.Duration().Seconds(),
			Frames:    t.TotalFrames(),
			Dropped:   t.DroppedFrames(),
		}
		if first, ok := t.FirstCapture(); ok {
			speaker.OffsetMs = OffsetMs(first, epoch)
		}
		info.Speakers = append(info.Speakers, speaker)
	}

	return info
}

// SessionInfo is an immutable session view for the HTTP API and stats
type SessionInfo struct {
	SessionID    string        `json:"session_id"`
	TargetID     uint64        `json:"target_id"`
	TargetName   string        `json:"target_name,omitempty"`
	State        State         `json:"state"`
	StartedAt    time.Time     `json:"started_at"`
	LastActivity time.Time     `json:"last_activity"`
	Duration     float64       `json:"duration_seconds"`
	Speakers     []SpeakerInfo `json:"speakers"`

	FramesIngested  uint64 `json:"frames_ingested"`
	FramesDiscarded uint64 `json:"frames_discarded"`
	FrameErrors     uint64 `json:"frame_errors"`
}

// SpeakerInfo summarizes one speaker's track inside a session
type SpeakerInfo struct {
	SpeakerID uint64  `json:"speaker_id"`
	Name      string  `json:"name,omitempty"`
	OffsetMs  int     `json:"offset_ms"`
	Duration  float64 `json:"duration_seconds"`
	Frames    uint32  `json:"frames"`
	Dropped   uint32  `json:"dropped_frames,omitempty"`
}

// track returns the speaker's track, creating it on the first audio frame.
// Double-checked so concurrent first frames from the same speaker yield
// exactly one track. Returns nil once the session has left Active.
func (s *Session) track(speakerID uint64) *audio.Track {
	s.mu.RLock()
	t, exists := s.tracks[speakerID]
	s.mu.RUnlock()
	if exists {
		return t
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if t, exists = s.tracks[speakerID]; exists {
		return t
	}
	if s.state != StateActive {
		return nil
	}

	t = audio.NewTrack(speakerID, s.format)
	s.tracks[speakerID] = t
	return t
}

// decoder returns the speaker's Opus decoder, creating it on first use.
// Decoders are per speaker because Opus carries inter-frame state.
func (s *Session) decoder(speakerID uint64) (*audio.OpusDecoder, error) {
	s.mu.RLock()
	d, exists := s.decoders[speakerID]
	s.mu.RUnlock()
	if exists {
		return d, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if d, exists = s.decoders[speakerID]; exists {
		return d, nil
	}

	d, err := audio.NewOpusDecoder(s.format.SampleRate, s.format.Channels)
	if err != nil {
		return nil, fmt.Errorf("speaker %d: %w", speakerID, err)
	}
	s.decoders[speakerID] = d
	return d, nil
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) recordDiscarded() {
	s.mu.Lock()
	s.framesDiscarded++
	s.mu.Unlock()
}

func (s *Session) recordFrameError() {
	s.mu.Lock()
	s.frameErrors++
	s.mu.Unlock()
}
