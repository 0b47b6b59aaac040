package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/capturelab/voicemix/internal/audio"
	"github.com/capturelab/voicemix/internal/metrics"
	"github.com/capturelab/voicemix/internal/mixdown"
	"github.com/capturelab/voicemix/internal/output"
	"github.com/capturelab/voicemix/internal/protocol"
)

var (
	// ErrAlreadyRecording is returned when the target already has an active session
	ErrAlreadyRecording = errors.New("target is already being recorded")

	// ErrNotRecording is returned when the target has no active session
	ErrNotRecording = errors.New("target is not being recorded")

	// ErrSessionLimit is returned when the concurrent session cap is reached
	ErrSessionLimit = errors.New("concurrent session limit reached")
)

// Policies for sessions that end with no captured audio
const (
	OnEmptySkip    = "skip"
	OnEmptySilence = "silence"
)

// ManagerConfig contains configuration for the session manager
type ManagerConfig struct {
	Format         audio.Format
	MaxSessions    int           // 0 means unlimited
	MaxDuration    time.Duration // 0 disables the janitor's age cap
	Merge          bool
	SaveIndividual bool
	Zip            bool
	OnEmpty        string
}

// Manager owns the registry of active recording sessions, one per target,
// and runs the finalization pipeline when a session stops. The metrics
// collector must be non-nil.
type Manager struct {
	sessions map[uint64]*Session
	mu       sync.RWMutex

	logger    *slog.Logger
	metrics   *metrics.Metrics
	mixer     mixdown.Mixer
	assembler *output.Assembler
	config    ManagerConfig

	// Lifetime counters, guarded by mu
	started   uint64
	completed uint64
	failed    uint64

	// Janitor management
	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// ManagerStats represents lifetime session counters
type ManagerStats struct {
	ActiveSessions    int    `json:"active_sessions"`
	SessionsStarted   uint64 `json:"sessions_started"`
	SessionsCompleted uint64 `json:"sessions_completed"`
	SessionsFailed    uint64 `json:"sessions_failed"`
}

// Artifacts describes the files a finalized session produced
type Artifacts struct {
	SessionID  string             `json:"session_id"`
	TargetID   uint64             `json:"target_id"`
	TargetName string             `json:"target_name,omitempty"`
	State      State              `json:"state"`
	OutputDir  string             `json:"output_dir"`
	Duration   float64            `json:"duration_seconds"`
	Tracks     []output.TrackFile `json:"tracks"`
	MixFile    string             `json:"mix_file,omitempty"`
	ZipFile    string             `json:"zip_file,omitempty"`
	Manifest   string             `json:"manifest"`
}

// NewManager creates a session manager and starts its janitor goroutine
func NewManager(logger *slog.Logger, m *metrics.Metrics, mixer mixdown.Mixer, assembler *output.Assembler, config ManagerConfig) *Manager {
	if config.Format.SampleRate <= 0 {
		config.Format.SampleRate = 48000
	}
	if config.Format.Channels <= 0 {
		config.Format.Channels = 2
	}
	if config.OnEmpty == "" {
		config.OnEmpty = OnEmptySkip
	}

	ctx, cancel := context.WithCancel(context.Background())

	mgr := &Manager{
		sessions:  make(map[uint64]*Session),
		logger:    logger,
		metrics:   m,
		mixer:     mixer,
		assembler: assembler,
		config:    config,
		ctx:       ctx,
		cancel:    cancel,
		cleanup:   make(chan struct{}),
	}

	// Stop overlong sessions in the background
	go mgr.startJanitor()

	return mgr
}

// Start begins recording a target. One session per target at a time; the
// target stays locked until Stop removes its session from the registry.
// epochMono is the session epoch on the frame source's monotonic clock and
// may be zero when the source cannot supply one.
func (m *Manager) Start(targetID uint64, targetName string, epochMono int64) (*Session, error) {
	m.mu.Lock()

	if _, exists := m.sessions[targetID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: target %d", ErrAlreadyRecording, targetID)
	}

	if m.config.MaxSessions > 0 && len(m.sessions) >= m.config.MaxSessions {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %d active", ErrSessionLimit, len(m.sessions))
	}

	session := NewSession(uuid.New().String(), targetID, targetName, epochMono, m.config.Format)
	m.sessions[targetID] = session
	m.started++
	active := len(m.sessions)
	m.mu.Unlock()

	m.metrics.RecordSessionStarted()
	m.metrics.SetActiveSessions(active)

	m.logger.Info("Recording session started",
		slog.String("session_id", session.ID),
		slog.Uint64("target_id", targetID),
		slog.String("target_name", targetName),
		slog.Int64("epoch_mono", epochMono),
	)

	return session, nil
}

// Stop ends the target's session and assembles its artifacts. The target
// is unlocked before assembly runs, so a new recording can start while the
// old session renders. Any finalization error leaves the session Failed;
// files already written stay on disk for inspection.
func (m *Manager) Stop(ctx context.Context, targetID uint64) (*Artifacts, error) {
	m.mu.Lock()
	session, exists := m.sessions[targetID]
	if !exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: target %d", ErrNotRecording, targetID)
	}
	delete(m.sessions, targetID)
	active := len(m.sessions)
	m.mu.Unlock()

	m.metrics.SetActiveSessions(active)

	session.Freeze()

	m.logger.Info("Finalizing recording session",
		slog.String("session_id", session.ID),
		slog.Uint64("target_id", targetID),
		slog.Duration("duration", time.Since(session.StartedAt)),
		slog.Int("speakers", len(session.Tracks())),
	)

	artifacts, err := m.finalize(ctx, session)
	if err != nil {
		session.setState(StateFailed)
		m.mu.Lock()
		m.failed++
		m.mu.Unlock()
		m.metrics.RecordSessionFailed()

		m.logger.Error("Session finalization failed",
			slog.String("session_id", session.ID),
			slog.Uint64("target_id", targetID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	session.setState(StateComplete)
	artifacts.State = StateComplete
	m.mu.Lock()
	m.completed++
	m.mu.Unlock()
	m.metrics.RecordSessionCompleted(artifacts.Duration, len(artifacts.Tracks))

	m.logger.Info("Recording session completed",
		slog.String("session_id", session.ID),
		slog.Uint64("target_id", targetID),
		slog.String("output_dir", artifacts.OutputDir),
		slog.Int("tracks", len(artifacts.Tracks)),
		slog.Float64("duration", artifacts.Duration),
	)

	return artifacts, nil
}

// Ingest routes one parsed audio packet to its target's session. Frames
// for targets without an active session are discarded.
func (m *Manager) Ingest(header *protocol.Header, payload *protocol.AudioPayload) {
	m.mu.RLock()
	session, exists := m.sessions[header.TargetID]
	m.mu.RUnlock()

	if !exists {
		m.metrics.RecordFrameDiscarded()
		m.logger.Debug("Discarding frame without session",
			slog.Uint64("target_id", header.TargetID),
			slog.Uint64("speaker_id", header.SpeakerID),
		)
		return
	}

	accepted, err := session.AddFrame(header.SpeakerID, header.Codec, payload.Sequence, payload.CaptureMono, payload.FrameData)
	if err != nil {
		m.metrics.RecordFrameError()
		m.logger.Debug("Rejected audio frame",
			slog.Uint64("target_id", header.TargetID),
			slog.Uint64("speaker_id", header.SpeakerID),
			slog.String("error", err.Error()),
		)
		return
	}

	if !accepted {
		m.metrics.RecordFrameDiscarded()
		return
	}

	m.metrics.RecordFrameIngested()
	m.metrics.RecordFrameBytes(len(payload.FrameData))
}

// Announce applies display names from an announce packet to the target's
// active session. Announcements never create sessions.
func (m *Manager) Announce(header *protocol.Header, payload *protocol.AnnouncePayload) {
	m.mu.RLock()
	session, exists := m.sessions[header.TargetID]
	m.mu.RUnlock()

	if !exists {
		m.logger.Debug("Discarding announce without session",
			slog.Uint64("target_id", header.TargetID),
			slog.Uint64("speaker_id", header.SpeakerID),
		)
		return
	}

	session.Announce(header.SpeakerID, payload.GetSpeakerName(), payload.GetTargetName())

	m.logger.Debug("Announce applied",
		slog.Uint64("target_id", header.TargetID),
		slog.Uint64("speaker_id", header.SpeakerID),
		slog.String("target_name", payload.GetTargetName()),
		slog.String("speaker_name", payload.GetSpeakerName()),
	)
}

// GetSession retrieves the active session for a target
func (m *Manager) GetSession(targetID uint64) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.sessions[targetID]
	return session, exists
}

// GetActiveSessionCount returns the number of currently active sessions
func (m *Manager) GetActiveSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// GetAllSessions returns snapshots of all active sessions (for monitoring)
func (m *Manager) GetAllSessions() []SessionInfo {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, session := range sessions {
		infos = append(infos, session.Snapshot())
	}
	return infos
}

// GetStats returns lifetime session counters
func (m *Manager) GetStats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return ManagerStats{
		ActiveSessions:    len(m.sessions),
		SessionsStarted:   m.started,
		SessionsCompleted: m.completed,
		SessionsFailed:    m.failed,
	}
}

// Shutdown stops the janitor and finalizes every remaining session.
// Finalization is best effort; failures are logged and shutdown proceeds.
func (m *Manager) Shutdown(ctx context.Context) {
	m.logger.Info("Shutting down session manager...")

	m.mu.RLock()
	targets := make([]uint64, 0, len(m.sessions))
	for targetID := range m.sessions {
		targets = append(targets, targetID)
	}
	m.mu.RUnlock()

	for _, targetID := range targets {
		if _, err := m.Stop(ctx, targetID); err != nil && !errors.Is(err, ErrNotRecording) {
			m.logger.Error("Failed to finalize session during shutdown",
				slog.Uint64("target_id", targetID),
				slog.String("error", err.Error()),
			)
		}
	}

	// Stop the janitor and wait for it to exit
	m.cancel()
	<-m.cleanup

	stats := m.GetStats()
	m.logger.Info("Session manager stopped",
		slog.Uint64("sessions_started", stats.SessionsStarted),
		slog.Uint64("sessions_completed", stats.SessionsCompleted),
		slog.Uint64("sessions_failed", stats.SessionsFailed),
	)
}

// renderedTrack pairs one speaker's rendered PCM with its mix placement
type renderedTrack struct {
	speakerID uint64
	name      string
	pcm       []byte
	offsetMs  int
}

// finalize runs the assembly pipeline for a frozen session: render tracks,
// write per-speaker WAVs, mix, apply the keep/remove policy, write the
// manifest and optional bundle. All stages share fate; the first error
// aborts and the caller marks the session Failed.
func (m *Manager) finalize(ctx context.Context, session *Session) (*Artifacts, error) {
	wallDuration := time.Since(session.StartedAt)
	epoch := session.Epoch()

	// Render every speaker that produced audio; empty tracks are skipped.
	// The anchor is the furthest point any track reaches on the session
	// timeline, falling back to the wall-clock length for silent sessions.
	var rendered []renderedTrack
	var anchor time.Duration
	for _, t := range session.Tracks() {
		pcm := t.Render()
		if len(pcm) == 0 {
			m.logger.Debug("Skipping empty track",
				slog.String("session_id", session.ID),
				slog.Uint64("speaker_id", t.SpeakerID()),
			)
			continue
		}

		offsetMs := 0
		if first, ok := t.FirstCapture(); ok {
			offsetMs = OffsetMs(first, epoch)
		}

		end := time.Duration(offsetMs)*time.Millisecond + m.config.Format.BytesDuration(len(pcm))
		if end > anchor {
			anchor = end
		}

		rendered = append(rendered, renderedTrack{
			speakerID: t.SpeakerID(),
			name:      session.SpeakerName(t.SpeakerID()),
			pcm:       pcm,
			offsetMs:  offsetMs,
		})
	}
	if anchor == 0 {
		anchor = wallDuration
	}

	dirName := session.TargetName()
	if dirName == "" {
		dirName = strconv.FormatUint(session.TargetID, 10)
	}

	dir, err := m.assembler.PrepareDir(dirName, session.StartedAt)
	if err != nil {
		return nil, err
	}

	files := make([]output.TrackFile, 0, len(rendered))
	for _, r := range rendered {
		file, err := m.assembler.WriteTrack(dir, r.name, r.speakerID, r.pcm, m.config.Format, r.offsetMs)
		if err != nil {
			return nil, err
		}
		m.metrics.RecordArtifactWritten("track")
		files = append(files, file)
	}

	// An empty session mixes only under the silence policy, which renders
	// the anchor length of silence instead of skipping the mixed file
	mixed := false
	if m.config.Merge && (len(files) > 0 || (m.config.OnEmpty == OnEmptySilence && anchor > 0)) {
		inputs := make([]mixdown.Track, 0, len(files))
		for _, f := range files {
			inputs = append(inputs, mixdown.Track{Path: f.Path, OffsetMs: f.OffsetMs})
		}

		mixStart := time.Now()
		err := m.mixer.Mix(ctx, mixdown.Request{
			Inputs: inputs,
			Anchor: anchor,
			Output: m.assembler.MixPath(dir),
		})
		if err != nil {
			m.metrics.RecordMixdownFailure()
			return nil, err
		}
		m.metrics.RecordMixdown(time.Since(mixStart).Seconds())
		m.metrics.RecordArtifactWritten("mix")
		mixed = true
	}

	// Individual WAVs survive when they are the product (no merge) or
	// explicitly requested; otherwise the mixed file replaces them
	kept := files
	if mixed && !m.config.SaveIndividual {
		m.assembler.RemoveTracks(files)
		kept = nil
	}

	wantZip := m.config.Zip && (mixed || len(kept) > 0)

	manifest := output.Manifest{
		SessionID:  session.ID,
		TargetID:   session.TargetID,
		TargetName: session.TargetName(),
		State:      string(StateComplete),
		StartedAt:  session.StartedAt,
		EpochMono:  epoch,
		Duration:   wallDuration.Seconds(),
		Tracks:     files,
	}
	if mixed {
		manifest.Mix = output.MixFileName
	}
	if wantZip {
		manifest.Zip = output.ZipFileName
	}

	manifestPath, err := m.assembler.WriteManifest(dir, manifest)
	if err != nil {
		return nil, err
	}
	m.metrics.RecordArtifactWritten("manifest")

	zipPath := ""
	if wantZip {
		paths := make([]string, 0, len(kept)+2)
		for _, f := range kept {
			paths = append(paths, f.Path)
		}
		if mixed {
			paths = append(paths, m.assembler.MixPath(dir))
		}
		paths = append(paths, manifestPath)

		zipPath, err = m.assembler.ZipArtifacts(dir, paths)
		if err != nil {
			return nil, err
		}
		m.metrics.RecordArtifactWritten("zip")
	}

	artifacts := &Artifacts{
		SessionID:  session.ID,
		TargetID:   session.TargetID,
		TargetName: session.TargetName(),
		OutputDir:  dir,
		Duration:   wallDuration.Seconds(),
		Tracks:     files,
		ZipFile:    zipPath,
		Manifest:   manifestPath,
	}
	if mixed {
		artifacts.MixFile = m.assembler.MixPath(dir)
	}

	return artifacts, nil
}

// startJanitor runs in a separate goroutine to stop overlong sessions
func (m *Manager) startJanitor() {
	defer close(m.cleanup)

	ticker := time.NewTicker(30 * time.Second) // Check every 30 seconds
	defer ticker.Stop()

	m.logger.Info("Session janitor started",
		slog.Duration("max_duration", m.config.MaxDuration),
		slog.Duration("check_interval", 30*time.Second),
	)

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Info("Session janitor stopping")
			return

		case <-ticker.C:
			m.stopExpiredSessions()
		}
	}
}

// stopExpiredSessions finalizes sessions older than the configured cap,
// exactly as if a caller had stopped them
func (m *Manager) stopExpiredSessions() {
	if m.config.MaxDuration <= 0 {
		return
	}

	now := time.Now()
	expired := make([]uint64, 0)

	m.mu.RLock()
	for targetID, session := range m.sessions {
		if now.Sub(session.StartedAt) > m.config.MaxDuration {
			expired = append(expired, targetID)
		}
	}
	m.mu.RUnlock()

	if len(expired) == 0 {
		return
	}

	m.logger.Info("Stopping overlong sessions",
		slog.Int("count", len(expired)),
		slog.Duration("max_duration", m.config.MaxDuration),
	)

	for _, targetID := range expired {
		if _, err := m.Stop(m.ctx, targetID); err != nil && !errors.Is(err, ErrNotRecording) {
			m.logger.Error("Failed to stop overlong session",
				slog.Uint64("target_id", targetID),
				slog.String("error", err.Error()),
			)
		}
	}
}
