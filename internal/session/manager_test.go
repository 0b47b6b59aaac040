package session

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/capturelab/voicemix/internal/metrics"
	"github.com/capturelab/voicemix/internal/mixdown"
	"github.com/capturelab/voicemix/internal/output"
	"github.com/capturelab/voicemix/internal/protocol"
)

// Prometheus collectors register globally, so all manager tests share one
// metrics instance
var testMetrics = metrics.NewMetrics()

// fakeMixer records mix requests and writes a placeholder output file,
// standing in for the external ffmpeg invocation
type fakeMixer struct {
	mu       sync.Mutex
	requests []mixdown.Request
	err      error
}

func (f *fakeMixer) Mix(ctx context.Context, req mixdown.Request) error {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	err := f.err
	f.mu.Unlock()

	if err != nil {
		return err
	}
	return os.WriteFile(req.Output, []byte("mixed"), 0644)
}

func (f *fakeMixer) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeMixer) lastRequest() mixdown.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func newTestManager(t *testing.T, mixer mixdown.Mixer, config ManagerConfig) *Manager {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	assembler := output.NewAssembler(t.TempDir(), logger)
	config.Format = testFormat()

	return NewManager(logger, testMetrics, mixer, assembler, config)
}

func audioHeader(targetID, speakerID uint64) *protocol.Header {
	return &protocol.Header{
		PacketType: protocol.PacketTypeAudio,
		TargetID:   targetID,
		SpeakerID:  speakerID,
		Codec:      protocol.CodecPCM,
	}
}

// sendFrames ingests a run of contiguous 50 ms PCM frames for one speaker
func sendFrames(mgr *Manager, targetID, speakerID uint64, start int64, frames int) {
	format := testFormat()
	frameBytes := format.DurationBytes(50 * time.Millisecond)
	step := (50 * time.Millisecond).Nanoseconds()

	for i := 0; i < frames; i++ {
		mgr.Ingest(audioHeader(targetID, speakerID), &protocol.AudioPayload{
			Sequence:    uint32(i + 1),
			CaptureMono: start + int64(i)*step,
			FrameData:   make([]byte, frameBytes),
		})
	}
}

func TestStartDuplicate(t *testing.T) {
	mgr := newTestManager(t, &fakeMixer{}, ManagerConfig{})
	defer mgr.Shutdown(context.Background())

	if _, err := mgr.Start(100, "General", 0); err != nil {
		t.Fatalf("First start failed: %v", err)
	}

	_, err := mgr.Start(100, "General", 0)
	if err == nil {
		t.Fatal("Expected error for duplicate start")
	}
	if !errors.Is(err, ErrAlreadyRecording) {
		t.Errorf("Expected ErrAlreadyRecording, got: %v", err)
	}

	if mgr.GetActiveSessionCount() != 1 {
		t.Errorf("Expected 1 active session, got %d", mgr.GetActiveSessionCount())
	}
}

func TestStartSessionLimit(t *testing.T) {
	mgr := newTestManager(t, &fakeMixer{}, ManagerConfig{MaxSessions: 1})
	defer mgr.Shutdown(context.Background())

	if _, err := mgr.Start(100, "", 0); err != nil {
		t.Fatalf("First start failed: %v", err)
	}

	_, err := mgr.Start(200, "", 0)
	if err == nil {
		t.Fatal("Expected error at session limit")
	}
	if !errors.Is(err, ErrSessionLimit) {
		t.Errorf("Expected ErrSessionLimit, got: %v", err)
	}
}

func TestStopWithoutSession(t *testing.T) {
	mgr := newTestManager(t, &fakeMixer{}, ManagerConfig{})
	defer mgr.Shutdown(context.Background())

	_, err := mgr.Stop(context.Background(), 100)
	if err == nil {
		t.Fatal("Expected error for stop without session")
	}
	if !errors.Is(err, ErrNotRecording) {
		t.Errorf("Expected ErrNotRecording, got: %v", err)
	}
}

func TestStopReleasesTarget(t *testing.T) {
	mgr := newTestManager(t, &fakeMixer{}, ManagerConfig{SaveIndividual: true})
	defer mgr.Shutdown(context.Background())

	if _, err := mgr.Start(100, "", 0); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := mgr.Stop(context.Background(), 100); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	// The target unlocks as soon as the old session leaves the registry
	if _, err := mgr.Start(100, "", 0); err != nil {
		t.Fatalf("Restart after stop failed: %v", err)
	}
}

func TestIngestAndFinalize(t *testing.T) {
	fake := &fakeMixer{}
	mgr := newTestManager(t, fake, ManagerConfig{Merge: true, SaveIndividual: true})
	defer mgr.Shutdown(context.Background())

	epoch := int64(1_000_000_000)
	if _, err := mgr.Start(100, "General Voice", epoch); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Speaker 1 from the epoch, speaker 2 joining 500 ms later, 1 s each
	sendFrames(mgr, 100, 1, epoch, 20)
	sendFrames(mgr, 100, 2, epoch+(500*time.Millisecond).Nanoseconds(), 20)

	artifacts, err := mgr.Stop(context.Background(), 100)
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if artifacts.State != StateComplete {
		t.Errorf("Expected state %s, got %s", StateComplete, artifacts.State)
	}
	if len(artifacts.Tracks) != 2 {
		t.Fatalf("Expected 2 tracks, got %d", len(artifacts.Tracks))
	}
	if artifacts.Tracks[0].OffsetMs != 0 {
		t.Errorf("Expected speaker 1 offset 0 ms, got %d", artifacts.Tracks[0].OffsetMs)
	}
	if artifacts.Tracks[1].OffsetMs != 500 {
		t.Errorf("Expected speaker 2 offset 500 ms, got %d", artifacts.Tracks[1].OffsetMs)
	}

	for _, track := range artifacts.Tracks {
		if _, err := os.Stat(track.Path); err != nil {
			t.Errorf("Expected track file %s on disk: %v", track.FileName, err)
		}
	}

	if fake.requestCount() != 1 {
		t.Fatalf("Expected 1 mix invocation, got %d", fake.requestCount())
	}
	req := fake.lastRequest()
	if len(req.Inputs) != 2 {
		t.Fatalf("Expected 2 mix inputs, got %d", len(req.Inputs))
	}
	if req.Inputs[0].OffsetMs != 0 || req.Inputs[1].OffsetMs != 500 {
		t.Errorf("Expected mix offsets [0 500], got [%d %d]", req.Inputs[0].OffsetMs, req.Inputs[1].OffsetMs)
	}
	if req.Anchor != 1500*time.Millisecond {
		t.Errorf("Expected anchor 1.5s, got %v", req.Anchor)
	}

	if artifacts.MixFile == "" {
		t.Fatal("Expected a mixed file path")
	}
	if _, err := os.Stat(artifacts.MixFile); err != nil {
		t.Errorf("Expected mixed file on disk: %v", err)
	}
	if _, err := os.Stat(artifacts.Manifest); err != nil {
		t.Errorf("Expected manifest on disk: %v", err)
	}

	if artifacts.OutputDir == "" {
		t.Error("Expected a session output directory")
	}
}

func TestStopRemovesIndividualTracks(t *testing.T) {
	fake := &fakeMixer{}
	mgr := newTestManager(t, fake, ManagerConfig{Merge: true, SaveIndividual: false})
	defer mgr.Shutdown(context.Background())

	if _, err := mgr.Start(100, "", 0); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	sendFrames(mgr, 100, 1, 1_000_000_000, 10)

	artifacts, err := mgr.Stop(context.Background(), 100)
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	// The mixed file replaces the per-speaker WAVs
	if _, err := os.Stat(artifacts.MixFile); err != nil {
		t.Errorf("Expected mixed file on disk: %v", err)
	}
	for _, track := range artifacts.Tracks {
		if _, statErr := os.Stat(track.Path); !os.IsNotExist(statErr) {
			t.Errorf("Expected track file %s to be removed", track.FileName)
		}
	}
}

func TestMixFailureMarksSessionFailed(t *testing.T) {
	fake := &fakeMixer{err: fmt.Errorf("%w: exit status 1", mixdown.ErrMixdownFailed)}
	mgr := newTestManager(t, fake, ManagerConfig{Merge: true})
	defer mgr.Shutdown(context.Background())

	session, err := mgr.Start(100, "", 0)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	sendFrames(mgr, 100, 1, 1_000_000_000, 10)

	_, err = mgr.Stop(context.Background(), 100)
	if err == nil {
		t.Fatal("Expected stop to fail when the mixer fails")
	}
	if !errors.Is(err, mixdown.ErrMixdownFailed) {
		t.Errorf("Expected ErrMixdownFailed, got: %v", err)
	}

	if session.State() != StateFailed {
		t.Errorf("Expected state %s, got %s", StateFailed, session.State())
	}

	stats := mgr.GetStats()
	if stats.SessionsFailed != 1 {
		t.Errorf("Expected 1 failed session, got %d", stats.SessionsFailed)
	}

	// The target is unlocked even after a failed finalize
	if _, err := mgr.Start(100, "", 0); err != nil {
		t.Fatalf("Restart after failure failed: %v", err)
	}
}

func TestZipBundle(t *testing.T) {
	fake := &fakeMixer{}
	mgr := newTestManager(t, fake, ManagerConfig{Merge: true, SaveIndividual: true, Zip: true})
	defer mgr.Shutdown(context.Background())

	if _, err := mgr.Start(100, "", 0); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	sendFrames(mgr, 100, 1, 1_000_000_000, 10)

	artifacts, err := mgr.Stop(context.Background(), 100)
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if artifacts.ZipFile == "" {
		t.Fatal("Expected a zip bundle path")
	}

	reader, err := zip.OpenReader(artifacts.ZipFile)
	if err != nil {
		t.Fatalf("Failed to open bundle: %v", err)
	}
	defer reader.Close()

	entries := make(map[string]bool)
	for _, entry := range reader.File {
		entries[entry.Name] = true
	}

	for _, want := range []string{"speaker_1.wav", output.MixFileName, output.ManifestFileName} {
		if !entries[want] {
			t.Errorf("Expected bundle to contain %s, entries: %v", want, entries)
		}
	}
}

func TestEmptySessionSkip(t *testing.T) {
	fake := &fakeMixer{}
	mgr := newTestManager(t, fake, ManagerConfig{Merge: true, Zip: true, OnEmpty: OnEmptySkip})
	defer mgr.Shutdown(context.Background())

	if _, err := mgr.Start(100, "", 0); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	artifacts, err := mgr.Stop(context.Background(), 100)
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if fake.requestCount() != 0 {
		t.Errorf("Expected no mix invocation for empty session, got %d", fake.requestCount())
	}
	if artifacts.MixFile != "" {
		t.Errorf("Expected no mixed file, got %s", artifacts.MixFile)
	}
	if artifacts.ZipFile != "" {
		t.Errorf("Expected no zip bundle, got %s", artifacts.ZipFile)
	}
	if len(artifacts.Tracks) != 0 {
		t.Errorf("Expected no tracks, got %d", len(artifacts.Tracks))
	}

	// The session directory and manifest still exist
	if _, err := os.Stat(artifacts.Manifest); err != nil {
		t.Errorf("Expected manifest on disk: %v", err)
	}
}

func TestEmptySessionSilence(t *testing.T) {
	fake := &fakeMixer{}
	mgr := newTestManager(t, fake, ManagerConfig{Merge: true, OnEmpty: OnEmptySilence})
	defer mgr.Shutdown(context.Background())

	if _, err := mgr.Start(100, "", 0); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	artifacts, err := mgr.Stop(context.Background(), 100)
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if fake.requestCount() != 1 {
		t.Fatalf("Expected 1 mix invocation, got %d", fake.requestCount())
	}

	req := fake.lastRequest()
	if len(req.Inputs) != 0 {
		t.Errorf("Expected no mix inputs for silent render, got %d", len(req.Inputs))
	}
	if req.Anchor <= 0 {
		t.Errorf("Expected positive anchor for silent render, got %v", req.Anchor)
	}

	if artifacts.MixFile == "" {
		t.Fatal("Expected a mixed file path")
	}
	if _, err := os.Stat(artifacts.MixFile); err != nil {
		t.Errorf("Expected mixed file on disk: %v", err)
	}
}

func TestAnnounceNamesArtifacts(t *testing.T) {
	mgr := newTestManager(t, &fakeMixer{}, ManagerConfig{SaveIndividual: true})
	defer mgr.Shutdown(context.Background())

	if _, err := mgr.Start(100, "", 0); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	announce := &protocol.AnnouncePayload{}
	copy(announce.TargetName[:], "General Voice")
	copy(announce.SpeakerName[:], "alice")
	mgr.Announce(&protocol.Header{
		PacketType: protocol.PacketTypeAnnounce,
		TargetID:   100,
		SpeakerID:  1,
	}, announce)

	sendFrames(mgr, 100, 1, 1_000_000_000, 10)

	artifacts, err := mgr.Stop(context.Background(), 100)
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if artifacts.TargetName != "General Voice" {
		t.Errorf("Expected target name 'General Voice', got '%s'", artifacts.TargetName)
	}
	if len(artifacts.Tracks) != 1 {
		t.Fatalf("Expected 1 track, got %d", len(artifacts.Tracks))
	}
	if artifacts.Tracks[0].FileName != "alice_1.wav" {
		t.Errorf("Expected file name alice_1.wav, got %s", artifacts.Tracks[0].FileName)
	}
	if filepath.Base(filepath.Dir(artifacts.OutputDir)) != "General_Voice" {
		t.Errorf("Expected target directory General_Voice, got %s", filepath.Base(filepath.Dir(artifacts.OutputDir)))
	}
}

func TestLateTrafficDiscarded(t *testing.T) {
	mgr := newTestManager(t, &fakeMixer{}, ManagerConfig{SaveIndividual: true})
	defer mgr.Shutdown(context.Background())

	if _, err := mgr.Start(100, "", 0); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := mgr.Stop(context.Background(), 100); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	// Frames and announces for a stopped target are dropped quietly
	sendFrames(mgr, 100, 1, 1_000_000_000, 3)
	mgr.Announce(&protocol.Header{PacketType: protocol.PacketTypeAnnounce, TargetID: 100}, &protocol.AnnouncePayload{})

	if mgr.GetActiveSessionCount() != 0 {
		t.Errorf("Expected 0 active sessions, got %d", mgr.GetActiveSessionCount())
	}
}

func TestExpiredSessionStopped(t *testing.T) {
	mgr := newTestManager(t, &fakeMixer{}, ManagerConfig{SaveIndividual: true, MaxDuration: time.Nanosecond})
	defer mgr.Shutdown(context.Background())

	if _, err := mgr.Start(100, "", 0); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	sendFrames(mgr, 100, 1, 1_000_000_000, 5)

	mgr.stopExpiredSessions()

	if mgr.GetActiveSessionCount() != 0 {
		t.Errorf("Expected overlong session to be stopped, %d still active", mgr.GetActiveSessionCount())
	}

	stats := mgr.GetStats()
	if stats.SessionsCompleted != 1 {
		t.Errorf("Expected 1 completed session, got %d", stats.SessionsCompleted)
	}
}

func TestShutdownFinalizesSessions(t *testing.T) {
	mgr := newTestManager(t, &fakeMixer{}, ManagerConfig{SaveIndividual: true})

	if _, err := mgr.Start(100, "", 0); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := mgr.Start(200, "", 0); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	sendFrames(mgr, 100, 1, 1_000_000_000, 5)

	mgr.Shutdown(context.Background())

	if mgr.GetActiveSessionCount() != 0 {
		t.Errorf("Expected 0 active sessions after shutdown, got %d", mgr.GetActiveSessionCount())
	}

	stats := mgr.GetStats()
	if stats.SessionsCompleted != 2 {
		t.Errorf("Expected 2 completed sessions, got %d", stats.SessionsCompleted)
	}
}

func TestGetAllSessions(t *testing.T) {
	mgr := newTestManager(t, &fakeMixer{}, ManagerConfig{})
	defer mgr.Shutdown(context.Background())

	if _, err := mgr.Start(100, "General", 0); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	sendFrames(mgr, 100, 1, 1_000_000_000, 3)

	infos := mgr.GetAllSessions()
	if len(infos) != 1 {
		t.Fatalf("Expected 1 session snapshot, got %d", len(infos))
	}
	if infos[0].TargetID != 100 {
		t.Errorf("Expected target ID 100, got %d", infos[0].TargetID)
	}
	if infos[0].State != StateActive {
		t.Errorf("Expected state %s, got %s", StateActive, infos[0].State)
	}
	if len(infos[0].Speakers) != 1 {
		t.Errorf("Expected 1 speaker, got %d", len(infos[0].Speakers))
	}
}
