package output

import (
	"archive/zip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/capturelab/voicemix/internal/audio"
)

// ErrPersistFailed indicates a session artifact could not be written
var ErrPersistFailed = errors.New("persist failed")

const (
	// MixFileName is the mixed output inside a session directory
	MixFileName = "mixdown.mp3"

	// ZipFileName is the bundled archive inside a session directory
	ZipFileName = "recordings.zip"

	// ManifestFileName is the session metadata file inside a session directory
	ManifestFileName = "session.json"

	dirTimeFormat = "2006-01-02T15-04-05.000"
)

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SanitizeName reduces a display name to a filesystem-safe token
func SanitizeName(name string) string {
	safe := strings.Trim(unsafeNameChars.ReplaceAllString(name, "_"), "._-")
	if safe == "" {
		return "audio"
	}
	return safe
}

// TrackFile describes one per-speaker WAV written to a session directory
type TrackFile struct {
	SpeakerID uint64  `json:"speaker_id"`
	Name      string  `json:"name,omitempty"`
	FileName  string  `json:"file_name"`
	Path      string  `json:"-"`
	OffsetMs  int     `json:"offset_ms"`
	Duration  float64 `json:"duration_seconds"`
	Size      int     `json:"size_bytes"`
}

// Manifest records what a finalized session produced
type Manifest struct {
	SessionID  string      `json:"session_id"`
	TargetID   uint64      `json:"target_id"`
	TargetName string      `json:"target_name"`
	State      string      `json:"state"`
	StartedAt  time.Time   `json:"started_at"`
	EpochMono  int64       `json:"epoch_mono"`
	Duration   float64     `json:"duration_seconds"`
	Mix        string      `json:"mix,omitempty"`
	Zip        string      `json:"zip,omitempty"`
	Tracks     []TrackFile `json:"tracks"`
}

// Assembler writes session artifacts under a configured output root
type Assembler struct {
	root   string
	logger *slog.Logger
}

// NewAssembler creates an assembler rooted at the recording output directory
func NewAssembler(root string, logger *slog.Logger) *Assembler {
	return &Assembler{
		root:   root,
		logger: logger,
	}
}

// Root returns the configured output root directory
func (a *Assembler) Root() string {
	return a.root
}

// PrepareDir creates the session directory <root>/<target>/<started-at>,
// with the start time rendered in UTC at millisecond precision
func (a *Assembler) PrepareDir(targetName string, startedAt time.Time) (string, error) {
	dir := filepath.Join(a.root, SanitizeName(targetName), startedAt.UTC().Format(dirTimeFormat))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("%w: failed to create session directory: %v", ErrPersistFailed, err)
	}
	return dir, nil
}

// MixPath returns the mixed output path for a session directory
func (a *Assembler) MixPath(dir string) string {
	return filepath.Join(dir, MixFileName)
}

// WriteTrack encodes one rendered track as WAV inside the session directory.
// File names follow <sanitized-name>_<speaker-id>.wav so speakers with the
// same display name never collide; unannounced speakers get speaker_<id>.wav.
func (a *Assembler) WriteTrack(dir, name string, speakerID uint64, pcm []byte, format audio.Format, offsetMs int) (TrackFile, error) {
	fileName := fmt.Sprintf("speaker_%d.wav", speakerID)
	if name != "" {
		fileName = fmt.Sprintf("%s_%d.wav", SanitizeName(name), speakerID)
	}
	path := filepath.Join(dir, fileName)

	wav, err := audio.EncodeWAV(pcm, format.SampleRate, format.Channels)
	if err != nil {
		return TrackFile{}, fmt.Errorf("%w: failed to encode track %d: %v", ErrPersistFailed, speakerID, err)
	}

	if err := os.WriteFile(path, wav, 0644); err != nil {
		return TrackFile{}, fmt.Errorf("%w: failed to write track %d: %v", ErrPersistFailed, speakerID, err)
	}

	return TrackFile{
		SpeakerID: speakerID,
		Name:      name,
		FileName:  fileName,
		Path:      path,
		OffsetMs:  offsetMs,
		Duration:  format.BytesDuration(len(pcm)).Seconds(),
		Size:      len(wav),
	}, nil
}

// ZipArtifacts bundles the given files into recordings.zip inside dir.
// Returns an empty path without error when there is nothing to bundle.
func (a *Assembler) ZipArtifacts(dir string, paths []string) (string, error) {
	if len(paths) == 0 {
		return "", nil
	}

	zipPath := filepath.Join(dir, ZipFileName)
	f, err := os.Create(zipPath)
	if err != nil {
		return "", fmt.Errorf("%w: failed to create archive: %v", ErrPersistFailed, err)
	}

	zw := zip.NewWriter(f)
	for _, p := range paths {
		if err := addFileToZip(zw, p); err != nil {
			zw.Close()
			f.Close()
			return "", fmt.Errorf("%w: failed to archive %s: %v", ErrPersistFailed, filepath.Base(p), err)
		}
	}

	if err := zw.Close(); err != nil {
		f.Close()
		return "", fmt.Errorf("%w: failed to finish archive: %v", ErrPersistFailed, err)
	}

	if err := f.Close(); err != nil {
		return "", fmt.Errorf("%w: failed to close archive: %v", ErrPersistFailed, err)
	}

	return zipPath, nil
}

// RemoveTracks deletes per-speaker files once they are no longer needed.
// Removal is cleanup, not persistence, so failures are logged and ignored.
func (a *Assembler) RemoveTracks(files []TrackFile) {
	for _, f := range files {
		if err := os.Remove(f.Path); err != nil {
			a.logger.Warn("Failed to remove track file",
				slog.String("path", f.Path),
				slog.String("error", err.Error()),
			)
		}
	}
}

// WriteManifest writes the session manifest as indented JSON
func (a *Assembler) WriteManifest(dir string, manifest Manifest) (string, error) {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", fmt.Errorf("%w: failed to encode manifest: %v", ErrPersistFailed, err)
	}

	path := filepath.Join(dir, ManifestFileName)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("%w: failed to write manifest: %v", ErrPersistFailed, err)
	}

	return path, nil
}

func addFileToZip(zw *zip.Writer, path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	w, err := zw.Create(filepath.Base(path))
	if err != nil {
		return err
	}

	_, err = io.Copy(w, src)
	return err
}
