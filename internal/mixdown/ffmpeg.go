package mixdown

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Config contains FFmpeg mixer configuration
type Config struct {
	Path       string // ffmpeg binary path or name
	Timeout    time.Duration
	Bitrate    string // MP3 bitrate, e.g. "64k"
	SampleRate int
	Channels   int
}

// FFmpegMixer shells out to ffmpeg to mix delayed speaker tracks into MP3
type FFmpegMixer struct {
	config Config
	logger *slog.Logger

	// Statistics
	totalRuns  uint64
	failedRuns uint64
	mu         sync.RWMutex
}

// MixerStats represents mixer invocation statistics
type MixerStats struct {
	TotalRuns  uint64 `json:"total_runs"`
	FailedRuns uint64 `json:"failed_runs"`
}

// NewFFmpegMixer creates a mixer around the configured ffmpeg binary
func NewFFmpegMixer(config Config, logger *slog.Logger) *FFmpegMixer {
	if config.Path == "" {
		config.Path = "ffmpeg"
	}

	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Minute
	}

	if config.Bitrate == "" {
		config.Bitrate = "64k"
	}

	if config.SampleRate <= 0 {
		config.SampleRate = 48000
	}

	if config.Channels <= 0 {
		config.Channels = 2
	}

	return &FFmpegMixer{
		config: config,
		logger: logger,
	}
}

// Check verifies the ffmpeg binary can be resolved
func (m *FFmpegMixer) Check() error {
	if _, err := exec.LookPath(m.config.Path); err != nil {
		return fmt.Errorf("ffmpeg not found at '%s': %w", m.config.Path, err)
	}
	return nil
}

// Mix runs ffmpeg over the request inputs and writes the mixed file. The
// output is produced under a temporary name and renamed into place only
// after ffmpeg succeeds, so a failed mix never leaves a mixed file behind.
// A request with no tracks but a positive anchor renders pure silence of
// the anchor length.
func (m *FFmpegMixer) Mix(ctx context.Context, req Request) error {
	if len(req.Inputs) == 0 && req.Anchor <= 0 {
		return fmt.Errorf("%w: nothing to mix", ErrMixdownFailed)
	}

	if req.Output == "" {
		return fmt.Errorf("%w: output path cannot be empty", ErrMixdownFailed)
	}

	tmp := req.Output + ".part"
	args := m.buildArgs(req, tmp)

	runCtx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()

	m.incrementTotalRuns()
	start := time.Now()

	m.logger.Debug("Running mix command",
		slog.String("path", m.config.Path),
		slog.String("args", strings.Join(args, " ")),
	)

	cmd := exec.CommandContext(runCtx, m.config.Path, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		m.incrementFailedRuns()
		os.Remove(tmp)
		return fmt.Errorf("%w: %v: %s", ErrMixdownFailed, err, tailBytes(out, 512))
	}

	// ffmpeg can exit zero without writing anything for degenerate graphs
	if _, err := os.Stat(tmp); err != nil {
		m.incrementFailedRuns()
		return fmt.Errorf("%w: output file missing: %v", ErrMixdownFailed, err)
	}

	if err := os.Rename(tmp, req.Output); err != nil {
		m.incrementFailedRuns()
		os.Remove(tmp)
		return fmt.Errorf("%w: failed to move output into place: %v", ErrMixdownFailed, err)
	}

	m.logger.Debug("Mixdown completed",
		slog.String("output", req.Output),
		slog.Int("inputs", len(req.Inputs)),
		slog.Duration("anchor", req.Anchor),
		slog.Duration("elapsed", time.Since(start)),
	)

	return nil
}

// buildArgs constructs the complete ffmpeg argument list for a mix request,
// writing to the given output path. Every track input is delayed to its
// timeline offset, and when an anchor duration is known a silent source of
// that length is added as the final input so the mix starts at time zero
// and is never cut short.
func (m *FFmpegMixer) buildArgs(req Request, output string) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-y"}

	for _, in := range req.Inputs {
		args = append(args, "-i", in.Path)
	}

	anchored := req.Anchor > 0
	if anchored {
		args = append(args,
			"-f", "lavfi",
			"-t", formatSeconds(req.Anchor),
			"-i", fmt.Sprintf("anullsrc=r=%d:cl=%s", m.config.SampleRate, channelLayout(m.config.Channels)),
		)
	}

	args = append(args,
		"-filter_complex", m.buildFilter(req.Inputs, anchored),
		"-map", "[aout]",
		"-c:a", "libmp3lame",
		"-b:a", m.config.Bitrate,
		output,
	)

	return args
}

// buildFilter constructs the filter_complex graph: one adelay per track,
// then a single amix over the delayed labels plus the optional anchor input.
// With no tracks the graph reduces to the anchor alone.
func (m *FFmpegMixer) buildFilter(inputs []Track, anchored bool) string {
	parts := make([]string, 0, len(inputs)+1)
	labels := make([]string, 0, len(inputs)+1)

	for i, in := range inputs {
		offset := in.OffsetMs
		if offset < 0 {
			offset = 0
		}

		label := fmt.Sprintf("[a%d]", i)
		parts = append(parts, fmt.Sprintf("[%d:a]adelay=%d:all=1%s", i, offset, label))
		labels = append(labels, label)
	}

	if anchored {
		// The silent anchor is the last ffmpeg input, after all tracks
		labels = append(labels, fmt.Sprintf("[%d:a]", len(inputs)))
	}

	mix := fmt.Sprintf("%samix=inputs=%d:duration=longest:normalize=1[aout]",
		strings.Join(labels, ""), len(labels))
	parts = append(parts, mix)

	return strings.Join(parts, ";")
}

// GetStats returns current mixer statistics
func (m *FFmpegMixer) GetStats() MixerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return MixerStats{
		TotalRuns:  m.totalRuns,
		FailedRuns: m.failedRuns,
	}
}

func (m *FFmpegMixer) incrementTotalRuns() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalRuns++
}

func (m *FFmpegMixer) incrementFailedRuns() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failedRuns++
}

// formatSeconds renders a duration as fractional seconds for ffmpeg
func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}

// channelLayout maps a channel count to an ffmpeg layout name
func channelLayout(channels int) string {
	if channels == 1 {
		return "mono"
	}
	return "stereo"
}

// tailBytes returns the trailing portion of command output for error context
func tailBytes(out []byte, n int) string {
	if len(out) <= n {
		return string(out)
	}
	return string(out[len(out)-n:])
}
