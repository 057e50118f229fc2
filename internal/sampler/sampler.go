package sampler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrDecode indicates the container or codec could not be parsed.
	ErrDecode = errors.New("video decode failed")
	// ErrEmptyVideo indicates the video resolves to zero duration.
	ErrEmptyVideo = errors.New("video has zero duration")
)

// CommandRunner executes external commands and returns combined stdout bytes.
type CommandRunner func(ctx context.Context, binary string, args ...string) ([]byte, error)

// Frame is one sampled frame: its timestamp within the video and the path of
// the extracted JPEG on disk.
type Frame struct {
	Timestamp float64
	Path      string
}

// FFmpegSampler decodes videos into timestamped frames by shelling out to
// ffprobe and ffmpeg.
type FFmpegSampler struct {
	FFmpegPath  string
	FFprobePath string
	FrameWidth  int
	Timeout     time.Duration
	Run         CommandRunner
}

// NewFFmpegSampler constructs a sampler using the provided binaries.
func NewFFmpegSampler(ffmpegPath, ffprobePath string, frameWidth int, timeout time.Duration) *FFmpegSampler {
	if strings.TrimSpace(ffmpegPath) == "" {
		ffmpegPath = "ffmpeg"
	}
	if strings.TrimSpace(ffprobePath) == "" {
		ffprobePath = "ffprobe"
	}
	if frameWidth <= 0 {
		frameWidth = 640
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &FFmpegSampler{
		FFmpegPath:  ffmpegPath,
		FFprobePath: ffprobePath,
		FrameWidth:  frameWidth,
		Timeout:     timeout,
		Run:         defaultCommandRunner,
	}
}

// Sample extracts one frame every interval from the video at videoPath into
// outputDir. Frames are returned ordered by strictly increasing timestamp,
// bounded by the probed duration.
func (s *FFmpegSampler) Sample(ctx context.Context, videoPath string, interval time.Duration, outputDir string) ([]Frame, error) {
	if s.Run == nil {
		s.Run = defaultCommandRunner
	}
	if interval <= 0 {
		interval = time.Second
	}

	duration, err := s.probeDuration(ctx, videoPath)
	if err != nil {
		return nil, err
	}
	if duration <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyVideo, videoPath)
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create frame dir: %w", err)
	}

	execCtx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	fps := 1 / interval.Seconds()
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-i", videoPath,
		"-vf", fmt.Sprintf("fps=%g,scale=%d:-2", fps, s.FrameWidth),
		"-start_number", "0",
		filepath.Join(outputDir, "frame_%06d.jpg"),
	}

	if out, err := s.Run(execCtx, s.FFmpegPath, args...); err != nil {
		return nil, fmt.Errorf("%w: ffmpeg: %v: %s", ErrDecode, err, strings.TrimSpace(string(out)))
	}

	frames, err := collectFrames(outputDir, interval, duration)
	if err != nil {
		return nil, err
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("%w: no frames extracted from %s", ErrDecode, videoPath)
	}

	return frames, nil
}

func (s *FFmpegSampler) probeDuration(ctx context.Context, videoPath string) (float64, error) {
	execCtx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	out, err := s.Run(execCtx, s.FFprobePath,
		"-hide_banner", "-loglevel", "error",
		"-show_entries", "format=duration",
		"-of", "json",
		videoPath,
	)
	if err != nil {
		return 0, fmt.Errorf("%w: ffprobe: %v", ErrDecode, err)
	}

	var payload struct {
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
	}
	if err := json.Unmarshal(out, &payload); err != nil {
		return 0, fmt.Errorf("%w: parse ffprobe output: %v", ErrDecode, err)
	}

	if payload.Format.Duration == "" {
		return 0, ErrEmptyVideo
	}

	duration, err := strconv.ParseFloat(payload.Format.Duration, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: parse duration %q: %v", ErrDecode, payload.Format.Duration, err)
	}

	return duration, nil
}

// collectFrames maps frame_%06d.jpg files back to timestamps. Frame N was
// captured at N*interval; anything probing past the duration is discarded.
func collectFrames(dir string, interval time.Duration, duration float64) ([]Frame, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read frame dir: %w", err)
	}

	var frames []Frame
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "frame_") || !strings.HasSuffix(name, ".jpg") {
			continue
		}

		idx, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "frame_"), ".jpg"))
		if err != nil {
			continue
		}

		ts := float64(idx) * interval.Seconds()
		if ts >= duration {
			continue
		}

		frames = append(frames, Frame{
			Timestamp: ts,
			Path:      filepath.Join(dir, name),
		})
	}

	sort.Slice(frames, func(i, j int) bool { return frames[i].Timestamp < frames[j].Timestamp })
	return frames, nil
}

func defaultCommandRunner(ctx context.Context, binary string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, binary, args...)
	return cmd.CombinedOutput()
}
