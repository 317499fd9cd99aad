package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Static errors for media operations.
var (
	// ErrNoVideoStream is returned when a probed file has no video stream.
	ErrNoVideoStream = errors.New("media: no video stream")
	// ErrInvalidWindow is returned when a cut window is not positive.
	ErrInvalidWindow = errors.New("media: cut window must be positive")
	// ErrFFprobeExecution is returned when the ffprobe command fails.
	ErrFFprobeExecution = errors.New("media: ffprobe execution failed")
)

// Compile-time check that FFmpegProcessor implements Processor.
var _ Processor = (*FFmpegProcessor)(nil)

// FFmpegProcessor implements Processor using the ffmpeg and ffprobe CLIs.
type FFmpegProcessor struct {
	ffmpegPath  string
	ffprobePath string
}

// NewFFmpegProcessor creates a new FFmpegProcessor.
// Empty paths default to "ffmpeg" and "ffprobe" (found via PATH).
func NewFFmpegProcessor(ffmpegPath, ffprobePath string) *FFmpegProcessor {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &FFmpegProcessor{ffmpegPath: ffmpegPath, ffprobePath: ffprobePath}
}

// probeOutput mirrors the ffprobe -print_format json shape we consume.
type probeOutput struct {
	Streams []struct {
		CodecType    string `json:"codec_type"`
		CodecName    string `json:"codec_name"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		AvgFrameRate string `json:"avg_frame_rate"`
		SampleRate   string `json:"sample_rate"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Probe reads container metadata via ffprobe.
// Files with no video stream fail with ErrNoVideoStream.
func (p *FFmpegProcessor) Probe(ctx context.Context, path string) (ProbeInfo, error) {
	// #nosec G204 - ffprobePath is set by the application, not user input
	cmd := exec.CommandContext(ctx, p.ffprobePath,
		"-v", "error",
		"-show_streams",
		"-show_format",
		"-print_format", "json",
		path,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ProbeInfo{}, fmt.Errorf("ffprobe cancelled: %w", ctx.Err())
		}
		return ProbeInfo{}, fmt.Errorf("%w: %w, stderr: %s", ErrFFprobeExecution, err, stderr.String())
	}

	var out probeOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return ProbeInfo{}, fmt.Errorf("parse ffprobe output: %w", err)
	}

	info := ProbeInfo{}
	info.Duration, _ = strconv.ParseFloat(out.Format.Duration, 64)

	for _, s := range out.Streams {
		switch s.CodecType {
		case "video":
			if info.HasVideo {
				continue
			}
			info.HasVideo = true
			info.VideoCodec = s.CodecName
			info.Width = s.Width
			info.Height = s.Height
			info.FrameRate = parseFrameRate(s.AvgFrameRate)
		case "audio":
			if info.HasAudio {
				continue
			}
			info.HasAudio = true
			info.AudioCodec = s.CodecName
			info.SampleRate, _ = strconv.Atoi(s.SampleRate)
		}
	}

	if !info.HasVideo || info.Duration <= 0 {
		return ProbeInfo{}, ErrNoVideoStream
	}
	return info, nil
}

// parseFrameRate converts ffprobe's "num/den" frame rate to a float.
func parseFrameRate(s string) float64 {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		f, _ := strconv.ParseFloat(s, 64)
		return f
	}
	num, err1 := strconv.ParseFloat(parts[0], 64)
	den, err2 := strconv.ParseFloat(parts[1], 64)
	if err1 != nil || err2 != nil || den == 0 {
		return 0
	}
	return num / den
}

// ExtractAudio produces a mono 16 kHz audio file suitable for ASR.
func (p *FFmpegProcessor) ExtractAudio(ctx context.Context, src, dst string) error {
	args := []string{
		"-y",
		"-i", src,
		"-vn", // Drop the video stream
		"-acodec", "pcm_s16le",
		"-ar", "16000",
		"-ac", "1",
		dst,
	}
	return p.runFFmpeg(ctx, args)
}

// Cut extracts a sub-clip with stream copy. Seeking before the input keeps
// the cut GOP-aligned without re-encoding.
func (p *FFmpegProcessor) Cut(ctx context.Context, src, dst string, start, duration float64) error {
	if duration <= 0 {
		return fmt.Errorf("%w: got %.2f", ErrInvalidWindow, duration)
	}
	args := []string{
		"-y",
		"-ss", formatSeconds(start),
		"-i", src,
		"-t", formatSeconds(duration),
		"-c", "copy",
		"-avoid_negative_ts", "make_zero",
		dst,
	}
	return p.runFFmpeg(ctx, args)
}

// Reframe crops or letterboxes a clip to the target aspect ratio.
// Crop: center crop to the target width derived from the source height.
// Letterbox: scale to fit and pad with black bars.
func (p *FFmpegProcessor) Reframe(ctx context.Context, src, dst string, spec ReframeSpec) error {
	outW := spec.OutWidth
	if outW <= 0 {
		outW = 1080
	}
	outH := outW * spec.TargetH / spec.TargetW
	// Keep dimensions even for yuv420p.
	outW -= outW % 2
	outH -= outH % 2

	var filter string
	if spec.Letterbox {
		filter = fmt.Sprintf(
			"scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2:black",
			outW, outH, outW, outH,
		)
	} else {
		// Largest centered rectangle with the target aspect, whichever
		// axis needs trimming.
		filter = fmt.Sprintf(
			"crop='min(iw\\,ih*%d/%d)':'min(ih\\,iw*%d/%d)',scale=%d:%d",
			spec.TargetW, spec.TargetH, spec.TargetH, spec.TargetW, outW, outH,
		)
	}

	args := []string{
		"-y",
		"-i", src,
		"-vf", filter,
		"-c:v", "libx264",
		"-preset", "fast",
		"-crf", "18", // Light touch here; the finalize pass applies the preset
		"-c:a", "copy",
		dst,
	}
	return p.runFFmpeg(ctx, args)
}

// BurnCaptions renders an ASS subtitle file onto the video.
func (p *FFmpegProcessor) BurnCaptions(ctx context.Context, src, dst, assPath string) error {
	// Single quotes in the path would break the filter expression.
	escaped := strings.ReplaceAll(assPath, "'", "'\\''")
	args := []string{
		"-y",
		"-i", src,
		"-vf", fmt.Sprintf("subtitles='%s'", escaped),
		"-c:v", "libx264",
		"-preset", "fast",
		"-crf", "18",
		"-c:a", "copy",
		dst,
	}
	return p.runFFmpeg(ctx, args)
}

// Encode re-encodes a clip with the given quality parameters.
func (p *FFmpegProcessor) Encode(ctx context.Context, src, dst string, params EncodeParams) error {
	args := []string{
		"-y",
		"-i", src,
		"-c:v", "libx264",
		"-preset", params.Preset,
		"-crf", strconv.Itoa(params.CRF),
		"-pix_fmt", "yuv420p",
		"-c:a", "aac",
		"-b:a", params.AudioBitrate,
		"-movflags", "+faststart",
		dst,
	}
	return p.runFFmpeg(ctx, args)
}

// runFFmpeg executes ffmpeg with the given arguments and returns an error
// containing stderr output if the command fails.
func (p *FFmpegProcessor) runFFmpeg(ctx context.Context, args []string) error {
	// #nosec G204 - ffmpegPath is set by the application, not user input
	cmd := exec.CommandContext(ctx, p.ffmpegPath, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		// Check if context was cancelled
		if ctx.Err() != nil {
			return fmt.Errorf("ffmpeg cancelled: %w", ctx.Err())
		}
		return &FFmpegError{
			Args:   args,
			Stderr: stderr.String(),
			Err:    err,
		}
	}

	return nil
}

// formatSeconds renders a duration for ffmpeg arguments.
func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}

// FFmpegError represents an error from running ffmpeg, including the stderr output.
type FFmpegError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *FFmpegError) Error() string {
	return fmt.Sprintf("ffmpeg error: %v\nargs: %v\nstderr: %s", e.Err, e.Args, e.Stderr)
}

func (e *FFmpegError) Unwrap() error {
	return e.Err
}
