// Package media provides video and audio processing for the clip pipeline.
// Implementations shell out to ffmpeg/ffprobe.
package media

import "context"

// ProbeInfo is the container metadata read from an input file.
type ProbeInfo struct {
	// Duration is the container duration in seconds.
	Duration float64
	// Width and Height are the video frame dimensions in pixels.
	Width  int
	Height int
	// VideoCodec and AudioCodec are codec names, empty when the stream
	// is absent.
	VideoCodec string
	AudioCodec string
	// FrameRate is the average video frame rate.
	FrameRate float64
	// SampleRate is the audio sample rate in Hz.
	SampleRate int
	// HasVideo and HasAudio report stream presence.
	HasVideo bool
	HasAudio bool
}

// EncodeParams is an encoder speed/quality tuple referenced by a quality
// preset name.
type EncodeParams struct {
	// Preset is the x264 speed preset.
	Preset string
	// CRF is the constant rate factor; lower is better quality.
	CRF int
	// AudioBitrate is the AAC bitrate, e.g. "128k".
	AudioBitrate string
}

// ReframeSpec describes how to fit a clip into a target aspect ratio.
type ReframeSpec struct {
	// TargetW and TargetH are the aspect ratio terms, e.g. 9 and 16.
	TargetW int
	TargetH int
	// Letterbox pads instead of cropping when true.
	Letterbox bool
	// OutWidth is the output width in pixels; height follows the ratio.
	OutWidth int
}

// Processor defines the media operations the pipeline needs.
// It acts as a port so tests can substitute a fake for the ffmpeg CLI.
type Processor interface {
	// Probe reads container metadata from a media file.
	Probe(ctx context.Context, path string) (ProbeInfo, error)

	// ExtractAudio produces a mono 16 kHz audio file suitable for ASR.
	ExtractAudio(ctx context.Context, src, dst string) error

	// Cut extracts a [start, start+duration) sub-clip using stream copy,
	// which is lossless within GOP boundaries.
	Cut(ctx context.Context, src, dst string, start, duration float64) error

	// Reframe crops or letterboxes a clip to the target aspect ratio.
	Reframe(ctx context.Context, src, dst string, spec ReframeSpec) error

	// BurnCaptions renders an ASS subtitle file onto the video.
	BurnCaptions(ctx context.Context, src, dst, assPath string) error

	// Encode re-encodes a clip with the given parameters.
	Encode(ctx context.Context, src, dst string, params EncodeParams) error
}
