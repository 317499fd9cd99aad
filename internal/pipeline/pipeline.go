package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/clipforge/clipforge-api/internal/apperror"
	"github.com/clipforge/clipforge-api/internal/blob"
	"github.com/clipforge/clipforge-api/internal/captions"
	"github.com/clipforge/clipforge-api/internal/job"
	"github.com/clipforge/clipforge-api/internal/media"
	"github.com/clipforge/clipforge-api/internal/transcribe"
)

// Stage deadlines. Cut, reframe, caption, and finalize budgets cover the
// whole per-job batch, not a single clip.
var (
	probeDeadline      = 30 * time.Second
	extractDeadline    = 2 * time.Minute
	transcribeDeadline = 10 * time.Minute
	scoreDeadline      = 30 * time.Second
	cutDeadline        = 3 * time.Minute
	reframeDeadline    = 5 * time.Minute
	captionDeadline    = 5 * time.Minute
	finalizeDeadline   = 2 * time.Minute
)

// clipParallelism bounds concurrent ffmpeg invocations within the
// per-clip stages.
const clipParallelism = 2

// supportedVideoCodecs is the decoder allowlist; anything else fails
// unsupported-codec before any heavy work starts.
var supportedVideoCodecs = map[string]bool{
	"h264": true, "hevc": true, "vp8": true, "vp9": true,
	"av1": true, "mpeg4": true, "mpeg2video": true, "mjpeg": true,
	"prores": true, "theora": true,
}

// presetParams maps the quality preset names to encoder tuples.
var presetParams = map[job.QualityPreset]media.EncodeParams{
	job.QualityFast:   {Preset: "veryfast", CRF: 28, AudioBitrate: "96k"},
	job.QualityMedium: {Preset: "medium", CRF: 23, AudioBitrate: "128k"},
	job.QualityHigh:   {Preset: "slow", CRF: 18, AudioBitrate: "192k"},
}

// letterboxCropLoss is the fraction of horizontal content beyond which a
// portrait crop falls back to letterboxing.
const letterboxCropLoss = 0.4

// ReportFunc receives progress updates from the running pipeline.
// Percent follows the fixed overall mapping: probe 0-5, extract 5-10,
// transcribe 10-40, score 40-45, cut 45-60, reframe 60-75, caption
// 75-90, finalize 90-100.
type ReportFunc func(phase string, percent int, description string)

// Pipeline runs a job through the stage machine. A single job is
// processed sequentially through its stages; different jobs run on
// different workers in parallel.
type Pipeline struct {
	store  blob.Store
	repo   job.Repository
	proc   media.Processor
	asr    transcribe.Transcriber
	logger *slog.Logger

	tempDir          string
	defaultClipCount int
}

// New creates a Pipeline.
func New(store blob.Store, repo job.Repository, proc media.Processor, asr transcribe.Transcriber, tempDir string, defaultClipCount int, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultClipCount <= 0 {
		defaultClipCount = 3
	}
	return &Pipeline{
		store:            store,
		repo:             repo,
		proc:             proc,
		asr:              asr,
		logger:           logger,
		tempDir:          tempDir,
		defaultClipCount: defaultClipCount,
	}
}

// run-scoped state shared between stages of one attempt.
type runState struct {
	j        *job.Job
	workDir  string
	report   ReportFunc
	probe    media.ProbeInfo
	audio    string // extracted audio path, empty when source has no audio
	tr       transcribe.Transcript
	captions bool // effective captions decision for this run
	clips    []Candidate
	cutFiles []string
	outFiles []string
	trackIDs []string
}

// Run executes all stages for one attempt and returns the job results.
// Artifact rows are registered in a single atomic write at the end of
// finalize; everything else the pipeline produces is intermediate state
// and is removed when the attempt ends, whatever the outcome.
func (p *Pipeline) Run(ctx context.Context, j *job.Job, report func(phase string, percent int, description string)) (job.Results, error) {
	workDir := filepath.Join(p.tempDir, fmt.Sprintf("%s_attempt%d", j.ID, j.Attempts))
	if err := os.MkdirAll(workDir, 0750); err != nil {
		return job.Results{}, apperror.Wrap(apperror.KindTransientIO, "failed to create work directory", err)
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			p.logger.Warn("failed to remove work directory",
				slog.String("job_id", j.ID),
				slog.String("error", err.Error()),
			)
		}
	}()

	st := &runState{j: j, workDir: workDir, report: report}

	stages := []struct {
		name     string
		deadline time.Duration
		fn       func(context.Context, *runState) error
	}{
		{"probe", probeDeadline, p.stageProbe},
		{"extract", extractDeadline, p.stageExtract},
		{"transcribe", transcribeDeadline, p.stageTranscribe},
		{"score", scoreDeadline, p.stageScore},
		{"cut", cutDeadline, p.stageCut},
		{"reframe", reframeDeadline, p.stageReframe},
		{"caption", captionDeadline, p.stageCaption},
		{"finalize", finalizeDeadline, p.stageFinalize},
	}

	for _, stage := range stages {
		if err := p.runStage(ctx, st, stage.name, stage.deadline, stage.fn); err != nil {
			return job.Results{}, err
		}
	}

	return job.Results{
		TotalClips:     len(st.outFiles),
		SourceDuration: st.probe.Duration,
	}, nil
}

// runStage checks the cancellation token before and after the stage and
// enforces the stage deadline.
func (p *Pipeline) runStage(ctx context.Context, st *runState, name string, deadline time.Duration, fn func(context.Context, *runState) error) error {
	if err := checkpoint(ctx); err != nil {
		return err
	}

	sctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	start := time.Now()
	err := fn(sctx, st)
	if err != nil {
		if ctx.Err() != nil {
			return classifyInterrupt(ctx)
		}
		if errors.Is(err, context.DeadlineExceeded) || sctx.Err() != nil {
			return apperror.Wrap(apperror.KindTimeout, name+" stage deadline exceeded", err)
		}
		return err
	}

	p.logger.Debug("stage complete",
		slog.String("job_id", st.j.ID),
		slog.String("stage", name),
		slog.Duration("duration", time.Since(start)),
	)

	return checkpoint(ctx)
}

// checkpoint inspects the cancellation token.
func checkpoint(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	return classifyInterrupt(ctx)
}

// classifyInterrupt distinguishes user cancellation from deadline expiry.
// The scheduler cancels with a classified cause; a bare deadline is the
// global job deadline.
func classifyInterrupt(ctx context.Context) error {
	cause := context.Cause(ctx)
	var ae *apperror.Error
	if errors.As(cause, &ae) {
		return ae
	}
	return apperror.Wrap(apperror.KindTimeout, "job deadline exceeded", ctx.Err())
}

// stageProbe reads container metadata and vets the codec.
func (p *Pipeline) stageProbe(ctx context.Context, st *runState) error {
	st.report("probe", 0, "Reading media metadata")

	info, err := p.proc.Probe(ctx, p.store.Path(st.j.InputBlobID))
	if err != nil {
		if errors.Is(err, media.ErrNoVideoStream) {
			return apperror.Wrap(apperror.KindUnreadable, "input has no readable video stream", err)
		}
		return apperror.Wrap(apperror.KindUnreadable, "failed to read media metadata", err)
	}
	if !supportedVideoCodecs[info.VideoCodec] {
		return apperror.Newf(apperror.KindUnsupportedCodec, "video codec %q is not supported", info.VideoCodec)
	}

	st.probe = info
	st.report("probe", 5, fmt.Sprintf("Source: %.0fs %dx%d %s", info.Duration, info.Width, info.Height, info.VideoCodec))
	return nil
}

// stageExtract produces the mono 16 kHz ASR input. Sources without an
// audio stream skip extraction and proceed with an empty transcript.
func (p *Pipeline) stageExtract(ctx context.Context, st *runState) error {
	st.report("extract", 5, "Extracting audio")

	if !st.probe.HasAudio {
		st.report("extract", 10, "No audio stream; skipping extraction")
		return nil
	}

	audioPath := filepath.Join(st.workDir, "audio.wav")
	if err := p.proc.ExtractAudio(ctx, p.store.Path(st.j.InputBlobID), audioPath); err != nil {
		return classifyMediaErr(err, "audio extraction failed")
	}

	st.audio = audioPath
	st.report("extract", 10, "Audio extracted")
	return nil
}

// stageTranscribe runs ASR and persists the transcript, empty or not, so
// downstream consumers never re-run recognition.
func (p *Pipeline) stageTranscribe(ctx context.Context, st *runState) error {
	st.report("transcribe", 10, "Transcribing audio")

	if st.audio != "" {
		tr, err := p.asr.Transcribe(ctx, st.audio)
		if err != nil {
			return err
		}
		st.tr = tr
	}

	if err := p.repo.SaveTranscript(ctx, st.j.ID, st.tr); err != nil {
		return apperror.Wrap(apperror.KindTransientIO, "failed to persist transcript", err)
	}

	// No speech is informational, not an error: clips are still produced
	// but captions cannot be.
	st.captions = st.j.Options.AddCaptions && !st.tr.Empty()

	if st.tr.Empty() {
		st.report("transcribe", 40, "No speech detected")
	} else {
		st.report("transcribe", 40, fmt.Sprintf("Transcribed %d segments", len(st.tr.Segments)))
	}
	return nil
}

// stageScore selects the clip windows.
func (p *Pipeline) stageScore(_ context.Context, st *runState) error {
	st.report("score", 40, "Scoring candidate moments")

	window := ChooseWindow(st.probe.Duration, st.j.Options.ClipDurationHint)
	st.clips = ScoreCandidates(&st.tr, st.probe.Duration, window, p.defaultClipCount)
	if len(st.clips) == 0 {
		return apperror.New(apperror.KindUnreadable, "no usable clip window in source")
	}

	st.report("score", 45, fmt.Sprintf("Selected %d clip windows", len(st.clips)))
	return nil
}

// stageCut extracts each selected window with stream copy.
func (p *Pipeline) stageCut(ctx context.Context, st *runState) error {
	st.report("cut", 45, "Cutting clips")

	src := p.store.Path(st.j.InputBlobID)
	st.cutFiles = make([]string, len(st.clips))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(clipParallelism)
	for i, c := range st.clips {
		g.Go(func() error {
			dst := filepath.Join(st.workDir, fmt.Sprintf("cut_%02d.mp4", i+1))
			if err := p.proc.Cut(gctx, src, dst, c.Start, c.Duration()); err != nil {
				return classifyMediaErr(err, fmt.Sprintf("failed to cut clip %d", i+1))
			}
			st.cutFiles[i] = dst
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	st.report("cut", 60, fmt.Sprintf("Cut %d clips", len(st.clips)))
	return nil
}

// stageReframe fits each clip to the requested aspect ratio. Sources
// already at the target ratio pass through untouched.
func (p *Pipeline) stageReframe(ctx context.Context, st *runState) error {
	st.report("reframe", 60, "Reframing to "+string(st.j.Options.AspectRatio))

	tw, th := aspectTerms(st.j.Options.AspectRatio)
	srcAspect := float64(st.probe.Width) / float64(st.probe.Height)
	targetAspect := float64(tw) / float64(th)

	if aspectClose(srcAspect, targetAspect) {
		st.outFiles = append([]string(nil), st.cutFiles...)
		st.report("reframe", 75, "Source already at target aspect")
		return nil
	}

	spec := media.ReframeSpec{TargetW: tw, TargetH: th, OutWidth: 1080}
	if targetAspect < srcAspect {
		// Cropping horizontally; letterbox instead when the crop would
		// discard too much of the frame.
		loss := 1 - targetAspect/srcAspect
		if loss > letterboxCropLoss {
			spec.Letterbox = true
		}
	}

	st.outFiles = make([]string, len(st.cutFiles))

	// Guards the done counter and keeps per-clip reports in order across
	// the worker goroutines.
	var mu sync.Mutex
	done := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(clipParallelism)
	for i, src := range st.cutFiles {
		g.Go(func() error {
			dst := filepath.Join(st.workDir, fmt.Sprintf("reframe_%02d.mp4", i+1))
			if err := p.proc.Reframe(gctx, src, dst, spec); err != nil {
				return classifyMediaErr(err, fmt.Sprintf("failed to reframe clip %d", i+1))
			}
			st.outFiles[i] = dst
			mu.Lock()
			done++
			st.report("reframe", 60+15*done/len(st.cutFiles), fmt.Sprintf("Reframed clip %d/%d", done, len(st.cutFiles)))
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	st.report("reframe", 75, "Reframing complete")
	return nil
}

// stageCaption burns word-synchronized karaoke captions when requested
// and speech was detected.
func (p *Pipeline) stageCaption(ctx context.Context, st *runState) error {
	if !st.captions {
		st.report("caption", 90, "Captions skipped")
		return nil
	}
	st.report("caption", 75, "Burning captions")

	st.trackIDs = make([]string, len(st.outFiles))
	captioned := make([]string, len(st.outFiles))

	var mu sync.Mutex
	done := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(clipParallelism)
	for i, src := range st.outFiles {
		g.Go(func() error {
			c := st.clips[i]
			assPath := filepath.Join(st.workDir, fmt.Sprintf("captions_%02d.ass", i+1))
			wrote, err := captions.WriteTrack(&st.tr, c.Start, c.End, st.j.Options.CaptionStyle, assPath)
			if err != nil {
				return apperror.Wrap(apperror.KindTransientIO, fmt.Sprintf("failed to render caption track %d", i+1), err)
			}
			if !wrote {
				// No words inside this window; the clip ships without
				// captions but the job-level flag stays on.
				captioned[i] = src
				return nil
			}

			dst := filepath.Join(st.workDir, fmt.Sprintf("caption_%02d.mp4", i+1))
			if err := p.proc.BurnCaptions(gctx, src, dst, assPath); err != nil {
				return classifyMediaErr(err, fmt.Sprintf("failed to burn captions on clip %d", i+1))
			}
			captioned[i] = dst
			st.trackIDs[i] = uuid.NewString()
			mu.Lock()
			done++
			st.report("caption", 75+15*done/len(st.outFiles), fmt.Sprintf("Captioned clip %d/%d", done, len(st.outFiles)))
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	st.outFiles = captioned
	st.report("caption", 90, "Captions complete")
	return nil
}

// stageFinalize encodes each clip with the quality preset, writes the
// final blobs, and registers all artifact rows in one atomic write.
func (p *Pipeline) stageFinalize(ctx context.Context, st *runState) error {
	st.report("finalize", 90, "Encoding final clips")

	params, ok := presetParams[st.j.Options.QualityPreset]
	if !ok {
		return apperror.Newf(apperror.KindInvalidParameters, "unknown quality preset %q", st.j.Options.QualityPreset)
	}

	artifacts := make([]job.Artifact, len(st.outFiles))
	for i, src := range st.outFiles {
		if err := checkpoint(ctx); err != nil {
			return err
		}

		dst := filepath.Join(st.workDir, finalName(st.j, i+1))
		if err := p.proc.Encode(ctx, src, dst, params); err != nil {
			return classifyMediaErr(err, fmt.Sprintf("failed to encode clip %d", i+1))
		}

		f, err := os.Open(dst) // #nosec G304 - path built from our work directory
		if err != nil {
			return apperror.Wrap(apperror.KindTransientIO, "failed to read encoded clip", err)
		}
		info, err := p.store.Put(ctx, f)
		_ = f.Close()
		if err != nil {
			return apperror.Wrap(apperror.KindTransientIO, "failed to store clip blob", err)
		}

		if err := p.repo.SaveBlob(ctx, job.BlobRecord{
			Digest:      info.Digest,
			Size:        info.Size,
			ContentType: "video/mp4",
			OwnerID:     st.j.PrincipalID,
			RefCount:    1,
			CreatedAt:   time.Now(),
		}); err != nil {
			return apperror.Wrap(apperror.KindTransientIO, "failed to register clip blob", err)
		}

		c := st.clips[i]
		artifacts[i] = job.Artifact{
			ID:            uuid.NewString(),
			JobID:         st.j.ID,
			Ordinal:       i + 1,
			BlobID:        info.Digest,
			Duration:      c.Duration(),
			SourceStart:   c.Start,
			SourceEnd:     c.End,
			AspectRatio:   st.j.Options.AspectRatio,
			CaptionsAdded: st.captions,
			ViralScore:    c.Score,
		}
		if st.trackIDs != nil && st.trackIDs[i] != "" {
			artifacts[i].CaptionTrackID = st.trackIDs[i]
		}

		st.report("finalize", 90+10*(i+1)/len(st.outFiles), fmt.Sprintf("Finalized clip %d/%d", i+1, len(st.outFiles)))
	}

	// The single externally observable write of the pipeline.
	if err := p.repo.SaveArtifacts(ctx, st.j.ID, artifacts); err != nil {
		return apperror.Wrap(apperror.KindTransientIO, "failed to register artifacts", err)
	}

	st.report("finalize", 100, fmt.Sprintf("Generated %d clips", len(artifacts)))
	return nil
}

// finalName builds the artifact file name. Target platform tags are
// advisory and only decorate the name.
func finalName(j *job.Job, ordinal int) string {
	base := fmt.Sprintf("clip_%s_%02d", j.ID, ordinal)
	if len(j.Options.TargetPlatforms) > 0 {
		base += "_" + sanitizeTag(j.Options.TargetPlatforms[0])
	}
	return base + ".mp4"
}

// sanitizeTag keeps platform tags filesystem-safe.
func sanitizeTag(tag string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(tag) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// classifyMediaErr wraps ffmpeg failures as retryable transient-io unless
// already classified.
func classifyMediaErr(err error, msg string) error {
	var ae *apperror.Error
	if errors.As(err, &ae) {
		return ae
	}
	return apperror.Wrap(apperror.KindTransientIO, msg, err)
}

// aspectTerms returns the integer ratio terms for an aspect ratio.
func aspectTerms(a job.AspectRatio) (int, int) {
	parts := strings.SplitN(string(a), ":", 2)
	if len(parts) != 2 {
		return 9, 16
	}
	w, err1 := strconv.Atoi(parts[0])
	h, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || w <= 0 || h <= 0 {
		return 9, 16
	}
	return w, h
}

// aspectClose treats ratios within 2% as equal.
func aspectClose(a, b float64) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff/b < 0.02
}
