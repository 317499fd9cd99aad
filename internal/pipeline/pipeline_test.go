package pipeline

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/clipforge/clipforge-api/internal/apperror"
	"github.com/clipforge/clipforge-api/internal/blob"
	"github.com/clipforge/clipforge-api/internal/job"
	"github.com/clipforge/clipforge-api/internal/media"
	"github.com/clipforge/clipforge-api/internal/transcribe"
)

type mockProcessor struct {
	mock.Mock
}

func (m *mockProcessor) Probe(ctx context.Context, path string) (media.ProbeInfo, error) {
	args := m.Called(ctx, path)
	return args.Get(0).(media.ProbeInfo), args.Error(1)
}

func (m *mockProcessor) ExtractAudio(ctx context.Context, src, dst string) error {
	return m.Called(ctx, src, dst).Error(0)
}

func (m *mockProcessor) Cut(ctx context.Context, src, dst string, start, duration float64) error {
	return m.Called(ctx, src, dst, start, duration).Error(0)
}

func (m *mockProcessor) Reframe(ctx context.Context, src, dst string, spec media.ReframeSpec) error {
	return m.Called(ctx, src, dst, spec).Error(0)
}

func (m *mockProcessor) BurnCaptions(ctx context.Context, src, dst, assPath string) error {
	return m.Called(ctx, src, dst, assPath).Error(0)
}

// Encode writes the destination file on success because finalize reads it
// back to store the blob.
func (m *mockProcessor) Encode(ctx context.Context, src, dst string, params media.EncodeParams) error {
	args := m.Called(ctx, src, dst, params)
	if args.Error(0) == nil {
		if err := os.WriteFile(dst, []byte(dst), 0600); err != nil {
			return err
		}
	}
	return args.Error(0)
}

type fakeTranscriber struct {
	tr    transcribe.Transcript
	err   error
	calls int
}

func (f *fakeTranscriber) Transcribe(_ context.Context, _ string) (transcribe.Transcript, error) {
	f.calls++
	return f.tr, f.err
}

type pipelineFixture struct {
	pipe    *Pipeline
	repo    job.Repository
	store   blob.Store
	proc    *mockProcessor
	asr     *fakeTranscriber
	tempDir string
	digest  string
}

func newPipelineFixture(t *testing.T, asr *fakeTranscriber) *pipelineFixture {
	t.Helper()

	store, err := blob.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	info, err := store.Put(context.Background(), bytes.NewReader([]byte("source media bytes")))
	require.NoError(t, err)

	repo := job.NewMemoryRepository()
	proc := &mockProcessor{}
	tempDir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return &pipelineFixture{
		pipe:    New(store, repo, proc, asr, tempDir, 3, logger),
		repo:    repo,
		store:   store,
		proc:    proc,
		asr:     asr,
		tempDir: tempDir,
		digest:  info.Digest,
	}
}

func (f *pipelineFixture) startedJob(t *testing.T, opts job.Options) *job.Job {
	t.Helper()
	j := job.New("p1", f.digest, opts)
	require.NoError(t, j.Start("lease-1", time.Minute))
	return j
}

func landscapeProbe(duration float64, hasAudio bool) media.ProbeInfo {
	return media.ProbeInfo{
		Duration:   duration,
		Width:      1920,
		Height:     1080,
		VideoCodec: "h264",
		AudioCodec: "aac",
		FrameRate:  30,
		HasVideo:   true,
		HasAudio:   hasAudio,
	}
}

func TestPipeline_Run(t *testing.T) {
	f := newPipelineFixture(t, &fakeTranscriber{tr: denseTranscript(300, "plain")})
	j := f.startedJob(t, job.Options{AddCaptions: true})
	ctx := context.Background()

	f.proc.On("Probe", mock.Anything, f.store.Path(f.digest)).Return(landscapeProbe(300, true), nil)
	f.proc.On("ExtractAudio", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	f.proc.On("Cut", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	f.proc.On("Reframe", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	f.proc.On("BurnCaptions", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	f.proc.On("Encode", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	var reports []job.Progress
	res, err := f.pipe.Run(ctx, j, func(phase string, percent int, description string) {
		reports = append(reports, job.Progress{Phase: phase, Percent: percent, Description: description})
	})
	require.NoError(t, err)

	assert.Equal(t, 3, res.TotalClips)
	assert.Equal(t, 300.0, res.SourceDuration)

	// Artifacts are registered with dense ordinals and burned captions.
	artifacts, err := f.repo.ListArtifactsByJob(ctx, j.ID)
	require.NoError(t, err)
	require.Len(t, artifacts, 3)
	for i, a := range artifacts {
		assert.Equal(t, i+1, a.Ordinal)
		assert.Equal(t, j.ID, a.JobID)
		assert.True(t, a.CaptionsAdded)
		assert.NotEmpty(t, a.CaptionTrackID)
		assert.Equal(t, job.AspectPortrait, a.AspectRatio)
		assert.InDelta(t, a.SourceEnd-a.SourceStart, a.Duration, 1e-9)
		assert.Greater(t, a.ViralScore, 0.0)

		// Output bytes live in the blob store and carry an owned record.
		_, err := f.store.Stat(ctx, a.BlobID)
		assert.NoError(t, err)
		rec, err := f.repo.FindBlob(ctx, a.BlobID)
		require.NoError(t, err)
		assert.Equal(t, "p1", rec.OwnerID)
		assert.Equal(t, "video/mp4", rec.ContentType)
	}

	// The transcript was persisted for later reuse.
	tr, err := f.repo.FindTranscript(ctx, j.ID)
	require.NoError(t, err)
	assert.False(t, tr.Empty())

	// Progress never moves backward and ends at 100.
	require.NotEmpty(t, reports)
	for i := 1; i < len(reports); i++ {
		assert.GreaterOrEqual(t, reports[i].Percent, reports[i-1].Percent)
	}
	assert.Equal(t, 100, reports[len(reports)-1].Percent)

	// The concurrent stages report each clip exactly once, in order.
	var perClip []string
	for _, p := range reports {
		if strings.HasPrefix(p.Description, "Reframed clip ") || strings.HasPrefix(p.Description, "Captioned clip ") {
			perClip = append(perClip, p.Description)
		}
	}
	assert.Equal(t, []string{
		"Reframed clip 1/3", "Reframed clip 2/3", "Reframed clip 3/3",
		"Captioned clip 1/3", "Captioned clip 2/3", "Captioned clip 3/3",
	}, perClip)

	// The work directory is gone whatever the outcome.
	entries, err := os.ReadDir(f.tempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// A landscape source reframed to portrait loses too much width to
	// crop, so the pipeline letterboxes.
	f.proc.AssertCalled(t, "Reframe", mock.Anything, mock.Anything, mock.Anything,
		media.ReframeSpec{TargetW: 9, TargetH: 16, Letterbox: true, OutWidth: 1080})
	f.proc.AssertExpectations(t)
}

func TestPipeline_Run_NoAudio(t *testing.T) {
	asr := &fakeTranscriber{}
	f := newPipelineFixture(t, asr)
	j := f.startedJob(t, job.Options{AddCaptions: true, AspectRatio: job.AspectLandscape})
	ctx := context.Background()

	f.proc.On("Probe", mock.Anything, mock.Anything).Return(landscapeProbe(300, false), nil)
	f.proc.On("Cut", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	f.proc.On("Encode", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	res, err := f.pipe.Run(ctx, j, func(string, int, string) {})
	require.NoError(t, err)
	assert.Equal(t, 3, res.TotalClips)

	// No audio stream: extraction and recognition are skipped, captions
	// are silently dropped, and an empty transcript is still persisted.
	f.proc.AssertNotCalled(t, "ExtractAudio", mock.Anything, mock.Anything, mock.Anything)
	f.proc.AssertNotCalled(t, "BurnCaptions", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.Zero(t, asr.calls)

	tr, err := f.repo.FindTranscript(ctx, j.ID)
	require.NoError(t, err)
	assert.True(t, tr.Empty())

	artifacts, err := f.repo.ListArtifactsByJob(ctx, j.ID)
	require.NoError(t, err)
	require.Len(t, artifacts, 3)
	for _, a := range artifacts {
		assert.False(t, a.CaptionsAdded)
		assert.Empty(t, a.CaptionTrackID)
	}

	// A 16:9 source at a 16:9 target never reframes.
	f.proc.AssertNotCalled(t, "Reframe", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestPipeline_Run_UnsupportedCodec(t *testing.T) {
	f := newPipelineFixture(t, &fakeTranscriber{})
	j := f.startedJob(t, job.Options{})

	info := landscapeProbe(300, true)
	info.VideoCodec = "wmv2"
	f.proc.On("Probe", mock.Anything, mock.Anything).Return(info, nil)

	_, err := f.pipe.Run(context.Background(), j, func(string, int, string) {})
	require.Error(t, err)
	assert.Equal(t, apperror.KindUnsupportedCodec, apperror.KindOf(err))
	assert.False(t, apperror.Retryable(apperror.KindOf(err)))

	f.proc.AssertNotCalled(t, "Cut", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestPipeline_Run_UnreadableInput(t *testing.T) {
	f := newPipelineFixture(t, &fakeTranscriber{})
	j := f.startedJob(t, job.Options{})

	f.proc.On("Probe", mock.Anything, mock.Anything).Return(media.ProbeInfo{}, media.ErrNoVideoStream)

	_, err := f.pipe.Run(context.Background(), j, func(string, int, string) {})
	require.Error(t, err)
	assert.Equal(t, apperror.KindUnreadable, apperror.KindOf(err))
}

func TestPipeline_Run_TranscriberFailurePropagates(t *testing.T) {
	asrErr := apperror.New(apperror.KindTransientDependency, "speech service unavailable")
	f := newPipelineFixture(t, &fakeTranscriber{err: asrErr})
	j := f.startedJob(t, job.Options{AddCaptions: true})

	f.proc.On("Probe", mock.Anything, mock.Anything).Return(landscapeProbe(300, true), nil)
	f.proc.On("ExtractAudio", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	_, err := f.pipe.Run(context.Background(), j, func(string, int, string) {})
	require.Error(t, err)
	assert.Equal(t, apperror.KindTransientDependency, apperror.KindOf(err))
	assert.True(t, apperror.Retryable(apperror.KindOf(err)))
}

func TestPipeline_Run_Cancelled(t *testing.T) {
	f := newPipelineFixture(t, &fakeTranscriber{})
	j := f.startedJob(t, job.Options{})

	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(apperror.New(apperror.KindCancelled, "cancelled by user"))

	_, err := f.pipe.Run(ctx, j, func(string, int, string) {})
	require.Error(t, err)
	assert.Equal(t, apperror.KindCancelled, apperror.KindOf(err))

	f.proc.AssertNotCalled(t, "Probe", mock.Anything, mock.Anything)
}

func TestPipeline_Run_DeadlineClassifiedAsTimeout(t *testing.T) {
	f := newPipelineFixture(t, &fakeTranscriber{})
	j := f.startedJob(t, job.Options{})

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := f.pipe.Run(ctx, j, func(string, int, string) {})
	require.Error(t, err)
	assert.Equal(t, apperror.KindTimeout, apperror.KindOf(err))
	assert.True(t, apperror.Retryable(apperror.KindOf(err)))
}

func TestPipeline_Run_MediaFailureRetryable(t *testing.T) {
	f := newPipelineFixture(t, &fakeTranscriber{})
	j := f.startedJob(t, job.Options{})

	f.proc.On("Probe", mock.Anything, mock.Anything).Return(landscapeProbe(300, false), nil)
	f.proc.On("Cut", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(&media.FFmpegError{Args: []string{"-ss"}, Stderr: "boom", Err: os.ErrClosed})

	_, err := f.pipe.Run(context.Background(), j, func(string, int, string) {})
	require.Error(t, err)
	assert.Equal(t, apperror.KindTransientIO, apperror.KindOf(err))
	assert.True(t, apperror.Retryable(apperror.KindOf(err)))

	// The failed attempt leaves no work directory behind.
	entries, err := os.ReadDir(f.tempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFinalName(t *testing.T) {
	j := &job.Job{ID: "abc", Options: job.Options{}}
	if got := finalName(j, 2); got != "clip_abc_02.mp4" {
		t.Errorf("finalName = %s", got)
	}

	j.Options.TargetPlatforms = []string{"TikTok!", "youtube"}
	if got := finalName(j, 1); got != "clip_abc_01_tiktok.mp4" {
		t.Errorf("finalName with platform = %s", got)
	}
}

func TestAspectTerms(t *testing.T) {
	tests := []struct {
		in   job.AspectRatio
		w, h int
	}{
		{job.AspectPortrait, 9, 16},
		{job.AspectSquare, 1, 1},
		{job.AspectLandscape, 16, 9},
		{job.AspectRatio("garbage"), 9, 16},
	}
	for _, tt := range tests {
		w, h := aspectTerms(tt.in)
		if w != tt.w || h != tt.h {
			t.Errorf("aspectTerms(%s) = %d:%d, want %d:%d", tt.in, w, h, tt.w, tt.h)
		}
	}
}
