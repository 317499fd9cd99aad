// Package bootstrap provides dependency initialization for the clip API.
// Initialization order is config, blob store, job store, event bus,
// scheduler, HTTP; teardown reverses it.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/clipforge/clipforge-api/internal/blob"
	"github.com/clipforge/clipforge-api/internal/config"
	"github.com/clipforge/clipforge-api/internal/events"
	"github.com/clipforge/clipforge-api/internal/job"
	"github.com/clipforge/clipforge-api/internal/job/postgres"
	"github.com/clipforge/clipforge-api/internal/media"
	"github.com/clipforge/clipforge-api/internal/pipeline"
	"github.com/clipforge/clipforge-api/internal/scheduler"
	"github.com/clipforge/clipforge-api/internal/transcribe"
	"github.com/clipforge/clipforge-api/internal/upload"
)

// Dependencies holds all initialized dependencies for the HTTP server.
type Dependencies struct {
	Store     blob.Store
	Repo      job.Repository
	Bus       *events.Bus
	Uploads   *upload.Assembler
	Scheduler *scheduler.Scheduler

	closers []func()
}

// Close releases held resources in reverse initialization order.
func (d *Dependencies) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

// NewDependencies creates and initializes all dependencies for the application.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	deps := &Dependencies{}

	store, err := initBlobStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	deps.Store = store

	repo, err := initRepository(ctx, cfg, logger, deps)
	if err != nil {
		return nil, err
	}
	deps.Repo = repo

	deps.Bus = events.NewBus(cfg.EventRingSize)

	uploads, err := upload.NewAssembler(
		store,
		repo,
		filepath.Join(cfg.DataDir, "uploads"),
		cfg.MaxUploadBytes,
		cfg.UploadTTL(),
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("create upload assembler: %w", err)
	}
	deps.Uploads = uploads

	asr, err := initTranscriber(cfg)
	if err != nil {
		return nil, err
	}

	processor := media.NewFFmpegProcessor(cfg.FFmpegPath, cfg.FFprobePath)
	pipe := pipeline.New(store, repo, processor, asr, cfg.TempDir, cfg.DefaultClipCount, logger)

	deps.Scheduler = scheduler.New(
		repo,
		pipe,
		deps.Bus,
		store,
		scheduler.InteractiveResolver(),
		scheduler.NoopCreditHook(),
		scheduler.Options{
			Workers:         cfg.Workers(),
			PerPrincipalCap: cfg.PerPrincipalConcurrency,
			MaxAttempts:     cfg.MaxAttempts,
			RetryBase:       cfg.RetryBase(),
			RetryFactor:     cfg.RetryFactor,
			RetryJitter:     cfg.RetryJitter,
			JobDeadline:     cfg.JobDeadline(),
			LeaseTTL:        cfg.LeaseTTL(),
		},
		logger,
	)

	return deps, nil
}

// initBlobStore creates the appropriate blob store based on configuration.
func initBlobStore(cfg *config.Config, logger *slog.Logger) (blob.Store, error) {
	dir := filepath.Join(cfg.DataDir, "blobs")

	if cfg.S3Enabled() {
		s3Cfg := blob.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		}
		s3Store, err := blob.NewS3Store(dir, s3Cfg)
		if err != nil {
			return nil, fmt.Errorf("create S3 blob store: %w", err)
		}
		logger.Info("S3 blob store configured",
			slog.String("bucket", cfg.S3Bucket),
			slog.String("region", cfg.S3Region),
		)
		return s3Store, nil
	}

	localStore, err := blob.NewLocalStore(dir)
	if err != nil {
		return nil, fmt.Errorf("create local blob store: %w", err)
	}
	logger.Info("local blob store configured",
		slog.String("dir", dir),
	)
	return localStore, nil
}

// initRepository selects the durable store when DATABASE_URL is set,
// otherwise the in-memory store.
func initRepository(ctx context.Context, cfg *config.Config, logger *slog.Logger, deps *Dependencies) (job.Repository, error) {
	if cfg.PostgresEnabled() {
		repo, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("create postgres repository: %w", err)
		}
		deps.closers = append(deps.closers, repo.Close)
		logger.Info("postgres job store configured")
		return repo, nil
	}

	logger.Info("in-memory job store configured")
	return job.NewMemoryRepository(), nil
}

// initTranscriber builds the ASR client from configuration.
func initTranscriber(cfg *config.Config) (transcribe.Transcriber, error) {
	opts := []transcribe.ClientOption{}
	if cfg.ASRAPIKey != "" {
		opts = append(opts, transcribe.WithAPIKey(cfg.ASRAPIKey))
	}
	if cfg.ASRBaseURL != "" {
		opts = append(opts, transcribe.WithBaseURL(cfg.ASRBaseURL))
	}
	if cfg.ASRModel != "" {
		opts = append(opts, transcribe.WithModel(cfg.ASRModel))
	}

	asr, err := transcribe.NewWhisperClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create transcriber: %w", err)
	}
	return asr, nil
}
