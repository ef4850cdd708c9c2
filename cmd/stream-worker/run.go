package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/book-expert/logger"
	"github.com/book-expert/stream-worker/internal/config"
	"github.com/book-expert/stream-worker/internal/health"
	"github.com/book-expert/stream-worker/internal/idempotency"
	"github.com/book-expert/stream-worker/internal/kvstore"
	"github.com/book-expert/stream-worker/internal/objectstore"
	"github.com/book-expert/stream-worker/internal/pipeline"
	"github.com/book-expert/stream-worker/internal/progress"
	"github.com/book-expert/stream-worker/internal/publisher"
	"github.com/book-expert/stream-worker/internal/queue"
	"github.com/book-expert/stream-worker/internal/resume"
	"github.com/book-expert/stream-worker/internal/scheduler"
	"github.com/book-expert/stream-worker/internal/synth"
	"github.com/book-expert/stream-worker/internal/worker"
	"github.com/gofrs/flock"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// Log file names.
const (
	bootstrapLogFile = "stream-worker-bootstrap.log"
	logFile          = "stream-worker.log"
	lockFile         = "stream-worker.lock"
	connectionName   = "stream-worker"
)

// ErrAlreadyRunning indicates another worker holds the working directory.
var ErrAlreadyRunning = errors.New("another stream-worker is already running in this working directory")

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Consume story units and stream their audio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			return run(ctx)
		},
	}
}

func setupLogger(logPath, filename string) (*logger.Logger, error) {
	log, err := logger.New(logPath, filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger in %s: %w", logPath, err)
	}

	return log, nil
}

func run(ctx context.Context) error {
	bootstrapLog, err := setupLogger(os.TempDir(), bootstrapLogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	defer closeLogger(bootstrapLog)

	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := setupLogger(cfg.Paths.BaseLogsDir, logFile)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return err
	}

	defer closeLogger(log)

	err = os.MkdirAll(cfg.Paths.WorkDir, 0o750)
	if err != nil {
		return fmt.Errorf("failed to create working directory %s: %w", cfg.Paths.WorkDir, err)
	}

	lock := flock.New(filepath.Join(cfg.Paths.WorkDir, lockFile))

	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock working directory: %w", err)
	}

	if !locked {
		return ErrAlreadyRunning
	}

	defer func() {
		unlockErr := lock.Unlock()
		if unlockErr != nil {
			log.Warn("Failed to release working directory lock: %v", unlockErr)
		}
	}()

	return serve(ctx, cfg, log)
}

func serve(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	nc, err := nats.Connect(cfg.NATS.URL, nats.Name(connectionName))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}

	defer func() {
		drainErr := nc.Drain()
		if drainErr != nil {
			log.Warn("Failed to drain NATS connection: %v", drainErr)
		}
	}()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	progressKV, err := kvstore.New(ctx, js, kvstore.BucketConfig{
		Bucket:      cfg.NATS.ProgressBucket,
		Description: "Durable story progress records.",
	})
	if err != nil {
		return err
	}

	ownersKV, err := kvstore.New(ctx, js, kvstore.BucketConfig{
		Bucket:      cfg.NATS.OwnersBucket,
		Description: "Story ownership claims.",
	})
	if err != nil {
		return err
	}

	ledgerKV, err := kvstore.New(ctx, js, kvstore.BucketConfig{
		Bucket:      cfg.NATS.IdempotencyBucket,
		Description: "Processed unit markers.",
	})
	if err != nil {
		return err
	}

	store, err := objectstore.New(ctx, js, cfg.NATS.AudioObjectStoreBucket)
	if err != nil {
		return err
	}

	source, err := queue.New(ctx, js, queue.Config{
		Stream:     cfg.NATS.StreamName,
		Subject:    cfg.NATS.Subject,
		Consumer:   cfg.NATS.ConsumerName,
		AckWait:    cfg.Scheduler.LeaseFloor(),
		MaxDeliver: cfg.NATS.MaxDeliver,
	})
	if err != nil {
		return err
	}

	synthClient := synth.NewClient(cfg.Synth.URL, cfg.Synth.Timeout())

	err = synthClient.HealthCheck(ctx)
	if err != nil {
		return fmt.Errorf("synthesis engine at %s is not healthy: %w", cfg.Synth.URL, err)
	}

	pub := publisher.New(store, log, publisher.WithNotifier(nc, cfg.NATS.AudioChunkCreatedSubject))
	defer pub.Close()

	metadata := resume.NewMetadata(cfg.Resume.MetadataURL)

	workerID := cfg.Resume.WorkerID
	if workerID == "" {
		workerID = metadata.InstanceID(ctx)
	}

	progressStore := progress.New(progressKV, cfg.Scheduler.ProgressRetention())

	coordinator := resume.New(progressStore, ownersKV, pub, metadata, log, resume.Options{
		WorkerID:     workerID,
		PollInterval: cfg.Resume.PollInterval(),
		ClaimTTL:     cfg.Resume.ClaimTTL(),
	})

	encoder := pipeline.FFmpeg{Binary: cfg.Pipeline.FFmpegPath}

	w, err := worker.New(worker.Deps{
		Source:      source,
		Synth:       synthClient,
		Encoders:    encoder,
		Scheduler:   scheduler.New(schedulerOptions(ctx, cfg, log)),
		Ledger:      idempotency.New(ledgerKV, store, publisher.ReceiptKey, log),
		Progress:    progressStore,
		Coordinator: coordinator,
		Publisher:   pub,
		Log:         log,
	}, worker.Options{
		FetchBatch:        cfg.NATS.FetchBatch,
		HeartbeatInterval: cfg.Scheduler.Heartbeat(),
		SynthTimeout:      cfg.Synth.Timeout(),
		NakDelay:          cfg.NATS.NakDelay(),
		ModelVersion:      cfg.Scheduler.ModelVersion,
		EncoderCheck:      encoder.Check,
		Pipeline: pipeline.Config{
			WorkDir:           cfg.Paths.WorkDir,
			Bitrate:           cfg.Pipeline.Bitrate,
			SegmentDuration:   cfg.Pipeline.SegmentDuration(),
			QueueSize:         cfg.Pipeline.QueueSize,
			Crossfade:         cfg.Pipeline.Crossfade(),
			Trim:              cfg.Pipeline.TrimSilence,
			PollInterval:      cfg.Pipeline.PollInterval(),
			ShutdownTimeout:   cfg.Pipeline.ShutdownTimeout(),
			StallDuration:     cfg.Pipeline.Stall(),
			MaxUploadFailures: cfg.Pipeline.MaxUploadFailures,
		},
	})
	if err != nil {
		return err
	}

	log.System("Stream worker %s initialized. Consuming %s on stream %s, status on %s",
		workerID, cfg.NATS.Subject, cfg.NATS.StreamName, cfg.Health.Addr)

	server := health.NewServer(cfg.Health.Addr, w, log)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return w.Run(groupCtx) })
	group.Go(func() error { return server.Run(groupCtx) })

	err = group.Wait()
	if err != nil {
		return err
	}

	log.System("Stream worker %s stopped", workerID)

	return nil
}

// schedulerOptions uses the configured concurrency range, or the range of
// the detected accelerator.
func schedulerOptions(ctx context.Context, cfg *config.Config, log *logger.Logger) scheduler.Options {
	caps := scheduler.CapRange{Min: cfg.Scheduler.MinConcurrency, Max: cfg.Scheduler.MaxConcurrency}

	if caps.Min == 0 || caps.Max == 0 {
		class := scheduler.DetectClass(ctx, scheduler.ExecRunner{}, cfg.Scheduler.AcceleratorClass)
		detected := scheduler.CapsFor(class)

		if caps.Min == 0 {
			caps.Min = detected.Min
		}

		if caps.Max == 0 {
			caps.Max = max(detected.Max, caps.Min)
		}

		log.Info("Accelerator %s, concurrency %d-%d", class, caps.Min, caps.Max)
	}

	return scheduler.Options{
		Caps:            caps,
		AutoTune:        cfg.Scheduler.AutoTune,
		BufferTarget:    cfg.Scheduler.BufferTarget(),
		SegmentDuration: cfg.Pipeline.SegmentDuration(),
		LeaseFloor:      cfg.Scheduler.LeaseFloor(),
	}
}

func closeLogger(log *logger.Logger) {
	err := log.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error closing logger: %v\n", err)
	}
}
