// Package config provides the configuration structure for the stream worker.
package config

import (
	"fmt"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
)

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	URL                      string `toml:"url"`
	StreamName               string `toml:"stream_name"`
	Subject                  string `toml:"subject"`
	ConsumerName             string `toml:"consumer_name"`
	AudioChunkCreatedSubject string `toml:"audio_chunk_created_subject"`
	AudioObjectStoreBucket   string `toml:"audio_object_store_bucket"`
	ProgressBucket           string `toml:"progress_bucket"`
	OwnersBucket             string `toml:"owners_bucket"`
	IdempotencyBucket        string `toml:"idempotency_bucket"`
	MaxDeliver               int    `toml:"max_deliver"`
	FetchBatch               int    `toml:"fetch_batch"`
	NakDelaySeconds          int    `toml:"nak_delay_seconds"`
}

// SchedulerConfig tunes story scheduling.
type SchedulerConfig struct {
	// AcceleratorClass is used when the device cannot be detected.
	AcceleratorClass    string `toml:"accelerator_class"`
	MinConcurrency      int    `toml:"min_concurrency"`
	MaxConcurrency      int    `toml:"max_concurrency"`
	AutoTune            bool   `toml:"auto_tune"`
	BufferTargetMs      int    `toml:"buffer_target_ms"`
	LeaseFloorSeconds   int    `toml:"lease_floor_seconds"`
	HeartbeatSeconds    int    `toml:"heartbeat_seconds"`
	ModelVersion        string `toml:"model_version"`
	ProgressRetentionHr int    `toml:"progress_retention_hours"`
}

// PipelineConfig tunes the per-story encoder pipeline.
type PipelineConfig struct {
	FFmpegPath         string `toml:"ffmpeg_path"`
	Bitrate            string `toml:"bitrate"`
	SegmentDurationMs  int    `toml:"segment_duration_ms"`
	QueueSize          int    `toml:"queue_size"`
	CrossfadeMs        int    `toml:"crossfade_ms"`
	TrimSilence        bool   `toml:"trim_silence"`
	PollIntervalMs     int    `toml:"poll_interval_ms"`
	StallSeconds       int    `toml:"stall_seconds"`
	MaxUploadFailures  int    `toml:"max_upload_failures"`
	ShutdownTimeoutSec int    `toml:"shutdown_timeout_seconds"`
}

// SynthConfig points at the synthesis engine.
type SynthConfig struct {
	URL            string `toml:"url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// ResumeConfig configures interruption handling and story claims.
type ResumeConfig struct {
	MetadataURL         string `toml:"metadata_url"`
	PollIntervalSeconds int    `toml:"poll_interval_seconds"`
	ClaimTTLSeconds     int    `toml:"claim_ttl_seconds"`
	// WorkerID overrides the id read from the host metadata.
	WorkerID string `toml:"worker_id"`
}

// HealthConfig configures the status surface.
type HealthConfig struct {
	Addr string `toml:"addr"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
	WorkDir     string `toml:"work_dir"`
}

// Config is the root configuration structure.
type Config struct {
	NATS      NATSConfig      `toml:"nats"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Pipeline  PipelineConfig  `toml:"pipeline"`
	Synth     SynthConfig     `toml:"synth"`
	Resume    ResumeConfig    `toml:"resume"`
	Health    HealthConfig    `toml:"health"`
	Paths     PathsConfig     `toml:"paths"`
}

// Load loads the configuration for the stream worker, fills in defaults and
// validates the result.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	cfg.ApplyDefaults()

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// NakDelay is how long a failed unit waits before redelivery.
func (c NATSConfig) NakDelay() time.Duration { return seconds(c.NakDelaySeconds) }

// BufferTarget is the look-ahead a story needs before it leaves its first phase.
func (c SchedulerConfig) BufferTarget() time.Duration { return millis(c.BufferTargetMs) }

// LeaseFloor is the minimum queue lease.
func (c SchedulerConfig) LeaseFloor() time.Duration { return seconds(c.LeaseFloorSeconds) }

// Heartbeat is the lease extension interval.
func (c SchedulerConfig) Heartbeat() time.Duration { return seconds(c.HeartbeatSeconds) }

// ProgressRetention is the lifetime of a progress record.
func (c SchedulerConfig) ProgressRetention() time.Duration {
	return time.Duration(c.ProgressRetentionHr) * time.Hour
}

// SegmentDuration is the target length of an HLS segment.
func (c PipelineConfig) SegmentDuration() time.Duration { return millis(c.SegmentDurationMs) }

// Crossfade is the overlap applied between units.
func (c PipelineConfig) Crossfade() time.Duration { return millis(c.CrossfadeMs) }

// PollInterval is how often the encoder playlist is read.
func (c PipelineConfig) PollInterval() time.Duration { return millis(c.PollIntervalMs) }

// Stall is how long a backed-up queue is tolerated.
func (c PipelineConfig) Stall() time.Duration { return seconds(c.StallSeconds) }

// ShutdownTimeout bounds the final encoder flush.
func (c PipelineConfig) ShutdownTimeout() time.Duration { return seconds(c.ShutdownTimeoutSec) }

// Timeout bounds one synthesis request.
func (c SynthConfig) Timeout() time.Duration { return seconds(c.TimeoutSeconds) }

// PollInterval is how often the interruption notice is checked.
func (c ResumeConfig) PollInterval() time.Duration { return seconds(c.PollIntervalSeconds) }

// ClaimTTL is the lifetime of a story claim between refreshes.
func (c ResumeConfig) ClaimTTL() time.Duration { return seconds(c.ClaimTTLSeconds) }
