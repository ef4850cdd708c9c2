package config

import (
	"errors"
	"fmt"
	"net/url"
)

// ErrInvalid indicates a configuration value the worker cannot run with.
var ErrInvalid = errors.New("invalid configuration")

// Validate ensures the configuration is usable. Call ApplyDefaults first.
func (c *Config) Validate() error {
	err := c.validateNATS()
	if err != nil {
		return err
	}

	err = c.validateScheduler()
	if err != nil {
		return err
	}

	err = c.validatePipeline()
	if err != nil {
		return err
	}

	return c.validateSynth()
}

func (c *Config) validateNATS() error {
	if c.NATS.MaxDeliver < -1 {
		return fmt.Errorf("%w: nats.max_deliver must be -1 or positive", ErrInvalid)
	}

	if c.NATS.FetchBatch < 0 || c.NATS.NakDelaySeconds < 0 {
		return fmt.Errorf("%w: nats.fetch_batch and nats.nak_delay_seconds must not be negative", ErrInvalid)
	}

	return nil
}

func (c *Config) validateScheduler() error {
	s := c.Scheduler

	if s.MinConcurrency < 0 || s.MaxConcurrency < 0 {
		return fmt.Errorf("%w: scheduler concurrency must not be negative", ErrInvalid)
	}

	if s.MaxConcurrency > 0 && s.MinConcurrency > s.MaxConcurrency {
		return fmt.Errorf("%w: scheduler.min_concurrency %d exceeds max_concurrency %d",
			ErrInvalid, s.MinConcurrency, s.MaxConcurrency)
	}

	if s.BufferTargetMs < 0 || s.LeaseFloorSeconds < 0 || s.HeartbeatSeconds < 0 {
		return fmt.Errorf("%w: scheduler durations must not be negative", ErrInvalid)
	}

	if s.HeartbeatSeconds >= s.LeaseFloorSeconds {
		return fmt.Errorf("%w: scheduler.heartbeat_seconds must be shorter than lease_floor_seconds", ErrInvalid)
	}

	return nil
}

func (c *Config) validatePipeline() error {
	p := c.Pipeline

	if p.SegmentDurationMs <= 0 {
		return fmt.Errorf("%w: pipeline.segment_duration_ms must be positive", ErrInvalid)
	}

	if p.QueueSize <= 0 || p.MaxUploadFailures <= 0 {
		return fmt.Errorf("%w: pipeline.queue_size and max_upload_failures must be positive", ErrInvalid)
	}

	if p.CrossfadeMs < 0 || p.CrossfadeMs >= p.SegmentDurationMs {
		return fmt.Errorf("%w: pipeline.crossfade_ms must be shorter than a segment", ErrInvalid)
	}

	return nil
}

func (c *Config) validateSynth() error {
	parsed, err := url.Parse(c.Synth.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("%w: synth.url %q is not an absolute URL", ErrInvalid, c.Synth.URL)
	}

	if c.Synth.TimeoutSeconds < 0 {
		return fmt.Errorf("%w: synth.timeout_seconds must not be negative", ErrInvalid)
	}

	return nil
}
