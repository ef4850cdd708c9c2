package config

import "strings"

// Defaults applied to empty fields.
const (
	DefaultNATSURL                  = "nats://127.0.0.1:4222"
	DefaultStreamName               = "STORY_UNITS"
	DefaultSubject                  = "story.units"
	DefaultConsumerName             = "stream-workers"
	DefaultAudioChunkCreatedSubject = "audio.chunk.created"
	DefaultAudioObjectStoreBucket   = "STORY_AUDIO"
	DefaultProgressBucket           = "STORY_PROGRESS"
	DefaultOwnersBucket             = "STORY_OWNERS"
	DefaultIdempotencyBucket        = "IDEMPOTENCY"
	DefaultMaxDeliver               = 10
	DefaultFetchBatch               = 10
	DefaultNakDelaySeconds          = 10

	DefaultAcceleratorClass    = "L4"
	DefaultBufferTargetMs      = 3000
	DefaultLeaseFloorSeconds   = 30
	DefaultHeartbeatSeconds    = 10
	DefaultModelVersion        = "xtts-v2"
	DefaultProgressRetentionHr = 30 * 24

	DefaultFFmpegPath         = "ffmpeg"
	DefaultBitrate            = "64k"
	DefaultSegmentDurationMs  = 1000
	DefaultQueueSize          = 20
	DefaultPollIntervalMs     = 500
	DefaultStallSeconds       = 30
	DefaultMaxUploadFailures  = 3
	DefaultShutdownTimeoutSec = 5

	DefaultSynthURL            = "http://127.0.0.1:8000"
	DefaultSynthTimeoutSeconds = 30

	DefaultPollIntervalSeconds = 5
	DefaultClaimTTLSeconds     = 120

	DefaultHealthAddr  = ":8080"
	DefaultBaseLogsDir = "logs"
	DefaultWorkDir     = "work"
)

// ApplyDefaults fills every empty field with its default and trims string
// values.
func (c *Config) ApplyDefaults() {
	c.applyNATS()
	c.applyScheduler()
	c.applyPipeline()
	c.applySynth()
	c.applyResume()

	c.Health.Addr = orString(c.Health.Addr, DefaultHealthAddr)
	c.Paths.BaseLogsDir = orString(c.Paths.BaseLogsDir, DefaultBaseLogsDir)
	c.Paths.WorkDir = orString(c.Paths.WorkDir, DefaultWorkDir)
}

func (c *Config) applyNATS() {
	n := &c.NATS
	n.URL = orString(n.URL, DefaultNATSURL)
	n.StreamName = orString(n.StreamName, DefaultStreamName)
	n.Subject = orString(n.Subject, DefaultSubject)
	n.ConsumerName = orString(n.ConsumerName, DefaultConsumerName)
	n.AudioChunkCreatedSubject = orString(n.AudioChunkCreatedSubject, DefaultAudioChunkCreatedSubject)
	n.AudioObjectStoreBucket = orString(n.AudioObjectStoreBucket, DefaultAudioObjectStoreBucket)
	n.ProgressBucket = orString(n.ProgressBucket, DefaultProgressBucket)
	n.OwnersBucket = orString(n.OwnersBucket, DefaultOwnersBucket)
	n.IdempotencyBucket = orString(n.IdempotencyBucket, DefaultIdempotencyBucket)
	n.MaxDeliver = orInt(n.MaxDeliver, DefaultMaxDeliver)
	n.FetchBatch = orInt(n.FetchBatch, DefaultFetchBatch)
	n.NakDelaySeconds = orInt(n.NakDelaySeconds, DefaultNakDelaySeconds)
}

func (c *Config) applyScheduler() {
	s := &c.Scheduler
	s.AcceleratorClass = orString(s.AcceleratorClass, DefaultAcceleratorClass)
	s.BufferTargetMs = orInt(s.BufferTargetMs, DefaultBufferTargetMs)
	s.LeaseFloorSeconds = orInt(s.LeaseFloorSeconds, DefaultLeaseFloorSeconds)
	s.HeartbeatSeconds = orInt(s.HeartbeatSeconds, DefaultHeartbeatSeconds)
	s.ModelVersion = orString(s.ModelVersion, DefaultModelVersion)
	s.ProgressRetentionHr = orInt(s.ProgressRetentionHr, DefaultProgressRetentionHr)
}

func (c *Config) applyPipeline() {
	p := &c.Pipeline
	p.FFmpegPath = orString(p.FFmpegPath, DefaultFFmpegPath)
	p.Bitrate = orString(p.Bitrate, DefaultBitrate)
	p.SegmentDurationMs = orInt(p.SegmentDurationMs, DefaultSegmentDurationMs)
	p.QueueSize = orInt(p.QueueSize, DefaultQueueSize)
	p.PollIntervalMs = orInt(p.PollIntervalMs, DefaultPollIntervalMs)
	p.StallSeconds = orInt(p.StallSeconds, DefaultStallSeconds)
	p.MaxUploadFailures = orInt(p.MaxUploadFailures, DefaultMaxUploadFailures)
	p.ShutdownTimeoutSec = orInt(p.ShutdownTimeoutSec, DefaultShutdownTimeoutSec)
}

func (c *Config) applySynth() {
	c.Synth.URL = strings.TrimRight(orString(c.Synth.URL, DefaultSynthURL), "/")
	c.Synth.TimeoutSeconds = orInt(c.Synth.TimeoutSeconds, DefaultSynthTimeoutSeconds)
}

func (c *Config) applyResume() {
	r := &c.Resume
	r.MetadataURL = strings.TrimSpace(r.MetadataURL)
	r.WorkerID = strings.TrimSpace(r.WorkerID)
	r.PollIntervalSeconds = orInt(r.PollIntervalSeconds, DefaultPollIntervalSeconds)
	r.ClaimTTLSeconds = orInt(r.ClaimTTLSeconds, DefaultClaimTTLSeconds)
}

func orString(value, fallback string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}

	return value
}

func orInt(value, fallback int) int {
	if value == 0 {
		return fallback
	}

	return value
}
