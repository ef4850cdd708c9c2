// Package pipeline keeps one long-lived encoder per story. Units of PCM are
// trimmed, crossfaded and framed into the encoder's input while a watcher
// publishes finished segments and the manifest, and reports every unit whose
// audio is fully published.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/stream-worker/internal/audio"
	"github.com/book-expert/stream-worker/internal/hls"
	"github.com/book-expert/stream-worker/internal/job"
	"golang.org/x/sync/errgroup"
)

// Defaults for Config.
const (
	DefaultSegmentDuration   = time.Second
	DefaultQueueSize         = 20
	DefaultEnqueueTimeout    = 2 * time.Second
	DefaultPollInterval      = 500 * time.Millisecond
	DefaultShutdownTimeout   = 5 * time.Second
	DefaultStallDepth        = 15
	DefaultStallDuration     = 30 * time.Second
	DefaultMaxUploadFailures = 3
)

const dirPerm = 0o750

var (
	// ErrPipelineFault marks a pipeline that can no longer produce the story.
	ErrPipelineFault = errors.New("pipeline fault")
	// ErrQueueFull indicates a unit that could not be queued in time.
	ErrQueueFull = errors.New("pipeline queue full")
	// ErrClosed indicates a unit fed after the final unit or after teardown.
	ErrClosed = errors.New("pipeline closed")
)

// Config tunes every pipeline created by a worker.
type Config struct {
	WorkDir           string
	Format            job.Format
	Bitrate           string
	SegmentDuration   time.Duration
	QueueSize         int
	EnqueueTimeout    time.Duration
	Crossfade         time.Duration
	Trim              bool
	TrimOptions       audio.TrimOptions
	PollInterval      time.Duration
	ShutdownTimeout   time.Duration
	StallDepth        int
	StallDuration     time.Duration
	MaxUploadFailures int
}

func (c Config) withDefaults() Config {
	if c.Format == "" {
		c.Format = job.DefaultFormat
	}

	if c.SegmentDuration <= 0 {
		c.SegmentDuration = DefaultSegmentDuration
	}

	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}

	if c.EnqueueTimeout <= 0 {
		c.EnqueueTimeout = DefaultEnqueueTimeout
	}

	if c.Crossfade < 0 {
		c.Crossfade = 0
	}

	if c.TrimOptions == (audio.TrimOptions{}) {
		c.TrimOptions = audio.DefaultTrimOptions()
	}

	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}

	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}

	if c.StallDepth <= 0 {
		c.StallDepth = DefaultStallDepth
	}

	if c.StallDuration <= 0 {
		c.StallDuration = DefaultStallDuration
	}

	if c.MaxUploadFailures <= 0 {
		c.MaxUploadFailures = DefaultMaxUploadFailures
	}

	return c
}

// Resume places a new encoder run after what is already published.
type Resume struct {
	// FirstSequence is the first unit this run will receive.
	FirstSequence int
	// StartSegment is the number of the run's first segment.
	StartSegment int
	// Prior is the published manifest the run continues.
	Prior hls.Playlist
}

// Commit reports a unit whose audio is entirely inside published segments.
type Commit struct {
	StoryID     string
	Sequence    int
	LastSegment int
}

// CommitFunc is called once per unit, in sequence order. A returned error
// leaves the unit uncommitted and it is offered again on the next scan.
type CommitFunc func(ctx context.Context, commit Commit) error

// Publisher is the upload side of the pipeline.
type Publisher interface {
	Submit(ctx context.Context, storyID string, fn func(ctx context.Context) error) <-chan error
	UploadInit(ctx context.Context, storyID string, data []byte) error
	UploadSegment(ctx context.Context, storyID string, sequence int, data []byte) error
	UpdateManifest(ctx context.Context, storyID string, data []byte) error
}

// Deps are the collaborators of a pipeline.
type Deps struct {
	Encoders  EncoderFactory
	Publisher Publisher
	OnCommit  CommitFunc
	Log       *logger.Logger
	Now       func() time.Time
}

type frame struct {
	pcm      []byte
	sequence int
	final    bool
}

type unitMark struct {
	sequence int
	end      int64
}

// Pipeline is the encoder, writer and upload watcher of one story.
type Pipeline struct {
	storyID   string
	dir       string
	cfg       Config
	resume    Resume
	encoder   Encoder
	publisher Publisher
	onCommit  CommitFunc
	log       *logger.Logger
	now       func() time.Time

	frames    chan frame
	runCtx    context.Context
	cancel    context.CancelFunc
	group     *errgroup.Group
	done      chan struct{}
	closeOnce sync.Once

	mu             sync.Mutex
	fault          error
	parked         int
	inputClosed    bool
	finished       bool
	stallSince     time.Time
	written        int64
	units          []unitMark
	current        []hls.Segment
	publishedBytes int64
	latest         int
	initUploaded   bool
	uploadFailures int
}

// Start creates the story's working directory and launches its encoder.
func Start(ctx context.Context, storyID string, cfg Config, resume Resume, deps Deps) (*Pipeline, error) {
	cfg = cfg.withDefaults()

	dir := filepath.Join(cfg.WorkDir, storyID)

	// Leftovers of an earlier run on this host are never reused.
	err := os.RemoveAll(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to clear working directory %s: %w", dir, err)
	}

	err = os.MkdirAll(dir, dirPerm)
	if err != nil {
		return nil, fmt.Errorf("failed to create working directory %s: %w", dir, err)
	}

	encoder, err := deps.Encoders.Start(ctx, EncoderConfig{
		Dir:             dir,
		Format:          cfg.Format,
		Bitrate:         cfg.Bitrate,
		SegmentDuration: cfg.SegmentDuration,
		StartNumber:     resume.StartSegment,
	})
	if err != nil {
		_ = os.RemoveAll(dir)

		return nil, fmt.Errorf("failed to start encoder for story %s: %w", storyID, err)
	}

	now := deps.Now
	if now == nil {
		now = time.Now
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	group, groupCtx := errgroup.WithContext(runCtx)

	pipeline := &Pipeline{
		storyID:   storyID,
		dir:       dir,
		cfg:       cfg,
		resume:    resume,
		encoder:   encoder,
		publisher: deps.Publisher,
		onCommit:  deps.OnCommit,
		log:       deps.Log,
		now:       now,
		frames:    make(chan frame, cfg.QueueSize),
		runCtx:    runCtx,
		cancel:    cancel,
		group:     group,
		done:      make(chan struct{}),
		latest:    resume.StartSegment - 1,
	}

	group.Go(func() error { return pipeline.write(groupCtx) })
	group.Go(func() error { return pipeline.watch(groupCtx) })

	deps.Log.Info("Started pipeline for story %s at unit %d, segment %d", storyID, resume.FirstSequence, resume.StartSegment)

	return pipeline, nil
}

// StoryID returns the story this pipeline renders.
func (p *Pipeline) StoryID() string {
	return p.storyID
}

// Feed queues one unit of PCM. Units may arrive in any order; they reach the
// encoder in sequence order and units below the next expected sequence are
// dropped.
func (p *Pipeline) Feed(ctx context.Context, pcm []byte, sequence int, isFinal bool) error {
	err := audio.Validate(pcm)
	if err != nil {
		return fmt.Errorf("failed to feed unit %d of story %s: %w", sequence, p.storyID, err)
	}

	p.mu.Lock()
	fault, closed := p.fault, p.inputClosed
	p.mu.Unlock()

	if fault != nil {
		return fault
	}

	if closed {
		return fmt.Errorf("%w: story %s already ended", ErrClosed, p.storyID)
	}

	return p.enqueue(ctx, frame{pcm: pcm, sequence: sequence, final: isFinal})
}

// Skip marks a unit that carries no audio of its own, such as one whose
// content was already rendered elsewhere or whose text has nothing to speak.
// It commits in order like any unit.
func (p *Pipeline) Skip(ctx context.Context, sequence int, isFinal bool) error {
	return p.Feed(ctx, nil, sequence, isFinal)
}

func (p *Pipeline) enqueue(ctx context.Context, unit frame) error {
	sequence := unit.sequence

	timer := time.NewTimer(p.cfg.EnqueueTimeout)
	defer timer.Stop()

	select {
	case p.frames <- unit:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: story %s unit %d waited %s", ErrQueueFull, p.storyID, sequence, p.cfg.EnqueueTimeout)
	case <-ctx.Done():
		return fmt.Errorf("failed to feed unit %d of story %s: %w", sequence, p.storyID, ctx.Err())
	case <-p.runCtx.Done():
		return fmt.Errorf("%w: story %s torn down", ErrClosed, p.storyID)
	}
}

// Done is closed once the final unit is published with the end marker.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

// Healthy reports whether the pipeline can still make progress.
func (p *Pipeline) Healthy() bool {
	return p.Err() == nil
}

// Err returns the fault that made the pipeline unhealthy, if any.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.fault
}

// QueueDepth is the number of units waiting for the encoder.
func (p *Pipeline) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.frames) + p.parked
}

// LatestSegment is the highest published segment, or -1.
func (p *Pipeline) LatestSegment() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.latest
}

// ManifestPath is the local copy of the latest published manifest.
func (p *Pipeline) ManifestPath() string {
	return filepath.Join(p.dir, hls.ManifestName)
}

// InitPath is the encoder's init artifact.
func (p *Pipeline) InitPath() string {
	return filepath.Join(p.dir, hls.InitName)
}

// Close stops the pipeline, kills the encoder if it is still running and
// removes the working directory.
func (p *Pipeline) Close() error {
	var err error

	p.closeOnce.Do(func() {
		p.cancel()

		killErr := p.encoder.Kill()
		if killErr != nil {
			p.log.Warn("Failed to kill encoder of story %s: %v", p.storyID, killErr)
		}

		_ = p.group.Wait()

		err = os.RemoveAll(p.dir)
		if err != nil {
			err = fmt.Errorf("failed to remove working directory %s: %w", p.dir, err)
		}
	})

	return err
}

func (p *Pipeline) fail(err error) error {
	p.mu.Lock()
	if p.fault == nil {
		p.fault = fmt.Errorf("%w: story %s: %w", ErrPipelineFault, p.storyID, err)
	}
	fault := p.fault
	p.mu.Unlock()

	p.log.Error("Pipeline for story %s failed: %v", p.storyID, err)
	p.cancel()

	return fault
}

func (p *Pipeline) write(ctx context.Context) error {
	framer := audio.NewFramer(audio.Bytes(p.cfg.SegmentDuration))
	parked := map[int]frame{}
	next := p.resume.FirstSequence

	var previous []byte

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.encoder.Done():
			if ctx.Err() != nil {
				return nil
			}

			return p.fail(fmt.Errorf("encoder exited before the final unit: %w", p.encoder.Err()))
		case incoming := <-p.frames:
			if incoming.sequence < next {
				p.log.Warn("Dropping duplicate unit %d of story %s", incoming.sequence, p.storyID)

				continue
			}

			parked[incoming.sequence] = incoming

			for {
				unit, ok := parked[next]
				if !ok {
					break
				}

				delete(parked, next)
				next++

				var err error

				previous, err = p.writeUnit(unit, framer, previous)
				if err != nil {
					return p.fail(err)
				}

				if unit.final {
					p.setParked(0)

					return p.finish(ctx, framer)
				}
			}

			p.setParked(len(parked))
		}
	}
}

func (p *Pipeline) setParked(n int) {
	p.mu.Lock()
	p.parked = n
	p.mu.Unlock()
}

func (p *Pipeline) writeUnit(unit frame, framer *audio.Framer, previous []byte) ([]byte, error) {
	pcm := unit.pcm
	if len(pcm) == 0 {
		p.mu.Lock()
		p.units = append(p.units, unitMark{sequence: unit.sequence, end: p.written})
		p.mu.Unlock()

		return previous, nil
	}

	if p.cfg.Trim {
		pcm = audio.TrimSilence(pcm, p.cfg.TrimOptions)
	}

	if len(previous) > 0 {
		pcm = audio.Crossfade(previous, pcm, p.cfg.Crossfade)
	}

	for _, chunk := range framer.Push(pcm) {
		_, err := p.encoder.Write(chunk)
		if err != nil {
			return nil, fmt.Errorf("unit %d: %w", unit.sequence, err)
		}
	}

	p.mu.Lock()
	p.written += int64(len(pcm))
	p.units = append(p.units, unitMark{sequence: unit.sequence, end: p.written})
	p.mu.Unlock()

	tail := audio.Tail(pcm, p.cfg.Crossfade)

	return append([]byte(nil), tail...), nil
}

func (p *Pipeline) finish(ctx context.Context, framer *audio.Framer) error {
	rest := framer.Flush()
	if len(rest) > 0 {
		_, err := p.encoder.Write(rest)
		if err != nil {
			return p.fail(fmt.Errorf("final flush: %w", err))
		}
	}

	p.mu.Lock()
	p.inputClosed = true
	p.mu.Unlock()

	err := p.encoder.CloseInput()
	if err != nil {
		return p.fail(err)
	}

	timer := time.NewTimer(p.cfg.ShutdownTimeout)
	defer timer.Stop()

	select {
	case <-p.encoder.Done():
	case <-timer.C:
		_ = p.encoder.Kill()

		return p.fail(fmt.Errorf("encoder did not exit within %s", p.cfg.ShutdownTimeout))
	case <-ctx.Done():
		return nil
	}

	exitErr := p.encoder.Err()
	if exitErr != nil {
		return p.fail(exitErr)
	}

	p.mu.Lock()
	p.finished = true
	p.mu.Unlock()

	p.log.Info("Encoder for story %s finished", p.storyID)

	return nil
}
