// Package resume reconciles durable progress with what storage actually
// holds, guards story ownership across workers and watches the host for
// interruption notices.
package resume

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/stream-worker/internal/core"
	"github.com/book-expert/stream-worker/internal/hls"
	"github.com/book-expert/stream-worker/internal/pipeline"
	"github.com/book-expert/stream-worker/internal/progress"
	"github.com/book-expert/stream-worker/internal/publisher"
)

// Defaults for Options.
const (
	DefaultPollInterval = 5 * time.Second
	DefaultClaimTTL     = 2 * time.Minute
)

// Artifacts is the read side of published storage.
type Artifacts interface {
	PublishedUnits(ctx context.Context, storyID string) ([]int, error)
	PublishedSegments(ctx context.Context, storyID string) ([]int, error)
	Receipt(ctx context.Context, storyID string, sequence int) (publisher.Receipt, bool, error)
	Manifest(ctx context.Context, storyID string) (hls.Playlist, bool, error)
}

// Host reports interruption notices.
type Host interface {
	Interrupted(ctx context.Context) (bool, error)
}

// Options configures a Coordinator.
type Options struct {
	WorkerID     string
	PollInterval time.Duration
	ClaimTTL     time.Duration
	Now          func() time.Time
}

// Coordinator owns the resume protocol of one worker.
type Coordinator struct {
	progress  *progress.Store
	owners    core.KeyValue
	artifacts Artifacts
	host      Host
	log       *logger.Logger
	opts      Options

	mu          sync.Mutex
	owned       map[string]struct{}
	interrupted bool
}

// New creates a Coordinator.
func New(
	progressStore *progress.Store,
	owners core.KeyValue,
	artifacts Artifacts,
	host Host,
	log *logger.Logger,
	opts Options,
) *Coordinator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}

	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = DefaultClaimTTL
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Coordinator{
		progress:  progressStore,
		owners:    owners,
		artifacts: artifacts,
		host:      host,
		log:       log,
		opts:      opts,
		owned:     map[string]struct{}{},
	}
}

// WorkerID is the identity used for claims and progress records.
func (c *Coordinator) WorkerID() string {
	return c.opts.WorkerID
}

// Interrupted reports whether an interruption notice has been seen.
func (c *Coordinator) Interrupted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.interrupted
}

// Monitor polls the host until ctx ends or an interruption notice arrives.
// On a notice it calls onInterrupt, which must stop new pickup, and then
// snapshots every owned story.
func (c *Coordinator) Monitor(ctx context.Context, onInterrupt func()) error {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		interrupted, err := c.host.Interrupted(ctx)
		if err != nil {
			// Hosts without a metadata service never send notices.
			continue
		}

		if !interrupted {
			continue
		}

		c.mu.Lock()
		c.interrupted = true
		c.mu.Unlock()

		c.log.Warn("Interruption notice received, stopping pickup")

		if onInterrupt != nil {
			onInterrupt()
		}

		return c.Snapshot(context.WithoutCancel(ctx))
	}
}

// Snapshot writes each owned story's highest contiguous published unit into
// its progress record.
func (c *Coordinator) Snapshot(ctx context.Context) error {
	var firstErr error

	for _, storyID := range c.Owned() {
		units, err := c.artifacts.PublishedUnits(ctx, storyID)
		if err != nil {
			c.log.Error("Failed to list units of story %s for snapshot: %v", storyID, err)

			if firstErr == nil {
				firstErr = err
			}

			continue
		}

		contiguous := highestContiguous(units)
		if contiguous < 0 {
			continue
		}

		_, err = c.progress.Advance(ctx, storyID, contiguous, c.opts.WorkerID)
		if err != nil {
			c.log.Error("Failed to snapshot story %s at unit %d: %v", storyID, contiguous, err)

			if firstErr == nil {
				firstErr = err
			}

			continue
		}

		c.log.Info("Snapshot story %s at unit %d", storyID, contiguous)
	}

	return firstErr
}

// ResumePoint returns the first unit that still has to be rendered. Storage
// wins over the progress record: the scan starts at the higher of the two
// and walks down to the first unit with a receipt.
func (c *Coordinator) ResumePoint(ctx context.Context, storyID string) (int, error) {
	record, found, err := c.progress.Get(ctx, storyID)
	if err != nil {
		return 0, err
	}

	units, err := c.artifacts.PublishedUnits(ctx, storyID)
	if err != nil {
		return 0, fmt.Errorf("failed to list published units of story %s: %w", storyID, err)
	}

	if len(units) == 0 {
		return 0, nil
	}

	present := make(map[int]struct{}, len(units))
	for _, unit := range units {
		present[unit] = struct{}{}
	}

	top := units[len(units)-1]
	if found {
		top = max(top, record.LastSequenceWritten)
	}

	for sequence := top; sequence >= 0; sequence-- {
		if _, ok := present[sequence]; ok {
			return sequence + 1, nil
		}
	}

	return 0, nil
}

// Plan returns where a new encoder run for the story starts. New segments
// always follow the highest stored segment, and the prior manifest is cut
// back to the last segment of the last committed unit.
func (c *Coordinator) Plan(ctx context.Context, storyID string) (pipeline.Resume, error) {
	next, err := c.ResumePoint(ctx, storyID)
	if err != nil {
		return pipeline.Resume{}, err
	}

	segments, err := c.artifacts.PublishedSegments(ctx, storyID)
	if err != nil {
		return pipeline.Resume{}, fmt.Errorf("failed to list published segments of story %s: %w", storyID, err)
	}

	plan := pipeline.Resume{FirstSequence: next}
	if len(segments) > 0 {
		plan.StartSegment = segments[len(segments)-1] + 1
	}

	if next == 0 {
		return plan, nil
	}

	receipt, found, err := c.artifacts.Receipt(ctx, storyID, next-1)
	if err != nil {
		return pipeline.Resume{}, err
	}

	manifest, manifestFound, err := c.artifacts.Manifest(ctx, storyID)
	if err != nil {
		return pipeline.Resume{}, err
	}

	if !found || !manifestFound {
		return plan, nil
	}

	prior := hls.Playlist{MediaSequence: manifest.MediaSequence, MapURI: manifest.MapURI}

	for _, segment := range manifest.Segments {
		if segment.Sequence <= receipt.LastSegment {
			prior.Segments = append(prior.Segments, segment)
		}
	}

	plan.Prior = prior

	c.log.Info("Resuming story %s at unit %d, segment %d after %d published segments",
		storyID, plan.FirstSequence, plan.StartSegment, len(prior.Segments))

	return plan, nil
}

// Owned lists the stories this worker holds a claim on.
func (c *Coordinator) Owned() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	stories := make([]string, 0, len(c.owned))
	for storyID := range c.owned {
		stories = append(stories, storyID)
	}

	sort.Strings(stories)

	return stories
}

// highestContiguous returns the last unit of the unbroken run starting at 0,
// or -1.
func highestContiguous(sorted []int) int {
	highest := -1

	for _, unit := range sorted {
		if unit != highest+1 {
			break
		}

		highest = unit
	}

	return highest
}
