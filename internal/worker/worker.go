// Package worker runs the stream worker's main loop: it pulls synthesis
// units from the queue, schedules them across stories, renders them into
// per-story pipelines and settles queue deliveries once their audio is
// published.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/stream-worker/internal/core"
	"github.com/book-expert/stream-worker/internal/idempotency"
	"github.com/book-expert/stream-worker/internal/job"
	"github.com/book-expert/stream-worker/internal/pipeline"
	"github.com/book-expert/stream-worker/internal/progress"
	"github.com/book-expert/stream-worker/internal/publisher"
	"github.com/book-expert/stream-worker/internal/resume"
	"github.com/book-expert/stream-worker/internal/scheduler"
	"golang.org/x/sync/errgroup"
)

// Defaults for Options.
const (
	DefaultFetchBatch        = 10
	DefaultFetchWait         = 2 * time.Second
	DefaultIdleBackoff       = 50 * time.Millisecond
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultSweepInterval     = time.Second
	DefaultSynthTimeout      = 30 * time.Second
	DefaultNakDelay          = 10 * time.Second
)

var (
	// ErrDepsMissing indicates a worker built without a required collaborator.
	ErrDepsMissing = errors.New("worker dependency missing")
	// ErrStoryAbandoned is the cause recorded for units of a story torn down
	// before they were published.
	ErrStoryAbandoned = errors.New("story abandoned")
)

// Options tunes the main loop.
type Options struct {
	FetchBatch        int
	FetchWait         time.Duration
	IdleBackoff       time.Duration
	HeartbeatInterval time.Duration
	SweepInterval     time.Duration
	SynthTimeout      time.Duration
	NakDelay          time.Duration
	ModelVersion      string
	Pipeline          pipeline.Config
	// EncoderCheck reports whether new pipelines can start. Optional.
	EncoderCheck func() error
	Now          func() time.Time
}

func (o Options) withDefaults() Options {
	if o.FetchBatch <= 0 {
		o.FetchBatch = DefaultFetchBatch
	}

	if o.FetchWait <= 0 {
		o.FetchWait = DefaultFetchWait
	}

	if o.IdleBackoff <= 0 {
		o.IdleBackoff = DefaultIdleBackoff
	}

	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}

	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}

	if o.SynthTimeout <= 0 {
		o.SynthTimeout = DefaultSynthTimeout
	}

	if o.NakDelay <= 0 {
		o.NakDelay = DefaultNakDelay
	}

	if o.ModelVersion == "" {
		o.ModelVersion = idempotency.DefaultModelVersion
	}

	if o.Pipeline.SegmentDuration <= 0 {
		o.Pipeline.SegmentDuration = pipeline.DefaultSegmentDuration
	}

	if o.Now == nil {
		o.Now = time.Now
	}

	return o
}

// Deps are the worker's collaborators.
type Deps struct {
	Source      core.JobSource
	Synth       core.Synthesizer
	Encoders    pipeline.EncoderFactory
	Scheduler   *scheduler.Scheduler
	Ledger      *idempotency.Ledger
	Progress    *progress.Store
	Coordinator *resume.Coordinator
	Publisher   *publisher.Publisher
	Log         *logger.Logger
}

// storyRun is what the worker knows about a story it is rendering.
type storyRun struct {
	resumeFrom int
	committed  int
	held       map[int][]core.Delivery
	keys       map[int]string
}

// Worker is the main loop of one stream worker process.
type Worker struct {
	deps     Deps
	opts     Options
	registry *pipeline.Registry
	wake     chan struct{}
	pickup   atomic.Bool
	renders  sync.WaitGroup
	started  time.Time

	unitsCommitted atomic.Int64
	unitsSkipped   atomic.Int64

	mu       sync.Mutex
	stories  map[string]*storyRun
	lease    time.Duration
	fetchErr error
}

// New validates deps and builds a Worker.
func New(deps Deps, opts Options) (*Worker, error) {
	switch {
	case deps.Source == nil:
		return nil, fmt.Errorf("%w: job source", ErrDepsMissing)
	case deps.Synth == nil:
		return nil, fmt.Errorf("%w: synthesizer", ErrDepsMissing)
	case deps.Encoders == nil:
		return nil, fmt.Errorf("%w: encoder factory", ErrDepsMissing)
	case deps.Scheduler == nil || deps.Ledger == nil || deps.Progress == nil:
		return nil, fmt.Errorf("%w: scheduler, ledger and progress store are required", ErrDepsMissing)
	case deps.Coordinator == nil || deps.Publisher == nil || deps.Log == nil:
		return nil, fmt.Errorf("%w: coordinator, publisher and logger are required", ErrDepsMissing)
	}

	return &Worker{
		deps:     deps,
		opts:     opts.withDefaults(),
		registry: pipeline.NewRegistry(deps.Log),
		wake:     make(chan struct{}, 1),
		stories:  map[string]*storyRun{},
	}, nil
}

// Run starts the receiver, the control loop, the heartbeater, the sweeper
// and the interruption monitor, and blocks until ctx is done. On the way out
// it returns unpublished units to the queue, snapshots progress and releases
// every claim.
func (w *Worker) Run(ctx context.Context) error {
	w.started = w.opts.Now()
	w.pickup.Store(true)

	w.deps.Log.System("Worker %s started", w.deps.Coordinator.WorkerID())

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return w.receive(groupCtx) })
	group.Go(func() error { return w.control(groupCtx) })
	group.Go(func() error { return w.heartbeat(groupCtx) })
	group.Go(func() error { return w.sweep(groupCtx) })
	group.Go(func() error { return w.deps.Coordinator.Monitor(groupCtx, w.StopPickup) })

	err := group.Wait()

	w.shutdown(context.WithoutCancel(ctx))

	if err != nil {
		return fmt.Errorf("worker stopped: %w", err)
	}

	return nil
}

// StopPickup stops fetching and scheduling new units. Units already being
// rendered finish normally.
func (w *Worker) StopPickup() {
	if w.pickup.CompareAndSwap(true, false) {
		w.deps.Log.Warn("Worker %s stopped picking up new units", w.deps.Coordinator.WorkerID())
		w.signal()
	}
}

func (w *Worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// receive long-polls the queue and hands every delivery to accept.
func (w *Worker) receive(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		if !w.pickup.Load() {
			<-ctx.Done()

			return nil
		}

		deliveries, err := w.deps.Source.Fetch(ctx, w.opts.FetchBatch, w.opts.FetchWait)

		w.mu.Lock()
		w.fetchErr = err
		w.mu.Unlock()

		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			w.deps.Log.Warn("Failed to fetch units: %v", err)
			sleep(ctx, w.opts.FetchWait)

			continue
		}

		for _, delivery := range deliveries {
			w.accept(ctx, delivery)
		}

		if len(deliveries) > 0 {
			w.signal()
		}
	}
}

// accept validates a delivery, claims its story and queues it with the
// scheduler. The delivery is held until its unit is published or fails.
func (w *Worker) accept(ctx context.Context, delivery core.Delivery) {
	if !w.pickup.Load() {
		settle(w.deps.Log, delivery, "release", func(d core.Delivery) error { return d.Nak(0) })

		return
	}

	j, err := job.Parse(delivery.Data())
	if err != nil {
		w.deps.Log.Error("Rejecting malformed unit: %v", err)
		settle(w.deps.Log, delivery, "terminate", core.Delivery.Term)

		return
	}

	key := idempotency.KeyFor(j, w.opts.ModelVersion)
	if j.IdempotencyKey != "" && j.IdempotencyKey != key {
		w.deps.Log.Warn("Unit %s carries idempotency key %s, using computed key %s", j.ID(), j.IdempotencyKey, key)
	}

	j.IdempotencyKey = key

	err = w.deps.Coordinator.Claim(ctx, j.StoryID)
	if errors.Is(err, resume.ErrOwnershipConflict) {
		w.deps.Log.Warn("Discarding unit %s: %v", j.ID(), err)
		settle(w.deps.Log, delivery, "acknowledge", core.Delivery.Ack)

		return
	}

	if err != nil {
		w.deps.Log.Warn("Failed to claim story %s, returning unit %d: %v", j.StoryID, j.Sequence, err)
		settle(w.deps.Log, delivery, "release", w.nak)

		return
	}

	run, err := w.story(ctx, j.StoryID)
	if err != nil {
		w.deps.Log.Warn("Failed to find resume point of story %s: %v", j.StoryID, err)
		settle(w.deps.Log, delivery, "release", w.nak)

		return
	}

	w.mu.Lock()
	if j.Sequence < run.resumeFrom || j.Sequence <= run.committed {
		w.mu.Unlock()
		w.unitsSkipped.Add(1)
		w.deps.Log.Info("Unit %s is already published, acknowledging", j.ID())
		settle(w.deps.Log, delivery, "acknowledge", core.Delivery.Ack)
		w.retireIdle(ctx, j.StoryID)

		return
	}

	run.held[j.Sequence] = append(run.held[j.Sequence], delivery)
	run.keys[j.Sequence] = key
	w.mu.Unlock()

	// A unit already rendering keeps this delivery and settles it together
	// with the first one.
	w.deps.Scheduler.Add(j)
}

// story returns the run of a story, reading its resume point on first sight.
func (w *Worker) story(ctx context.Context, storyID string) (*storyRun, error) {
	w.mu.Lock()
	run, ok := w.stories[storyID]
	w.mu.Unlock()

	if ok {
		return run, nil
	}

	resumeFrom, err := w.deps.Coordinator.ResumePoint(ctx, storyID)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	run, ok = w.stories[storyID]
	if ok {
		return run, nil
	}

	run = &storyRun{
		resumeFrom: resumeFrom,
		committed:  -1,
		held:       map[int][]core.Delivery{},
		keys:       map[int]string{},
	}
	w.stories[storyID] = run

	if resumeFrom > 0 {
		w.deps.Log.Info("Story %s resumes at unit %d", storyID, resumeFrom)
	}

	return run, nil
}

// retireIdle drops a story that has no pipeline and no held units and gives
// up its claim, so a late duplicate of a finished story leaves it unowned.
func (w *Worker) retireIdle(ctx context.Context, storyID string) {
	if _, live := w.registry.Get(storyID); live {
		return
	}

	w.mu.Lock()
	run, ok := w.stories[storyID]
	if !ok || len(run.held) > 0 {
		w.mu.Unlock()

		return
	}

	delete(w.stories, storyID)
	w.mu.Unlock()

	err := w.deps.Coordinator.Release(ctx, storyID)
	if err != nil {
		w.deps.Log.Warn("Failed to release idle story %s: %v", storyID, err)
	}
}

func (w *Worker) tracking(storyID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	_, ok := w.stories[storyID]

	return ok
}

// control is the single scheduling path. Rendering runs off it.
func (w *Worker) control(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		if !w.pickup.Load() {
			<-ctx.Done()

			return nil
		}

		_, next, ok := w.deps.Scheduler.Next()
		if !ok {
			select {
			case <-ctx.Done():
			case <-w.wake:
			case <-time.After(w.opts.IdleBackoff):
			}

			continue
		}

		w.renders.Add(1)

		go func(j job.Job) {
			defer w.renders.Done()
			defer w.signal()

			w.render(ctx, j)
		}(next)
	}
}

// take removes and returns the held deliveries of a unit.
func (w *Worker) take(id job.Identity) []core.Delivery {
	w.mu.Lock()
	defer w.mu.Unlock()

	run, ok := w.stories[id.StoryID]
	if !ok {
		return nil
	}

	deliveries := run.held[id.Sequence]
	delete(run.held, id.Sequence)

	return deliveries
}

func (w *Worker) nak(delivery core.Delivery) error {
	return delivery.Nak(w.opts.NakDelay)
}

func (w *Worker) shutdown(ctx context.Context) {
	w.pickup.Store(false)
	w.renders.Wait()
	w.registry.CloseAll()

	w.mu.Lock()
	runs := w.stories
	w.stories = map[string]*storyRun{}
	w.mu.Unlock()

	for _, run := range runs {
		for _, deliveries := range run.held {
			for _, delivery := range deliveries {
				settle(w.deps.Log, delivery, "release", func(d core.Delivery) error { return d.Nak(0) })
			}
		}
	}

	err := w.deps.Coordinator.Snapshot(ctx)
	if err != nil {
		w.deps.Log.Warn("Failed to snapshot progress on shutdown: %v", err)
	}

	for _, storyID := range w.deps.Coordinator.Owned() {
		err = w.deps.Coordinator.Release(ctx, storyID)
		if err != nil {
			w.deps.Log.Warn("Failed to release story %s: %v", storyID, err)
		}
	}

	w.report()
}

// report logs the final metrics of the run.
func (w *Worker) report() {
	stats := w.deps.Scheduler.Stats()

	w.deps.Log.System(
		"Worker %s stopped after %s: %d stories completed, %d units committed, %d units skipped, TTFA mean %s p95 %s",
		w.deps.Coordinator.WorkerID(),
		w.opts.Now().Sub(w.started).Round(time.Second),
		stats.CompletedStories,
		w.unitsCommitted.Load(),
		w.unitsSkipped.Load(),
		stats.TTFAMean,
		stats.TTFAP95,
	)
}

// settle applies action to a delivery and logs a failure.
func settle(log *logger.Logger, delivery core.Delivery, name string, action func(core.Delivery) error) {
	err := action(delivery)
	if err != nil {
		log.Warn("Failed to %s delivery: %v", name, err)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
