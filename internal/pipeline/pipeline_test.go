package pipeline_test

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/book-expert/stream-worker/internal/audio"
	"github.com/book-expert/stream-worker/internal/core"
	"github.com/book-expert/stream-worker/internal/hls"
	"github.com/book-expert/stream-worker/internal/job"
	"github.com/book-expert/stream-worker/internal/pipeline"
	"github.com/book-expert/stream-worker/internal/publisher"
	"github.com/book-expert/stream-worker/internal/retry"
	"github.com/book-expert/stream-worker/internal/testsupport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	storyID     = "story-1"
	waitTimeout = 5 * time.Second
	pollTick    = 5 * time.Millisecond
)

type commitLog struct {
	mu      sync.Mutex
	commits []pipeline.Commit
}

func (c *commitLog) record(_ context.Context, commit pipeline.Commit) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.commits = append(c.commits, commit)

	return nil
}

func (c *commitLog) sequences() []int {
	c.mu.Lock()
	defer c.mu.Unlock()

	sequences := make([]int, 0, len(c.commits))
	for _, commit := range c.commits {
		sequences = append(sequences, commit.Sequence)
	}

	return sequences
}

type harness struct {
	store    *testsupport.MemoryObjectStore
	pub      *publisher.Publisher
	factory  *testsupport.EncoderFactory
	commits  *commitLog
	registry *pipeline.Registry
	cfg      pipeline.Config
	deps     pipeline.Deps
}

func newHarness(t *testing.T, factory *testsupport.EncoderFactory) *harness {
	t.Helper()

	log := testsupport.NewLogger(t)
	store := testsupport.NewMemoryObjectStore()
	pub := publisher.New(store, log, publisher.WithRetryPolicy(retry.Policy{Attempts: 1, Base: time.Millisecond}))
	commits := &commitLog{}
	registry := pipeline.NewRegistry(log)

	t.Cleanup(func() {
		registry.CloseAll()
		pub.Close()
	})

	return &harness{
		store:    store,
		pub:      pub,
		factory:  factory,
		commits:  commits,
		registry: registry,
		cfg: pipeline.Config{
			WorkDir:        t.TempDir(),
			Format:         job.FormatAAC,
			PollInterval:   pollTick,
			EnqueueTimeout: time.Second,
			Crossfade:      audio.DefaultCrossfade,
		},
		deps: pipeline.Deps{
			Encoders:  factory,
			Publisher: pub,
			OnCommit:  commits.record,
			Log:       log,
		},
	}
}

func (h *harness) start(t *testing.T, resume pipeline.Resume) *pipeline.Pipeline {
	t.Helper()

	p, created, err := h.registry.GetOrCreate(storyID, func() (*pipeline.Pipeline, error) {
		return pipeline.Start(context.Background(), storyID, h.cfg, resume, h.deps)
	})
	require.NoError(t, err)
	require.True(t, created)

	return p
}

func (h *harness) manifest(t *testing.T) string {
	t.Helper()

	object, ok := h.store.Object(publisher.ManifestKey(storyID))
	require.True(t, ok)

	return string(object.Data)
}

func tone(d time.Duration) []byte {
	pcm := make([]byte, audio.Bytes(d))
	for i := 0; i < len(pcm); i += 2 {
		pcm[i] = 0xe8
		pcm[i+1] = 0x03
	}

	return pcm
}

func waitDone(t *testing.T, p *pipeline.Pipeline) {
	t.Helper()

	select {
	case <-p.Done():
	case <-time.After(waitTimeout):
		t.Fatalf("pipeline for %s did not finish: %v", p.StoryID(), p.Err())
	}
}

func TestPipeline_FiveUnitsOneEncoderRun(t *testing.T) {
	t.Parallel()

	factory := &testsupport.EncoderFactory{}
	h := newHarness(t, factory)
	p := h.start(t, pipeline.Resume{})
	ctx := context.Background()

	for sequence := range 5 {
		require.NoError(t, p.Feed(ctx, tone(1500*time.Millisecond), sequence, sequence == 4))
	}

	waitDone(t, p)

	assert.Equal(t, 1, factory.Starts())
	assert.Equal(t, 1, factory.Encoder(0).CloseCount())
	assert.Equal(t, 1, strings.Count(h.manifest(t), hls.EndList))
	assert.Equal(t, []int{0, 1, 2, 3, 4}, h.commits.sequences())
	assert.Equal(t, 7, p.LatestSegment())

	for sequence := range 8 {
		_, ok := h.store.Object(publisher.SegmentKey(storyID, sequence))
		assert.True(t, ok, "segment %d", sequence)
	}

	_, ok := h.store.Object(publisher.InitKey(storyID))
	assert.True(t, ok)

	local, err := os.ReadFile(p.ManifestPath())
	require.NoError(t, err)
	assert.Equal(t, h.manifest(t), string(local))

	swept := h.registry.Sweep()
	require.Len(t, swept, 1)
	require.NoError(t, swept[0].Err)
	assert.Equal(t, 0, h.registry.Len())
	assert.NoDirExists(t, filepath.Join(h.cfg.WorkDir, storyID))
}

// orderCheckingStore fails the test's expectations whenever a manifest is
// written before a segment it references.
type orderCheckingStore struct {
	*testsupport.MemoryObjectStore

	mu         sync.Mutex
	manifests  int
	violations []string
}

func (o *orderCheckingStore) Put(ctx context.Context, object core.Object) error {
	if object.Key == publisher.ManifestKey(storyID) {
		playlist, err := hls.Parse(object.Data)
		if err != nil {
			return err
		}

		o.mu.Lock()
		o.manifests++

		for _, sequence := range playlist.Sequences() {
			_, ok := o.Object(publisher.SegmentKey(storyID, sequence))
			if !ok {
				o.violations = append(o.violations, hls.SegmentName(sequence))
			}
		}
		o.mu.Unlock()
	}

	return o.MemoryObjectStore.Put(ctx, object)
}

func TestPipeline_ManifestNeverAheadOfSegments(t *testing.T) {
	t.Parallel()

	log := testsupport.NewLogger(t)
	store := &orderCheckingStore{MemoryObjectStore: testsupport.NewMemoryObjectStore()}
	pub := publisher.New(store, log)
	t.Cleanup(pub.Close)

	p, err := pipeline.Start(context.Background(), storyID, pipeline.Config{
		WorkDir:      t.TempDir(),
		PollInterval: pollTick,
	}, pipeline.Resume{}, pipeline.Deps{Encoders: &testsupport.EncoderFactory{}, Publisher: pub, Log: log})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	ctx := context.Background()

	for sequence := range 6 {
		require.NoError(t, p.Feed(ctx, tone(700*time.Millisecond), sequence, sequence == 5))
	}

	waitDone(t, p)

	store.mu.Lock()
	defer store.mu.Unlock()

	assert.Positive(t, store.manifests)
	assert.Empty(t, store.violations)
}

func TestPipeline_ReordersUnits(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &testsupport.EncoderFactory{})
	p := h.start(t, pipeline.Resume{})
	ctx := context.Background()

	require.NoError(t, p.Feed(ctx, tone(time.Second), 2, true))
	require.NoError(t, p.Feed(ctx, tone(time.Second), 0, false))
	require.NoError(t, p.Feed(ctx, tone(time.Second), 0, false))
	require.NoError(t, p.Feed(ctx, tone(time.Second), 1, false))

	waitDone(t, p)

	assert.Equal(t, []int{0, 1, 2}, h.commits.sequences())
}

func TestPipeline_FeedAfterFinalIsRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &testsupport.EncoderFactory{})
	p := h.start(t, pipeline.Resume{})
	ctx := context.Background()

	require.NoError(t, p.Feed(ctx, tone(time.Second), 0, true))
	waitDone(t, p)

	err := p.Feed(ctx, tone(time.Second), 1, false)
	require.ErrorIs(t, err, pipeline.ErrClosed)
}

func TestPipeline_RejectsOddLengthPCM(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &testsupport.EncoderFactory{})
	p := h.start(t, pipeline.Resume{})

	err := p.Feed(context.Background(), []byte{1, 2, 3}, 0, false)
	require.ErrorIs(t, err, audio.ErrInvalidPCM)
}

func TestPipeline_QueueFull(t *testing.T) {
	t.Parallel()

	factory := &testsupport.EncoderFactory{BlockWrites: true}
	h := newHarness(t, factory)
	h.cfg.QueueSize = 1
	h.cfg.EnqueueTimeout = 20 * time.Millisecond
	p := h.start(t, pipeline.Resume{})
	ctx := context.Background()

	require.NoError(t, p.Feed(ctx, tone(time.Second), 0, false))

	require.Eventually(t, func() bool { return p.QueueDepth() == 0 }, waitTimeout, pollTick)

	require.NoError(t, p.Feed(ctx, tone(time.Second), 1, false))

	err := p.Feed(ctx, tone(time.Second), 2, false)
	require.ErrorIs(t, err, pipeline.ErrQueueFull)
}

func TestPipeline_EncoderCrashIsFault(t *testing.T) {
	t.Parallel()

	factory := &testsupport.EncoderFactory{}
	h := newHarness(t, factory)
	p := h.start(t, pipeline.Resume{})

	require.NoError(t, p.Feed(context.Background(), tone(time.Second), 0, false))
	factory.Encoder(0).Crash()

	require.Eventually(t, func() bool { return !p.Healthy() }, waitTimeout, pollTick)
	require.ErrorIs(t, p.Err(), pipeline.ErrPipelineFault)

	err := p.Feed(context.Background(), tone(time.Second), 1, false)
	require.ErrorIs(t, err, pipeline.ErrPipelineFault)

	swept := h.registry.Sweep()
	require.Len(t, swept, 1)
	assert.Equal(t, storyID, swept[0].StoryID)
	require.ErrorIs(t, swept[0].Err, pipeline.ErrPipelineFault)

	_, ok := h.registry.Get(storyID)
	assert.False(t, ok)
}

func TestPipeline_StalledQueueIsFault(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &testsupport.EncoderFactory{BlockWrites: true})
	h.cfg.StallDepth = 1
	h.cfg.StallDuration = 10 * time.Millisecond
	p := h.start(t, pipeline.Resume{})
	ctx := context.Background()

	for sequence := range 3 {
		require.NoError(t, p.Feed(ctx, tone(time.Second), sequence, false))
	}

	require.Eventually(t, func() bool { return !p.Healthy() }, waitTimeout, pollTick)
	require.ErrorIs(t, p.Err(), pipeline.ErrPipelineFault)
}

func TestPipeline_ResumeContinuesPublishedManifest(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &testsupport.EncoderFactory{})
	ctx := context.Background()

	prior := hls.Playlist{MapURI: hls.InitName}
	for sequence := range 3 {
		require.NoError(t, h.pub.UploadSegment(ctx, storyID, sequence, []byte("old")))
		prior.Segments = append(prior.Segments, hls.Segment{Sequence: sequence, Duration: 1, URI: hls.SegmentName(sequence)})
	}

	p := h.start(t, pipeline.Resume{FirstSequence: 5, StartSegment: 3, Prior: prior})

	require.NoError(t, p.Feed(ctx, tone(time.Second), 4, false))
	require.NoError(t, p.Feed(ctx, tone(2*time.Second), 5, true))

	waitDone(t, p)

	playlist, err := hls.Parse([]byte(h.manifest(t)))
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, playlist.Sequences())
	assert.True(t, playlist.Segments[3].Discontinuity)
	assert.True(t, playlist.Ended)
	assert.Equal(t, []int{5}, h.commits.sequences())
	assert.Equal(t, 1, strings.Count(h.manifest(t), "#EXT-X-DISCONTINUITY"))

	old, ok := h.store.Object(publisher.SegmentKey(storyID, 0))
	require.True(t, ok)
	assert.Equal(t, []byte("old"), old.Data)
}

func TestRegistry_GetOrCreateReturnsExisting(t *testing.T) {
	t.Parallel()

	factory := &testsupport.EncoderFactory{}
	h := newHarness(t, factory)
	first := h.start(t, pipeline.Resume{})

	second, created, err := h.registry.GetOrCreate(storyID, func() (*pipeline.Pipeline, error) {
		t.Fatal("create must not be called for a live story")

		return nil, nil
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, first, second)
	assert.Equal(t, []string{storyID}, h.registry.Stories())

	h.registry.Remove(storyID)
	assert.Equal(t, 0, h.registry.Len())
	assert.Equal(t, 1, factory.Starts())
}

func TestRegistry_SlowStartDoesNotBlockOtherStories(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &testsupport.EncoderFactory{})
	startFor := func(id string) func() (*pipeline.Pipeline, error) {
		return func() (*pipeline.Pipeline, error) {
			return pipeline.Start(context.Background(), id, h.cfg, pipeline.Resume{}, h.deps)
		}
	}

	release := make(chan struct{})
	entered := make(chan struct{})

	var creates atomic.Int32

	slow := func() (*pipeline.Pipeline, error) {
		creates.Add(1)
		close(entered)
		<-release

		return startFor("slow")()
	}

	type result struct {
		p       *pipeline.Pipeline
		created bool
		err     error
	}

	results := make(chan result, 2)

	go func() {
		p, created, err := h.registry.GetOrCreate("slow", slow)
		results <- result{p, created, err}
	}()

	<-entered

	go func() {
		p, created, err := h.registry.GetOrCreate("slow", slow)
		results <- result{p, created, err}
	}()

	fast, created, err := h.registry.GetOrCreate("fast", startFor("fast"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, []string{"fast"}, h.registry.Stories())

	_, ok := h.registry.Get("slow")
	assert.False(t, ok)

	close(release)

	first, second := <-results, <-results
	require.NoError(t, first.err)
	require.NoError(t, second.err)
	assert.Same(t, first.p, second.p)
	assert.NotEqual(t, first.created, second.created)
	assert.Equal(t, int32(1), creates.Load())
	assert.NotSame(t, fast, first.p)
	assert.Equal(t, []string{"fast", "slow"}, h.registry.Stories())
}

func TestRegistry_RemoveWhileStartingClosesPipeline(t *testing.T) {
	t.Parallel()

	factory := &testsupport.EncoderFactory{}
	h := newHarness(t, factory)
	release := make(chan struct{})
	entered := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		_, _, err := h.registry.GetOrCreate(storyID, func() (*pipeline.Pipeline, error) {
			close(entered)
			<-release

			return pipeline.Start(context.Background(), storyID, h.cfg, pipeline.Resume{}, h.deps)
		})
		done <- err
	}()

	<-entered
	h.registry.Remove(storyID)
	close(release)

	require.ErrorIs(t, <-done, pipeline.ErrClosed)
	assert.Equal(t, 0, h.registry.Len())
}

func TestFFmpegArgs(t *testing.T) {
	t.Parallel()

	args := pipeline.FFmpeg{}.Args(pipeline.EncoderConfig{
		Dir:             "/work/story",
		Format:          job.FormatOpus,
		SegmentDuration: time.Second,
		StartNumber:     7,
	})

	assert.Equal(t, "libopus", args[slices.Index(args, "-c:a")+1])
	assert.Equal(t, "64k", args[slices.Index(args, "-b:a")+1])
	assert.Equal(t, "7", args[slices.Index(args, "-start_number")+1])
	assert.Equal(t, "1", args[slices.Index(args, "-hls_time")+1])
	assert.Equal(t, "fmp4", args[slices.Index(args, "-hls_segment_type")+1])
	assert.Equal(t, "/work/story/segment_%05d.m4s", args[slices.Index(args, "-hls_segment_filename")+1])
	assert.Equal(t, "/work/story/playlist.m3u8", args[len(args)-1])
}

func TestPipeline_SkippedUnitCommitsInOrder(t *testing.T) {
	t.Parallel()

	factory := &testsupport.EncoderFactory{}
	h := newHarness(t, factory)
	p := h.start(t, pipeline.Resume{})
	ctx := context.Background()

	require.NoError(t, p.Feed(ctx, tone(time.Second), 0, false))
	require.NoError(t, p.Skip(ctx, 1, false))
	require.NoError(t, p.Feed(ctx, tone(time.Second), 2, true))

	waitDone(t, p)

	assert.Equal(t, []int{0, 1, 2}, h.commits.sequences())
	assert.Equal(t, 1, p.LatestSegment())
	assert.Contains(t, h.manifest(t), "#EXT-X-ENDLIST")
}
