package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/book-expert/stream-worker/internal/audio"
	"github.com/book-expert/stream-worker/internal/core"
	"github.com/book-expert/stream-worker/internal/health"
	"github.com/book-expert/stream-worker/internal/hls"
	"github.com/book-expert/stream-worker/internal/idempotency"
	"github.com/book-expert/stream-worker/internal/job"
	"github.com/book-expert/stream-worker/internal/pipeline"
	"github.com/book-expert/stream-worker/internal/progress"
	"github.com/book-expert/stream-worker/internal/publisher"
	"github.com/book-expert/stream-worker/internal/resume"
	"github.com/book-expert/stream-worker/internal/retry"
	"github.com/book-expert/stream-worker/internal/scheduler"
	"github.com/book-expert/stream-worker/internal/synth"
	"github.com/book-expert/stream-worker/internal/testsupport"
	"github.com/book-expert/stream-worker/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitTimeout = 5 * time.Second
	tick        = 5 * time.Millisecond
	nakDelay    = 10 * time.Second
)

var errEngineBusy = errors.New("engine busy")

// fakeDelivery records how the worker settled it.
type fakeDelivery struct {
	data       []byte
	acks       atomic.Int32
	naks       atomic.Int32
	terms      atomic.Int32
	inProgress atomic.Int32

	mu        sync.Mutex
	nakDelays []time.Duration
}

func (d *fakeDelivery) Data() []byte { return d.data }

func (d *fakeDelivery) Ack() error {
	d.acks.Add(1)

	return nil
}

func (d *fakeDelivery) Nak(delay time.Duration) error {
	d.mu.Lock()
	d.nakDelays = append(d.nakDelays, delay)
	d.mu.Unlock()

	d.naks.Add(1)

	return nil
}

func (d *fakeDelivery) Term() error {
	d.terms.Add(1)

	return nil
}

func (d *fakeDelivery) InProgress() error {
	d.inProgress.Add(1)

	return nil
}

func (d *fakeDelivery) NumDelivered() uint64 { return 1 }

func (d *fakeDelivery) settled() int32 {
	return d.acks.Load() + d.naks.Load() + d.terms.Load()
}

// fakeSource hands out queued deliveries like a pull consumer.
type fakeSource struct {
	queue chan core.Delivery

	mu     sync.Mutex
	leases []time.Duration
}

func newFakeSource() *fakeSource {
	return &fakeSource{queue: make(chan core.Delivery, 100)}
}

func (s *fakeSource) Fetch(ctx context.Context, maxMessages int, wait time.Duration) ([]core.Delivery, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	var deliveries []core.Delivery

	select {
	case delivery := <-s.queue:
		deliveries = append(deliveries, delivery)
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, nil
	}

	for len(deliveries) < maxMessages {
		select {
		case delivery := <-s.queue:
			deliveries = append(deliveries, delivery)
		default:
			return deliveries, nil
		}
	}

	return deliveries, nil
}

func (s *fakeSource) SetLeaseTimeout(_ context.Context, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.leases = append(s.leases, timeout)

	return nil
}

func (s *fakeSource) lastLease() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.leases) == 0 {
		return 0
	}

	return s.leases[len(s.leases)-1]
}

func (s *fakeSource) push(t *testing.T, msg job.Message) *fakeDelivery {
	t.Helper()

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	delivery := &fakeDelivery{data: data}
	s.queue <- delivery

	return delivery
}

// fakeSynth returns a second of tone per call and can fail chosen texts.
type fakeSynth struct {
	calls atomic.Int32

	mu       sync.Mutex
	failures map[string]error
	healthy  error
}

func (s *fakeSynth) Synthesize(_ context.Context, req core.SynthesisRequest) ([]byte, error) {
	s.calls.Add(1)

	s.mu.Lock()
	err := s.failures[req.Text]
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}

	pcm := make([]byte, audio.Bytes(time.Second))
	for i := 0; i < len(pcm); i += 2 {
		pcm[i] = 0xe8
		pcm[i+1] = 0x03
	}

	return pcm, nil
}

func (s *fakeSynth) HealthCheck(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.healthy
}

func (s *fakeSynth) fail(text string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failures == nil {
		s.failures = map[string]error{}
	}

	s.failures[text] = err
}

type quietHost struct{}

func (quietHost) Interrupted(context.Context) (bool, error) { return false, nil }

// fixture shares durable state between workers, like a real deployment
// shares its buckets.
type fixture struct {
	source   *fakeSource
	synth    *fakeSynth
	encoders *testsupport.EncoderFactory
	store    *testsupport.MemoryObjectStore
	ledger   *testsupport.MemoryKeyValue
	owners   *testsupport.MemoryKeyValue
	progress *progress.Store
}

func newFixture() *fixture {
	return &fixture{
		source:   newFakeSource(),
		synth:    &fakeSynth{},
		encoders: &testsupport.EncoderFactory{},
		store:    testsupport.NewMemoryObjectStore(),
		ledger:   testsupport.NewMemoryKeyValue(),
		owners:   testsupport.NewMemoryKeyValue(),
		progress: progress.New(testsupport.NewMemoryKeyValue(), 0),
	}
}

type running struct {
	worker      *worker.Worker
	coordinator *resume.Coordinator
	stop        func()
}

func (f *fixture) start(t *testing.T, workerID string) *running {
	t.Helper()

	log := testsupport.NewLogger(t)
	pub := publisher.New(f.store, log, publisher.WithRetryPolicy(retry.Policy{Attempts: 1, Base: time.Millisecond}))
	coordinator := resume.New(f.progress, f.owners, pub, quietHost{}, log, resume.Options{
		WorkerID:     workerID,
		PollInterval: time.Hour,
	})

	w, err := worker.New(worker.Deps{
		Source:      f.source,
		Synth:       f.synth,
		Encoders:    f.encoders,
		Scheduler:   scheduler.New(scheduler.Options{Caps: scheduler.CapRange{Min: 2, Max: 2}}),
		Ledger:      idempotency.New(f.ledger, f.store, publisher.ReceiptKey, log),
		Progress:    f.progress,
		Coordinator: coordinator,
		Publisher:   pub,
		Log:         log,
	}, worker.Options{
		FetchWait:         20 * time.Millisecond,
		HeartbeatInterval: 20 * time.Millisecond,
		SweepInterval:     tick,
		NakDelay:          nakDelay,
		Pipeline: pipeline.Config{
			WorkDir:      t.TempDir(),
			PollInterval: tick,
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- w.Run(ctx)
	}()

	var once sync.Once

	stop := func() {
		once.Do(func() {
			cancel()

			select {
			case err := <-done:
				assert.NoError(t, err)
			case <-time.After(waitTimeout):
				t.Error("worker did not stop")
			}

			pub.Close()
		})
	}

	t.Cleanup(stop)

	return &running{worker: w, coordinator: coordinator, stop: stop}
}

func (f *fixture) status(t *testing.T, storyID string) progress.Status {
	t.Helper()

	record, found, err := f.progress.Get(context.Background(), storyID)
	require.NoError(t, err)

	if !found {
		return ""
	}

	return record.Status
}

// requireUnowned waits until no worker holds a claim on the story.
func (f *fixture) requireUnowned(t *testing.T, r *running, storyID string) {
	t.Helper()

	require.Eventually(t, func() bool {
		_, err := f.owners.Get(context.Background(), storyID)

		return errors.Is(err, core.ErrKeyNotFound) && len(r.coordinator.Owned()) == 0
	}, waitTimeout, tick)
}

func unit(storyID string, sequence int, text string, final bool) job.Message {
	seq := sequence

	return job.Message{
		StoryID: storyID,
		Seq:     &seq,
		Text:    text,
		VoiceID: "v1",
		Lang:    "en-US",
		Params:  job.Params{Speed: 1.0, Format: job.FormatAAC},
		IsFinal: final,
	}
}

func TestWorker_RendersStory(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.start(t, "w1")

	deliveries := []*fakeDelivery{
		f.source.push(t, unit("s1", 0, "It was dark.", false)),
		f.source.push(t, unit("s1", 1, "The rain fell.", false)),
		f.source.push(t, unit("s1", 2, "Morning came.", true)),
	}

	require.Eventually(t, func() bool { return f.status(t, "s1") == progress.StatusComplete }, waitTimeout, tick)

	for i, delivery := range deliveries {
		assert.Equal(t, int32(1), delivery.acks.Load(), "unit %d", i)
		assert.Equal(t, int32(1), delivery.settled(), "unit %d", i)
	}

	assert.Equal(t, int32(3), f.synth.calls.Load())
	assert.Equal(t, 1, f.encoders.Starts())

	record, _, err := f.progress.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, record.LastSequenceWritten)
	assert.Equal(t, "w1", record.WorkerID)

	for sequence := range 3 {
		_, ok := f.store.Object(publisher.ReceiptKey("s1", sequence))
		assert.True(t, ok, "receipt %d", sequence)
	}

	manifest, ok := f.store.Object(publisher.ManifestKey("s1"))
	require.True(t, ok)
	assert.Equal(t, 1, strings.Count(string(manifest.Data), hls.EndList))

	_, err = f.owners.Get(context.Background(), "s1")
	require.ErrorIs(t, err, core.ErrKeyNotFound)
}

func TestWorker_RedeliveredUnitIsAcknowledgedWithoutWork(t *testing.T) {
	t.Parallel()

	f := newFixture()
	first := f.start(t, "w1")

	msg := unit("s1", 0, "Hello.", true)
	msg.IdempotencyKey = "H"

	original := f.source.push(t, msg)

	require.Eventually(t, func() bool { return f.status(t, "s1") == progress.StatusComplete }, waitTimeout, tick)
	require.Equal(t, int32(1), original.acks.Load())
	require.Equal(t, int32(1), f.synth.calls.Load())

	puts := len(f.store.Puts())

	// Same worker.
	again := f.source.push(t, msg)
	require.Eventually(t, func() bool { return again.acks.Load() == 1 }, waitTimeout, tick)
	f.requireUnowned(t, first, "s1")

	first.stop()

	// Restarted worker with a fresh session.
	second := f.start(t, "w2")

	restarted := f.source.push(t, msg)
	require.Eventually(t, func() bool { return restarted.acks.Load() == 1 }, waitTimeout, tick)
	f.requireUnowned(t, second, "s1")

	assert.Equal(t, int32(1), f.synth.calls.Load())
	assert.Len(t, f.store.Puts(), puts)
	assert.Equal(t, 1, f.encoders.Starts())
	assert.Equal(t, int32(1), restarted.settled())
}

func TestWorker_MarkedUnitIsNotSynthesizedAgain(t *testing.T) {
	t.Parallel()

	f := newFixture()

	// A previous worker marked the unit but died before recording progress.
	msg := unit("s1", 0, "Hello.", true)
	j, err := job.FromMessage(msg)
	require.NoError(t, err)

	log := testsupport.NewLogger(t)
	ledger := idempotency.New(f.ledger, f.store, publisher.ReceiptKey, log)
	require.NoError(t, ledger.MarkProcessed(context.Background(), idempotency.KeyFor(j, idempotency.DefaultModelVersion)))

	f.start(t, "w1")

	delivery := f.source.push(t, msg)
	require.Eventually(t, func() bool { return f.status(t, "s1") == progress.StatusComplete }, waitTimeout, tick)

	assert.Equal(t, int32(0), f.synth.calls.Load())
	assert.Equal(t, int32(1), delivery.acks.Load())

	_, ok := f.store.Object(publisher.ReceiptKey("s1", 0))
	assert.True(t, ok)
}

func TestWorker_IdenticalContentIsNotSynthesizedTwice(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.start(t, "w1")

	f.source.push(t, unit("s1", 0, "Hello.", true))
	require.Eventually(t, func() bool { return f.status(t, "s1") == progress.StatusComplete }, waitTimeout, tick)

	duplicate := f.source.push(t, unit("s2", 0, "Hello.", true))
	require.Eventually(t, func() bool { return f.status(t, "s2") == progress.StatusComplete }, waitTimeout, tick)

	assert.Equal(t, int32(1), f.synth.calls.Load())
	assert.Equal(t, int32(1), duplicate.acks.Load())

	_, ok := f.store.Object(publisher.ReceiptKey("s2", 0))
	assert.True(t, ok)
}

func TestWorker_UnspeakableUnitIsCommittedSilent(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.synth.fail("[1]", synth.ErrTextEmpty)
	f.start(t, "w1")

	deliveries := []*fakeDelivery{
		f.source.push(t, unit("s1", 0, "It was dark.", false)),
		f.source.push(t, unit("s1", 1, "[1]", false)),
		f.source.push(t, unit("s1", 2, "Morning came.", true)),
	}

	require.Eventually(t, func() bool { return f.status(t, "s1") == progress.StatusComplete }, waitTimeout, tick)

	for i, delivery := range deliveries {
		assert.Equal(t, int32(1), delivery.acks.Load(), "unit %d", i)
		assert.Equal(t, int32(0), delivery.naks.Load(), "unit %d", i)
		assert.Equal(t, int32(0), delivery.terms.Load(), "unit %d", i)
	}

	_, ok := f.store.Object(publisher.ReceiptKey("s1", 1))
	assert.True(t, ok)
}

func TestWorker_MalformedUnitIsTerminated(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.start(t, "w1")

	delivery := &fakeDelivery{data: []byte(`{"story_id":"s1","seq":-1,"text":""}`)}
	f.source.queue <- delivery

	require.Eventually(t, func() bool { return delivery.terms.Load() == 1 }, waitTimeout, tick)
	assert.Equal(t, int32(1), delivery.settled())
	assert.Equal(t, int32(0), f.synth.calls.Load())
}

func TestWorker_SynthesisFailureIsReleased(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.synth.fail("Broken.", fmt.Errorf("%w: %w", synth.ErrSynthesis, errEngineBusy))
	f.start(t, "w1")

	delivery := f.source.push(t, unit("s1", 0, "Broken.", false))

	require.Eventually(t, func() bool { return delivery.naks.Load() == 1 }, waitTimeout, tick)
	assert.Equal(t, int32(0), delivery.acks.Load())

	delivery.mu.Lock()
	assert.Equal(t, []time.Duration{nakDelay}, delivery.nakDelays)
	delivery.mu.Unlock()

	keys, err := f.ledger.Keys(context.Background())
	require.NoError(t, err)
	assert.Empty(t, keys)

	_, ok := f.store.Object(publisher.ReceiptKey("s1", 0))
	assert.False(t, ok)
}

func TestWorker_MalformedVoiceReferenceFailsStory(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.synth.fail("Bad voice.", fmt.Errorf("%w: tensor shape", synth.ErrMalformedVoiceReference))
	f.start(t, "w1")

	delivery := f.source.push(t, unit("s1", 0, "Bad voice.", false))

	require.Eventually(t, func() bool { return delivery.terms.Load() == 1 }, waitTimeout, tick)
	require.Eventually(t, func() bool { return f.status(t, "s1") == progress.StatusError }, waitTimeout, tick)
	assert.Equal(t, int32(1), delivery.settled())
}

func TestWorker_OwnershipConflictDiscardsUnit(t *testing.T) {
	t.Parallel()

	f := newFixture()
	other := resume.New(f.progress, f.owners, publisher.New(f.store, testsupport.NewLogger(t)), quietHost{},
		testsupport.NewLogger(t), resume.Options{WorkerID: "w-other"})
	require.NoError(t, other.Claim(context.Background(), "s1"))

	f.start(t, "w1")

	delivery := f.source.push(t, unit("s1", 0, "Mine.", false))

	require.Eventually(t, func() bool { return delivery.acks.Load() == 1 }, waitTimeout, tick)
	assert.Equal(t, int32(0), f.synth.calls.Load())
	assert.Equal(t, 0, f.encoders.Starts())
}

func TestWorker_HeartbeatExtendsLeases(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.start(t, "w1")

	// Unit 1 waits for unit 0, which never arrives.
	delivery := f.source.push(t, unit("s1", 1, "Later.", false))

	require.Eventually(t, func() bool { return delivery.inProgress.Load() >= 2 }, waitTimeout, tick)
	assert.Equal(t, int32(0), delivery.settled())
	assert.Equal(t, scheduler.DefaultLeaseFloor, f.source.lastLease())
}

func TestWorker_Status(t *testing.T) {
	t.Parallel()

	f := newFixture()
	run := f.start(t, "w1")
	ctx := context.Background()

	f.source.push(t, unit("s1", 1, "Later.", false))

	require.Eventually(t, func() bool {
		return len(run.worker.Status(ctx).Pipelines) == 1
	}, waitTimeout, tick)

	status := run.worker.Status(ctx)
	assert.Equal(t, "w1", status.WorkerID)
	assert.True(t, status.Ready)
	assert.Equal(t, "s1", status.Pipelines[0].StoryID)
	assert.True(t, status.Components[health.ComponentSynth].Healthy)

	f.synth.mu.Lock()
	f.synth.healthy = errEngineBusy
	f.synth.mu.Unlock()

	status = run.worker.Status(ctx)
	assert.False(t, status.Ready)
	assert.Equal(t, errEngineBusy.Error(), status.Components[health.ComponentSynth].Detail)

	f.synth.mu.Lock()
	f.synth.healthy = nil
	f.synth.mu.Unlock()

	run.worker.StopPickup()
	assert.False(t, run.worker.Status(ctx).Ready)
}

func TestWorker_ShutdownReleasesHeldUnits(t *testing.T) {
	t.Parallel()

	f := newFixture()
	run := f.start(t, "w1")

	delivery := f.source.push(t, unit("s1", 1, "Later.", false))

	require.Eventually(t, func() bool { return len(run.coordinator.Owned()) == 1 }, waitTimeout, tick)
	require.Eventually(t, func() bool { return f.synth.calls.Load() == 1 }, waitTimeout, tick)

	run.stop()

	assert.Equal(t, int32(1), delivery.naks.Load())
	assert.Empty(t, run.coordinator.Owned())

	_, err := f.owners.Get(context.Background(), "s1")
	require.ErrorIs(t, err, core.ErrKeyNotFound)
}

func TestNew_RequiresDeps(t *testing.T) {
	t.Parallel()

	_, err := worker.New(worker.Deps{}, worker.Options{})
	require.ErrorIs(t, err, worker.ErrDepsMissing)
}
