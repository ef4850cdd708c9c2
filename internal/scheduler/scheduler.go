// Package scheduler multiplexes many concurrent stories over a bounded number
// of accelerator render slots using two-phase round robin: first units of new
// stories go first, then the story with the lowest look-ahead buffer.
package scheduler

import (
	"sort"
	"sync"
	"time"

	"github.com/book-expert/stream-worker/internal/job"
)

// Phase is the lifecycle stage of a story inside the scheduler.
type Phase string

// Story phases.
const (
	PhaseNew       Phase = "new"
	PhaseBuffering Phase = "buffering"
	PhaseComplete  Phase = "complete"
)

// Defaults used when Options leaves a field zero.
const (
	DefaultBufferTarget    = 3 * time.Second
	DefaultSegmentDuration = time.Second
	DefaultLeaseFloor      = 30 * time.Second

	defaultP95           = 500 * time.Millisecond
	minP95Samples        = 10
	synthesisWindowSize  = 100
	ttfaWindowSize       = 100
	autoTuneSamples      = 10
	autoTuneHigh         = 1200 * time.Millisecond
	autoTuneLow          = 800 * time.Millisecond
	historySize          = 100
	unhealthyTTFAP95     = 1500 * time.Millisecond
	unhealthyQueuedJobs  = 100
	leaseTimeoutMultiple = 2
)

// Options configures a Scheduler.
type Options struct {
	Caps            CapRange
	AutoTune        bool
	BufferTarget    time.Duration
	SegmentDuration time.Duration
	LeaseFloor      time.Duration
	Now             func() time.Time
}

// StorySummary is kept for completed stories.
type StorySummary struct {
	StoryID     string
	Units       int
	TTFA        time.Duration
	CompletedAt time.Time
}

type storyState struct {
	id            string
	phase         Phase
	buffer        time.Duration
	firstRendered bool
	activeRenders int
	pending       []job.Job
	inFlight      map[int]struct{}
	rendered      map[int]struct{}
	arrivedAt     time.Time
	lastDrain     time.Time
	ttfa          time.Duration
	segments      int
	finalSeen     bool
	maxSequence   int
}

// Scheduler owns every StoryState. It is safe for concurrent use.
type Scheduler struct {
	mu              sync.Mutex
	caps            CapRange
	capacity        int
	autoTune        bool
	bufferTarget    time.Duration
	segmentDuration time.Duration
	leaseFloor      time.Duration
	now             func() time.Time
	stories         map[string]*storyState
	synthesis       *window
	ttfa            *window
	history         []StorySummary
	completed       int
}

// New returns a scheduler starting at the minimum of its cap range.
func New(opts Options) *Scheduler {
	if opts.Caps.Min <= 0 {
		opts.Caps = unknownCaps
	}

	if opts.Caps.Max < opts.Caps.Min {
		opts.Caps.Max = opts.Caps.Min
	}

	if opts.BufferTarget <= 0 {
		opts.BufferTarget = DefaultBufferTarget
	}

	if opts.SegmentDuration <= 0 {
		opts.SegmentDuration = DefaultSegmentDuration
	}

	if opts.LeaseFloor <= 0 {
		opts.LeaseFloor = DefaultLeaseFloor
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Scheduler{
		caps:            opts.Caps,
		capacity:        opts.Caps.Min,
		autoTune:        opts.AutoTune,
		bufferTarget:    opts.BufferTarget,
		segmentDuration: opts.SegmentDuration,
		leaseFloor:      opts.LeaseFloor,
		now:             opts.Now,
		stories:         map[string]*storyState{},
		synthesis:       newWindow(synthesisWindowSize),
		ttfa:            newWindow(ttfaWindowSize),
	}
}

// Add queues a job under its story, creating the story on first arrival.
// Pending jobs stay ordered by sequence and a duplicate pending identity
// replaces the older one. Add returns false when the unit is already
// rendering or rendered, in which case nothing is queued.
func (s *Scheduler) Add(j job.Job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.addLocked(j)
}

// AddBatch adds every job and returns how many were queued.
func (s *Scheduler) AddBatch(jobs []job.Job) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0

	for _, j := range jobs {
		if s.addLocked(j) {
			added++
		}
	}

	return added
}

func (s *Scheduler) addLocked(j job.Job) bool {
	story, ok := s.stories[j.StoryID]
	if !ok {
		now := s.now()
		story = &storyState{
			id:          j.StoryID,
			phase:       PhaseNew,
			inFlight:    map[int]struct{}{},
			rendered:    map[int]struct{}{},
			arrivedAt:   now,
			lastDrain:   now,
			maxSequence: -1,
		}
		s.stories[j.StoryID] = story
	}

	if _, busy := story.inFlight[j.Sequence]; busy {
		return false
	}

	if _, done := story.rendered[j.Sequence]; done {
		return false
	}

	if j.Sequence > story.maxSequence {
		story.maxSequence = j.Sequence
	}

	if j.IsFinal {
		story.finalSeen = true
	}

	index := sort.Search(len(story.pending), func(i int) bool {
		return story.pending[i].Sequence >= j.Sequence
	})
	if index < len(story.pending) && story.pending[index].Sequence == j.Sequence {
		story.pending[index] = j

		return true
	}

	story.pending = append(story.pending, job.Job{})
	copy(story.pending[index+1:], story.pending[index:])
	story.pending[index] = j

	return true
}

// Next picks the next job to render and marks it leased. Phase 1 serves the
// earliest-arrived story whose first unit is unrendered; phase 2 tops up the
// story with the lowest buffer below target. Both respect the cap on stories
// rendering at once.
func (s *Scheduler) Next() (string, job.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.drainLocked()

	if s.renderingStoriesLocked() >= s.capacity {
		return "", job.Job{}, false
	}

	var phaseOne []*storyState

	for _, story := range s.stories {
		if !story.firstRendered && story.phase != PhaseComplete && story.activeRenders == 0 && len(story.pending) > 0 {
			phaseOne = append(phaseOne, story)
		}
	}

	if len(phaseOne) > 0 {
		sort.Slice(phaseOne, func(i, j int) bool {
			if phaseOne[i].arrivedAt.Equal(phaseOne[j].arrivedAt) {
				return phaseOne[i].id < phaseOne[j].id
			}

			return phaseOne[i].arrivedAt.Before(phaseOne[j].arrivedAt)
		})

		return s.leaseLocked(phaseOne[0])
	}

	var phaseTwo []*storyState

	for _, story := range s.stories {
		if story.firstRendered && story.phase != PhaseComplete && story.buffer < s.bufferTarget && len(story.pending) > 0 {
			phaseTwo = append(phaseTwo, story)
		}
	}

	if len(phaseTwo) == 0 {
		return "", job.Job{}, false
	}

	sort.Slice(phaseTwo, func(i, j int) bool {
		if phaseTwo[i].buffer == phaseTwo[j].buffer {
			return phaseTwo[i].id < phaseTwo[j].id
		}

		return phaseTwo[i].buffer < phaseTwo[j].buffer
	})

	return s.leaseLocked(phaseTwo[0])
}

func (s *Scheduler) leaseLocked(story *storyState) (string, job.Job, bool) {
	next := story.pending[0]
	story.pending = story.pending[1:]
	story.inFlight[next.Sequence] = struct{}{}
	story.activeRenders++

	return story.id, next, true
}

// Complete records a finished render: it releases the slot, grows the buffer
// by segment duration minus synthesis time (never below zero), records TTFA
// for the first unit and marks the story complete when the unit is final.
func (s *Scheduler) Complete(j job.Job, synthesisTime time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	story, ok := s.stories[j.StoryID]
	if !ok {
		return
	}

	s.drainLocked()

	if _, leased := story.inFlight[j.Sequence]; leased {
		delete(story.inFlight, j.Sequence)
		story.activeRenders--
	}

	story.rendered[j.Sequence] = struct{}{}
	story.segments++
	s.synthesis.add(synthesisTime)

	gain := s.segmentDuration - min(synthesisTime, s.segmentDuration)
	story.buffer = max(0, story.buffer+gain)

	if !story.firstRendered {
		story.firstRendered = true
		story.ttfa = s.now().Sub(story.arrivedAt)
		s.recordTTFALocked(story.ttfa)
	}

	if story.phase == PhaseNew {
		story.phase = PhaseBuffering
	}

	if s.isFinalLocked(story, j.Sequence) {
		story.phase = PhaseComplete
	}
}

// Fail releases the render slot of a job whose synthesis failed and returns
// it so the caller can hand it back to the queue. The job is not re-queued.
func (s *Scheduler) Fail(j job.Job) job.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	story, ok := s.stories[j.StoryID]
	if !ok {
		return j
	}

	if _, leased := story.inFlight[j.Sequence]; leased {
		delete(story.inFlight, j.Sequence)
		story.activeRenders--
	}

	for i, pending := range story.pending {
		if pending.Sequence == j.Sequence {
			story.pending = append(story.pending[:i], story.pending[i+1:]...)

			break
		}
	}

	return j
}

// Remove drops a story and returns the jobs that were still pending for it.
func (s *Scheduler) Remove(storyID string) []job.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	story, ok := s.stories[storyID]
	if !ok {
		return nil
	}

	delete(s.stories, storyID)

	return story.pending
}

// IsFinal reports whether j ends its story: the final flag has been seen for
// the story and j carries the highest sequence seen so far.
func (s *Scheduler) IsFinal(j job.Job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	story, ok := s.stories[j.StoryID]
	if !ok {
		return j.IsFinal
	}

	return s.isFinalLocked(story, j.Sequence)
}

func (s *Scheduler) isFinalLocked(story *storyState, sequence int) bool {
	return story.finalSeen && sequence == story.maxSequence
}

// Buffer returns the current look-ahead buffer of a story.
func (s *Scheduler) Buffer(storyID string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.drainLocked()

	story, ok := s.stories[storyID]
	if !ok {
		return 0, false
	}

	return story.buffer, true
}

// StoryPhase returns the phase of a tracked story.
func (s *Scheduler) StoryPhase(storyID string) (Phase, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	story, ok := s.stories[storyID]
	if !ok {
		return "", false
	}

	return story.phase, true
}

// Cap returns the current concurrency cap.
func (s *Scheduler) Cap() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.capacity
}

// LeaseTimeout is max(floor, 2 x p95 synthesis time) over the rolling window.
func (s *Scheduler) LeaseTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.leaseTimeoutLocked()
}

func (s *Scheduler) leaseTimeoutLocked() time.Duration {
	p95 := defaultP95
	if s.synthesis.len() >= minP95Samples {
		p95 = s.synthesis.percentile(0.95)
	}

	return max(s.leaseFloor, leaseTimeoutMultiple*p95)
}

// History returns summaries of recently completed stories, oldest first.
func (s *Scheduler) History() []StorySummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]StorySummary(nil), s.history...)
}

// drainLocked consumes every buffer at wall-clock rate and retires complete
// stories whose buffer reached zero.
func (s *Scheduler) drainLocked() {
	now := s.now()

	for id, story := range s.stories {
		elapsed := now.Sub(story.lastDrain)
		story.lastDrain = now

		if elapsed > 0 {
			story.buffer = max(0, story.buffer-elapsed)
		}

		if story.phase == PhaseComplete && story.buffer == 0 && story.activeRenders == 0 {
			delete(s.stories, id)
			s.completed++
			s.history = append(s.history, StorySummary{
				StoryID:     id,
				Units:       story.segments,
				TTFA:        story.ttfa,
				CompletedAt: now,
			})

			if len(s.history) > historySize {
				s.history = s.history[len(s.history)-historySize:]
			}
		}
	}
}

func (s *Scheduler) renderingStoriesLocked() int {
	count := 0

	for _, story := range s.stories {
		if story.activeRenders > 0 {
			count++
		}
	}

	return count
}

func (s *Scheduler) recordTTFALocked(ttfa time.Duration) {
	s.ttfa.add(ttfa)

	if !s.autoTune || s.ttfa.len() < autoTuneSamples {
		return
	}

	mean := s.ttfa.mean(autoTuneSamples)

	switch {
	case mean > autoTuneHigh && s.capacity > s.caps.Min:
		s.capacity--
	case mean < autoTuneLow && s.capacity < s.caps.Max:
		s.capacity++
	}
}
