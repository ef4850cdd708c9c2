package pipeline

import (
	"fmt"
	"sort"
	"sync"

	"github.com/book-expert/logger"
)

// Swept describes a pipeline removed by Sweep. Err is nil for a story that
// finished normally.
type Swept struct {
	StoryID string
	Err     error
}

// Registry owns the live pipelines, one per story.
type Registry struct {
	mu        sync.Mutex
	pipelines map[string]*Pipeline
	starting  map[string]chan struct{}
	log       *logger.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{pipelines: map[string]*Pipeline{}, starting: map[string]chan struct{}{}, log: log}
}

// GetOrCreate returns the story's pipeline, calling create if there is none.
// The boolean is true when the pipeline was created by this call. create runs
// outside the registry lock; concurrent callers for the same story wait for
// it and other stories are not held up.
func (r *Registry) GetOrCreate(storyID string, create func() (*Pipeline, error)) (*Pipeline, bool, error) {
	for {
		r.mu.Lock()

		existing, ok := r.pipelines[storyID]
		if ok {
			r.mu.Unlock()

			return existing, false, nil
		}

		pending, busy := r.starting[storyID]
		if !busy {
			ready := make(chan struct{})
			r.starting[storyID] = ready
			r.mu.Unlock()

			return r.start(storyID, ready, create)
		}

		r.mu.Unlock()

		// The other caller's create failed or finished; look again.
		<-pending
	}
}

func (r *Registry) start(storyID string, ready chan struct{}, create func() (*Pipeline, error)) (*Pipeline, bool, error) {
	defer close(ready)

	created, err := create()

	r.mu.Lock()
	// Remove or CloseAll drop the pending entry of a story being torn down.
	cancelled := r.starting[storyID] != ready
	if !cancelled {
		delete(r.starting, storyID)
	}

	if err == nil && !cancelled {
		r.pipelines[storyID] = created
	}
	r.mu.Unlock()

	if err != nil {
		return nil, false, err
	}

	if cancelled {
		r.close(created)

		return nil, false, fmt.Errorf("%w: story %s removed while starting", ErrClosed, storyID)
	}

	return created, true, nil
}

// Get returns the story's pipeline.
func (r *Registry) Get(storyID string) (*Pipeline, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.pipelines[storyID]

	return existing, ok
}

// Remove tears down and forgets the story's pipeline.
func (r *Registry) Remove(storyID string) {
	r.mu.Lock()
	existing, ok := r.pipelines[storyID]
	delete(r.pipelines, storyID)
	delete(r.starting, storyID)
	r.mu.Unlock()

	if ok {
		r.close(existing)
	}
}

// Sweep tears down every finished or unhealthy pipeline.
func (r *Registry) Sweep() []Swept {
	r.mu.Lock()

	var removed []*Pipeline

	for storyID, candidate := range r.pipelines {
		if candidate.Healthy() && !isClosed(candidate.Done()) {
			continue
		}

		removed = append(removed, candidate)
		delete(r.pipelines, storyID)
	}
	r.mu.Unlock()

	sort.Slice(removed, func(i, j int) bool { return removed[i].storyID < removed[j].storyID })

	swept := make([]Swept, 0, len(removed))

	for _, candidate := range removed {
		r.close(candidate)
		swept = append(swept, Swept{StoryID: candidate.storyID, Err: candidate.Err()})
	}

	return swept
}

// CloseAll tears down every pipeline.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := make([]*Pipeline, 0, len(r.pipelines))

	for storyID, existing := range r.pipelines {
		all = append(all, existing)
		delete(r.pipelines, storyID)
	}

	clear(r.starting)
	r.mu.Unlock()

	for _, existing := range all {
		r.close(existing)
	}
}

// Stories lists the stories with a live pipeline.
func (r *Registry) Stories() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	stories := make([]string, 0, len(r.pipelines))
	for storyID := range r.pipelines {
		stories = append(stories, storyID)
	}

	sort.Strings(stories)

	return stories
}

// Len is the number of live pipelines.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.pipelines)
}

func (r *Registry) close(existing *Pipeline) {
	err := existing.Close()
	if err != nil {
		r.log.Warn("Failed to close pipeline for story %s: %v", existing.storyID, err)
	}
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
