package scheduler

import "time"

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	ActiveStories    int           `json:"active_stories"`
	NewStories       int           `json:"new_stories"`
	RenderingStories int           `json:"rendering_stories"`
	CompletedStories int           `json:"completed_stories"`
	QueuedJobs       int           `json:"queued_jobs"`
	Cap              int           `json:"cap"`
	CapMin           int           `json:"cap_min"`
	CapMax           int           `json:"cap_max"`
	TTFAMean         time.Duration `json:"ttfa_mean"`
	TTFAP95          time.Duration `json:"ttfa_p95"`
	LeaseTimeout     time.Duration `json:"lease_timeout"`
}

// Healthy reports whether first-audio latency and backlog are within bounds.
func (s Stats) Healthy() bool {
	return s.TTFAP95 <= unhealthyTTFAP95 && s.QueuedJobs <= unhealthyQueuedJobs
}

// Stats returns the current counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.drainLocked()

	stats := Stats{
		Cap:              s.capacity,
		CapMin:           s.caps.Min,
		CapMax:           s.caps.Max,
		CompletedStories: s.completed,
		TTFAMean:         s.ttfa.mean(s.ttfa.len()),
		TTFAP95:          s.ttfa.percentile(0.95),
		LeaseTimeout:     s.leaseTimeoutLocked(),
	}

	for _, story := range s.stories {
		stats.QueuedJobs += len(story.pending)

		if story.activeRenders > 0 {
			stats.RenderingStories++
		}

		if story.phase == PhaseNew {
			stats.NewStories++
		} else {
			stats.ActiveStories++
		}
	}

	return stats
}
