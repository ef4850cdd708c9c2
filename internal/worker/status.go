package worker

import (
	"context"
	"time"

	"github.com/book-expert/stream-worker/internal/health"
)

const synthCheckTimeout = 2 * time.Second

// Status implements health.Source.
func (w *Worker) Status(ctx context.Context) health.Status {
	status := health.Status{
		WorkerID:    w.deps.Coordinator.WorkerID(),
		Interrupted: w.deps.Coordinator.Interrupted(),
		Scheduler:   w.deps.Scheduler.Stats(),
		History:     w.deps.Scheduler.History(),
		Components:  map[string]health.ComponentStatus{},
	}

	if !w.started.IsZero() {
		status.Uptime = w.opts.Now().Sub(w.started).Round(time.Second)
	}

	encoder := health.ComponentStatus{Healthy: true}

	if w.opts.EncoderCheck != nil {
		err := w.opts.EncoderCheck()
		if err != nil {
			encoder = health.ComponentStatus{Detail: err.Error()}
		}
	}

	for _, storyID := range w.registry.Stories() {
		stream, ok := w.registry.Get(storyID)
		if !ok {
			continue
		}

		entry := health.PipelineStatus{
			StoryID:       storyID,
			Healthy:       stream.Healthy(),
			QueueDepth:    stream.QueueDepth(),
			LatestSegment: stream.LatestSegment(),
		}

		entry.Buffer, _ = w.deps.Scheduler.Buffer(storyID)

		if err := stream.Err(); err != nil {
			entry.Error = err.Error()
			encoder = health.ComponentStatus{Detail: "pipeline for story " + storyID + " failed"}
		}

		status.Pipelines = append(status.Pipelines, entry)
	}

	status.Components[health.ComponentEncoder] = encoder

	w.mu.Lock()
	fetchErr := w.fetchErr
	w.mu.Unlock()

	status.Components[health.ComponentQueue] = health.ComponentStatus{Healthy: true}
	if fetchErr != nil {
		status.Components[health.ComponentQueue] = health.ComponentStatus{Detail: fetchErr.Error()}
	}

	checkCtx, cancel := context.WithTimeout(ctx, synthCheckTimeout)
	defer cancel()

	status.Components[health.ComponentSynth] = health.ComponentStatus{Healthy: true}
	if err := w.deps.Synth.HealthCheck(checkCtx); err != nil {
		status.Components[health.ComponentSynth] = health.ComponentStatus{Detail: err.Error()}
	}

	status.Ready = w.pickup.Load() && status.Healthy()

	return status
}
