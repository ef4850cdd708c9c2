package worker

import (
	"context"
	"errors"
	"time"

	"github.com/book-expert/stream-worker/internal/core"
	"github.com/book-expert/stream-worker/internal/progress"
	"github.com/book-expert/stream-worker/internal/resume"
)

// heartbeat extends the lease of every held delivery, refreshes story
// claims and keeps the queue's ack wait in line with synthesis latency.
func (w *Worker) heartbeat(ctx context.Context) error {
	ticker := time.NewTicker(w.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		w.beat(ctx)
	}
}

func (w *Worker) beat(ctx context.Context) {
	for _, delivery := range w.held() {
		settle(w.deps.Log, delivery, "extend", core.Delivery.InProgress)
	}

	for _, storyID := range w.deps.Coordinator.Refresh(ctx) {
		w.abandon(ctx, storyID, resume.ErrOwnershipConflict)
	}

	lease := w.deps.Scheduler.LeaseTimeout()

	w.mu.Lock()
	current := w.lease
	w.mu.Unlock()

	if lease == current {
		return
	}

	err := w.deps.Source.SetLeaseTimeout(ctx, lease)
	if err != nil {
		w.deps.Log.Warn("Failed to set lease timeout to %s: %v", lease, err)

		return
	}

	w.mu.Lock()
	w.lease = lease
	w.mu.Unlock()

	w.deps.Log.Info("Lease timeout set to %s", lease)
}

func (w *Worker) held() []core.Delivery {
	w.mu.Lock()
	defer w.mu.Unlock()

	var deliveries []core.Delivery

	for _, run := range w.stories {
		for _, unit := range run.held {
			deliveries = append(deliveries, unit...)
		}
	}

	return deliveries
}

// sweep tears down finished and faulted pipelines.
func (w *Worker) sweep(ctx context.Context) error {
	ticker := time.NewTicker(w.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		w.sweepOnce(ctx)
	}
}

func (w *Worker) sweepOnce(ctx context.Context) {
	for _, swept := range w.registry.Sweep() {
		if swept.Err != nil {
			w.abandon(ctx, swept.StoryID, swept.Err)

			continue
		}

		w.complete(ctx, swept.StoryID)
	}
}

// complete retires a story whose final unit is published.
func (w *Worker) complete(ctx context.Context, storyID string) {
	run := w.forget(storyID)
	w.deps.Publisher.CloseStory(storyID)

	if run != nil {
		// Only duplicates of committed units can be left.
		for _, deliveries := range run.held {
			for _, delivery := range deliveries {
				settle(w.deps.Log, delivery, "acknowledge", core.Delivery.Ack)
			}
		}
	}

	_, err := w.deps.Progress.SetStatus(ctx, storyID, progress.StatusComplete, w.deps.Coordinator.WorkerID())
	if err != nil {
		w.deps.Log.Warn("Failed to mark story %s complete: %v", storyID, err)
	}

	err = w.deps.Coordinator.Release(ctx, storyID)
	if err != nil {
		w.deps.Log.Warn("Failed to release story %s: %v", storyID, err)
	}

	w.deps.Log.Info("Story %s complete", storyID)
}

// abandon tears a story down before it completed. Its unpublished units go
// back to the queue, unless the story now belongs to another worker, in
// which case they are discarded.
func (w *Worker) abandon(ctx context.Context, storyID string, cause error) {
	w.registry.Remove(storyID)
	w.deps.Scheduler.Remove(storyID)
	w.deps.Publisher.CloseStory(storyID)

	run := w.forget(storyID)
	lost := errors.Is(cause, resume.ErrOwnershipConflict)

	if run != nil {
		for _, deliveries := range run.held {
			for _, delivery := range deliveries {
				if lost {
					settle(w.deps.Log, delivery, "acknowledge", core.Delivery.Ack)
				} else {
					settle(w.deps.Log, delivery, "release", w.nak)
				}
			}
		}
	}

	if lost {
		w.deps.Log.Warn("Story %s is owned by another worker, dropped it", storyID)

		return
	}

	w.deps.Log.Error("Story %s abandoned: %v", storyID, errors.Join(ErrStoryAbandoned, cause))

	_, err := w.deps.Progress.SetStatus(ctx, storyID, progress.StatusError, w.deps.Coordinator.WorkerID())
	if err != nil {
		w.deps.Log.Warn("Failed to mark story %s failed: %v", storyID, err)
	}

	err = w.deps.Coordinator.Release(ctx, storyID)
	if err != nil {
		w.deps.Log.Warn("Failed to release story %s: %v", storyID, err)
	}
}

func (w *Worker) forget(storyID string) *storyRun {
	w.mu.Lock()
	defer w.mu.Unlock()

	run := w.stories[storyID]
	delete(w.stories, storyID)

	return run
}
