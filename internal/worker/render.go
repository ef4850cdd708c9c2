package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/book-expert/stream-worker/internal/core"
	"github.com/book-expert/stream-worker/internal/job"
	"github.com/book-expert/stream-worker/internal/pipeline"
	"github.com/book-expert/stream-worker/internal/progress"
	"github.com/book-expert/stream-worker/internal/publisher"
	"github.com/book-expert/stream-worker/internal/synth"
)

// render synthesizes one leased unit into its story's pipeline. The unit's
// deliveries stay held until the pipeline commits it.
func (w *Worker) render(ctx context.Context, j job.Job) {
	if !w.tracking(j.StoryID) {
		w.deps.Scheduler.Fail(j)

		return
	}

	stream, err := w.pipelineFor(ctx, j)
	if err != nil {
		w.release(j, err)

		return
	}

	should, err := w.deps.Ledger.ShouldProcess(ctx, j.StoryID, j.Sequence, j.IdempotencyKey)
	if err != nil {
		w.release(j, err)

		return
	}

	final := w.deps.Scheduler.IsFinal(j)

	if !should {
		w.skip(ctx, stream, j, final)

		return
	}

	started := w.opts.Now()

	synthCtx, cancel := context.WithTimeout(ctx, w.opts.SynthTimeout)
	pcm, err := w.deps.Synth.Synthesize(synthCtx, core.SynthesisRequest{
		Text:     j.Text,
		VoiceID:  j.VoiceID,
		Language: j.Language,
		Speed:    j.Params.Speed,
	})

	cancel()

	elapsed := w.opts.Now().Sub(started)

	// Text that normalizes to nothing, such as a lone footnote marker,
	// commits silent and is never retried.
	if errors.Is(err, synth.ErrTextEmpty) {
		w.deps.Log.Warn("Unit %s has no speakable text, committing it silent", j.ID())
		w.skip(ctx, stream, j, final)

		return
	}

	if errors.Is(err, synth.ErrMalformedVoiceReference) {
		w.reject(ctx, j, err)

		return
	}

	if err != nil {
		w.release(j, err)

		return
	}

	err = stream.Feed(ctx, pcm, j.Sequence, final)
	if err != nil {
		w.release(j, err)

		return
	}

	w.deps.Scheduler.Complete(j, elapsed)
}

// skip commits a unit without audio of its own in sequence order.
func (w *Worker) skip(ctx context.Context, stream *pipeline.Pipeline, j job.Job, final bool) {
	err := stream.Skip(ctx, j.Sequence, final)
	if err != nil {
		w.release(j, err)

		return
	}

	w.unitsSkipped.Add(1)
	// A skipped unit adds nothing to the story's buffer.
	w.deps.Scheduler.Complete(j, w.opts.Pipeline.SegmentDuration)
}

// pipelineFor returns the story's pipeline, starting it where published
// storage ends.
func (w *Worker) pipelineFor(ctx context.Context, j job.Job) (*pipeline.Pipeline, error) {
	stream, created, err := w.registry.GetOrCreate(j.StoryID, func() (*pipeline.Pipeline, error) {
		if w.opts.EncoderCheck != nil {
			checkErr := w.opts.EncoderCheck()
			if checkErr != nil {
				return nil, checkErr
			}
		}

		plan, planErr := w.deps.Coordinator.Plan(ctx, j.StoryID)
		if planErr != nil {
			return nil, planErr
		}

		cfg := w.opts.Pipeline
		cfg.Format = j.Params.Format

		return pipeline.Start(ctx, j.StoryID, cfg, plan, pipeline.Deps{
			Encoders:  w.deps.Encoders,
			Publisher: w.deps.Publisher,
			OnCommit:  w.commit,
			Log:       w.deps.Log,
			Now:       w.opts.Now,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start pipeline for story %s: %w", j.StoryID, err)
	}

	if created {
		_, err = w.deps.Progress.SetStatus(ctx, j.StoryID, progress.StatusStreaming, w.deps.Coordinator.WorkerID())
		if err != nil {
			w.deps.Log.Warn("Failed to mark story %s streaming: %v", j.StoryID, err)
		}
	}

	return stream, nil
}

// release frees the unit's render slot and hands its deliveries back to the
// queue after the nak delay. The unit is never marked processed.
func (w *Worker) release(j job.Job, cause error) {
	w.deps.Scheduler.Fail(j)
	w.deps.Log.Warn("Unit %s failed, returning it to the queue: %v", j.ID(), cause)

	for _, delivery := range w.take(j.ID()) {
		settle(w.deps.Log, delivery, "release", w.nak)
	}
}

// reject terminates a unit that can never be synthesized. The story cannot
// continue past it, so it is abandoned.
func (w *Worker) reject(ctx context.Context, j job.Job, cause error) {
	w.deps.Scheduler.Fail(j)
	w.deps.Log.Error("Unit %s can never be synthesized: %v", j.ID(), cause)

	for _, delivery := range w.take(j.ID()) {
		settle(w.deps.Log, delivery, "terminate", core.Delivery.Term)
	}

	w.abandon(ctx, j.StoryID, cause)
}

// commit runs for every unit whose audio is published, in sequence order:
// receipt, ledger marker, progress, then the queue acknowledgement.
func (w *Worker) commit(ctx context.Context, c pipeline.Commit) error {
	w.mu.Lock()

	var key string
	if run, ok := w.stories[c.StoryID]; ok {
		key = run.keys[c.Sequence]
	}
	w.mu.Unlock()

	err := w.deps.Publisher.UploadReceipt(ctx, publisher.Receipt{
		StoryID:        c.StoryID,
		Sequence:       c.Sequence,
		IdempotencyKey: key,
		LastSegment:    c.LastSegment,
		WorkerID:       w.deps.Coordinator.WorkerID(),
		PublishedAt:    w.opts.Now().UTC(),
	})
	if err != nil {
		return err
	}

	if key != "" {
		err = w.deps.Ledger.MarkProcessed(ctx, key)
		if err != nil {
			return err
		}
	}

	_, err = w.deps.Progress.Advance(ctx, c.StoryID, c.Sequence, w.deps.Coordinator.WorkerID())
	if err != nil {
		return err
	}

	w.mu.Lock()

	var deliveries []core.Delivery

	if run, ok := w.stories[c.StoryID]; ok {
		deliveries = run.held[c.Sequence]
		delete(run.held, c.Sequence)
		delete(run.keys, c.Sequence)
		run.committed = max(run.committed, c.Sequence)
	}
	w.mu.Unlock()

	for _, delivery := range deliveries {
		settle(w.deps.Log, delivery, "acknowledge", core.Delivery.Ack)
	}

	w.unitsCommitted.Add(1)

	return nil
}
