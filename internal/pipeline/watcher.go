package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/book-expert/stream-worker/internal/audio"
	"github.com/book-expert/stream-worker/internal/hls"
)

const filePerm = 0o640

func (p *Pipeline) watch(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		stallErr := p.checkStall()
		if stallErr != nil {
			return p.fail(stallErr)
		}

		complete, err := p.scan(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			p.mu.Lock()
			p.uploadFailures++
			failures := p.uploadFailures
			p.mu.Unlock()

			p.log.Warn("Upload scan for story %s failed (%d/%d): %v", p.storyID, failures, p.cfg.MaxUploadFailures, err)

			if failures >= p.cfg.MaxUploadFailures {
				return p.fail(err)
			}

			continue
		}

		p.mu.Lock()
		p.uploadFailures = 0
		p.mu.Unlock()

		if complete {
			p.log.Info("Story %s fully published through segment %d", p.storyID, p.LatestSegment())
			close(p.done)

			return nil
		}
	}
}

// checkStall reports a queue that stayed above the stall depth for longer
// than the stall duration.
func (p *Pipeline) checkStall() error {
	depth := p.QueueDepth()

	p.mu.Lock()
	defer p.mu.Unlock()

	if depth <= p.cfg.StallDepth {
		p.stallSince = time.Time{}

		return nil
	}

	now := p.now()
	if p.stallSince.IsZero() {
		p.stallSince = now

		return nil
	}

	if now.Sub(p.stallSince) > p.cfg.StallDuration {
		return fmt.Errorf("%d units queued for longer than %s", depth, p.cfg.StallDuration)
	}

	return nil
}

// scan publishes every newly completed segment, then the manifest, then
// commits the units they cover. It returns true once the final manifest is
// published and every unit is committed.
func (p *Pipeline) scan(ctx context.Context) (bool, error) {
	p.mu.Lock()
	finished := p.finished
	p.mu.Unlock()

	playlist, err := p.readEncoderPlaylist(finished)
	if err != nil {
		return false, err
	}

	ready := p.completedSegments(playlist, finished)

	published, err := p.publishSegments(ctx, ready)
	if err != nil {
		return false, err
	}

	allPublished := finished && p.LatestSegment() == lastSequence(playlist, p.resume.StartSegment-1)

	if published > 0 || (allPublished && !p.endPublished()) {
		err = p.publishManifest(ctx, allPublished)
		if err != nil {
			return false, err
		}
	}

	committed, err := p.commitUnits(ctx, allPublished)
	if err != nil {
		return false, err
	}

	return allPublished && committed && p.endPublished(), nil
}

func (p *Pipeline) readEncoderPlaylist(finished bool) (hls.Playlist, error) {
	data, err := os.ReadFile(filepath.Join(p.dir, EncoderPlaylist))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if finished {
				// The encoder produced nothing: the story is empty.
				return hls.Playlist{MapURI: hls.InitName, Ended: true}, nil
			}

			return hls.Playlist{}, nil
		}

		return hls.Playlist{}, fmt.Errorf("failed to read encoder playlist: %w", err)
	}

	playlist, err := hls.Parse(data)
	if err != nil {
		return hls.Playlist{}, fmt.Errorf("failed to parse encoder playlist: %w", err)
	}

	return playlist, nil
}

// completedSegments returns the listed segments that the encoder has moved
// past, or all of them once it has exited.
func (p *Pipeline) completedSegments(playlist hls.Playlist, finished bool) []hls.Segment {
	ready := make([]hls.Segment, 0, len(playlist.Segments))

	for _, segment := range playlist.Segments {
		if !finished && !p.fileExists(hls.SegmentName(segment.Sequence+1)) {
			break
		}

		ready = append(ready, segment)
	}

	return ready
}

func (p *Pipeline) publishSegments(ctx context.Context, ready []hls.Segment) (int, error) {
	published := 0

	for _, segment := range ready {
		if segment.Sequence <= p.LatestSegment() {
			continue
		}

		err := p.ensureInit(ctx)
		if err != nil {
			return published, err
		}

		data, err := os.ReadFile(filepath.Join(p.dir, hls.SegmentName(segment.Sequence)))
		if err != nil {
			return published, fmt.Errorf("failed to read segment %d: %w", segment.Sequence, err)
		}

		err = <-p.publisher.Submit(ctx, p.storyID, func(ctx context.Context) error {
			return p.publisher.UploadSegment(ctx, p.storyID, segment.Sequence, data)
		})
		if err != nil {
			return published, err
		}

		p.mu.Lock()
		p.latest = segment.Sequence
		p.publishedBytes += int64(math.Round(segment.Duration * audio.BytesPerSecond))
		p.current = append(p.current, hls.Segment{
			Sequence: segment.Sequence,
			Duration: segment.Duration,
			URI:      hls.SegmentName(segment.Sequence),
		})
		p.mu.Unlock()

		published++
	}

	return published, nil
}

func (p *Pipeline) ensureInit(ctx context.Context) error {
	p.mu.Lock()
	uploaded := p.initUploaded
	p.mu.Unlock()

	if uploaded {
		return nil
	}

	data, err := os.ReadFile(p.InitPath())
	if err != nil {
		return fmt.Errorf("failed to read init artifact: %w", err)
	}

	err = <-p.publisher.Submit(ctx, p.storyID, func(ctx context.Context) error {
		return p.publisher.UploadInit(ctx, p.storyID, data)
	})
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.initUploaded = true
	p.mu.Unlock()

	return nil
}

func (p *Pipeline) publishManifest(ctx context.Context, ended bool) error {
	p.mu.Lock()
	current := hls.Playlist{
		MediaSequence: p.resume.StartSegment,
		MapURI:        hls.InitName,
		Segments:      append([]hls.Segment(nil), p.current...),
		Ended:         ended,
	}
	p.mu.Unlock()

	data := hls.Continue(p.resume.Prior, current).Render()

	err := <-p.publisher.Submit(ctx, p.storyID, func(ctx context.Context) error {
		return p.publisher.UpdateManifest(ctx, p.storyID, data)
	})
	if err != nil {
		return err
	}

	err = os.WriteFile(p.ManifestPath(), data, filePerm)
	if err != nil {
		return fmt.Errorf("failed to write local manifest: %w", err)
	}

	return nil
}

// endPublished reports whether the local manifest copy carries the end
// marker, which is only written after the final manifest was uploaded.
func (p *Pipeline) endPublished() bool {
	data, err := os.ReadFile(p.ManifestPath())
	if err != nil {
		return false
	}

	playlist, err := hls.Parse(data)

	return err == nil && playlist.Ended
}

// commitUnits reports, in order, the units whose last byte is covered by
// published audio. Once the encoder has exited and everything is published
// the remaining units are committed regardless of rounding in segment
// durations. It returns true when no written unit is left uncommitted.
func (p *Pipeline) commitUnits(ctx context.Context, allPublished bool) (bool, error) {
	for {
		p.mu.Lock()
		if len(p.units) == 0 {
			p.mu.Unlock()

			return true, nil
		}

		unit := p.units[0]
		covered := p.publishedBytes
		latest := p.latest
		p.mu.Unlock()

		if !allPublished && unit.end > covered {
			return false, nil
		}

		if p.onCommit != nil {
			err := p.onCommit(ctx, Commit{StoryID: p.storyID, Sequence: unit.sequence, LastSegment: latest})
			if err != nil {
				return false, fmt.Errorf("failed to commit unit %d: %w", unit.sequence, err)
			}
		}

		p.mu.Lock()
		p.units = p.units[1:]
		p.mu.Unlock()
	}
}

func (p *Pipeline) fileExists(name string) bool {
	_, err := os.Stat(filepath.Join(p.dir, name))

	return err == nil
}

func lastSequence(playlist hls.Playlist, fallback int) int {
	if len(playlist.Segments) == 0 {
		return fallback
	}

	return playlist.Segments[len(playlist.Segments)-1].Sequence
}
