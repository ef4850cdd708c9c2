// Package publisher uploads a story's artifacts to the object store. Uploads
// for one story run strictly in submission order on a dedicated lane, and a
// manifest is only published once every segment it references is stored.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/stream-worker/internal/core"
	"github.com/book-expert/stream-worker/internal/hls"
	"github.com/book-expert/stream-worker/internal/retry"
	"github.com/google/uuid"
)

// Cache policies and content types of published artifacts.
const (
	SegmentCacheControl  = "public, max-age=31536000, immutable"
	SegmentContentType   = "video/mp4"
	ManifestCacheControl = "public, max-age=3, stale-while-revalidate=30"
	ManifestContentType  = "application/vnd.apple.mpegurl"
	ReceiptContentType   = "application/json"
)

const (
	unitsDir         = "units"
	receiptPattern   = "unit_%05d.json"
	laneQueueSize    = 64
	eventSource      = "stream-worker"
	errFmtSubmitLane = "failed to submit to lane for story %s: %w"
)

var (
	// ErrManifestAhead indicates a manifest referencing an unpublished segment.
	ErrManifestAhead = errors.New("manifest references unpublished segment")
	// ErrClosed indicates the publisher no longer accepts work.
	ErrClosed = errors.New("publisher closed")
)

// Receipt proves that every sample of a unit is inside published segments.
type Receipt struct {
	StoryID        string    `json:"story_id"`
	Sequence       int       `json:"sequence"`
	IdempotencyKey string    `json:"idempotency_key"`
	LastSegment    int       `json:"last_segment"`
	WorkerID       string    `json:"worker_id"`
	PublishedAt    time.Time `json:"published_at"`
}

// InitKey is the storage key of a story's init artifact.
func InitKey(storyID string) string {
	return path.Join(storyID, hls.InitName)
}

// SegmentKey is the storage key of one segment.
func SegmentKey(storyID string, sequence int) string {
	return path.Join(storyID, hls.SegmentName(sequence))
}

// ManifestKey is the storage key of a story's manifest.
func ManifestKey(storyID string) string {
	return path.Join(storyID, hls.ManifestName)
}

// ReceiptKey is the storage key of a unit receipt.
func ReceiptKey(storyID string, sequence int) string {
	return path.Join(storyID, unitsDir, fmt.Sprintf(receiptPattern, sequence))
}

type task struct {
	ctx    context.Context
	run    func(ctx context.Context) error
	result chan error
}

type lane struct {
	tasks chan task
	done  chan struct{}
}

// Publisher uploads artifacts with per-story ordering.
type Publisher struct {
	store     core.ObjectStore
	notifier  core.Notifier
	subject   string
	policy    retry.Policy
	log       *logger.Logger
	mu        sync.Mutex
	lanes     map[string]*lane
	published map[string]map[int]struct{}
	closed    bool
	wg        sync.WaitGroup
}

// Option customizes a Publisher.
type Option func(*Publisher)

// WithNotifier publishes an AudioChunkCreatedEvent on subject for every new
// segment.
func WithNotifier(notifier core.Notifier, subject string) Option {
	return func(p *Publisher) {
		p.notifier = notifier
		p.subject = subject
	}
}

// WithRetryPolicy overrides the upload retry policy.
func WithRetryPolicy(policy retry.Policy) Option {
	return func(p *Publisher) {
		p.policy = policy
	}
}

// New creates a Publisher.
func New(store core.ObjectStore, log *logger.Logger, opts ...Option) *Publisher {
	publisher := &Publisher{
		store:     store,
		policy:    retry.Default(),
		log:       log,
		lanes:     map[string]*lane{},
		published: map[string]map[int]struct{}{},
	}

	for _, opt := range opts {
		opt(publisher)
	}

	return publisher
}

// Submit queues fn on the story's lane. The returned channel receives fn's
// result once it has run. Different stories run concurrently.
func (p *Publisher) Submit(ctx context.Context, storyID string, fn func(ctx context.Context) error) <-chan error {
	result := make(chan error, 1)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		result <- ErrClosed

		return result
	}

	storyLane, ok := p.lanes[storyID]
	if !ok {
		storyLane = &lane{tasks: make(chan task, laneQueueSize), done: make(chan struct{})}
		p.lanes[storyID] = storyLane
		p.wg.Add(1)

		go p.runLane(storyLane)
	}
	p.mu.Unlock()

	select {
	case storyLane.tasks <- task{ctx: ctx, run: fn, result: result}:
	case <-ctx.Done():
		result <- fmt.Errorf(errFmtSubmitLane, storyID, ctx.Err())
	case <-storyLane.done:
		result <- fmt.Errorf(errFmtSubmitLane, storyID, ErrClosed)
	}

	return result
}

func (p *Publisher) runLane(storyLane *lane) {
	defer p.wg.Done()

	for {
		select {
		case next, ok := <-storyLane.tasks:
			if !ok {
				return
			}

			next.result <- next.run(next.ctx)
		case <-storyLane.done:
			p.drainLane(storyLane)

			return
		}
	}
}

// drainLane runs whatever was queued before the lane was closed.
func (p *Publisher) drainLane(storyLane *lane) {
	for {
		select {
		case next := <-storyLane.tasks:
			next.result <- next.run(next.ctx)
		default:
			return
		}
	}
}

// CloseStory stops the story's lane after its queued uploads finish and
// forgets the story's published set.
func (p *Publisher) CloseStory(storyID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	storyLane, ok := p.lanes[storyID]
	if ok {
		close(storyLane.done)
		delete(p.lanes, storyID)
	}

	delete(p.published, storyID)
}

// Close stops every lane and waits for queued uploads to finish.
func (p *Publisher) Close() {
	p.mu.Lock()
	p.closed = true

	for storyID, storyLane := range p.lanes {
		close(storyLane.done)
		delete(p.lanes, storyID)
	}
	p.mu.Unlock()

	p.wg.Wait()
}

// UploadInit stores the init artifact once per story.
func (p *Publisher) UploadInit(ctx context.Context, storyID string, data []byte) error {
	key := InitKey(storyID)

	exists, err := p.exists(ctx, key)
	if err != nil {
		return err
	}

	if exists {
		return nil
	}

	err = p.put(ctx, core.Object{
		Key:          key,
		Data:         data,
		ContentType:  SegmentContentType,
		CacheControl: SegmentCacheControl,
	})
	if err != nil {
		return fmt.Errorf("failed to upload init for story %s: %w", storyID, err)
	}

	return nil
}

// UploadSegment stores an immutable segment. A segment that already exists
// is never rewritten.
func (p *Publisher) UploadSegment(ctx context.Context, storyID string, sequence int, data []byte) error {
	key := SegmentKey(storyID, sequence)

	exists, err := p.exists(ctx, key)
	if err != nil {
		return err
	}

	if !exists {
		err = p.put(ctx, core.Object{
			Key:          key,
			Data:         data,
			ContentType:  SegmentContentType,
			CacheControl: SegmentCacheControl,
		})
		if err != nil {
			return fmt.Errorf("failed to upload segment %d for story %s: %w", sequence, storyID, err)
		}

		p.notify(storyID, sequence, key)
	}

	p.markPublished(storyID, sequence)

	return nil
}

// UpdateManifest publishes the manifest if every segment it references is
// already stored, and returns ErrManifestAhead otherwise.
func (p *Publisher) UpdateManifest(ctx context.Context, storyID string, data []byte) error {
	playlist, err := hls.Parse(data)
	if err != nil {
		return fmt.Errorf("failed to parse manifest for story %s: %w", storyID, err)
	}

	for _, sequence := range playlist.Sequences() {
		published, checkErr := p.isPublished(ctx, storyID, sequence)
		if checkErr != nil {
			return checkErr
		}

		if !published {
			return fmt.Errorf("%w: story %s segment %d", ErrManifestAhead, storyID, sequence)
		}
	}

	err = p.put(ctx, core.Object{
		Key:          ManifestKey(storyID),
		Data:         data,
		ContentType:  ManifestContentType,
		CacheControl: ManifestCacheControl,
	})
	if err != nil {
		return fmt.Errorf("failed to upload manifest for story %s: %w", storyID, err)
	}

	return nil
}

// UploadReceipt records that a unit is fully published.
func (p *Publisher) UploadReceipt(ctx context.Context, receipt Receipt) error {
	data, err := json.Marshal(receipt)
	if err != nil {
		return fmt.Errorf("failed to marshal receipt: %w", err)
	}

	key := ReceiptKey(receipt.StoryID, receipt.Sequence)

	err = p.put(ctx, core.Object{Key: key, Data: data, ContentType: ReceiptContentType})
	if err != nil {
		return fmt.Errorf("failed to upload receipt %s: %w", key, err)
	}

	return nil
}

// Receipt returns the receipt of one unit, if present.
func (p *Publisher) Receipt(ctx context.Context, storyID string, sequence int) (Receipt, bool, error) {
	key := ReceiptKey(storyID, sequence)

	data, err := p.store.Download(ctx, key)
	if err != nil {
		if errors.Is(err, core.ErrObjectNotFound) {
			return Receipt{}, false, nil
		}

		return Receipt{}, false, fmt.Errorf("failed to download receipt %s: %w", key, err)
	}

	var receipt Receipt

	err = json.Unmarshal(data, &receipt)
	if err != nil {
		return Receipt{}, false, fmt.Errorf("failed to decode receipt %s: %w", key, err)
	}

	return receipt, true, nil
}

// PublishedSegments lists the segment sequences stored for a story.
func (p *Publisher) PublishedSegments(ctx context.Context, storyID string) ([]int, error) {
	return p.listSequences(ctx, storyID+"/segment_", hls.SegmentSequence)
}

// PublishedUnits lists the unit sequences that have receipts.
func (p *Publisher) PublishedUnits(ctx context.Context, storyID string) ([]int, error) {
	return p.listSequences(ctx, path.Join(storyID, unitsDir)+"/", receiptSequence)
}

// Manifest returns the story's published manifest, if any.
func (p *Publisher) Manifest(ctx context.Context, storyID string) (hls.Playlist, bool, error) {
	data, err := p.store.Download(ctx, ManifestKey(storyID))
	if err != nil {
		if errors.Is(err, core.ErrObjectNotFound) {
			return hls.Playlist{}, false, nil
		}

		return hls.Playlist{}, false, fmt.Errorf("failed to download manifest for story %s: %w", storyID, err)
	}

	playlist, err := hls.Parse(data)
	if err != nil {
		return hls.Playlist{}, false, fmt.Errorf("failed to parse manifest for story %s: %w", storyID, err)
	}

	return playlist, true, nil
}

func (p *Publisher) listSequences(ctx context.Context, prefix string, parse func(string) (int, bool)) ([]int, error) {
	var names []string

	err := retry.Do(ctx, p.policy, func(ctx context.Context) error {
		var listErr error

		names, listErr = p.store.List(ctx, prefix)

		return listErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
	}

	sequences := make([]int, 0, len(names))

	for _, name := range names {
		sequence, ok := parse(name)
		if ok {
			sequences = append(sequences, sequence)
		}
	}

	sort.Ints(sequences)

	return sequences, nil
}

func receiptSequence(name string) (int, bool) {
	var sequence int

	_, err := fmt.Sscanf(path.Base(name), receiptPattern, &sequence)

	return sequence, err == nil
}

func (p *Publisher) put(ctx context.Context, object core.Object) error {
	return retry.Do(ctx, p.policy, func(ctx context.Context) error {
		return p.store.Put(ctx, object)
	})
}

func (p *Publisher) exists(ctx context.Context, key string) (bool, error) {
	var exists bool

	err := retry.Do(ctx, p.policy, func(ctx context.Context) error {
		var existsErr error

		exists, existsErr = p.store.Exists(ctx, key)

		return existsErr
	})
	if err != nil {
		return false, fmt.Errorf("failed to check %s: %w", key, err)
	}

	return exists, nil
}

func (p *Publisher) isPublished(ctx context.Context, storyID string, sequence int) (bool, error) {
	p.mu.Lock()
	_, known := p.published[storyID][sequence]
	p.mu.Unlock()

	if known {
		return true, nil
	}

	exists, err := p.exists(ctx, SegmentKey(storyID, sequence))
	if err != nil {
		return false, err
	}

	if exists {
		p.markPublished(storyID, sequence)
	}

	return exists, nil
}

func (p *Publisher) markPublished(storyID string, sequence int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	set, ok := p.published[storyID]
	if !ok {
		set = map[int]struct{}{}
		p.published[storyID] = set
	}

	set[sequence] = struct{}{}
}

// notify is best-effort: a failed notification never fails the upload.
func (p *Publisher) notify(storyID string, sequence int, key string) {
	if p.notifier == nil || p.subject == "" {
		return
	}

	event := events.AudioChunkCreatedEvent{
		Header: events.EventHeader{
			Timestamp:  time.Now(),
			WorkflowID: storyID,
			EventID:    uuid.NewString(),
			UserID:     "",
			TenantID:   eventSource,
		},
		AudioKey:   key,
		PageNumber: sequence,
		TotalPages: 0,
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn("Failed to marshal segment event for %s: %v", key, err)

		return
	}

	err = p.notifier.Publish(p.subject, data)
	if err != nil {
		p.log.Warn("Failed to publish segment event for %s: %v", key, err)
	}
}
