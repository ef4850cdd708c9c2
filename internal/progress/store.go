// Package progress persists per-story progress records in a durable KV bucket.
// Every write is a compare-and-swap on the entry revision, which keeps
// last_sequence_written monotonic even with concurrent writers.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/stream-worker/internal/core"
)

// Status is the lifecycle state of a story.
type Status string

// Story statuses.
const (
	StatusQueued    Status = "queued"
	StatusStreaming Status = "streaming"
	StatusComplete  Status = "complete"
	StatusError     Status = "error"
)

// ModeStreaming is the only processing mode this worker writes.
const ModeStreaming = "streaming"

// DefaultRetention is how long a record is kept after its last update.
const DefaultRetention = 30 * 24 * time.Hour

const maxCASAttempts = 10

// ErrContention indicates the record kept changing under every CAS attempt.
var ErrContention = errors.New("progress record contention")

// Record is the durable progress of one story.
type Record struct {
	StoryID             string    `json:"story_id"`
	LastSequenceWritten int       `json:"last_sequence_written"`
	Status              Status    `json:"status"`
	ProcessingMode      string    `json:"processing_mode"`
	WorkerID            string    `json:"worker_id"`
	UpdatedAt           time.Time `json:"updated_at"`
	// TTL is the unix time after which the record may be discarded.
	TTL int64 `json:"ttl"`
}

// Store reads and writes progress records.
type Store struct {
	kv        core.KeyValue
	retention time.Duration
	now       func() time.Time
}

// New returns a Store. A zero retention uses DefaultRetention.
func New(kv core.KeyValue, retention time.Duration) *Store {
	if retention <= 0 {
		retention = DefaultRetention
	}

	return &Store{kv: kv, retention: retention, now: time.Now}
}

// Get returns the record and whether one exists.
func (s *Store) Get(ctx context.Context, storyID string) (Record, bool, error) {
	record, _, found, err := s.load(ctx, storyID)

	return record, found, err
}

// Advance moves last_sequence_written forward to sequence and marks the story
// streaming. A sequence at or below the stored one leaves the record unchanged.
func (s *Store) Advance(ctx context.Context, storyID string, sequence int, workerID string) (Record, error) {
	return s.mutate(ctx, storyID, func(record *Record, found bool) bool {
		if found && sequence <= record.LastSequenceWritten {
			return false
		}

		record.LastSequenceWritten = sequence
		record.Status = StatusStreaming
		record.WorkerID = workerID

		return true
	})
}

// SetStatus records a status change without touching the sequence pointer.
func (s *Store) SetStatus(ctx context.Context, storyID string, status Status, workerID string) (Record, error) {
	return s.mutate(ctx, storyID, func(record *Record, _ bool) bool {
		record.Status = status
		record.WorkerID = workerID

		return true
	})
}

func (s *Store) mutate(ctx context.Context, storyID string, apply func(record *Record, found bool) bool) (Record, error) {
	for range maxCASAttempts {
		record, revision, found, err := s.load(ctx, storyID)
		if err != nil {
			return Record{}, err
		}

		if !found {
			record = Record{StoryID: storyID, Status: StatusQueued, ProcessingMode: ModeStreaming}
		}

		if !apply(&record, found) {
			return record, nil
		}

		now := s.now().UTC()
		record.UpdatedAt = now
		record.TTL = now.Add(s.retention).Unix()

		value, err := json.Marshal(record)
		if err != nil {
			return Record{}, fmt.Errorf("failed to marshal progress for story %s: %w", storyID, err)
		}

		if found {
			_, err = s.kv.Update(ctx, storyID, value, revision)
		} else {
			_, err = s.kv.Create(ctx, storyID, value)
		}

		if err == nil {
			return record, nil
		}

		if errors.Is(err, core.ErrRevisionMismatch) || errors.Is(err, core.ErrKeyExists) {
			continue
		}

		return Record{}, fmt.Errorf("failed to write progress for story %s: %w", storyID, err)
	}

	return Record{}, fmt.Errorf("%w: story %s", ErrContention, storyID)
}

func (s *Store) load(ctx context.Context, storyID string) (Record, uint64, bool, error) {
	entry, err := s.kv.Get(ctx, storyID)
	if err != nil {
		if errors.Is(err, core.ErrKeyNotFound) {
			return Record{}, 0, false, nil
		}

		return Record{}, 0, false, fmt.Errorf("failed to read progress for story %s: %w", storyID, err)
	}

	var record Record

	err = json.Unmarshal(entry.Value, &record)
	if err != nil {
		return Record{}, 0, false, fmt.Errorf("failed to unmarshal progress for story %s: %w", storyID, err)
	}

	return record, entry.Revision, true, nil
}
