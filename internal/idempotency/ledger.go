// Package idempotency makes every synthesis unit safe to redeliver: a unit is
// skipped when its artifact is already in storage or its content hash was
// already marked processed.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/stream-worker/internal/core"
	"github.com/book-expert/stream-worker/internal/job"
)

// DefaultModelVersion is hashed into every key unless configured otherwise.
const DefaultModelVersion = "xtts-v2"

const keyLength = 32

// ArtifactLocator names the storage object that proves a unit was published.
type ArtifactLocator func(storyID string, sequence int) string

type marker struct {
	MarkedAt time.Time `json:"marked_at"`
}

// Ledger combines a durable KV marker set, an in-process session set and the
// object store's unit artifacts.
type Ledger struct {
	kv      core.KeyValue
	store   core.ObjectStore
	locate  ArtifactLocator
	log     *logger.Logger
	mu      sync.Mutex
	session map[string]struct{}
}

// New creates a Ledger.
func New(kv core.KeyValue, store core.ObjectStore, locate ArtifactLocator, log *logger.Logger) *Ledger {
	return &Ledger{
		kv:      kv,
		store:   store,
		locate:  locate,
		log:     log,
		session: map[string]struct{}{},
	}
}

// GenerateKey hashes model|voice|text|speed|format and keeps the first 32 hex
// characters. storyID and sequence are not hashed: identical content shares
// one key.
func GenerateKey(_ string, _ int, text, voiceID string, speed float64, format job.Format, modelVersion string) string {
	if modelVersion == "" {
		modelVersion = DefaultModelVersion
	}

	payload := strings.Join([]string{modelVersion, voiceID, text, formatSpeed(speed), string(format)}, "|")
	sum := sha256.Sum256([]byte(payload))

	return hex.EncodeToString(sum[:])[:keyLength]
}

// KeyFor computes the key of a job.
func KeyFor(j job.Job, modelVersion string) string {
	return GenerateKey(j.StoryID, j.Sequence, j.Text, j.VoiceID, j.Params.Speed, j.Params.Format, modelVersion)
}

// formatSpeed renders speed with at least one decimal, so 1 becomes "1.0".
func formatSpeed(speed float64) string {
	formatted := strconv.FormatFloat(speed, 'f', -1, 64)
	if !strings.Contains(formatted, ".") {
		formatted += ".0"
	}

	return formatted
}

// ShouldProcess reports false when the unit's artifact exists in storage, or
// key is marked in the durable ledger or the current session.
func (l *Ledger) ShouldProcess(ctx context.Context, storyID string, sequence int, key string) (bool, error) {
	exists, err := l.store.Exists(ctx, l.locate(storyID, sequence))
	if err != nil {
		return false, fmt.Errorf("failed to check artifact for %s:%d: %w", storyID, sequence, err)
	}

	if exists {
		l.log.Info("Artifact for %s:%d already published, skipping.", storyID, sequence)

		return false, nil
	}

	if l.inSession(key) {
		l.log.Info("Key %s already processed in this session, skipping %s:%d.", abbreviate(key), storyID, sequence)

		return false, nil
	}

	_, err = l.kv.Get(ctx, key)
	if err == nil {
		l.remember(key)
		l.log.Info("Key %s already marked processed, skipping %s:%d.", abbreviate(key), storyID, sequence)

		return false, nil
	}

	if !errors.Is(err, core.ErrKeyNotFound) {
		return false, fmt.Errorf("failed to read ledger key %s: %w", abbreviate(key), err)
	}

	return true, nil
}

// MarkProcessed persists the marker. Call it only after the unit's artifacts
// are durably published.
func (l *Ledger) MarkProcessed(ctx context.Context, key string) error {
	value, err := json.Marshal(marker{MarkedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal ledger marker: %w", err)
	}

	_, err = l.kv.Put(ctx, key, value)
	if err != nil {
		return fmt.Errorf("failed to mark key %s processed: %w", abbreviate(key), err)
	}

	l.remember(key)

	return nil
}

func (l *Ledger) inSession(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, ok := l.session[key]

	return ok
}

func (l *Ledger) remember(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.session[key] = struct{}{}
}

func abbreviate(key string) string {
	if len(key) <= 8 {
		return key
	}

	return key[:8] + "..."
}
