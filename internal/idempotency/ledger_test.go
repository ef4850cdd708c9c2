package idempotency_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/book-expert/stream-worker/internal/core"
	"github.com/book-expert/stream-worker/internal/idempotency"
	"github.com/book-expert/stream-worker/internal/job"
	"github.com/book-expert/stream-worker/internal/kvstore"
	"github.com/book-expert/stream-worker/internal/testsupport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unitKey(storyID string, sequence int) string {
	return fmt.Sprintf("%s/units/unit_%05d.json", storyID, sequence)
}

func TestGenerateKey(t *testing.T) {
	t.Parallel()

	key := idempotency.GenerateKey("story", 1, "Hello world", "voice-123", 1.0, job.FormatAAC, "")
	assert.Equal(t, "c17f8320292b8c903af0535127707aa6", key)

	other := idempotency.GenerateKey("story", 1, "Hello world", "voice-123", 1.25, job.FormatOpus, "xtts-v2")
	assert.Equal(t, "2f76b5a540d7897e3f1b4f116812ad90", other)
}

func TestGenerateKey_IgnoresStoryAndSequence(t *testing.T) {
	t.Parallel()

	first := idempotency.GenerateKey("a", 1, "same", "v", 1.0, job.FormatAAC, "m")
	second := idempotency.GenerateKey("b", 9, "same", "v", 1.0, job.FormatAAC, "m")
	assert.Equal(t, first, second)

	changed := idempotency.GenerateKey("a", 1, "same", "v", 1.0, job.FormatAAC, "m2")
	assert.NotEqual(t, first, changed)
	assert.Len(t, first, 32)
}

func TestShouldProcess_ArtifactInStorage(t *testing.T) {
	t.Parallel()

	store := testsupport.NewMemoryObjectStore()
	ledger := idempotency.New(testsupport.NewMemoryKeyValue(), store, unitKey, testsupport.NewLogger(t))
	ctx := context.Background()

	ok, err := ledger.ShouldProcess(ctx, "s1", 3, "key")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.Put(ctx, core.Object{Key: unitKey("s1", 3), Data: []byte("{}")}))

	ok, err = ledger.ShouldProcess(ctx, "s1", 3, "key")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMarkProcessed_SurvivesRestart(t *testing.T) {
	t.Parallel()

	_, _, js := testsupport.StartNATS(t)
	ctx := context.Background()

	kv, err := kvstore.New(ctx, js, kvstore.BucketConfig{Bucket: "IDEMPOTENCY"})
	require.NoError(t, err)

	store := testsupport.NewMemoryObjectStore()
	log := testsupport.NewLogger(t)
	key := idempotency.GenerateKey("s1", 0, "Hello.", "v", 1.0, job.FormatAAC, "")

	first := idempotency.New(kv, store, unitKey, log)

	ok, err := first.ShouldProcess(ctx, "s1", 0, key)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, first.MarkProcessed(ctx, key))

	// A fresh ledger over the same bucket stands in for a restarted worker.
	restarted := idempotency.New(kv, store, unitKey, log)

	ok, err = restarted.ShouldProcess(ctx, "s1", 0, key)
	require.NoError(t, err)
	assert.False(t, ok)
}
