package progress_test

import (
	"context"
	"sync"
	"testing"

	"github.com/book-expert/stream-worker/internal/kvstore"
	"github.com/book-expert/stream-worker/internal/progress"
	"github.com/book-expert/stream-worker/internal/testsupport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet_Missing(t *testing.T) {
	t.Parallel()

	store := progress.New(testsupport.NewMemoryKeyValue(), 0)

	_, found, err := store.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestAdvance_IsMonotonic(t *testing.T) {
	t.Parallel()

	store := progress.New(testsupport.NewMemoryKeyValue(), 0)
	ctx := context.Background()

	record, err := store.Advance(ctx, "s1", 4, "worker-a")
	require.NoError(t, err)
	assert.Equal(t, 4, record.LastSequenceWritten)
	assert.Equal(t, progress.StatusStreaming, record.Status)
	assert.Equal(t, progress.ModeStreaming, record.ProcessingMode)
	assert.Positive(t, record.TTL)

	record, err = store.Advance(ctx, "s1", 2, "worker-a")
	require.NoError(t, err)
	assert.Equal(t, 4, record.LastSequenceWritten)

	stored, found, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 4, stored.LastSequenceWritten)
	assert.Equal(t, "worker-a", stored.WorkerID)
}

func TestSetStatus(t *testing.T) {
	t.Parallel()

	store := progress.New(testsupport.NewMemoryKeyValue(), 0)
	ctx := context.Background()

	_, err := store.Advance(ctx, "s1", 7, "w")
	require.NoError(t, err)

	record, err := store.SetStatus(ctx, "s1", progress.StatusComplete, "w")
	require.NoError(t, err)
	assert.Equal(t, progress.StatusComplete, record.Status)
	assert.Equal(t, 7, record.LastSequenceWritten)
}

func TestAdvance_ConcurrentWritersOnJetStream(t *testing.T) {
	t.Parallel()

	_, _, js := testsupport.StartNATS(t)
	ctx := context.Background()

	kv, err := kvstore.New(ctx, js, kvstore.BucketConfig{Bucket: "STORY_PROGRESS"})
	require.NoError(t, err)

	store := progress.New(kv, 0)

	var wg sync.WaitGroup

	for sequence := range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, advanceErr := store.Advance(ctx, "s1", sequence, "w")
			assert.NoError(t, advanceErr)
		}()
	}

	wg.Wait()

	record, found, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 7, record.LastSequenceWritten)
}
