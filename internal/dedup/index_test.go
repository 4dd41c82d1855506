package dedup_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postflow/internal/dedup"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestNormalize(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "hello world", dedup.Normalize("  Hello \t\n  WORLD  "))
	assert.Equal(t, "", dedup.Normalize("   "))
	assert.Equal(t, dedup.Hash(dedup.Normalize("Hello world")), dedup.Hash(dedup.Normalize("hello   WORLD")))
}

func TestSimilarity(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1.0, dedup.Similarity("a b c", "c b a"))
	assert.Equal(t, 0.5, dedup.Similarity("a b", "a b c d"))
	assert.Equal(t, 0.0, dedup.Similarity("a", "b"))
	assert.Equal(t, 1.0, dedup.Similarity("", ""))
}

func TestIsDuplicateQueued(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	idx := dedup.NewIndex(dedup.NewMemoryStore())

	dup, err := idx.IsDuplicate(ctx, "Hello   World", []string{"hello world"})
	require.NoError(t, err)
	assert.True(t, dup)

	// 10 shared tokens out of 11 distinct: 0.909 > 0.9
	queued := "one two three four five six seven eight nine ten"
	dup, err = idx.IsDuplicate(ctx, queued+" eleven", []string{queued})
	require.NoError(t, err)
	assert.True(t, dup)

	dup, err = idx.IsDuplicate(ctx, "something else entirely", []string{queued})
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestIsDuplicateWindow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := dedup.NewMemoryStore()
	idx := dedup.NewIndex(store, dedup.WithClock(clock.Now))

	dup, err := idx.IsDuplicate(ctx, "Hello world", nil)
	require.NoError(t, err)
	assert.False(t, dup)

	require.NoError(t, idx.RecordSuccess(ctx, "Hello world"))

	clock.Advance(4 * time.Minute)
	dup, err = idx.IsDuplicate(ctx, "hello WORLD", nil)
	require.NoError(t, err)
	assert.True(t, dup)

	// Outside the window the stale hash no longer rejects, even before a sweep.
	clock.Advance(2 * time.Minute)
	dup, err = idx.IsDuplicate(ctx, "hello world", nil)
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, 1, store.Len())

	n, err := idx.Sweep(ctx, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, store.Len())
}

func TestRedisStore(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	ctx := context.Background()

	opt, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opt)
	t.Cleanup(func() { _ = client.Close() })

	store := dedup.NewRedisStore(client, "postflow:test:"+t.Name()+":", time.Minute)
	now := time.Now()
	hash := dedup.Hash("redis test")

	ok, err := store.ContainsSince(ctx, hash, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.RecordSent(ctx, hash, now))
	ok, err = store.ContainsSince(ctx, hash, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.ContainsSince(ctx, hash, now.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, ok)
}
