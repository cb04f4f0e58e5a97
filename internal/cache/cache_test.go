package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RomanDovgii/testing-lms/internal/logging"
)

func TestHeadCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache", "heads.db")
	c, err := OpenHeadCache(path)
	require.NoError(t, err)
	defer c.Close()

	head, err := c.Get("/tmp/repos/1/main/g-submissions/g-alice")
	require.NoError(t, err)
	assert.Empty(t, head)

	require.NoError(t, c.Set("/tmp/repos/1/main/g-submissions/g-alice", "aaa111"))
	require.NoError(t, c.Set("/tmp/repos/1/main/g-submissions/g-bob", "bbb222"))
	require.NoError(t, c.Set("/tmp/repos/2/main/h-submissions/h-alice", "ccc333"))

	head, err = c.Get("/tmp/repos/1/main/g-submissions/g-alice")
	require.NoError(t, err)
	assert.Equal(t, "aaa111", head)

	removed, err := c.Forget("/tmp/repos/1/")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	head, err = c.Get("/tmp/repos/2/main/h-submissions/h-alice")
	require.NoError(t, err)
	assert.Equal(t, "ccc333", head)
}

func TestHeadCachePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heads.db")

	c, err := OpenHeadCache(path)
	require.NoError(t, err)
	require.NoError(t, c.Set("/r", "abc"))
	require.NoError(t, c.Close())

	c, err = OpenHeadCache(path)
	require.NoError(t, err)
	defer c.Close()

	head, err := c.Get("/r")
	require.NoError(t, err)
	assert.Equal(t, "abc", head)
}

func TestRedisLease(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	ctx := context.Background()
	c, err := NewClient(ctx, addr, os.Getenv("REDIS_PASSWORD"), logging.Discard())
	require.NoError(t, err)
	defer c.Close()

	name := "test-" + time.Now().Format("150405.000000")
	token, ok, err := c.AcquireLease(ctx, name, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = c.AcquireLease(ctx, name, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// a stale token must not release someone else's lease
	require.NoError(t, c.ReleaseLease(ctx, name, "not-the-token"))
	_, ok, err = c.AcquireLease(ctx, name, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.ReleaseLease(ctx, name, token))
	token, ok, err = c.AcquireLease(ctx, name, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, c.ReleaseLease(ctx, name, token))
}

func TestHeadCacheForgetStopsAtPrefix(t *testing.T) {
	c, err := OpenHeadCache(filepath.Join(t.TempDir(), "heads.db"))
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Set("/tmp/repos/1/main/g-submissions/g-alice", "a"))
	require.NoError(t, c.Set("/tmp/repos/10/main/g-submissions/g-alice", "b"))
	require.NoError(t, c.Set("/tmp/repos/1", "c"))

	removed, err := c.Forget("/tmp/repos/1/")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	head, err := c.Get("/tmp/repos/10/main/g-submissions/g-alice")
	require.NoError(t, err)
	assert.Equal(t, "b", head)
	head, err = c.Get("/tmp/repos/1")
	require.NoError(t, err)
	assert.Equal(t, "c", head)

	removed, err = c.Forget("/nothing/")
	require.NoError(t, err)
	assert.Zero(t, removed)
}
