package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMemory_GetSetDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, ok, err := m.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Set(ctx, "a", []byte("1"), 0))
	v, ok, err := m.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("1"), v)

	require.NoError(t, m.Delete(ctx, "a"))
	_, ok, _ = m.Get(ctx, "a")
	assert.False(t, ok)
}

func TestMemory_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Set(ctx, "a", []byte("1"), 10*time.Millisecond))

	_, ok, _ := m.Get(ctx, "a")
	assert.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	_, ok, _ = m.Get(ctx, "a")
	assert.False(t, ok, "entry must be treated as absent once its ttl has passed")
}

func TestMemory_Scan(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Set(ctx, "cache:a", []byte("1"), 0))
	require.NoError(t, m.Set(ctx, "cache:b", []byte("2"), 0))
	require.NoError(t, m.Set(ctx, "other:c", []byte("3"), 0))

	keys, err := m.Scan(ctx, "cache:")
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

func TestFallback_DemotesOnPrimaryFailure(t *testing.T) {
	ctx := context.Background()
	broken := brokenAdapter{}
	var fellBack bool
	fb := NewFallback(broken, zap.NewNop())
	fb.OnFallback(func() { fellBack = true })

	require.NoError(t, fb.Set(ctx, "a", []byte("1"), 0))
	v, ok, err := fb.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("1"), v)
	assert.True(t, fellBack, "fallback callback must fire once the primary adapter fails")
}

func TestFallback_WarnsOnlyOnce(t *testing.T) {
	ctx := context.Background()
	broken := brokenAdapter{}
	calls := 0
	fb := NewFallback(broken, zap.NewNop())
	fb.OnFallback(func() { calls++ })

	_ = fb.Set(ctx, "a", []byte("1"), 0)
	_ = fb.Set(ctx, "b", []byte("2"), 0)
	_, _, _ = fb.Get(ctx, "a")

	assert.Equal(t, 1, calls)
}

type brokenAdapter struct{}

func (brokenAdapter) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, assertErr
}
func (brokenAdapter) Set(context.Context, string, []byte, time.Duration) error { return assertErr }
func (brokenAdapter) Delete(context.Context, string) error                    { return assertErr }
func (brokenAdapter) Scan(context.Context, string) ([]string, error)          { return nil, assertErr }

var assertErr = &fakeErr{"primary store unavailable"}

type fakeErr struct{ msg string }

func (e *fakeErr) Error() string { return e.msg }

func TestRedisAdapter_GetSetDelete(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	adapter := NewRedis(client, "shield")
	ctx := context.Background()

	_, ok, err := adapter.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, adapter.Set(ctx, "k", []byte("v"), 0))
	v, ok, err := adapter.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), v)

	require.NoError(t, adapter.Delete(ctx, "k"))
	_, ok, _ = adapter.Get(ctx, "k")
	assert.False(t, ok)
}

func TestRedisAdapter_TTL(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	adapter := NewRedis(client, "")
	ctx := context.Background()

	require.NoError(t, adapter.Set(ctx, "k", []byte("v"), time.Second))
	mr.FastForward(2 * time.Second)

	_, ok, err := adapter.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}
