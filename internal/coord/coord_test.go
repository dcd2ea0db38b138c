package coord

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(*testing.T) Store { return NewMemory() },
		"redis": func(t *testing.T) Store {
			mr := miniredis.RunT(t)
			rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = rdb.Close() })
			return NewRedis(rdb, "test")
		},
	}
}

func TestStore_ArmIfEarlier(t *testing.T) {
	for name, mk := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := mk(t)
			base := time.Now().Truncate(time.Millisecond)

			rec, err := s.Get(ctx)
			require.NoError(t, err)
			assert.False(t, rec.Armed())

			ok, err := s.ArmIfEarlier(ctx, base.Add(time.Hour), "n1:a")
			require.NoError(t, err)
			assert.True(t, ok, "empty record always arms")

			ok, err = s.ArmIfEarlier(ctx, base.Add(2*time.Hour), "n1:b")
			require.NoError(t, err)
			assert.False(t, ok, "later time does not replace")

			ok, err = s.ArmIfEarlier(ctx, base.Add(30*time.Minute), "n2:c")
			require.NoError(t, err)
			assert.True(t, ok, "earlier wins")

			rec, err = s.Get(ctx)
			require.NoError(t, err)
			require.True(t, rec.Armed())
			assert.True(t, rec.NextExecutionAt.Equal(base.Add(30*time.Minute)))
			assert.Equal(t, "n2:c", rec.ActiveTimerID)
			assert.Equal(t, "n2", rec.Owner())
		})
	}
}

func TestStore_CompareAndSetAndDelete(t *testing.T) {
	for name, mk := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := mk(t)
			at := time.Now().Add(time.Minute)

			ok, err := s.CompareAndSet(ctx, "", at, "n1:a")
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = s.CompareAndSet(ctx, "n1:stale", at, "n1:b")
			require.NoError(t, err)
			assert.False(t, ok)

			ok, err = s.DeleteIfMatches(ctx, "n1:b")
			require.NoError(t, err)
			assert.False(t, ok)

			ok, err = s.DeleteIfMatches(ctx, "n1:a")
			require.NoError(t, err)
			assert.True(t, ok)

			rec, err := s.Get(ctx)
			require.NoError(t, err)
			assert.False(t, rec.Armed())
			assert.Nil(t, rec.NextExecutionAt)
		})
	}
}

func TestStore_Heartbeat(t *testing.T) {
	for name, mk := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := mk(t)

			alive, err := s.Alive(ctx, "n1")
			require.NoError(t, err)
			assert.False(t, alive)

			require.NoError(t, s.Heartbeat(ctx, "n1", time.Minute))
			alive, err = s.Alive(ctx, "n1")
			require.NoError(t, err)
			assert.True(t, alive)
		})
	}
}

func TestRedis_HeartbeatExpires(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	defer rdb.Close()
	s := NewRedis(rdb, "test")

	require.NoError(t, s.Heartbeat(ctx, "n1", 10*time.Second))
	mr.FastForward(11 * time.Second)

	alive, err := s.Alive(ctx, "n1")
	require.NoError(t, err)
	assert.False(t, alive)
}

func TestTimerOwner(t *testing.T) {
	assert.Equal(t, "node-a", TimerOwner("node-a:1234"))
	assert.Equal(t, "host:1:x", TimerOwner("host:1:x:nonce"))
	assert.Equal(t, "bare", TimerOwner("bare"))
}
