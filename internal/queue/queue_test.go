package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisQ(t *testing.T) *RedisQ {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	q := New(rdb, "test", "publish")
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestRedisQ_ImmediateJob(t *testing.T) {
	ctx := context.Background()
	q := newRedisQ(t)

	require.NoError(t, q.Enqueue(ctx, Job{Kind: KindPublish, ItemID: "item-1", Token: "tok"}, time.Now()))

	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "item-1", job.ItemID)
	assert.Equal(t, KindPublish, job.Kind)
	assert.NotEmpty(t, job.ID)
}

func TestRedisQ_DelayedJobIsPromotedOnce(t *testing.T) {
	ctx := context.Background()
	q := newRedisQ(t)
	runAt := time.Now().Add(time.Minute)

	require.NoError(t, q.Enqueue(ctx, Job{Kind: KindSecondary, ItemID: "item-1", Attempt: 2}, runAt))

	due, ok, err := q.NextDue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, runAt.UnixMilli(), due.UnixMilli())

	n, err := q.MoveDue(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "not due yet")

	n, err = q.MoveDue(ctx, runAt, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = q.MoveDue(ctx, runAt, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, KindSecondary, job.Kind)
	assert.Equal(t, 2, job.Attempt)

	_, ok, err = q.NextDue(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocal_DequeueTimesOut(t *testing.T) {
	q := NewLocal(4)
	defer q.Close()

	_, err := q.Dequeue(context.Background(), 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestLocal_DelayedJob(t *testing.T) {
	ctx := context.Background()
	q := NewLocal(4)
	defer q.Close()

	require.NoError(t, q.Enqueue(ctx, Job{ItemID: "late"}, time.Now().Add(30*time.Millisecond)))
	require.NoError(t, q.Enqueue(ctx, Job{ItemID: "now"}, time.Time{}))
	assert.Equal(t, 1, q.Delayed())

	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "now", job.ItemID)

	job, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "late", job.ItemID)
	assert.Equal(t, 0, q.Delayed())
}

func TestLocal_PromoteReturnsOnClose(t *testing.T) {
	ctx := context.Background()
	q := NewLocal(1)
	require.NoError(t, q.Enqueue(ctx, Job{ItemID: "fills-the-buffer"}, time.Time{}))

	returned := make(chan bool, 1)
	go func() { returned <- q.promote(Job{ID: "late", ItemID: "late"}) }()

	select {
	case <-returned:
		t.Fatal("promote should block while the buffer is full")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, q.Close())
	select {
	case ok := <-returned:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("promote still blocked after Close")
	}

	err := q.Enqueue(ctx, Job{ItemID: "after-close"}, time.Time{})
	assert.Error(t, err)
}
