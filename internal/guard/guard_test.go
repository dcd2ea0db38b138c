package guard

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/SirClappington/pubsched/internal/domain"
	"github.com/SirClappington/pubsched/internal/storage"
)

func TestToken_StablePerOccurrence(t *testing.T) {
	at := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)

	assert.Equal(t, Token("item-1", at), Token("item-1", at))
	assert.Equal(t, Token("item-1", at), Token("item-1", at.In(time.FixedZone("X", 3600))))
	assert.NotEqual(t, Token("item-1", at), Token("item-1", at.Add(time.Minute)))
	assert.NotEqual(t, Token("item-1", at), Token("item-2", at))
}

func TestFingerprint_Normalises(t *testing.T) {
	a := Fingerprint("Hello   World\n", []string{"b.png", "a.png"})
	b := Fingerprint("hello world", []string{"a.png", " b.png"})
	assert.Equal(t, a, b)

	assert.NotEqual(t, a, Fingerprint("hello world", []string{"a.png"}))
	assert.NotEqual(t, a, Fingerprint("hello there", []string{"a.png", "b.png"}))
}

func newGuard(t *testing.T) (*Guard, *storage.Memory) {
	t.Helper()
	s := storage.NewMemory()
	return New(s, Config{LockTTL: 5 * time.Minute}, zap.NewNop()), s
}

func createItem(t *testing.T, s storage.ItemStore, it *domain.Item) *domain.Item {
	t.Helper()
	require.NoError(t, s.Create(context.Background(), it))
	return it
}

func TestAcquireLock_SecondWorkerSeesHolder(t *testing.T) {
	ctx := context.Background()
	g, s := newGuard(t)
	it := createItem(t, s, &domain.Item{Status: domain.Scheduled, Content: "x"})

	require.NoError(t, g.AcquireLock(ctx, it.ID, "W1", 5*time.Minute))

	err := g.AcquireLock(ctx, it.ID, "W2", 5*time.Minute)
	require.Error(t, err)
	assert.True(t, IsLockHeld(err))
	assert.Contains(t, err.Error(), "held by W1")
}

func TestAcquireLock_ConcurrentCallersOneWins(t *testing.T) {
	ctx := context.Background()
	g, s := newGuard(t)
	it := createItem(t, s, &domain.Item{Status: domain.Scheduled, Content: "x"})

	var wins, held int32
	var wg sync.WaitGroup
	for _, h := range []string{"W1", "W2"} {
		wg.Add(1)
		go func(holder string) {
			defer wg.Done()
			err := g.AcquireLock(ctx, it.ID, holder, 0)
			switch {
			case err == nil:
				atomic.AddInt32(&wins, 1)
			case IsLockHeld(err):
				atomic.AddInt32(&held, 1)
			}
		}(h)
	}
	wg.Wait()

	assert.EqualValues(t, 1, wins)
	assert.EqualValues(t, 1, held)
}

func TestSweepExpiredLocks_RecoversFromDeadHolder(t *testing.T) {
	ctx := context.Background()
	g, s := newGuard(t)
	it := createItem(t, s, &domain.Item{Status: domain.Publishing, Content: "x"})

	now := time.Now()
	g.WithClock(func() time.Time { return now })
	require.NoError(t, g.AcquireLock(ctx, it.ID, "crashed", time.Minute))

	g.WithClock(func() time.Time { return now.Add(2 * time.Minute) })
	n, err := g.SweepExpiredLocks(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	require.NoError(t, g.AcquireLock(ctx, it.ID, "rescuer", 0))
}

func TestReleaseLock_Idempotent(t *testing.T) {
	ctx := context.Background()
	g, s := newGuard(t)
	it := createItem(t, s, &domain.Item{Status: domain.Scheduled, Content: "x"})

	require.NoError(t, g.AcquireLock(ctx, it.ID, "W1", 0))
	require.NoError(t, g.ReleaseLock(ctx, it.ID, "W1"))
	require.NoError(t, g.ReleaseLock(ctx, it.ID, "W1"))
	require.NoError(t, g.ReleaseLock(ctx, "unknown", ""))
	require.NoError(t, g.AcquireLock(ctx, it.ID, "W2", 0))
}

func TestExtendLock_LostLock(t *testing.T) {
	ctx := context.Background()
	g, s := newGuard(t)
	it := createItem(t, s, &domain.Item{Status: domain.Scheduled, Content: "x"})

	require.NoError(t, g.AcquireLock(ctx, it.ID, "W1", 0))
	ok, err := g.ExtendLock(ctx, it.ID, "W1", 0)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, g.ReleaseLock(ctx, it.ID, ""))
	ok, err = g.ExtendLock(ctx, it.ID, "W1", 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIsDuplicate(t *testing.T) {
	ctx := context.Background()
	g, s := newGuard(t)
	now := time.Now()
	fp := Fingerprint("same text", nil)

	published := createItem(t, s, &domain.Item{Status: domain.Published, Content: "same text", Fingerprint: fp})
	candidate := createItem(t, s, &domain.Item{Status: domain.Draft, Content: "same text", Fingerprint: fp})

	dup, err := g.IsDuplicate(ctx, fp, candidate.ID, now, false)
	require.NoError(t, err)
	assert.True(t, dup)

	dup, err = g.IsDuplicate(ctx, fp, published.ID, now, false)
	require.NoError(t, err)
	assert.False(t, dup, "drafts do not count")

	// outside the 24h window the published one no longer counts
	g.WithClock(func() time.Time { return now.Add(25 * time.Hour) })
	dup, err = g.IsDuplicate(ctx, fp, candidate.ID, now.Add(25*time.Hour), false)
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestIsDuplicate_StrictChecksScheduled(t *testing.T) {
	ctx := context.Background()
	g, s := newGuard(t)
	at := time.Now().Add(24 * time.Hour)
	fp := Fingerprint("weekly digest", []string{"cover.jpg"})

	createItem(t, s, &domain.Item{Status: domain.Scheduled, Content: "weekly digest", Fingerprint: fp, ScheduledAt: domain.TimePtr(at.Add(48 * time.Hour))})

	dup, err := g.IsDuplicate(ctx, fp, "other", at, false)
	require.NoError(t, err)
	assert.False(t, dup)

	dup, err = g.IsDuplicate(ctx, fp, "other", at, true)
	require.NoError(t, err)
	assert.True(t, dup)

	dup, err = g.IsDuplicate(ctx, fp, "other", at.Add(-30*time.Hour), true)
	require.NoError(t, err)
	assert.False(t, dup, "78h apart is outside the 72h window")
}

func TestIsDuplicate_WindowStartsAtPublication(t *testing.T) {
	ctx := context.Background()
	g, s := newGuard(t)
	now := time.Now()
	fp := Fingerprint("launch notes", nil)

	// Published 30h ago; a secondary retry touched the row just now.
	old := createItem(t, s, &domain.Item{
		Status:          domain.Published,
		Content:         "launch notes",
		Fingerprint:     fp,
		PublishedAt:     domain.TimePtr(now.Add(-30 * time.Hour)),
		SecondaryStatus: domain.SecondaryFailed,
	})
	got, err := s.Get(ctx, old.ID)
	require.NoError(t, err)
	got.SecondaryRetries = 2
	require.NoError(t, s.Update(ctx, got))

	dup, err := g.IsDuplicate(ctx, fp, "candidate", now, false)
	require.NoError(t, err)
	assert.False(t, dup)

	got.PublishedAt = domain.TimePtr(now.Add(-time.Hour))
	require.NoError(t, s.Update(ctx, got))
	dup, err = g.IsDuplicate(ctx, fp, "candidate", now, false)
	require.NoError(t, err)
	assert.True(t, dup)
}
