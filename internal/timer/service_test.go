package timer

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/SirClappington/pubsched/internal/coord"
)

// fakeItems is an EarliestSource over a set of scheduled times.
type fakeItems struct {
	mu    sync.Mutex
	times map[string]time.Time
	err   error
}

func newFakeItems() *fakeItems { return &fakeItems{times: make(map[string]time.Time)} }

func (f *fakeItems) set(id string, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.times[id] = at
}

func (f *fakeItems) remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.times, id)
}

func (f *fakeItems) EarliestScheduled(context.Context) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return time.Time{}, false, f.err
	}
	var all []time.Time
	for _, t := range f.times {
		all = append(all, t)
	}
	if len(all) == 0 {
		return time.Time{}, false, nil
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Before(all[j]) })
	return all[0], true, nil
}

func newService(t *testing.T, cs coord.Store, items EarliestSource, instance string) *Service {
	t.Helper()
	s := New(cs, items, Config{Instance: instance, FallbackDelay: 20 * time.Millisecond}, zap.NewNop())
	t.Cleanup(s.Stop)
	return s
}

func next(t *testing.T, cs coord.Store) time.Time {
	t.Helper()
	rec, err := cs.Get(context.Background())
	require.NoError(t, err)
	require.True(t, rec.Armed())
	return *rec.NextExecutionAt
}

func TestOnItemScheduled_EarlierWins(t *testing.T) {
	ctx := context.Background()
	cs := coord.NewMemory()
	items := newFakeItems()
	s := newService(t, cs, items, "n1")
	now := time.Now().Truncate(time.Millisecond)

	items.set("A", now.Add(60*time.Minute))
	require.NoError(t, s.OnItemScheduled(ctx, now.Add(60*time.Minute)))
	assert.True(t, next(t, cs).Equal(now.Add(60*time.Minute)))

	items.set("B", now.Add(30*time.Minute))
	require.NoError(t, s.OnItemScheduled(ctx, now.Add(30*time.Minute)))
	assert.True(t, next(t, cs).Equal(now.Add(30*time.Minute)))

	items.set("C", now.Add(45*time.Minute))
	require.NoError(t, s.OnItemScheduled(ctx, now.Add(45*time.Minute)))
	assert.True(t, next(t, cs).Equal(now.Add(30*time.Minute)), "later item does not re-arm")
}

func TestOnItemCancelled_RecomputesOrClears(t *testing.T) {
	ctx := context.Background()
	cs := coord.NewMemory()
	items := newFakeItems()
	s := newService(t, cs, items, "n1")
	now := time.Now().Truncate(time.Millisecond)

	items.set("A", now.Add(time.Hour))
	items.set("B", now.Add(2*time.Hour))
	require.NoError(t, s.OnItemScheduled(ctx, now.Add(time.Hour)))

	items.remove("A")
	require.NoError(t, s.OnItemCancelled(ctx))
	assert.True(t, next(t, cs).Equal(now.Add(2*time.Hour)))

	items.remove("B")
	require.NoError(t, s.OnItemCancelled(ctx))
	rec, err := cs.Get(ctx)
	require.NoError(t, err)
	assert.False(t, rec.Armed())
	assert.Nil(t, rec.NextExecutionAt)
}

// The armed time tracks the earliest scheduled item across any mix of
// schedule and cancel events.
func TestRecord_TracksMinimumUnderRandomEvents(t *testing.T) {
	ctx := context.Background()
	cs := coord.NewMemory()
	items := newFakeItems()
	s := newService(t, cs, items, "n1")
	rng := rand.New(rand.NewSource(7))
	now := time.Now().Truncate(time.Millisecond)
	live := map[string]bool{}

	for i := 0; i < 300; i++ {
		id := string(rune('a' + rng.Intn(12)))
		if live[id] && rng.Intn(2) == 0 {
			delete(live, id)
			items.remove(id)
			require.NoError(t, s.OnItemCancelled(ctx))
		} else {
			at := now.Add(time.Duration(1+rng.Intn(10000)) * time.Second)
			if live[id] {
				items.set(id, at)
				require.NoError(t, s.OnItemCancelled(ctx)) // rescheduled: recompute
			} else {
				live[id] = true
				items.set(id, at)
				require.NoError(t, s.OnItemScheduled(ctx, at))
			}
		}

		want, found, err := items.EarliestScheduled(ctx)
		require.NoError(t, err)
		rec, err := cs.Get(ctx)
		require.NoError(t, err)
		if !found {
			assert.Nil(t, rec.NextExecutionAt, "step %d", i)
			continue
		}
		require.NotNil(t, rec.NextExecutionAt, "step %d", i)
		assert.True(t, rec.NextExecutionAt.Equal(want), "step %d: armed %s want %s", i, rec.NextExecutionAt, want)
	}
}

func TestFire_RunsHandlerForActiveTimer(t *testing.T) {
	cs := coord.NewMemory()
	items := newFakeItems()
	s := newService(t, cs, items, "n1")

	fired := make(chan struct{}, 1)
	s.SetHandler(func(context.Context) { fired <- struct{}{} })

	require.NoError(t, s.ArmFor(context.Background(), time.Now().Add(20*time.Millisecond)))

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestFire_SupersededTimerIsIgnored(t *testing.T) {
	ctx := context.Background()
	cs := coord.NewMemory()
	items := newFakeItems()
	a := newService(t, cs, items, "n1")
	b := newService(t, cs, items, "n2")

	var mu sync.Mutex
	var calls []string
	a.SetHandler(func(context.Context) { mu.Lock(); calls = append(calls, "n1"); mu.Unlock() })
	b.SetHandler(func(context.Context) { mu.Lock(); calls = append(calls, "n2"); mu.Unlock() })

	require.NoError(t, a.OnItemScheduled(ctx, time.Now().Add(30*time.Millisecond)))
	// n2 takes over with the same time; n1's local timer is now stale
	require.NoError(t, b.ArmFor(ctx, time.Now().Add(60*time.Millisecond)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) > 0
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"n2"}, calls)
}

func TestRecover_LeavesLiveOwnersTimer(t *testing.T) {
	ctx := context.Background()
	cs := coord.NewMemory()
	items := newFakeItems()
	now := time.Now().Truncate(time.Millisecond)

	items.set("A", now.Add(time.Hour))
	owner := newService(t, cs, items, "n1")
	require.NoError(t, owner.Heartbeat(ctx, time.Minute))
	require.NoError(t, owner.OnItemScheduled(ctx, now.Add(2*time.Hour)))

	restarted := newService(t, cs, items, "n2")
	require.NoError(t, restarted.Recover(ctx))

	rec, err := cs.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "n1", rec.Owner())
	assert.True(t, rec.NextExecutionAt.Equal(now.Add(2*time.Hour)))
}

func TestRecover_ReplacesDeadOwnersTimer(t *testing.T) {
	ctx := context.Background()
	cs := coord.NewMemory()
	items := newFakeItems()
	now := time.Now().Truncate(time.Millisecond)

	items.set("A", now.Add(time.Hour))
	dead := newService(t, cs, items, "n1")
	require.NoError(t, dead.OnItemScheduled(ctx, now.Add(time.Hour)))
	dead.Stop()

	restarted := newService(t, cs, items, "n2")
	require.NoError(t, restarted.Recover(ctx))

	rec, err := cs.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "n2", rec.Owner())
	assert.True(t, rec.NextExecutionAt.Equal(now.Add(time.Hour)))
}

func TestRecover_ErrorArmsFallback(t *testing.T) {
	cs := coord.NewMemory()
	items := newFakeItems()
	items.err = assert.AnError
	s := newService(t, cs, items, "n1")

	fired := make(chan struct{}, 1)
	s.SetHandler(func(context.Context) { fired <- struct{}{} })

	require.Error(t, s.Recover(context.Background()))
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("fallback check did not fire")
	}
}

func TestRun_ConsumesEvents(t *testing.T) {
	cs := coord.NewMemory()
	items := newFakeItems()
	s := newService(t, cs, items, "n1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	at := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	items.set("A", at)
	require.NoError(t, s.Events().Notify(ctx, Event{Kind: ItemScheduled, ItemID: "A", At: at}))

	require.Eventually(t, func() bool {
		rec, _ := cs.Get(ctx)
		return rec.Armed() && rec.NextExecutionAt.Equal(at)
	}, time.Second, 5*time.Millisecond)

	items.remove("A")
	require.NoError(t, s.Events().Notify(ctx, Event{Kind: ItemCancelled, ItemID: "A"}))
	require.Eventually(t, func() bool {
		rec, _ := cs.Get(ctx)
		return !rec.Armed()
	}, time.Second, 5*time.Millisecond)
}
