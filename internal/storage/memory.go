package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/SirClappington/pubsched/internal/domain"
)

// Memory is a process-local ItemStore. It has the same atomicity guarantees
// as the Postgres store within one process, and is used by tests and by
// single-node development setups.
type Memory struct {
	mu    sync.Mutex
	items map[string]*domain.Item
	now   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{items: make(map[string]*domain.Item), now: time.Now}
}

// WithClock sets the clock used for CreatedAt/UpdatedAt stamps.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) Create(_ context.Context, it *domain.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	if _, ok := m.items[it.ID]; ok {
		return errors.Errorf("item %s already exists", it.ID)
	}
	ts := m.now().UTC()
	it.CreatedAt, it.UpdatedAt = ts, ts
	it.Version = 1
	if it.SecondaryStatus == "" {
		it.SecondaryStatus = domain.SecondaryNone
	}
	m.items[it.ID] = it.Clone()
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*domain.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return it.Clone(), nil
}

func (m *Memory) Update(_ context.Context, it *domain.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.items[it.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Version != it.Version {
		return domain.ErrConflict
	}
	next := it.Clone()
	next.Lock = cur.Lock
	next.CreatedAt = cur.CreatedAt
	next.UpdatedAt = m.now().UTC()
	next.Version = cur.Version + 1
	m.items[it.ID] = next
	it.Version = next.Version
	it.UpdatedAt = next.UpdatedAt
	return nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.items, id)
	return nil
}

func (m *Memory) ListDue(_ context.Context, before time.Time, limit int) ([]*domain.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Item
	for _, it := range m.items {
		if it.Status == domain.Scheduled && it.ScheduledAt != nil && !it.ScheduledAt.After(before) {
			out = append(out, it.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(*out[j].ScheduledAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) EarliestScheduled(_ context.Context) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var min time.Time
	found := false
	for _, it := range m.items {
		if it.Status != domain.Scheduled || it.ScheduledAt == nil {
			continue
		}
		if !found || it.ScheduledAt.Before(min) {
			min, found = *it.ScheduledAt, true
		}
	}
	return min, found, nil
}

func (m *Memory) ListStalled(_ context.Context, now time.Time, limit int) ([]*domain.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Item
	for _, it := range m.items {
		if it.Status == domain.Publishing && !it.Lock.Live(now) {
			out = append(out, it.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListSecondaryStalled(_ context.Context, before time.Time, limit int) ([]*domain.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Item
	for _, it := range m.items {
		if it.SecondaryStatus != domain.SecondaryPending && it.SecondaryStatus != domain.SecondaryPosting {
			continue
		}
		if it.UpdatedAt.After(before) {
			continue
		}
		out = append(out, it.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CountFingerprint(_ context.Context, q FingerprintQuery) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, it := range m.items {
		if it.ID == q.ExcludeID || it.Fingerprint != q.Fingerprint || !containsStatus(q.Statuses, it.Status) {
			continue
		}
		if !q.ActiveSince.IsZero() && activeAt(it).Before(q.ActiveSince) {
			continue
		}
		if !q.ScheduledMin.IsZero() || !q.ScheduledMax.IsZero() {
			if it.ScheduledAt == nil {
				continue
			}
			if !q.ScheduledMin.IsZero() && it.ScheduledAt.Before(q.ScheduledMin) {
				continue
			}
			if !q.ScheduledMax.IsZero() && it.ScheduledAt.After(q.ScheduledMax) {
				continue
			}
		}
		n++
	}
	return n, nil
}

func (m *Memory) AcquireLock(_ context.Context, id, holder string, now, expires time.Time) (*domain.Lock, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return nil, false, domain.ErrNotFound
	}
	if it.Lock.Live(now) {
		l := *it.Lock
		return &l, false, nil
	}
	it.Lock = &domain.Lock{Holder: holder, ExpiresAt: expires}
	l := *it.Lock
	return &l, true, nil
}

func (m *Memory) ExtendLock(_ context.Context, id, holder string, now, expires time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if !it.Lock.Live(now) || it.Lock.Holder != holder {
		return false, nil
	}
	it.Lock.ExpiresAt = expires
	return true, nil
}

func (m *Memory) ReleaseLock(_ context.Context, id, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok || it.Lock == nil {
		return nil
	}
	if holder == "" || it.Lock.Holder == holder {
		it.Lock = nil
	}
	return nil
}

func (m *Memory) SweepExpiredLocks(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, it := range m.items {
		if it.Lock != nil && !it.Lock.Live(now) {
			it.Lock = nil
			n++
		}
	}
	return n, nil
}
