package coord

import (
	"context"
	"sync"
	"time"
)

// Memory is a process-local Store. It does not survive restarts and is only
// suitable for tests and single-process development.
type Memory struct {
	mu      sync.Mutex
	rec     Record
	expires map[string]time.Time
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{expires: make(map[string]time.Time), now: time.Now}
}

func (m *Memory) Get(context.Context) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.copyRecord(), nil
}

func (m *Memory) ArmIfEarlier(_ context.Context, at time.Time, timerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rec.Armed() && !at.Before(*m.rec.NextExecutionAt) {
		return false, nil
	}
	m.set(at, timerID)
	return true, nil
}

func (m *Memory) CompareAndSet(_ context.Context, expected string, at time.Time, timerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rec.ActiveTimerID != expected {
		return false, nil
	}
	m.set(at, timerID)
	return true, nil
}

func (m *Memory) DeleteIfMatches(_ context.Context, expected string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rec.ActiveTimerID != expected {
		return false, nil
	}
	m.rec = Record{}
	return true, nil
}

func (m *Memory) Heartbeat(_ context.Context, instance string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expires[instance] = m.now().Add(ttl)
	return nil
}

func (m *Memory) Alive(_ context.Context, instance string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.expires[instance]
	return ok && exp.After(m.now()), nil
}

func (m *Memory) Close() error { return nil }

func (m *Memory) set(at time.Time, timerID string) {
	// millisecond precision, matching the Redis store
	t := time.UnixMilli(at.UnixMilli()).UTC()
	m.rec = Record{NextExecutionAt: &t, ActiveTimerID: timerID}
}

func (m *Memory) copyRecord() Record {
	rec := m.rec
	if rec.NextExecutionAt != nil {
		t := *rec.NextExecutionAt
		rec.NextExecutionAt = &t
	}
	return rec
}
