package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Local is an in-process Queue backed by a channel. Delayed jobs are held by
// runtime timers and are lost on restart.
type Local struct {
	ch   chan Job
	done chan struct{}

	mu      sync.Mutex
	closed  bool
	delayed map[string]*time.Timer
}

func NewLocal(capacity int) *Local {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Local{
		ch:      make(chan Job, capacity),
		done:    make(chan struct{}),
		delayed: make(map[string]*time.Timer),
	}
}

func (l *Local) Enqueue(ctx context.Context, job Job, runAt time.Time) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return errors.New("queue closed")
	}
	if d := time.Until(runAt); d > 0 {
		l.delayed[job.ID] = time.AfterFunc(d, func() { l.promote(job) })
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	select {
	case l.ch <- job:
		return nil
	case <-l.done:
		return errors.New("queue closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// promote moves a delayed job onto the channel. It gives up when the queue
// is closed, so a full channel with no consumers cannot pin the goroutine.
func (l *Local) promote(job Job) bool {
	l.mu.Lock()
	delete(l.delayed, job.ID)
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return false
	}
	select {
	case l.ch <- job:
		return true
	case <-l.done:
		return false
	}
}

func (l *Local) Dequeue(ctx context.Context, block time.Duration) (Job, error) {
	t := time.NewTimer(block)
	defer t.Stop()
	select {
	case job := <-l.ch:
		return job, nil
	case <-t.C:
		return Job{}, ErrEmpty
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
}

// MoveDue is a no-op: delayed jobs promote themselves.
func (l *Local) MoveDue(context.Context, time.Time, int64) (int, error) { return 0, nil }

// NextDue reports nothing so callers do not wait on local timers.
func (l *Local) NextDue(context.Context) (time.Time, bool, error) { return time.Time{}, false, nil }

// Delayed returns the number of jobs waiting for their run time.
func (l *Local) Delayed() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.delayed)
}

func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	close(l.done)
	for id, t := range l.delayed {
		t.Stop()
		delete(l.delayed, id)
	}
	return nil
}
