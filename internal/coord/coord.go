// Package coord holds the deployment-wide coordination record: the single
// next wake-up time and the id of the timer armed for it.
package coord

import (
	"context"
	"strings"
	"time"
)

// Record is the coordination record. The zero value means nothing is armed.
type Record struct {
	NextExecutionAt *time.Time
	ActiveTimerID   string
}

func (r Record) Armed() bool { return r.ActiveTimerID != "" && r.NextExecutionAt != nil }

// Owner returns the instance part of a timer id ("<instance>:<nonce>").
func (r Record) Owner() string { return TimerOwner(r.ActiveTimerID) }

func TimerOwner(timerID string) string {
	if i := strings.LastIndexByte(timerID, ':'); i > 0 {
		return timerID[:i]
	}
	return timerID
}

// Store is shared by every process. All writes are conditional so that two
// processes cannot both believe they replaced the armed timer.
type Store interface {
	Get(ctx context.Context) (Record, error)
	// ArmIfEarlier installs (at, timerID) when nothing is armed or at is
	// strictly earlier than the armed time.
	ArmIfEarlier(ctx context.Context, at time.Time, timerID string) (bool, error)
	// CompareAndSet installs (at, timerID) only if the active timer id equals
	// expected ("" meaning no record).
	CompareAndSet(ctx context.Context, expected string, at time.Time, timerID string) (bool, error)
	// DeleteIfMatches removes the record only if its active timer id equals expected.
	DeleteIfMatches(ctx context.Context, expected string) (bool, error)

	Heartbeat(ctx context.Context, instance string, ttl time.Duration) error
	Alive(ctx context.Context, instance string) (bool, error)
	Close() error
}
