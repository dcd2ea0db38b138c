package timer

import (
	"context"
	"time"
)

type EventKind int

const (
	// ItemScheduled carries the new scheduled time of an item.
	ItemScheduled EventKind = iota + 1
	// ItemRescheduled is sent when an already scheduled item moved; the
	// earliest time has to be recomputed because it may have moved later.
	ItemRescheduled
	ItemCancelled
)

func (k EventKind) String() string {
	switch k {
	case ItemScheduled:
		return "scheduled"
	case ItemRescheduled:
		return "rescheduled"
	case ItemCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Event is an item lifecycle change the arming service reacts to.
type Event struct {
	Kind   EventKind
	ItemID string
	At     time.Time
}

// Notifier publishes lifecycle events.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Channel adapts a send-only event channel to Notifier.
type Channel chan<- Event

func (c Channel) Notify(ctx context.Context, ev Event) error {
	select {
	case c <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
