// Package queue carries dispatched work from the scanner to execution
// workers, with a delayed path for retries.
package queue

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var ErrEmpty = errors.New("queue empty")

type Kind string

const (
	KindPublish   Kind = "publish"
	KindSecondary Kind = "secondary"
)

// Job references an item; the item itself stays in the item store.
type Job struct {
	ID      string `json:"id"`
	Kind    Kind   `json:"kind"`
	ItemID  string `json:"item_id"`
	Token   string `json:"token"`
	Holder  string `json:"holder,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
}

type Queue interface {
	// Enqueue makes job available at runAt (immediately if runAt has passed).
	Enqueue(ctx context.Context, job Job, runAt time.Time) error
	// Dequeue blocks up to block and returns ErrEmpty when nothing arrived.
	Dequeue(ctx context.Context, block time.Duration) (Job, error)
	// MoveDue promotes delayed jobs whose time has come.
	MoveDue(ctx context.Context, now time.Time, batch int64) (int, error)
	// NextDue returns when the earliest delayed job becomes due.
	NextDue(ctx context.Context) (time.Time, bool, error)
	Close() error
}
