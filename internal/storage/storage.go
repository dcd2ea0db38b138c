package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/SirClappington/pubsched/internal/domain"
)

// ItemStore is the persisted record of schedulable items. Update is an
// optimistic write keyed on Item.Version and never touches lock fields; the
// lock operations are atomic conditional writes and never bump Version.
type ItemStore interface {
	Create(ctx context.Context, it *domain.Item) error
	Get(ctx context.Context, id string) (*domain.Item, error)
	Update(ctx context.Context, it *domain.Item) error
	Delete(ctx context.Context, id string) error

	// ListDue returns SCHEDULED items with scheduled_at <= before, oldest first.
	ListDue(ctx context.Context, before time.Time, limit int) ([]*domain.Item, error)
	// EarliestScheduled returns the minimum scheduled_at among SCHEDULED items.
	EarliestScheduled(ctx context.Context) (time.Time, bool, error)
	// ListStalled returns PUBLISHING items with no live lock.
	ListStalled(ctx context.Context, now time.Time, limit int) ([]*domain.Item, error)
	// ListSecondaryStalled returns items whose secondary action has been
	// PENDING or POSTING since before the given time.
	ListSecondaryStalled(ctx context.Context, before time.Time, limit int) ([]*domain.Item, error)
	CountFingerprint(ctx context.Context, q FingerprintQuery) (int, error)

	// AcquireLock sets the lock when none is live. On contention it returns
	// ok=false together with the current lock.
	AcquireLock(ctx context.Context, id, holder string, now, expires time.Time) (cur *domain.Lock, ok bool, err error)
	ExtendLock(ctx context.Context, id, holder string, now, expires time.Time) (bool, error)
	// ReleaseLock clears the lock if held by holder; an empty holder clears unconditionally.
	ReleaseLock(ctx context.Context, id, holder string) error
	SweepExpiredLocks(ctx context.Context, now time.Time) (int64, error)
}

// FingerprintQuery counts other items sharing a content fingerprint.
// Zero-valued bounds are not applied.
type FingerprintQuery struct {
	Fingerprint string
	ExcludeID   string
	Statuses    []domain.Status
	// ActiveSince bounds when the item was last active: published_at for
	// PUBLISHED items, updated_at for everything else.
	ActiveSince  time.Time
	ScheduledMin time.Time
	ScheduledMax time.Time
}

// activeAt is the time ActiveSince is compared against.
func activeAt(it *domain.Item) time.Time {
	if it.Status == domain.Published && it.PublishedAt != nil {
		return *it.PublishedAt
	}
	return it.UpdatedAt
}

const maxMutateAttempts = 5

// Mutate loads an item, applies fn and writes it back, retrying on version
// conflicts. fn may be called more than once.
func Mutate(ctx context.Context, s ItemStore, id string, fn func(it *domain.Item) error) (*domain.Item, error) {
	var lastErr error
	for i := 0; i < maxMutateAttempts; i++ {
		it, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(it); err != nil {
			return nil, err
		}
		err = s.Update(ctx, it)
		if err == nil {
			return it, nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, errors.Wrapf(lastErr, "mutate %s", id)
}

func containsStatus(list []domain.Status, s domain.Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
