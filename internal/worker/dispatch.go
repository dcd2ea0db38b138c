package worker

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/pubsched/internal/domain"
	"github.com/SirClappington/pubsched/internal/guard"
	"github.com/SirClappington/pubsched/internal/queue"
	"github.com/SirClappington/pubsched/internal/recurrence"
	"github.com/SirClappington/pubsched/internal/storage"
)

type Outcome int

const (
	Dispatched Outcome = iota + 1
	// Contended means another worker holds the execution lock.
	Contended
	// Skipped means the item changed since it was read (cancelled, moved).
	Skipped
	// Duplicate means identical content was published recently.
	Duplicate
)

func (o Outcome) String() string {
	switch o {
	case Dispatched:
		return "dispatched"
	case Contended:
		return "contended"
	case Skipped:
		return "skipped"
	case Duplicate:
		return "duplicate"
	}
	return "unknown"
}

var errChanged = errors.New("item changed")

// Dispatcher moves a due item into PUBLISHING under its execution lock and
// hands it to the queue. The lock stays held until a worker resolves it.
type Dispatcher struct {
	store storage.ItemStore
	guard *guard.Guard
	queue queue.Queue
	cfg   Config
	log   *zap.Logger
	now   func() time.Time
}

func NewDispatcher(store storage.ItemStore, g *guard.Guard, q queue.Queue, cfg Config, log *zap.Logger) *Dispatcher {
	return &Dispatcher{store: store, guard: g, queue: q, cfg: cfg.withDefaults(), log: log.Named("dispatch"), now: time.Now}
}

func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Occurrence is the scheduled time an item's next attempt belongs to. An
// occurrence that has not resolved yet (a retry or a rolled-back dispatch)
// stays in Item.Occurrence, so its token is stable even though ScheduledAt
// moved forward.
func Occurrence(it *domain.Item) time.Time {
	if it.Occurrence != nil {
		return *it.Occurrence
	}
	return *it.ScheduledAt
}

func (d *Dispatcher) Dispatch(ctx context.Context, it *domain.Item) (Outcome, error) {
	if it.ScheduledAt == nil {
		return Skipped, nil
	}
	occurrence := Occurrence(it)
	token := guard.Token(it.ID, occurrence)
	holder := d.cfg.Instance + "/" + token
	log := d.log.With(zap.String("item_id", it.ID), zap.String("token", token))

	if err := d.guard.AcquireLock(ctx, it.ID, holder, d.cfg.LockTTL); err != nil {
		if guard.IsLockHeld(err) {
			log.Debug("lock contention, skipping", zap.Error(err))
			return Contended, nil
		}
		return 0, err
	}
	release := true
	defer func() {
		if release {
			if err := d.guard.ReleaseLock(context.WithoutCancel(ctx), it.ID, holder); err != nil {
				log.Warn("release lock", zap.Error(err))
			}
		}
	}()

	fingerprint := guard.Fingerprint(it.Content, it.Media)
	dup, err := d.guard.IsDuplicate(ctx, fingerprint, it.ID, occurrence, false)
	if err != nil {
		return 0, err
	}
	if dup {
		_, err := storage.Mutate(ctx, d.store, it.ID, func(cur *domain.Item) error {
			if cur.Status != domain.Scheduled {
				return errChanged
			}
			cur.Status = domain.Failed
			cur.Fingerprint = fingerprint
			cur.LastError = domain.ErrDuplicate.Error()
			return nil
		})
		if err != nil && !errors.Is(err, errChanged) {
			return 0, err
		}
		log.Warn("duplicate content, not publishing")
		return Duplicate, nil
	}

	var attempt int
	_, err = storage.Mutate(ctx, d.store, it.ID, func(cur *domain.Item) error {
		if cur.Status != domain.Scheduled || cur.ScheduledAt == nil || !cur.ScheduledAt.Equal(*it.ScheduledAt) {
			return errChanged
		}
		cur.Status = domain.Publishing
		cur.Fingerprint = fingerprint
		if cur.IdempotencyToken != token {
			cur.IdempotencyToken = token
		}
		occ := occurrence
		cur.Occurrence = &occ
		cur.Attempts++
		attempt = cur.Attempts
		if cur.Recurring() {
			if next, ok := recurrence.Following(cur.Schedule, occurrence.In(d.cfg.Location)); ok {
				cur.ScheduledAt = &next
			}
		}
		return nil
	})
	if errors.Is(err, errChanged) {
		log.Debug("item changed before dispatch")
		return Skipped, nil
	}
	if err != nil {
		return 0, err
	}

	job := queue.Job{Kind: queue.KindPublish, ItemID: it.ID, Token: token, Holder: holder, Attempt: attempt}
	if err := d.queue.Enqueue(ctx, job, time.Time{}); err != nil {
		d.rollback(ctx, it.ID, token, occurrence, err)
		return 0, errors.Wrap(err, "enqueue publish job")
	}
	release = false
	log.Info("dispatched", zap.Time("occurrence", occurrence), zap.Int("attempt", attempt))
	return Dispatched, nil
}

// rollback returns an item whose job never reached the queue to SCHEDULED
// shortly after now. Occurrence keeps the original slot for the token.
func (d *Dispatcher) rollback(ctx context.Context, id, token string, occurrence time.Time, cause error) {
	retryAt := d.now().Add(d.cfg.FallbackDelay)
	_, err := storage.Mutate(context.WithoutCancel(ctx), d.store, id, func(cur *domain.Item) error {
		if cur.Status != domain.Publishing || cur.IdempotencyToken != token {
			return errChanged
		}
		cur.Status = domain.Scheduled
		cur.ScheduledAt = &retryAt
		occ := occurrence
		cur.Occurrence = &occ
		cur.Attempts--
		cur.LastError = cause.Error()
		return nil
	})
	if err != nil && !errors.Is(err, errChanged) {
		d.log.Error("rollback after enqueue failure", zap.String("item_id", id), zap.Error(err))
	}
}
