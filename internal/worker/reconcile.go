package worker

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/pubsched/internal/domain"
	"github.com/SirClappington/pubsched/internal/guard"
	"github.com/SirClappington/pubsched/internal/publisher"
	"github.com/SirClappington/pubsched/internal/storage"
)

var (
	errStalled          = &publisher.Error{Kind: publisher.Transient, Message: "execution stalled and the remote side has no record of it"}
	errSecondaryStalled = errors.New("secondary action stalled")
)

// Reconciler resolves PUBLISHING items whose execution lock expired. It
// asks the publisher whether the occurrence actually went out before
// deciding between success and retry; it never assumes failure from a stall.
// Secondary actions left PENDING or POSTING for longer than the lock TTL
// are requeued within their retry bound.
type Reconciler struct {
	store storage.ItemStore
	guard *guard.Guard
	pub   publisher.Publisher
	exec  *Executor
	cfg   Config
	log   *zap.Logger
}

func NewReconciler(store storage.ItemStore, g *guard.Guard, pub publisher.Publisher, exec *Executor, cfg Config, log *zap.Logger) *Reconciler {
	return &Reconciler{store: store, guard: g, pub: pub, exec: exec, cfg: cfg.withDefaults(), log: log.Named("reconcile")}
}

type ReconcileStats struct {
	Swept     int64
	Stalled   int
	Published int
	Retried   int

	SecondaryStalled  int
	SecondaryRequeued int
}

func (r *Reconciler) Reconcile(ctx context.Context) (ReconcileStats, error) {
	var stats ReconcileStats
	swept, err := r.guard.SweepExpiredLocks(ctx)
	if err != nil {
		return stats, err
	}
	stats.Swept = swept

	stalled, err := r.store.ListStalled(ctx, r.exec.now(), r.cfg.StalledBatch)
	if err != nil {
		return stats, errors.Wrap(err, "list stalled")
	}
	stats.Stalled = len(stalled)

	var errs error
	for _, it := range stalled {
		found, handled, err := r.reconcileOne(ctx, it)
		errs = multierr.Append(errs, err)
		if !handled {
			continue
		}
		if found {
			stats.Published++
		} else {
			stats.Retried++
		}
	}
	if stats.Stalled > 0 {
		r.log.Info("reconciled stalled items",
			zap.Int("stalled", stats.Stalled), zap.Int("published", stats.Published), zap.Int("retried", stats.Retried))
	}
	errs = multierr.Append(errs, r.reconcileSecondary(ctx, &stats))
	return stats, errs
}

func (r *Reconciler) reconcileSecondary(ctx context.Context, stats *ReconcileStats) error {
	before := r.exec.now().Add(-r.cfg.LockTTL)
	stalled, err := r.store.ListSecondaryStalled(ctx, before, r.cfg.StalledBatch)
	if err != nil {
		return errors.Wrap(err, "list stalled secondary actions")
	}
	stats.SecondaryStalled = len(stalled)
	var errs error
	for _, it := range stalled {
		requeued, err := r.exec.requeueSecondary(ctx, it)
		errs = multierr.Append(errs, err)
		if requeued {
			stats.SecondaryRequeued++
		}
	}
	return errs
}

func (r *Reconciler) reconcileOne(ctx context.Context, it *domain.Item) (found, handled bool, err error) {
	holder := r.cfg.Instance + "/reconcile/" + it.IdempotencyToken
	if err := r.guard.AcquireLock(ctx, it.ID, holder, r.cfg.LockTTL); err != nil {
		if guard.IsLockHeld(err) {
			return false, false, nil
		}
		return false, false, err
	}
	defer func() {
		if err := r.guard.ReleaseLock(context.WithoutCancel(ctx), it.ID, holder); err != nil {
			r.log.Warn("release lock", zap.String("item_id", it.ID), zap.Error(err))
		}
	}()

	cur, err := r.store.Get(ctx, it.ID)
	if err != nil {
		return false, false, err
	}
	if cur.Status != domain.Publishing {
		return false, false, nil
	}

	externalID, found, err := r.pub.Lookup(ctx, cur.IdempotencyToken)
	if err != nil {
		// Unknown outcome; leave it PUBLISHING for the next sweep.
		return false, false, errors.Wrapf(err, "lookup %s", cur.ID)
	}
	if found {
		return true, true, r.exec.succeeded(ctx, cur, publisher.Result{ExternalID: externalID})
	}
	return false, true, r.exec.failed(ctx, cur, errStalled)
}
