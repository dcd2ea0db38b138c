package worker

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/SirClappington/pubsched/internal/domain"
	"github.com/SirClappington/pubsched/internal/guard"
	"github.com/SirClappington/pubsched/internal/publisher"
	"github.com/SirClappington/pubsched/internal/queue"
	"github.com/SirClappington/pubsched/internal/recurrence"
	"github.com/SirClappington/pubsched/internal/storage"
	"github.com/SirClappington/pubsched/internal/timer"
)

// Executor runs queued jobs against the publisher and resolves the item.
type Executor struct {
	store    storage.ItemStore
	guard    *guard.Guard
	queue    queue.Queue
	pub      publisher.Publisher
	notifier timer.Notifier
	limiter  *rate.Limiter
	cfg      Config
	log      *zap.Logger
	now      func() time.Time
}

func NewExecutor(store storage.ItemStore, g *guard.Guard, q queue.Queue, pub publisher.Publisher, n timer.Notifier, cfg Config, log *zap.Logger) *Executor {
	cfg = cfg.withDefaults()
	return &Executor{
		store:    store,
		guard:    g,
		queue:    q,
		pub:      pub,
		notifier: n,
		limiter:  cfg.limiter(),
		cfg:      cfg,
		log:      log.Named("executor"),
		now:      time.Now,
	}
}

func (e *Executor) WithClock(now func() time.Time) *Executor {
	e.now = now
	return e
}

func (e *Executor) Process(ctx context.Context, job queue.Job) error {
	switch job.Kind {
	case queue.KindPublish:
		return e.publish(ctx, job)
	case queue.KindSecondary:
		return e.secondary(ctx, job)
	}
	e.log.Warn("unknown job kind", zap.String("kind", string(job.Kind)), zap.String("item_id", job.ItemID))
	return nil
}

func (e *Executor) wait(ctx context.Context) error {
	if e.limiter == nil {
		return nil
	}
	return e.limiter.Wait(ctx)
}

func (e *Executor) publish(ctx context.Context, job queue.Job) error {
	log := e.log.With(zap.String("item_id", job.ItemID), zap.String("token", job.Token))
	defer func() {
		if err := e.guard.ReleaseLock(context.WithoutCancel(ctx), job.ItemID, job.Holder); err != nil {
			log.Warn("release lock", zap.Error(err))
		}
	}()

	it, err := e.store.Get(ctx, job.ItemID)
	if errors.Is(err, domain.ErrNotFound) {
		log.Info("item gone, dropping job")
		return nil
	}
	if err != nil {
		return err
	}
	if it.Status != domain.Publishing || it.IdempotencyToken != job.Token {
		log.Info("stale job", zap.String("status", string(it.Status)))
		return nil
	}
	ok, err := e.guard.ExtendLock(ctx, job.ItemID, job.Holder, e.cfg.LockTTL)
	if err != nil {
		return err
	}
	if !ok {
		// Someone else took over after our lock expired; the stall
		// reconciler owns the item now.
		log.Warn("execution lock lost before publish")
		return nil
	}
	if err := e.wait(ctx); err != nil {
		return errors.Wrap(err, "rate limit")
	}

	req := publisher.Request{Token: it.IdempotencyToken, Content: it.Content, Media: it.Media}
	if it.Secondary != nil {
		req.Secondary = &publisher.SecondaryRequest{Text: it.Secondary.Text}
	}
	res, err := e.pub.Publish(ctx, req)
	if err != nil {
		log.Warn("publish failed", zap.Error(err), zap.Bool("transient", publisher.IsTransient(err)))
		return e.failed(ctx, it, err)
	}
	return e.succeeded(ctx, it, res)
}

// succeeded records a confirmed publication. Recurring items go back to
// SCHEDULED at their next occurrence after now; everything else ends
// PUBLISHED.
func (e *Executor) succeeded(ctx context.Context, it *domain.Item, res publisher.Result) error {
	now := e.now()
	var (
		next           time.Time
		rescheduled    bool
		secondaryRetry int
	)
	_, err := storage.Mutate(ctx, e.store, it.ID, func(cur *domain.Item) error {
		if cur.Status != domain.Publishing || cur.IdempotencyToken != it.IdempotencyToken {
			return errChanged
		}
		rescheduled, secondaryRetry = false, 0
		cur.ExternalID = res.ExternalID
		cur.PublishedAt = domain.TimePtr(now)
		cur.LastError = ""
		cur.Attempts = 0

		if cur.Secondary != nil {
			cur.SecondaryRetries = 0
			cur.SecondaryError = ""
			cur.SecondaryID = ""
			switch sr := res.Secondary; {
			case sr == nil:
				cur.SecondaryStatus = domain.SecondaryPending
				secondaryRetry = -1
			case sr.Success:
				cur.SecondaryStatus = domain.SecondaryPosted
				cur.SecondaryID = sr.ID
			default:
				cur.SecondaryStatus = domain.SecondaryFailed
				cur.SecondaryError = errString(sr.Err)
				if publisher.IsTransient(sr.Err) && e.cfg.SecondaryMaxRetries > 0 {
					cur.SecondaryRetries = 1
					secondaryRetry = 1
				}
			}
		}

		cur.Status = domain.Published
		if cur.Recurring() && cur.Occurrence != nil {
			if n, ok := recurrence.Advance(cur.Schedule, cur.Occurrence.In(e.cfg.Location), now.In(e.cfg.Location)); ok {
				cur.Status = domain.Scheduled
				cur.ScheduledAt = &n
				cur.Occurrence = nil
				next, rescheduled = n, true
			}
		}
		return nil
	})
	if errors.Is(err, errChanged) {
		e.log.Info("item changed during publish", zap.String("item_id", it.ID))
		return nil
	}
	if err != nil {
		return err
	}
	e.log.Info("published", zap.String("item_id", it.ID), zap.String("external_id", res.ExternalID))

	switch {
	case secondaryRetry < 0:
		e.enqueueSecondary(ctx, it.ID, it.IdempotencyToken, 0, now)
	case secondaryRetry > 0:
		e.enqueueSecondary(ctx, it.ID, it.IdempotencyToken, secondaryRetry, now.Add(e.cfg.secondaryBackoff(secondaryRetry)))
	}
	if rescheduled {
		e.notify(ctx, it.ID, next)
	}
	return nil
}

// failed rolls the item back for another attempt when the failure is
// transient and attempts remain; otherwise the item ends FAILED.
func (e *Executor) failed(ctx context.Context, it *domain.Item, cause error) error {
	now := e.now()
	transient := publisher.IsTransient(cause)
	var (
		retryAt time.Time
		retry   bool
	)
	_, err := storage.Mutate(ctx, e.store, it.ID, func(cur *domain.Item) error {
		if cur.Status != domain.Publishing || cur.IdempotencyToken != it.IdempotencyToken {
			return errChanged
		}
		cur.LastError = cause.Error()
		retry = transient && cur.Attempts < e.cfg.MaxAttempts
		if !retry {
			cur.Status = domain.Failed
			return nil
		}
		retryAt = now.Add(e.cfg.primaryBackoff(cur.Attempts))
		cur.Status = domain.Scheduled
		cur.ScheduledAt = &retryAt
		return nil
	})
	if errors.Is(err, errChanged) {
		return nil
	}
	if err != nil {
		return err
	}
	if retry {
		e.log.Info("publish retry scheduled", zap.String("item_id", it.ID), zap.Time("at", retryAt))
		e.notify(ctx, it.ID, retryAt)
	} else {
		e.log.Error("publish failed permanently", zap.String("item_id", it.ID), zap.Error(cause))
	}
	return nil
}

func (e *Executor) secondary(ctx context.Context, job queue.Job) error {
	log := e.log.With(zap.String("item_id", job.ItemID), zap.Int("retry", job.Attempt))
	var externalID, text string
	_, err := storage.Mutate(ctx, e.store, job.ItemID, func(cur *domain.Item) error {
		if cur.Secondary == nil || cur.ExternalID == "" || cur.SecondaryRetries != job.Attempt {
			return errChanged
		}
		// A job from an earlier cycle of a recurring item must not post
		// under the current publication.
		if cur.IdempotencyToken != job.Token {
			return errChanged
		}
		if cur.SecondaryStatus != domain.SecondaryPending && cur.SecondaryStatus != domain.SecondaryFailed {
			return errChanged
		}
		cur.SecondaryStatus = domain.SecondaryPosting
		externalID, text = cur.ExternalID, cur.Secondary.Text
		return nil
	})
	if errors.Is(err, errChanged) || errors.Is(err, domain.ErrNotFound) {
		log.Debug("secondary job no longer applies")
		return nil
	}
	if err != nil {
		return err
	}
	if err := e.wait(ctx); err != nil {
		e.resetSecondary(ctx, job)
		return errors.Wrap(err, "rate limit")
	}

	res, postErr := e.pub.PostSecondary(ctx, externalID, job.Token, publisher.SecondaryRequest{Text: text})
	if postErr == nil && !res.Success {
		postErr = res.Err
		if postErr == nil {
			postErr = errors.New("secondary action rejected")
		}
	}
	now := e.now()
	next := 0
	_, err = storage.Mutate(ctx, e.store, job.ItemID, func(cur *domain.Item) error {
		if cur.SecondaryStatus != domain.SecondaryPosting {
			return errChanged
		}
		next = 0
		if postErr == nil {
			cur.SecondaryStatus = domain.SecondaryPosted
			cur.SecondaryID = res.ID
			cur.SecondaryError = ""
			return nil
		}
		cur.SecondaryStatus = domain.SecondaryFailed
		cur.SecondaryError = postErr.Error()
		if publisher.IsTransient(postErr) && cur.SecondaryRetries < e.cfg.SecondaryMaxRetries {
			cur.SecondaryRetries++
			next = cur.SecondaryRetries
		}
		return nil
	})
	if errors.Is(err, errChanged) {
		return nil
	}
	if err != nil {
		return err
	}
	if postErr != nil {
		log.Warn("secondary action failed", zap.Error(postErr), zap.Bool("will_retry", next > 0))
	}
	if next > 0 {
		e.enqueueSecondary(ctx, job.ItemID, job.Token, next, now.Add(e.cfg.secondaryBackoff(next)))
	}
	return nil
}

// resetSecondary undoes the POSTING mark when the attempt never reached
// the publisher.
func (e *Executor) resetSecondary(ctx context.Context, job queue.Job) {
	_, err := storage.Mutate(context.WithoutCancel(ctx), e.store, job.ItemID, func(cur *domain.Item) error {
		if cur.SecondaryStatus != domain.SecondaryPosting {
			return errChanged
		}
		cur.SecondaryStatus = domain.SecondaryPending
		return nil
	})
	if err != nil && !errors.Is(err, errChanged) {
		e.log.Warn("reset secondary status", zap.String("item_id", job.ItemID), zap.Error(err))
	}
}

// requeueSecondary drives a secondary action whose job was lost or whose
// worker died while posting. The retry counter moves on, so any older job
// for the item no longer matches. The item stays PENDING while retries
// remain, so a requeued job that is lost again is found by the next sweep;
// once retries are spent it ends FAILED.
func (e *Executor) requeueSecondary(ctx context.Context, it *domain.Item) (bool, error) {
	var (
		token   string
		retry   int
		requeue bool
	)
	_, err := storage.Mutate(ctx, e.store, it.ID, func(cur *domain.Item) error {
		if cur.Version != it.Version || cur.Status == domain.Publishing {
			return errChanged
		}
		if cur.SecondaryStatus != domain.SecondaryPending && cur.SecondaryStatus != domain.SecondaryPosting {
			return errChanged
		}
		token = cur.IdempotencyToken
		requeue = cur.Secondary != nil && cur.ExternalID != "" && cur.SecondaryRetries < e.cfg.SecondaryMaxRetries
		cur.SecondaryError = errSecondaryStalled.Error()
		retry = 0
		if !requeue {
			cur.SecondaryStatus = domain.SecondaryFailed
			return nil
		}
		cur.SecondaryStatus = domain.SecondaryPending
		cur.SecondaryRetries++
		retry = cur.SecondaryRetries
		return nil
	})
	if errors.Is(err, errChanged) || errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if requeue {
		e.enqueueSecondary(ctx, it.ID, token, retry, e.now())
	}
	e.log.Warn("secondary action stalled", zap.String("item_id", it.ID),
		zap.String("was", string(it.SecondaryStatus)), zap.Bool("requeued", requeue))
	return requeue, nil
}

func (e *Executor) enqueueSecondary(ctx context.Context, itemID, token string, retry int, at time.Time) {
	job := queue.Job{Kind: queue.KindSecondary, ItemID: itemID, Token: token, Attempt: retry}
	if err := e.queue.Enqueue(context.WithoutCancel(ctx), job, at); err != nil {
		e.log.Error("enqueue secondary action", zap.String("item_id", itemID), zap.Error(err))
	}
}

func (e *Executor) notify(ctx context.Context, itemID string, at time.Time) {
	if e.notifier == nil {
		return
	}
	ev := timer.Event{Kind: timer.ItemScheduled, ItemID: itemID, At: at}
	if err := e.notifier.Notify(ctx, ev); err != nil {
		e.log.Warn("notify scheduled", zap.String("item_id", itemID), zap.Error(err))
	}
}

func errString(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
