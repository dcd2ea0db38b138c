// Package scanner runs when the armed timer fires: it dispatches every item
// due within the batch window and re-arms for whatever is left.
package scanner

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/pubsched/internal/domain"
	"github.com/SirClappington/pubsched/internal/recurrence"
	"github.com/SirClappington/pubsched/internal/storage"
	"github.com/SirClappington/pubsched/internal/worker"
)

type Dispatcher interface {
	Dispatch(ctx context.Context, it *domain.Item) (worker.Outcome, error)
}

// Armer is the part of the timer service a scan needs afterwards.
type Armer interface {
	Recompute(ctx context.Context) error
	ArmFallback()
}

type Config struct {
	Window   time.Duration
	Limit    int
	Location *time.Location
}

type Result struct {
	Due           int
	Dispatched    int
	Contended     int
	Skipped       int
	Duplicates    int
	FastForwarded int
}

type Scanner struct {
	store storage.ItemStore
	disp  Dispatcher
	armer Armer
	cfg   Config
	log   *zap.Logger
	now   func() time.Time

	mu sync.Mutex
}

func New(store storage.ItemStore, disp Dispatcher, armer Armer, cfg Config, log *zap.Logger) *Scanner {
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Second
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 100
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Scanner{store: store, disp: disp, armer: armer, cfg: cfg, log: log.Named("scanner"), now: time.Now}
}

func (s *Scanner) WithClock(now func() time.Time) *Scanner {
	s.now = now
	return s
}

// Handle adapts Scan to the timer callback signature.
func (s *Scanner) Handle(ctx context.Context) {
	if _, err := s.Scan(ctx); err != nil {
		s.log.Warn("scan finished with errors", zap.Error(err))
	}
}

// Scan dispatches SCHEDULED items due before now+Window. Scans on one
// instance never overlap.
func (s *Scanner) Scan(ctx context.Context) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res Result
	now := s.now()
	due, err := s.store.ListDue(ctx, now.Add(s.cfg.Window), s.cfg.Limit)
	if err != nil {
		s.log.Error("list due items, arming fallback", zap.Error(err))
		s.armer.ArmFallback()
		return res, errors.Wrap(err, "list due")
	}
	res.Due = len(due)

	var errs error
	for _, it := range due {
		if ctx.Err() != nil {
			errs = multierr.Append(errs, ctx.Err())
			break
		}
		if moved, err := s.fastForward(ctx, it, now); err != nil {
			errs = multierr.Append(errs, err)
			continue
		} else if moved {
			res.FastForwarded++
			continue
		}

		out, err := s.disp.Dispatch(ctx, it)
		if err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "dispatch %s", it.ID))
			continue
		}
		switch out {
		case worker.Dispatched:
			res.Dispatched++
		case worker.Contended:
			res.Contended++
		case worker.Duplicate:
			res.Duplicates++
		default:
			res.Skipped++
		}
	}

	if err := s.armer.Recompute(ctx); err != nil {
		s.log.Error("recompute after scan, arming fallback", zap.Error(err))
		s.armer.ArmFallback()
		errs = multierr.Append(errs, err)
	}
	if res.Due > 0 {
		s.log.Info("scan complete",
			zap.Int("due", res.Due),
			zap.Int("dispatched", res.Dispatched),
			zap.Int("contended", res.Contended),
			zap.Int("fast_forwarded", res.FastForwarded))
	}
	return res, errs
}

// fastForward moves a recurring item whose following occurrence has also
// passed to its next future occurrence instead of publishing a backlog. An
// exhausted recurrence is left for one final dispatch.
func (s *Scanner) fastForward(ctx context.Context, it *domain.Item, now time.Time) (bool, error) {
	// An unresolved occurrence (retry pending) is dispatched, never skipped.
	if !it.Recurring() || it.Attempts > 0 || it.Occurrence != nil {
		return false, nil
	}
	at := it.ScheduledAt.In(s.cfg.Location)
	following, ok := recurrence.Following(it.Schedule, at)
	if !ok || following.After(now) {
		return false, nil
	}
	next, ok := recurrence.Advance(it.Schedule, at, now.In(s.cfg.Location))
	if !ok {
		return false, nil
	}
	_, err := storage.Mutate(ctx, s.store, it.ID, func(cur *domain.Item) error {
		if cur.Status != domain.Scheduled || cur.ScheduledAt == nil || !cur.ScheduledAt.Equal(*it.ScheduledAt) {
			return errSkip
		}
		cur.ScheduledAt = &next
		return nil
	})
	if errors.Is(err, errSkip) {
		return true, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "fast-forward %s", it.ID)
	}
	s.log.Info("skipped missed occurrences", zap.String("item_id", it.ID), zap.Time("was", *it.ScheduledAt), zap.Time("next", next))
	return true, nil
}

var errSkip = errors.New("skip")
