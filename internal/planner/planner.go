// Package planner handles scheduling requests: it validates them, writes the
// item and tells the timer service what changed.
package planner

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/pubsched/internal/bulk"
	"github.com/SirClappington/pubsched/internal/domain"
	"github.com/SirClappington/pubsched/internal/guard"
	"github.com/SirClappington/pubsched/internal/recurrence"
	"github.com/SirClappington/pubsched/internal/storage"
	"github.com/SirClappington/pubsched/internal/timer"
)

type Config struct {
	Location   *time.Location
	BulkMinGap time.Duration
}

type Planner struct {
	store  storage.ItemStore
	guard  *guard.Guard
	events timer.Notifier
	cfg    Config
	log    *zap.Logger
	now    func() time.Time
}

func New(store storage.ItemStore, g *guard.Guard, events timer.Notifier, cfg Config, log *zap.Logger) *Planner {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.BulkMinGap <= 0 {
		cfg.BulkMinGap = bulk.DefaultGap
	}
	return &Planner{store: store, guard: g, events: events, cfg: cfg, log: log.Named("planner"), now: time.Now}
}

func (p *Planner) WithClock(now func() time.Time) *Planner {
	p.now = now
	return p
}

type DraftRequest struct {
	Content   string
	Media     []string
	Secondary *domain.SecondaryPayload
}

func (p *Planner) CreateDraft(ctx context.Context, req DraftRequest) (*domain.Item, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, &domain.ValidationError{Field: "content", Reason: "must not be empty"}
	}
	it := &domain.Item{
		Status:          domain.Draft,
		Content:         req.Content,
		Media:           req.Media,
		Secondary:       req.Secondary,
		SecondaryStatus: domain.SecondaryNone,
		Fingerprint:     guard.Fingerprint(req.Content, req.Media),
	}
	if err := p.store.Create(ctx, it); err != nil {
		return nil, errors.Wrap(err, "create draft")
	}
	p.log.Info("draft created", zap.String("item_id", it.ID))
	return it, nil
}

func (p *Planner) Get(ctx context.Context, id string) (*domain.Item, error) {
	return p.store.Get(ctx, id)
}

// ScheduleRequest mirrors the external scheduling request. ScheduledAt is
// the run time for ONCE and an optional start for recurring patterns.
type ScheduleRequest struct {
	ItemID      string
	Pattern     domain.Pattern
	ScheduledAt time.Time
	DaysOfWeek  []int
	DayOfMonth  int
	EndDate     time.Time
	Time        string
}

// Resolve turns a request into a descriptor and its first run time.
func (p *Planner) Resolve(req ScheduleRequest) (domain.Schedule, time.Time, error) {
	now := p.now().In(p.cfg.Location)
	pattern := req.Pattern
	if pattern == "" {
		pattern = domain.PatternOnce
	}
	if pattern == domain.PatternOnce {
		if req.ScheduledAt.IsZero() {
			return nil, time.Time{}, &domain.ValidationError{Field: "scheduledAt", Reason: "is required"}
		}
		if !req.ScheduledAt.After(now) {
			return nil, time.Time{}, &domain.ValidationError{Field: "scheduledAt", Reason: "must be in the future"}
		}
		return domain.Once{}, req.ScheduledAt, nil
	}

	at, err := domain.ParseTimeOfDay(req.Time)
	if err != nil {
		if domain.IsValidation(err) {
			return nil, time.Time{}, err
		}
		return nil, time.Time{}, &domain.ValidationError{Field: "time", Reason: err.Error()}
	}

	var s domain.Schedule
	switch pattern {
	case domain.PatternWeekly:
		s, err = domain.NewWeekly(req.DaysOfWeek, at)
	case domain.PatternMonthly:
		s, err = domain.NewMonthly(req.DayOfMonth, at)
	case domain.PatternDateRange:
		if req.EndDate.IsZero() {
			return nil, time.Time{}, &domain.ValidationError{Field: "endDate", Reason: "is required for DATE_RANGE"}
		}
		s = domain.DateRange{End: req.EndDate, At: at}
	default:
		return nil, time.Time{}, &domain.ValidationError{Field: "pattern", Reason: "unknown pattern " + string(pattern)}
	}
	if err != nil {
		return nil, time.Time{}, err
	}

	ref := now
	if !req.ScheduledAt.IsZero() {
		if !req.ScheduledAt.After(now) {
			return nil, time.Time{}, &domain.ValidationError{Field: "scheduledAt", Reason: "must be in the future"}
		}
		ref = req.ScheduledAt.In(p.cfg.Location).Add(-time.Nanosecond)
	}
	first, ok := recurrence.First(s, ref)
	if !ok {
		return nil, time.Time{}, &domain.ValidationError{Field: "endDate", Reason: "range has no future occurrence"}
	}
	return s, first, nil
}

// Schedule moves a draft, a scheduled or a failed item to SCHEDULED.
func (p *Planner) Schedule(ctx context.Context, req ScheduleRequest) (*domain.Item, error) {
	s, first, err := p.Resolve(req)
	if err != nil {
		return nil, err
	}
	cur, err := p.store.Get(ctx, req.ItemID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cur.Content) == "" {
		return nil, &domain.ValidationError{Field: "content", Reason: "must not be empty"}
	}
	fingerprint := guard.Fingerprint(cur.Content, cur.Media)
	dup, err := p.guard.IsDuplicate(ctx, fingerprint, cur.ID, first, true)
	if err != nil {
		return nil, err
	}
	if dup {
		return nil, errors.Wrapf(domain.ErrDuplicate, "item %s", cur.ID)
	}

	var wasScheduled bool
	updated, err := storage.Mutate(ctx, p.store, req.ItemID, func(it *domain.Item) error {
		switch it.Status {
		case domain.Publishing:
			return domain.ErrInFlight
		case domain.Published:
			return errors.Wrap(domain.ErrInvalidTransition, "item already published")
		}
		wasScheduled = it.Status == domain.Scheduled
		it.Status = domain.Scheduled
		it.Schedule = s
		it.ScheduledAt = domain.TimePtr(first)
		it.Fingerprint = fingerprint
		it.Attempts = 0
		it.Occurrence = nil
		it.LastError = ""
		return nil
	})
	if err != nil {
		return nil, err
	}

	kind := timer.ItemScheduled
	if wasScheduled {
		kind = timer.ItemRescheduled
	}
	p.notify(ctx, timer.Event{Kind: kind, ItemID: updated.ID, At: first})
	p.log.Info("item scheduled",
		zap.String("item_id", updated.ID),
		zap.String("pattern", string(s.Pattern())),
		zap.Time("scheduled_at", first))
	return updated, nil
}

// Cancel returns a SCHEDULED item to DRAFT. Items already past lock
// acquisition are in flight and cannot be cancelled.
func (p *Planner) Cancel(ctx context.Context, id string) (*domain.Item, error) {
	updated, err := storage.Mutate(ctx, p.store, id, func(it *domain.Item) error {
		switch it.Status {
		case domain.Publishing:
			return domain.ErrInFlight
		case domain.Scheduled:
		default:
			return errors.Wrapf(domain.ErrInvalidTransition, "cannot cancel %s item", it.Status)
		}
		it.Status = domain.Draft
		it.ScheduledAt = nil
		it.Occurrence = nil
		it.Attempts = 0
		return nil
	})
	if err != nil {
		return nil, err
	}
	p.notify(ctx, timer.Event{Kind: timer.ItemCancelled, ItemID: id})
	p.log.Info("item cancelled", zap.String("item_id", id))
	return updated, nil
}

// Delete removes an item, cancelling it first when scheduled.
func (p *Planner) Delete(ctx context.Context, id string) error {
	it, err := p.store.Get(ctx, id)
	if err != nil {
		return err
	}
	switch it.Status {
	case domain.Publishing:
		return domain.ErrInFlight
	case domain.Scheduled:
		if _, err := p.Cancel(ctx, id); err != nil {
			return err
		}
	}
	if err := p.store.Delete(ctx, id); err != nil {
		return err
	}
	p.log.Info("item deleted", zap.String("item_id", id))
	return nil
}

type BulkRequest struct {
	ItemIDs []string
	Start   time.Time
	End     time.Time
	// Gap defaults to the configured minimum gap.
	Gap     time.Duration
	Seed    uint64
	Shuffle bool
}

type BulkResult struct {
	Scheduled   []*domain.Item
	EvenSpacing bool
	Seed        uint64
}

// BulkSchedule spreads items over [Start, End] as ONCE schedules. Items
// that fail to schedule are reported in the returned error; the rest stay
// scheduled.
func (p *Planner) BulkSchedule(ctx context.Context, req BulkRequest) (BulkResult, error) {
	if !req.Start.After(p.now()) {
		return BulkResult{}, &domain.ValidationError{Field: "start", Reason: "must be in the future"}
	}
	gap := req.Gap
	if gap <= 0 {
		gap = p.cfg.BulkMinGap
	}
	plan, err := bulk.Distribute(len(req.ItemIDs), req.Start, req.End, gap, bulk.Options{Seed: req.Seed, Shuffle: req.Shuffle})
	if err != nil {
		return BulkResult{}, err
	}

	res := BulkResult{EvenSpacing: plan.EvenSpacing, Seed: plan.Seed}
	var errs error
	for i, at := range plan.Times {
		id := req.ItemIDs[plan.Order[i]]
		it, err := p.Schedule(ctx, ScheduleRequest{ItemID: id, Pattern: domain.PatternOnce, ScheduledAt: at})
		if err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "schedule %s", id))
			continue
		}
		res.Scheduled = append(res.Scheduled, it)
	}
	return res, errs
}

func (p *Planner) notify(ctx context.Context, ev timer.Event) {
	if p.events == nil {
		return
	}
	if err := p.events.Notify(ctx, ev); err != nil {
		// The periodic orphan check re-arms from the store.
		p.log.Warn("lifecycle event not delivered", zap.Stringer("event", ev.Kind), zap.String("item_id", ev.ItemID), zap.Error(err))
	}
}
