// Package timer owns the single outstanding wake-up of the scheduler.
//
// The armed time and timer id live in the shared coordination record; the
// process that wrote the record holds the matching local timer. When a local
// timer fires, the handler runs only if the record still names that timer,
// so superseded timers in other processes are harmless.
package timer

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/pubsched/internal/coord"
)

const maxCASAttempts = 5

// EarliestSource reports the earliest scheduled item time.
type EarliestSource interface {
	EarliestScheduled(ctx context.Context) (time.Time, bool, error)
}

// Handler runs when an armed timer fires.
type Handler func(ctx context.Context)

type Config struct {
	Instance      string
	FallbackDelay time.Duration
	// PastDueDelay is the local delay used when the armed time has already
	// passed, e.g. a due item was skipped because another worker holds it.
	PastDueDelay time.Duration
	EventBuffer  int
}

type Service struct {
	coord coord.Store
	items EarliestSource
	cfg   Config
	log   *zap.Logger
	now   func() time.Time

	events chan Event

	mu       sync.Mutex
	handler  Handler
	baseCtx  context.Context
	local    *time.Timer
	localID  string
	fallback *time.Timer
}

func New(cs coord.Store, items EarliestSource, cfg Config, log *zap.Logger) *Service {
	if cfg.Instance == "" {
		cfg.Instance = uuid.NewString()
	}
	if cfg.FallbackDelay <= 0 {
		cfg.FallbackDelay = 5 * time.Second
	}
	if cfg.PastDueDelay <= 0 {
		cfg.PastDueDelay = time.Second
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	return &Service{
		coord:   cs,
		items:   items,
		cfg:     cfg,
		log:     log.Named("timer"),
		now:     time.Now,
		events:  make(chan Event, cfg.EventBuffer),
		handler: func(context.Context) {},
		baseCtx: context.Background(),
	}
}

// WithClock replaces the time source used to compute timer delays.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// SetHandler installs the function run when the timer fires.
func (s *Service) SetHandler(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

func (s *Service) Instance() string { return s.cfg.Instance }

// Events returns the channel lifecycle events are published on.
func (s *Service) Events() Channel { return s.events }

// Run consumes lifecycle events until ctx is done.
func (s *Service) Run(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()
	defer s.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.events:
			s.Handle(ctx, ev)
		}
	}
}

// Handle applies one lifecycle event. Errors are logged and answered with a
// fallback check so the scheduler never goes silent.
func (s *Service) Handle(ctx context.Context, ev Event) {
	var err error
	switch ev.Kind {
	case ItemScheduled:
		err = s.OnItemScheduled(ctx, ev.At)
	case ItemRescheduled, ItemCancelled:
		err = s.OnItemCancelled(ctx)
	default:
		s.log.Warn("unknown event", zap.Int("kind", int(ev.Kind)))
		return
	}
	if err != nil {
		s.log.Error("event handling failed", zap.Stringer("event", ev.Kind), zap.String("item_id", ev.ItemID), zap.Error(err))
		s.ArmFallback()
	}
}

// OnItemScheduled re-arms only when at is earlier than the armed time or
// nothing is armed.
func (s *Service) OnItemScheduled(ctx context.Context, at time.Time) error {
	id := s.newTimerID()
	ok, err := s.coord.ArmIfEarlier(ctx, at, id)
	if err != nil {
		return err
	}
	if ok {
		s.armLocal(id, at)
		s.log.Debug("armed for scheduled item", zap.String("timer_id", id), zap.Time("next_at", at))
	}
	return nil
}

// OnItemCancelled recomputes the earliest scheduled item and re-arms to it.
func (s *Service) OnItemCancelled(ctx context.Context) error {
	return s.Recompute(ctx)
}

// ArmFor replaces whatever timer is armed with one for at.
func (s *Service) ArmFor(ctx context.Context, at time.Time) error {
	for i := 0; i < maxCASAttempts; i++ {
		rec, err := s.coord.Get(ctx)
		if err != nil {
			return err
		}
		id := s.newTimerID()
		ok, err := s.coord.CompareAndSet(ctx, rec.ActiveTimerID, at, id)
		if err != nil {
			return err
		}
		if ok {
			s.armLocal(id, at)
			return nil
		}
	}
	return errors.New("arm: coordination record kept changing")
}

// Clear removes the local timer and the coordination record.
func (s *Service) Clear(ctx context.Context) error {
	s.stopLocal()
	for i := 0; i < maxCASAttempts; i++ {
		rec, err := s.coord.Get(ctx)
		if err != nil {
			return err
		}
		if rec.ActiveTimerID == "" && rec.NextExecutionAt == nil {
			return nil
		}
		ok, err := s.coord.DeleteIfMatches(ctx, rec.ActiveTimerID)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return errors.New("clear: coordination record kept changing")
}

// Recompute arms for the earliest SCHEDULED item, or clears when none remain.
// A record already naming that time and a live owner is left alone.
func (s *Service) Recompute(ctx context.Context) error {
	for i := 0; i < maxCASAttempts; i++ {
		rec, err := s.coord.Get(ctx)
		if err != nil {
			return err
		}
		earliest, found, err := s.items.EarliestScheduled(ctx)
		if err != nil {
			return err
		}

		if !found {
			s.stopLocal()
			if !rec.Armed() && rec.ActiveTimerID == "" {
				return nil
			}
			ok, err := s.coord.DeleteIfMatches(ctx, rec.ActiveTimerID)
			if err != nil {
				return err
			}
			if ok {
				s.log.Debug("cleared timer, nothing scheduled")
				return nil
			}
			continue
		}

		if rec.Armed() && rec.NextExecutionAt.UnixMilli() == earliest.UnixMilli() {
			keep, err := s.validTimer(ctx, rec.ActiveTimerID)
			if err != nil {
				return err
			}
			if keep {
				return nil
			}
		}

		id := s.newTimerID()
		ok, err := s.coord.CompareAndSet(ctx, rec.ActiveTimerID, earliest, id)
		if err != nil {
			return err
		}
		if ok {
			s.armLocal(id, earliest)
			s.log.Debug("re-armed", zap.String("timer_id", id), zap.Time("next_at", earliest))
			return nil
		}
	}
	return errors.New("recompute: coordination record kept changing")
}

// Recover runs at startup: a still-valid timer owned by another live
// instance is left in place, anything else is recomputed from the store.
func (s *Service) Recover(ctx context.Context) error {
	err := s.recover(ctx)
	if err != nil {
		s.log.Error("startup recovery failed, arming fallback check", zap.Error(err))
		s.ArmFallback()
	}
	return err
}

func (s *Service) recover(ctx context.Context) error {
	rec, err := s.coord.Get(ctx)
	if err != nil {
		return err
	}
	if rec.Armed() {
		owner := rec.Owner()
		if owner != s.cfg.Instance {
			alive, err := s.coord.Alive(ctx, owner)
			if err != nil {
				return err
			}
			if alive {
				s.log.Info("timer owned by live instance, leaving it", zap.String("timer_id", rec.ActiveTimerID), zap.Time("next_at", *rec.NextExecutionAt))
				return nil
			}
		}
	}
	return s.Recompute(ctx)
}

// ArmFallback schedules a short-delay check that runs the handler without
// consulting the coordination record.
func (s *Service) ArmFallback() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fallback != nil {
		return
	}
	s.fallback = time.AfterFunc(s.cfg.FallbackDelay, func() {
		s.mu.Lock()
		s.fallback = nil
		ctx, h := s.baseCtx, s.handler
		s.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		s.log.Info("fallback check firing")
		h(ctx)
	})
}

// Heartbeat marks this instance alive for ttl.
func (s *Service) Heartbeat(ctx context.Context, ttl time.Duration) error {
	return s.coord.Heartbeat(ctx, s.cfg.Instance, ttl)
}

// Stop cancels local timers. The coordination record is left for other
// instances to take over.
func (s *Service) Stop() {
	s.stopLocal()
	s.mu.Lock()
	if s.fallback != nil {
		s.fallback.Stop()
		s.fallback = nil
	}
	s.mu.Unlock()
}

// Record returns the current coordination record.
func (s *Service) Record(ctx context.Context) (coord.Record, error) {
	return s.coord.Get(ctx)
}

func (s *Service) validTimer(ctx context.Context, timerID string) (bool, error) {
	owner := coord.TimerOwner(timerID)
	if owner == s.cfg.Instance {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.localID == timerID, nil
	}
	return s.coord.Alive(ctx, owner)
}

func (s *Service) newTimerID() string {
	return s.cfg.Instance + ":" + uuid.NewString()
}

func (s *Service) armLocal(id string, at time.Time) {
	delay := at.Sub(s.now())
	if delay <= 0 {
		delay = s.cfg.PastDueDelay
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.local != nil {
		s.local.Stop()
	}
	s.localID = id
	s.local = time.AfterFunc(delay, func() { s.fire(id) })
}

func (s *Service) stopLocal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.local != nil {
		s.local.Stop()
		s.local = nil
	}
	s.localID = ""
}

func (s *Service) fire(id string) {
	s.mu.Lock()
	if s.localID == id {
		s.local = nil
		s.localID = ""
	}
	ctx, h := s.baseCtx, s.handler
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}

	rec, err := s.coord.Get(ctx)
	if err != nil {
		s.log.Error("read coordination record on fire", zap.Error(err))
		s.ArmFallback()
		return
	}
	if rec.ActiveTimerID != id {
		s.log.Debug("superseded timer fired, ignoring", zap.String("timer_id", id), zap.String("active", rec.ActiveTimerID))
		return
	}
	h(ctx)
}
