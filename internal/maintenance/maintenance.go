// Package maintenance runs the periodic housekeeping of a scheduler node:
// lock sweeps with stall reconciliation, liveness heartbeats and takeover
// of timers whose owner died.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/SirClappington/pubsched/internal/worker"
)

type Reconciler interface {
	Reconcile(ctx context.Context) (worker.ReconcileStats, error)
}

type Timer interface {
	Heartbeat(ctx context.Context, ttl time.Duration) error
	Recover(ctx context.Context) error
}

type Config struct {
	// SweepSchedule is a cron spec or descriptor such as "@every 30s".
	SweepSchedule string
	HeartbeatTTL  time.Duration
	Location      *time.Location
}

type Runner struct {
	rec   Reconciler
	timer Timer
	cfg   Config
	log   *zap.Logger
	c     *cron.Cron
	ctx   context.Context
}

func New(rec Reconciler, tm Timer, cfg Config, log *zap.Logger) (*Runner, error) {
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = "@every 30s"
	}
	if cfg.HeartbeatTTL <= 0 {
		cfg.HeartbeatTTL = 15 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	r := &Runner{rec: rec, timer: tm, cfg: cfg, log: log.Named("maintenance"), ctx: context.Background()}

	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	r.c = cron.New(
		cron.WithParser(parser),
		cron.WithLocation(cfg.Location),
		cron.WithChain(cron.Recover(cronLogger{r.log}), cron.SkipIfStillRunning(cronLogger{r.log})),
	)

	beat := cfg.HeartbeatTTL / 3
	if beat < time.Second {
		beat = time.Second
	}
	jobs := []struct {
		spec string
		run  func()
	}{
		{cfg.SweepSchedule, r.Sweep},
		{cfg.SweepSchedule, r.CheckTimer},
		{fmt.Sprintf("@every %s", beat), r.Heartbeat},
	}
	for _, j := range jobs {
		if _, err := r.c.AddFunc(j.spec, j.run); err != nil {
			return nil, errors.Wrapf(err, "schedule %q", j.spec)
		}
	}
	return r, nil
}

// Run heartbeats once, starts the cron and blocks until ctx is done.
func (r *Runner) Run(ctx context.Context) {
	r.ctx = ctx
	r.Heartbeat()
	r.c.Start()
	r.log.Info("maintenance started", zap.String("sweep", r.cfg.SweepSchedule))
	<-ctx.Done()
	<-r.c.Stop().Done()
}

// Sweep clears expired locks and reconciles stalled executions.
func (r *Runner) Sweep() {
	stats, err := r.rec.Reconcile(r.ctx)
	if err != nil {
		r.log.Warn("reconcile", zap.Error(err))
	}
	if stats.Swept > 0 || stats.Stalled > 0 || stats.SecondaryStalled > 0 {
		r.log.Info("sweep",
			zap.Int64("swept_locks", stats.Swept),
			zap.Int("stalled", stats.Stalled),
			zap.Int("published", stats.Published),
			zap.Int("retried", stats.Retried),
			zap.Int("secondary_stalled", stats.SecondaryStalled),
			zap.Int("secondary_requeued", stats.SecondaryRequeued))
	}
}

// CheckTimer re-arms from the item store when the active timer's owner is
// gone or nothing is armed while items are waiting.
func (r *Runner) CheckTimer() {
	if err := r.timer.Recover(r.ctx); err != nil {
		r.log.Warn("timer check", zap.Error(err))
	}
}

func (r *Runner) Heartbeat() {
	if err := r.timer.Heartbeat(r.ctx, r.cfg.HeartbeatTTL); err != nil {
		r.log.Warn("heartbeat", zap.Error(err))
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct{ log *zap.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
