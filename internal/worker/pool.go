package worker

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/pubsched/internal/queue"
)

const promoteBatch = 200

// Pool runs Concurrency consumers over the queue plus one promoter that
// moves delayed jobs onto the ready list when they come due.
type Pool struct {
	queue queue.Queue
	exec  *Executor
	cfg   Config
	log   *zap.Logger
	now   func() time.Time
}

func NewPool(q queue.Queue, exec *Executor, cfg Config, log *zap.Logger) *Pool {
	return &Pool{queue: q, exec: exec, cfg: cfg.withDefaults(), log: log.Named("pool"), now: time.Now}
}

// Run blocks until ctx is done.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		g.Go(func() error {
			p.consume(ctx, i)
			return nil
		})
	}
	g.Go(func() error {
		p.promote(ctx)
		return nil
	})
	return g.Wait()
}

func (p *Pool) consume(ctx context.Context, n int) {
	log := p.log.With(zap.Int("worker", n))
	for ctx.Err() == nil {
		job, err := p.queue.Dequeue(ctx, p.cfg.DequeueBlock)
		if errors.Is(err, queue.ErrEmpty) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("dequeue", zap.Error(err))
			sleep(ctx, time.Second)
			continue
		}
		if err := p.exec.Process(ctx, job); err != nil {
			log.Error("process job", zap.String("item_id", job.ItemID), zap.String("kind", string(job.Kind)), zap.Error(err))
		}
	}
}

// promote sleeps until the earliest delayed job is due, waking at least
// every PromoteEvery to pick up jobs delayed by other instances.
func (p *Pool) promote(ctx context.Context) {
	for ctx.Err() == nil {
		now := p.now()
		if n, err := p.queue.MoveDue(ctx, now, promoteBatch); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Warn("move due jobs", zap.Error(err))
		} else if n > 0 {
			p.log.Debug("promoted delayed jobs", zap.Int("count", n))
			continue
		}

		wait := p.cfg.PromoteEvery
		if at, ok, err := p.queue.NextDue(ctx); err == nil && ok {
			if d := at.Sub(p.now()); d < wait {
				wait = d
			}
		}
		if wait < 10*time.Millisecond {
			wait = 10 * time.Millisecond
		}
		sleep(ctx, wait)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
