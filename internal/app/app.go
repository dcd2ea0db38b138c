// Package app assembles a scheduler node from configuration.
package app

import (
	"context"
	"os"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/pubsched/internal/config"
	"github.com/SirClappington/pubsched/internal/coord"
	"github.com/SirClappington/pubsched/internal/guard"
	"github.com/SirClappington/pubsched/internal/maintenance"
	"github.com/SirClappington/pubsched/internal/planner"
	"github.com/SirClappington/pubsched/internal/publisher"
	"github.com/SirClappington/pubsched/internal/queue"
	"github.com/SirClappington/pubsched/internal/scanner"
	"github.com/SirClappington/pubsched/internal/storage"
	"github.com/SirClappington/pubsched/internal/timer"
	"github.com/SirClappington/pubsched/internal/worker"
)

// Node is one scheduler process: it arms timers, scans, executes and
// maintains. Any number of nodes can share the same stores.
type Node struct {
	Instance string

	Items   storage.ItemStore
	Coord   coord.Store
	Queue   queue.Queue
	Guard   *guard.Guard
	Timer   *timer.Service
	Planner *planner.Planner
	Scanner *scanner.Scanner
	Pool    *worker.Pool
	Maint   *maintenance.Runner

	log     *zap.Logger
	closers []func() error
}

// Backends are the external dependencies of a node; nil fields are built
// from configuration.
type Backends struct {
	Items     storage.ItemStore
	Coord     coord.Store
	Queue     queue.Queue
	Publisher publisher.Publisher
}

func New(ctx context.Context, cfg config.Config, b Backends, log *zap.Logger) (*Node, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	n := &Node{Instance: instanceID(cfg), log: log}
	log = log.With(zap.String("instance", n.Instance))

	var rdb *r.Client
	if cfg.UsesRedis() && (b.Coord == nil || b.Queue == nil) {
		rdb = r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, errors.Wrap(err, "redis ping")
		}
		n.closers = append(n.closers, rdb.Close)
	}

	n.Items = b.Items
	if n.Items == nil {
		switch cfg.StoreBackend {
		case "memory":
			n.Items = storage.NewMemory()
		default:
			db, err := pgxpool.New(ctx, cfg.PostgresDSN)
			if err != nil {
				return nil, multierr.Append(errors.Wrap(err, "postgres"), n.Close())
			}
			if err := db.Ping(ctx); err != nil {
				db.Close()
				return nil, multierr.Append(errors.Wrap(err, "postgres ping"), n.Close())
			}
			n.closers = append(n.closers, func() error { db.Close(); return nil })
			n.Items = storage.New(db)
		}
	}

	n.Coord = b.Coord
	if n.Coord == nil {
		if cfg.CoordBackend == "memory" {
			n.Coord = coord.NewMemory()
		} else {
			n.Coord = coord.NewRedis(rdb, cfg.KeyPrefix)
		}
	}

	n.Queue = b.Queue
	if n.Queue == nil {
		if cfg.QueueBackend == "local" {
			local := queue.NewLocal(1024)
			n.closers = append(n.closers, local.Close)
			n.Queue = local
		} else {
			n.Queue = queue.New(rdb, cfg.KeyPrefix, "publish")
		}
	}

	pub := b.Publisher
	if pub == nil {
		pub = publisher.NewHTTPClient(cfg.PublishBaseURL, cfg.PublishAPIKey, cfg.PublishTimeout)
	}

	n.Guard = guard.New(n.Items, guard.Config{
		LockTTL:                  cfg.LockTTL,
		DuplicateWindow:          cfg.DuplicateWindow,
		ScheduledDuplicateWindow: cfg.ScheduledDuplicateWindow,
	}, log)

	n.Timer = timer.New(n.Coord, n.Items, timer.Config{Instance: n.Instance, FallbackDelay: cfg.FallbackDelay}, log)

	wcfg := worker.Config{
		Instance:             n.Instance,
		LockTTL:              cfg.LockTTL,
		MaxAttempts:          cfg.PrimaryMaxAttempts,
		BackoffBase:          cfg.PrimaryBackoffBase,
		BackoffMax:           cfg.PrimaryBackoffMax,
		SecondaryMaxRetries:  cfg.SecondaryMaxRetries,
		SecondaryBackoffBase: cfg.SecondaryBackoffBase,
		FallbackDelay:        cfg.FallbackDelay,
		Concurrency:          cfg.WorkerConcurrency,
		RatePerSec:           cfg.PublishRatePerSec,
		RateBurst:            cfg.PublishRateBurst,
		Location:             loc,
	}
	events := n.Timer.Events()
	disp := worker.NewDispatcher(n.Items, n.Guard, n.Queue, wcfg, log)
	exec := worker.NewExecutor(n.Items, n.Guard, n.Queue, pub, events, wcfg, log)
	n.Pool = worker.NewPool(n.Queue, exec, wcfg, log)
	rec := worker.NewReconciler(n.Items, n.Guard, pub, exec, wcfg, log)

	n.Scanner = scanner.New(n.Items, disp, n.Timer, scanner.Config{Window: cfg.BatchWindow, Limit: cfg.BatchLimit, Location: loc}, log)
	n.Timer.SetHandler(n.Scanner.Handle)

	n.Planner = planner.New(n.Items, n.Guard, events, planner.Config{Location: loc, BulkMinGap: cfg.BulkMinGap}, log)

	n.Maint, err = maintenance.New(rec, n.Timer, maintenance.Config{
		SweepSchedule: cfg.SweepSchedule,
		HeartbeatTTL:  cfg.HeartbeatTTL,
		Location:      loc,
	}, log)
	if err != nil {
		return nil, multierr.Append(err, n.Close())
	}
	return n, nil
}

// Run recovers the armed timer and runs every loop until ctx is done.
func (n *Node) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n.Timer.Run(ctx)
		return nil
	})
	g.Go(func() error {
		n.Maint.Run(ctx)
		return nil
	})
	g.Go(func() error { return n.Pool.Run(ctx) })
	g.Go(func() error {
		// Recover arms the fallback itself on failure.
		_ = n.Timer.Recover(ctx)
		return nil
	})
	return g.Wait()
}

func (n *Node) Close() error {
	var err error
	for i := len(n.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, n.closers[i]())
	}
	n.closers = nil
	return err
}

func instanceID(cfg config.Config) string {
	if cfg.InstanceID != "" {
		return cfg.InstanceID
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "node"
	}
	return host + "-" + uuid.NewString()[:8]
}
