// Package guard provides the idempotency and execution-lock primitives that
// keep every scheduled occurrence to at most one in-flight publish.
package guard

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/SirClappington/pubsched/internal/domain"
	"github.com/SirClappington/pubsched/internal/storage"
)

// tokenNamespace scopes idempotency tokens (UUIDv5) to this system.
var tokenNamespace = uuid.MustParse("8f0c7a4e-3d61-4c52-9a77-5b1e2f9d0c11")

// Token derives the idempotency token for one scheduled occurrence of an
// item. The same (id, scheduledAt) pair always yields the same token.
func Token(id string, scheduledAt time.Time) string {
	key := id + "|" + strconv.FormatInt(scheduledAt.UTC().UnixMilli(), 10)
	return uuid.NewSHA1(tokenNamespace, []byte(key)).String()
}

// Fingerprint hashes normalised content together with the sorted media
// references. Unicode form, case and whitespace runs do not change it.
func Fingerprint(content string, media []string) string {
	h := xxhash.New()
	_, _ = h.WriteString(normalize(content))
	refs := append([]string(nil), media...)
	for i := range refs {
		refs[i] = strings.TrimSpace(refs[i])
	}
	sort.Strings(refs)
	for _, m := range refs {
		if m == "" {
			continue
		}
		_, _ = h.WriteString("\x00")
		_, _ = h.WriteString(m)
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

func normalize(s string) string {
	s = norm.NFKC.String(s)
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// LockHeldError reports lock contention. It is expected and non-fatal.
type LockHeldError struct {
	ItemID    string
	Holder    string
	ExpiresAt time.Time
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("item %s: lock held by %s until %s", e.ItemID, e.Holder, e.ExpiresAt.UTC().Format(time.RFC3339))
}

func IsLockHeld(err error) bool {
	var le *LockHeldError
	return errors.As(err, &le)
}

type Config struct {
	LockTTL                  time.Duration
	DuplicateWindow          time.Duration
	ScheduledDuplicateWindow time.Duration
}

type Guard struct {
	store storage.ItemStore
	cfg   Config
	log   *zap.Logger
	now   func() time.Time
}

func New(store storage.ItemStore, cfg Config, log *zap.Logger) *Guard {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	if cfg.DuplicateWindow <= 0 {
		cfg.DuplicateWindow = 24 * time.Hour
	}
	if cfg.ScheduledDuplicateWindow <= 0 {
		cfg.ScheduledDuplicateWindow = 72 * time.Hour
	}
	return &Guard{store: store, cfg: cfg, log: log.Named("guard"), now: time.Now}
}

// WithClock replaces the time source; used by tests.
func (g *Guard) WithClock(now func() time.Time) *Guard {
	g.now = now
	return g
}

func (g *Guard) LockTTL() time.Duration { return g.cfg.LockTTL }

// AcquireLock takes the execution lock for ttl (the configured TTL when ttl
// is zero). Contention yields a *LockHeldError.
func (g *Guard) AcquireLock(ctx context.Context, id, holder string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = g.cfg.LockTTL
	}
	now := g.now()
	cur, ok, err := g.store.AcquireLock(ctx, id, holder, now, now.Add(ttl))
	if err != nil {
		return errors.Wrapf(err, "acquire lock %s", id)
	}
	if !ok {
		return &LockHeldError{ItemID: id, Holder: cur.Holder, ExpiresAt: cur.ExpiresAt}
	}
	return nil
}

// ExtendLock pushes the expiry out by ttl; false means the lock was lost.
func (g *Guard) ExtendLock(ctx context.Context, id, holder string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = g.cfg.LockTTL
	}
	now := g.now()
	ok, err := g.store.ExtendLock(ctx, id, holder, now, now.Add(ttl))
	return ok, errors.Wrapf(err, "extend lock %s", id)
}

// ReleaseLock is idempotent. An empty holder releases whoever holds it.
func (g *Guard) ReleaseLock(ctx context.Context, id, holder string) error {
	return errors.Wrapf(g.store.ReleaseLock(ctx, id, holder), "release lock %s", id)
}

// SweepExpiredLocks clears every lock past its expiry, whether or not the
// holder is still around.
func (g *Guard) SweepExpiredLocks(ctx context.Context) (int64, error) {
	n, err := g.store.SweepExpiredLocks(ctx, g.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		g.log.Info("swept expired locks", zap.Int64("count", n))
	}
	return n, nil
}

// IsDuplicate reports whether another item with the same fingerprint was
// published (or is publishing) within the duplicate window. With strict set,
// SCHEDULED items within the scheduled window around at also count.
func (g *Guard) IsDuplicate(ctx context.Context, fingerprint, excludeID string, at time.Time, strict bool) (bool, error) {
	if fingerprint == "" {
		return false, nil
	}
	n, err := g.store.CountFingerprint(ctx, storage.FingerprintQuery{
		Fingerprint: fingerprint,
		ExcludeID:   excludeID,
		Statuses:    []domain.Status{domain.Published, domain.Publishing},
		ActiveSince: g.now().Add(-g.cfg.DuplicateWindow),
	})
	if err != nil {
		return false, errors.Wrap(err, "duplicate check")
	}
	if n > 0 || !strict {
		return n > 0, nil
	}
	n, err = g.store.CountFingerprint(ctx, storage.FingerprintQuery{
		Fingerprint:  fingerprint,
		ExcludeID:    excludeID,
		Statuses:     []domain.Status{domain.Scheduled},
		ScheduledMin: at.Add(-g.cfg.ScheduledDuplicateWindow),
		ScheduledMax: at.Add(g.cfg.ScheduledDuplicateWindow),
	})
	if err != nil {
		return false, errors.Wrap(err, "duplicate check")
	}
	return n > 0, nil
}
