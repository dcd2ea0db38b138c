package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/SirClappington/pubsched/internal/domain"
)

// Store is the Postgres ItemStore (source of truth).
type Store struct{ db *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{db} }

const itemColumns = `id, status, content, media, secondary, scheduled_at, schedule,
content_fingerprint, idempotency_token, occurrence_at, lock_holder, lock_expires_at,
attempts, last_error, external_id, published_at, secondary_status, secondary_retries,
secondary_id, secondary_error, version, created_at, updated_at`

func (s *Store) Create(ctx context.Context, it *domain.Item) error {
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	if it.SecondaryStatus == "" {
		it.SecondaryStatus = domain.SecondaryNone
	}
	sched, secondary, err := encodeItem(it)
	if err != nil {
		return err
	}
	err = s.db.QueryRow(ctx, `insert into items(
id, status, content, media, secondary, scheduled_at, schedule, content_fingerprint,
idempotency_token, occurrence_at, attempts, last_error, external_id, published_at,
secondary_status, secondary_retries, secondary_id, secondary_error, version
) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,1)
returning version, created_at, updated_at`,
		it.ID, it.Status, it.Content, it.Media, secondary, it.ScheduledAt, sched, it.Fingerprint,
		it.IdempotencyToken, it.Occurrence, it.Attempts, it.LastError, it.ExternalID, it.PublishedAt,
		it.SecondaryStatus, it.SecondaryRetries, it.SecondaryID, it.SecondaryError,
	).Scan(&it.Version, &it.CreatedAt, &it.UpdatedAt)
	return errors.Wrap(err, "insert item")
}

func (s *Store) Get(ctx context.Context, id string) (*domain.Item, error) {
	row := s.db.QueryRow(ctx, `select `+itemColumns+` from items where id = $1`, id)
	it, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return it, errors.Wrap(err, "get item")
}

func (s *Store) Update(ctx context.Context, it *domain.Item) error {
	sched, secondary, err := encodeItem(it)
	if err != nil {
		return err
	}
	err = s.db.QueryRow(ctx, `update items set
status = $3, content = $4, media = $5, secondary = $6, scheduled_at = $7, schedule = $8,
content_fingerprint = $9, idempotency_token = $10, occurrence_at = $11, attempts = $12,
last_error = $13, external_id = $14, published_at = $15, secondary_status = $16,
secondary_retries = $17, secondary_id = $18, secondary_error = $19,
version = version + 1, updated_at = now()
where id = $1 and version = $2
returning version, updated_at`,
		it.ID, it.Version, it.Status, it.Content, it.Media, secondary, it.ScheduledAt, sched,
		it.Fingerprint, it.IdempotencyToken, it.Occurrence, it.Attempts, it.LastError,
		it.ExternalID, it.PublishedAt, it.SecondaryStatus, it.SecondaryRetries, it.SecondaryID,
		it.SecondaryError,
	).Scan(&it.Version, &it.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := s.db.QueryRow(ctx, `select exists(select 1 from items where id = $1)`, it.ID).Scan(&exists); err != nil {
			return errors.Wrap(err, "update item")
		}
		if !exists {
			return domain.ErrNotFound
		}
		return domain.ErrConflict
	}
	return errors.Wrap(err, "update item")
}

func (s *Store) Delete(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `delete from items where id = $1`, id)
	if err != nil {
		return errors.Wrap(err, "delete item")
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) ListDue(ctx context.Context, before time.Time, limit int) ([]*domain.Item, error) {
	rows, err := s.db.Query(ctx, `select `+itemColumns+` from items
   where status = 'SCHEDULED' and scheduled_at <= $1
   order by scheduled_at asc limit $2`, before, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list due items")
	}
	return collectItems(rows)
}

func (s *Store) EarliestScheduled(ctx context.Context) (time.Time, bool, error) {
	var at *time.Time
	err := s.db.QueryRow(ctx, `select min(scheduled_at) from items where status = 'SCHEDULED'`).Scan(&at)
	if err != nil {
		return time.Time{}, false, errors.Wrap(err, "earliest scheduled")
	}
	if at == nil {
		return time.Time{}, false, nil
	}
	return *at, true, nil
}

func (s *Store) ListStalled(ctx context.Context, now time.Time, limit int) ([]*domain.Item, error) {
	rows, err := s.db.Query(ctx, `select `+itemColumns+` from items
   where status = 'PUBLISHING'
     and (lock_expires_at is null or lock_expires_at <= $1)
   order by updated_at asc limit $2`, now, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list stalled items")
	}
	return collectItems(rows)
}

func (s *Store) ListSecondaryStalled(ctx context.Context, before time.Time, limit int) ([]*domain.Item, error) {
	rows, err := s.db.Query(ctx, `select `+itemColumns+` from items
   where secondary_status in ('PENDING', 'POSTING') and updated_at <= $1
   order by updated_at asc limit $2`, before, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list stalled secondary actions")
	}
	return collectItems(rows)
}

func (s *Store) CountFingerprint(ctx context.Context, q FingerprintQuery) (int, error) {
	statuses := make([]string, len(q.Statuses))
	for i, st := range q.Statuses {
		statuses[i] = string(st)
	}
	var n int
	err := s.db.QueryRow(ctx, `select count(*) from items
   where content_fingerprint = $1
     and id <> $2
     and status = any($3)
     and ($4::timestamptz is null or
          (case when status = 'PUBLISHED' then coalesce(published_at, updated_at) else updated_at end) >= $4)
     and ($5::timestamptz is null or scheduled_at >= $5)
     and ($6::timestamptz is null or scheduled_at <= $6)`,
		q.Fingerprint, q.ExcludeID, statuses,
		nullTime(q.ActiveSince), nullTime(q.ScheduledMin), nullTime(q.ScheduledMax),
	).Scan(&n)
	return n, errors.Wrap(err, "count fingerprint")
}

func (s *Store) AcquireLock(ctx context.Context, id, holder string, now, expires time.Time) (*domain.Lock, bool, error) {
	var l domain.Lock
	err := s.db.QueryRow(ctx, `update items
    set lock_holder = $2, lock_expires_at = $4
  where id = $1 and (lock_expires_at is null or lock_expires_at <= $3)
  returning lock_holder, lock_expires_at`, id, holder, now, expires).Scan(&l.Holder, &l.ExpiresAt)
	if err == nil {
		return &l, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, errors.Wrap(err, "acquire lock")
	}

	var h *string
	var exp *time.Time
	err = s.db.QueryRow(ctx, `select lock_holder, lock_expires_at from items where id = $1`, id).Scan(&h, &exp)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, domain.ErrNotFound
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "read lock")
	}
	cur := &domain.Lock{}
	if h != nil {
		cur.Holder = *h
	}
	if exp != nil {
		cur.ExpiresAt = *exp
	}
	return cur, false, nil
}

func (s *Store) ExtendLock(ctx context.Context, id, holder string, now, expires time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `update items set lock_expires_at = $4
  where id = $1 and lock_holder = $2 and lock_expires_at > $3`, id, holder, now, expires)
	if err != nil {
		return false, errors.Wrap(err, "extend lock")
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ReleaseLock(ctx context.Context, id, holder string) error {
	_, err := s.db.Exec(ctx, `update items set lock_holder = null, lock_expires_at = null
  where id = $1 and ($2 = '' or lock_holder = $2)`, id, holder)
	return errors.Wrap(err, "release lock")
}

func (s *Store) SweepExpiredLocks(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `update items set lock_holder = null, lock_expires_at = null
  where lock_expires_at is not null and lock_expires_at <= $1`, now)
	if err != nil {
		return 0, errors.Wrap(err, "sweep expired locks")
	}
	return tag.RowsAffected(), nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func encodeItem(it *domain.Item) (sched, secondary []byte, err error) {
	sched, err = domain.EncodeSchedule(it.Schedule)
	if err != nil {
		return nil, nil, err
	}
	if it.Secondary != nil {
		secondary, err = json.Marshal(it.Secondary)
		if err != nil {
			return nil, nil, errors.Wrap(err, "encode secondary payload")
		}
	}
	return sched, secondary, nil
}

func scanItem(row pgx.Row) (*domain.Item, error) {
	var (
		it          domain.Item
		secondary   []byte
		sched       []byte
		lockHolder  *string
		lockExpires *time.Time
	)
	err := row.Scan(
		&it.ID, &it.Status, &it.Content, &it.Media, &secondary, &it.ScheduledAt, &sched,
		&it.Fingerprint, &it.IdempotencyToken, &it.Occurrence, &lockHolder, &lockExpires,
		&it.Attempts, &it.LastError, &it.ExternalID, &it.PublishedAt, &it.SecondaryStatus,
		&it.SecondaryRetries, &it.SecondaryID, &it.SecondaryError, &it.Version,
		&it.CreatedAt, &it.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if it.Schedule, err = domain.DecodeSchedule(sched); err != nil {
		return nil, err
	}
	if len(secondary) > 0 {
		var p domain.SecondaryPayload
		if err := json.Unmarshal(secondary, &p); err != nil {
			return nil, errors.Wrap(err, "decode secondary payload")
		}
		it.Secondary = &p
	}
	if lockHolder != nil && lockExpires != nil {
		it.Lock = &domain.Lock{Holder: *lockHolder, ExpiresAt: *lockExpires}
	}
	return &it, nil
}

func collectItems(rows pgx.Rows) ([]*domain.Item, error) {
	defer rows.Close()
	var out []*domain.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan item")
		}
		out = append(out, it)
	}
	return out, errors.Wrap(rows.Err(), "iterate items")
}
