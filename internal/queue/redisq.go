package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
)

// moveDue pops due members off the delay ZSET and pushes them onto the ready
// list in one step, so two promoters never move the same job twice.
var moveDue = r.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('LPUSH', KEYS[2], id)
end
return #ids
`)

type RedisQ struct {
	rdb   *r.Client
	ready string
	delay string
}

func New(rdb *r.Client, prefix, name string) *RedisQ {
	if prefix != "" {
		prefix += ":"
	}
	return &RedisQ{rdb: rdb, ready: prefix + "queue:" + name, delay: prefix + "delay:" + name}
}

func (q *RedisQ) Enqueue(ctx context.Context, job Job, runAt time.Time) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	b, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "encode job")
	}
	if time.Until(runAt) > 0 {
		return errors.Wrap(q.rdb.ZAdd(ctx, q.delay, r.Z{Score: float64(runAt.UnixMilli()), Member: string(b)}).Err(), "enqueue delayed")
	}
	return errors.Wrap(q.rdb.LPush(ctx, q.ready, string(b)).Err(), "enqueue")
}

func (q *RedisQ) Dequeue(ctx context.Context, block time.Duration) (Job, error) {
	res, err := q.rdb.BRPop(ctx, block, q.ready).Result()
	if errors.Is(err, r.Nil) {
		return Job{}, ErrEmpty
	}
	if err != nil {
		return Job{}, errors.Wrap(err, "dequeue")
	}
	if len(res) != 2 {
		return Job{}, ErrEmpty
	}
	var job Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return Job{}, errors.Wrap(err, "decode job")
	}
	return job, nil
}

func (q *RedisQ) MoveDue(ctx context.Context, now time.Time, batch int64) (int, error) {
	n, err := moveDue.Run(ctx, q.rdb, []string{q.delay, q.ready}, fmt.Sprintf("%d", now.UnixMilli()), batch).Int()
	if err != nil {
		return 0, errors.Wrap(err, "move due jobs")
	}
	return n, nil
}

func (q *RedisQ) NextDue(ctx context.Context) (time.Time, bool, error) {
	zs, err := q.rdb.ZRangeWithScores(ctx, q.delay, 0, 0).Result()
	if err != nil {
		return time.Time{}, false, errors.Wrap(err, "peek delayed jobs")
	}
	if len(zs) == 0 {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(int64(zs[0].Score)), true, nil
}

func (q *RedisQ) Close() error { return q.rdb.Close() }
