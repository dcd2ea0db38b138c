package coord

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
)

var armIfEarlier = r.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'next')
local timer = redis.call('HGET', KEYS[1], 'timer')
if (not cur) or (not timer) or timer == '' or tonumber(ARGV[1]) < tonumber(cur) then
  redis.call('HSET', KEYS[1], 'next', ARGV[1], 'timer', ARGV[2])
  return 1
end
return 0
`)

var compareAndSet = r.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'timer') or ''
if cur ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'next', ARGV[2], 'timer', ARGV[3])
return 1
`)

var deleteIfMatches = r.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'timer') or ''
if cur ~= ARGV[1] then
  return 0
end
redis.call('DEL', KEYS[1])
return 1
`)

// Redis keeps the record in a hash at "<prefix>:scheduler:next" and instance
// liveness in "<prefix>:instance:<id>" keys with a TTL.
type Redis struct {
	rdb    *r.Client
	prefix string
}

func NewRedis(rdb *r.Client, prefix string) *Redis {
	if prefix != "" {
		prefix += ":"
	}
	return &Redis{rdb: rdb, prefix: prefix}
}

func (s *Redis) recordKey() string { return s.prefix + "scheduler:next" }

func (s *Redis) instanceKey(id string) string { return s.prefix + "instance:" + id }

func (s *Redis) Get(ctx context.Context) (Record, error) {
	vals, err := s.rdb.HGetAll(ctx, s.recordKey()).Result()
	if err != nil {
		return Record{}, errors.Wrap(err, "read coordination record")
	}
	var rec Record
	if ms, ok := vals["next"]; ok && ms != "" {
		n, err := strconv.ParseInt(ms, 10, 64)
		if err != nil {
			return Record{}, errors.Wrapf(err, "parse next execution %q", ms)
		}
		at := time.UnixMilli(n).UTC()
		rec.NextExecutionAt = &at
	}
	rec.ActiveTimerID = vals["timer"]
	return rec, nil
}

func (s *Redis) ArmIfEarlier(ctx context.Context, at time.Time, timerID string) (bool, error) {
	n, err := armIfEarlier.Run(ctx, s.rdb, []string{s.recordKey()}, at.UnixMilli(), timerID).Int()
	if err != nil {
		return false, errors.Wrap(err, "arm if earlier")
	}
	return n == 1, nil
}

func (s *Redis) CompareAndSet(ctx context.Context, expected string, at time.Time, timerID string) (bool, error) {
	n, err := compareAndSet.Run(ctx, s.rdb, []string{s.recordKey()}, expected, at.UnixMilli(), timerID).Int()
	if err != nil {
		return false, errors.Wrap(err, "compare and set record")
	}
	return n == 1, nil
}

func (s *Redis) DeleteIfMatches(ctx context.Context, expected string) (bool, error) {
	n, err := deleteIfMatches.Run(ctx, s.rdb, []string{s.recordKey()}, expected).Int()
	if err != nil {
		return false, errors.Wrap(err, "delete record")
	}
	return n == 1, nil
}

func (s *Redis) Heartbeat(ctx context.Context, instance string, ttl time.Duration) error {
	return errors.Wrap(s.rdb.Set(ctx, s.instanceKey(instance), time.Now().UTC().Format(time.RFC3339), ttl).Err(), "heartbeat")
}

func (s *Redis) Alive(ctx context.Context, instance string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.instanceKey(instance)).Result()
	if err != nil {
		return false, errors.Wrap(err, "instance liveness")
	}
	return n == 1, nil
}

func (s *Redis) Close() error { return s.rdb.Close() }
