package rdsmq

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the set of backing-store primitives the engine needs.
// Every method is a single self-contained command; absence is reported
// through the bool result, never as an error.
type Store interface {
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
	Del(ctx context.Context, key string) error

	ZAdd(ctx context.Context, key string, score int64, member string) error
	ZRem(ctx context.Context, key string, members ...string) (int64, error)
	ZRangeByRank(ctx context.Context, key string, start, stop int64, desc bool) ([]string, error)
	ZScore(ctx context.Context, key, member string) (int64, bool, error)

	LLen(ctx context.Context, key string) (int64, error)
	RPush(ctx context.Context, key string, values ...string) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LRemFirst(ctx context.Context, key, value string) (bool, error)
}

// Promoter is implemented by stores that can move a ready id from a
// pending queue to a ready list in one atomic step.
type Promoter interface {
	Promote(ctx context.Context, queue, list, id string, now int64) (bool, error)
}

// StoreError records which primitive failed.
type StoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreError) Error() string {
	return "rdsmq: " + e.Op + " " + e.Key + ": " + e.Err.Error()
}

func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Key: key, Err: err}
}

// opOf returns the failing primitive name for logging and metrics.
func opOf(err error) string {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Op
	}
	return "unknown"
}

// RedisStore implements Store on go-redis. It works with *redis.Client,
// *redis.ClusterClient and anything else satisfying redis.Cmdable.
type RedisStore struct {
	cmd     redis.Cmdable
	timeout time.Duration
}

// NewRedisStore wraps cmd. A timeout > 0 bounds every call.
func NewRedisStore(cmd redis.Cmdable, timeout time.Duration) *RedisStore {
	return &RedisStore{cmd: cmd, timeout: timeout}
}

func (s *RedisStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *RedisStore) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return storeErr("setex", key, s.cmd.SetEx(ctx, key, value, ttl).Err())
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	v, err := s.cmd.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", false, nil
		}
		return "", false, storeErr("get", key, err)
	}
	return v, true, nil
}

func (s *RedisStore) Del(ctx context.Context, key string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return storeErr("del", key, s.cmd.Del(ctx, key).Err())
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, score int64, member string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return storeErr("zadd", key, s.cmd.ZAdd(ctx, key, redis.Z{Score: float64(score), Member: member}).Err())
}

func (s *RedisStore) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	n, err := s.cmd.ZRem(ctx, key, args...).Result()
	return n, storeErr("zrem", key, err)
}

func (s *RedisStore) ZRangeByRank(ctx context.Context, key string, start, stop int64, desc bool) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var cmd *redis.StringSliceCmd
	if desc {
		cmd = s.cmd.ZRevRange(ctx, key, start, stop)
	} else {
		cmd = s.cmd.ZRange(ctx, key, start, stop)
	}
	ids, err := cmd.Result()
	if err != nil {
		return nil, storeErr("zrange", key, err)
	}
	return ids, nil
}

func (s *RedisStore) ZScore(ctx context.Context, key, member string) (int64, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	f, err := s.cmd.ZScore(ctx, key, member).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, false, nil
		}
		return 0, false, storeErr("zscore", key, err)
	}
	return int64(f), true, nil
}

func (s *RedisStore) LLen(ctx context.Context, key string) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	n, err := s.cmd.LLen(ctx, key).Result()
	return n, storeErr("llen", key, err)
}

func (s *RedisStore) RPush(ctx context.Context, key string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return storeErr("rpush", key, s.cmd.RPush(ctx, key, args...).Err())
}

func (s *RedisStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	ids, err := s.cmd.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, storeErr("lrange", key, err)
	}
	return ids, nil
}

func (s *RedisStore) LRemFirst(ctx context.Context, key, value string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	n, err := s.cmd.LRem(ctx, key, 1, value).Result()
	if err != nil {
		return false, storeErr("lrem", key, err)
	}
	return n > 0, nil
}

// KEYS[1] pending zset, KEYS[2] ready list, ARGV[1] id, ARGV[2] now (ms).
var promoteScript = redis.NewScript(`
local s = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not s then
  return 0
end
if tonumber(s) > tonumber(ARGV[2]) then
  return 0
end
redis.call('RPUSH', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[1], ARGV[1])
return 1
`)

// Promote runs the score check, push and removal as one script.
// On Redis Cluster both keys must hash to the same slot (use a {tag}).
func (s *RedisStore) Promote(ctx context.Context, queue, list, id string, now int64) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	n, err := promoteScript.Run(ctx, s.cmd, []string{queue, list}, id, strconv.FormatInt(now, 10)).Int64()
	if err != nil {
		return false, storeErr("promote", queue, err)
	}
	return n == 1, nil
}
