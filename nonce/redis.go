package nonce

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// poolTTL is how long returned nonces stay reusable.
	poolTTL = 24 * time.Hour
	// opTimeout bounds every Redis round trip.
	opTimeout = time.Second
)

// Redis key layout per (chain, signer):
//
//	nonce:last:{chain}:{signer}    → last broadcasted nonce (int)
//	nonce:issued:{chain}:{signer}  → last issued nonce (int)
//	nonce:pending:{chain}:{signer} → list of JSON records, ascending nonce
//	nonce_pool:{chain}:{signer}    → sorted set {nonce → nonce}, 24h TTL
func lastKey(k Key) string    { return fmt.Sprintf("nonce:last:%s:%s", k.Chain, k.Signer.Hex()) }
func issuedKey(k Key) string  { return fmt.Sprintf("nonce:issued:%s:%s", k.Chain, k.Signer.Hex()) }
func pendingKey(k Key) string { return fmt.Sprintf("nonce:pending:%s:%s", k.Chain, k.Signer.Hex()) }
func poolKey(k Key) string    { return fmt.Sprintf("nonce_pool:%s:%s", k.Chain, k.Signer.Hex()) }

// acquireScript pops the smallest pooled nonce if any; otherwise issues
// max(onChainNext, lastIssued+1) and records it. Runs atomically so two
// workers can never be handed the same nonce.
var acquireScript = redis.NewScript(`
local popped = redis.call('ZPOPMIN', KEYS[1])
if popped[1] then
  return tonumber(popped[1])
end
local next = tonumber(ARGV[1])
local issued = redis.call('GET', KEYS[2])
if issued and tonumber(issued) + 1 > next then
  next = tonumber(issued) + 1
end
redis.call('SET', KEYS[2], next)
return next
`)

// releaseScript returns an unused nonce to the pool and refreshes the TTL.
var releaseScript = redis.NewScript(`
redis.call('ZADD', KEYS[1], tonumber(ARGV[1]), ARGV[1])
redis.call('EXPIRE', KEYS[1], tonumber(ARGV[2]))
return 1
`)

// pendingPushScript inserts a record keeping ascending nonce order,
// skipping duplicates.
var pendingPushScript = redis.NewScript(`
local nonce = tonumber(ARGV[2])
local items = redis.call('LRANGE', KEYS[1], 0, -1)
for _, item in ipairs(items) do
  local n = tonumber(cjson.decode(item)['nonce'])
  if n == nonce then
    return 0
  end
  if n > nonce then
    redis.call('LINSERT', KEYS[1], 'BEFORE', item, ARGV[1])
    return 1
  end
end
redis.call('RPUSH', KEYS[1], ARGV[1])
return 1
`)

// pendingPopScript removes the record with the given nonce.
var pendingPopScript = redis.NewScript(`
local nonce = tonumber(ARGV[1])
local items = redis.call('LRANGE', KEYS[1], 0, -1)
for _, item in ipairs(items) do
  if tonumber(cjson.decode(item)['nonce']) == nonce then
    redis.call('LREM', KEYS[1], 1, item)
    return 1
  end
end
return 0
`)

// RedisStore implements Store on a Redis instance.
type RedisStore struct {
	rdb *redis.Client
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to the Redis at the given URL
// (redis://[:password@]host:port/db).
func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{rdb: rdb}, nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) Acquire(ctx context.Context, key Key, onChainNext uint64) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	res, err := acquireScript.Run(ctx, s.rdb,
		[]string{poolKey(key), issuedKey(key)}, onChainNext).Int64()
	if err != nil {
		return 0, fmt.Errorf("acquire nonce for %s: %w", key, err)
	}
	return uint64(res), nil
}

func (s *RedisStore) Release(ctx context.Context, key Key, nonce uint64) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := releaseScript.Run(ctx, s.rdb,
		[]string{poolKey(key)}, nonce, int(poolTTL.Seconds())).Err(); err != nil {
		return fmt.Errorf("release nonce %d for %s: %w", nonce, key, err)
	}
	return nil
}

func (s *RedisStore) LastBroadcasted(ctx context.Context, key Key) (uint64, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	res, err := s.rdb.Get(ctx, lastKey(key)).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get last broadcasted for %s: %w", key, err)
	}
	return res, true, nil
}

func (s *RedisStore) SetLastBroadcasted(ctx context.Context, key Key, nonce uint64) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := s.rdb.Set(ctx, lastKey(key), nonce, 0).Err(); err != nil {
		return fmt.Errorf("set last broadcasted for %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) PendingPush(ctx context.Context, key Key, record []byte, nonce uint64) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := pendingPushScript.Run(ctx, s.rdb,
		[]string{pendingKey(key)}, record, nonce).Err(); err != nil {
		return fmt.Errorf("push pending nonce %d for %s: %w", nonce, key, err)
	}
	return nil
}

func (s *RedisStore) PendingPop(ctx context.Context, key Key, nonce uint64) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := pendingPopScript.Run(ctx, s.rdb,
		[]string{pendingKey(key)}, nonce).Err(); err != nil {
		return fmt.Errorf("pop pending nonce %d for %s: %w", nonce, key, err)
	}
	return nil
}

func (s *RedisStore) PendingList(ctx context.Context, key Key) ([][]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	items, err := s.rdb.LRange(ctx, pendingKey(key), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list pending for %s: %w", key, err)
	}
	out := make([][]byte, len(items))
	for i, item := range items {
		out[i] = []byte(item)
	}
	return out, nil
}
