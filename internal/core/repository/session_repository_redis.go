package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/duynhne/session-store/internal/core/domain"
)

// ErrRedisUnavailable wraps transport failures talking to Redis.
var ErrRedisUnavailable = errors.New("redis unavailable")

// DefaultRedisPrefix namespaces all keys written by RedisSessionRepository.
const DefaultRedisPrefix = "session:"

const insertSessionScript = `
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1], "data", ARGV[2], "created_at", ARGV[3], "updated_at", ARGV[3])
redis.call("ZADD", KEYS[2], ARGV[3], ARGV[1])
return 1
`

const updateSessionScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
redis.call("HSET", KEYS[1], "data", ARGV[2], "updated_at", ARGV[3])
redis.call("ZADD", KEYS[2], ARGV[3], ARGV[1])
return 1
`

const rekeySessionScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
if redis.call("EXISTS", KEYS[2]) == 1 then
  return -1
end
redis.call("RENAME", KEYS[1], KEYS[2])
local score = redis.call("ZSCORE", KEYS[3], ARGV[1])
redis.call("ZREM", KEYS[3], ARGV[1])
if score then
  redis.call("ZADD", KEYS[3], score, ARGV[2])
end
return 1
`

const trimSessionsScript = `
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", "(" .. ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
  redis.call("DEL", ARGV[3] .. id)
  redis.call("ZREM", KEYS[1], id)
end
return #ids
`

var (
	insertSessionLua = redis.NewScript(insertSessionScript)
	updateSessionLua = redis.NewScript(updateSessionScript)
	rekeySessionLua  = redis.NewScript(rekeySessionScript)
	trimSessionsLua  = redis.NewScript(trimSessionsScript)
)

// RedisSessionRepository implements domain.SessionRepository on Redis.
// Each session is a hash under <prefix>row:<id>; a sorted set under
// <prefix>index scores ids by last write for trimming and scanning.
type RedisSessionRepository struct {
	rdb    redis.UniversalClient
	prefix string
	schema domain.Schema
	now    func() time.Time
}

// NewRedisSessionRepository creates a RedisSessionRepository. Options.DataLimit
// bounds the stored payload; Options.Table is ignored.
func NewRedisSessionRepository(rdb redis.UniversalClient, prefix string, opts Options) *RedisSessionRepository {
	opts = opts.withDefaults()
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisSessionRepository{
		rdb:    rdb,
		prefix: prefix,
		now:    opts.Now,
		schema: domain.Schema{
			Table:      prefix,
			KeyColumn:  "key",
			DataColumn: "data",
			DataLimit:  opts.DataLimit,
			Timestamps: true,
		},
	}
}

func (r *RedisSessionRepository) rowKey(id string) string {
	return r.rowPrefix() + id
}

func (r *RedisSessionRepository) rowPrefix() string {
	return r.prefix + "row:"
}

func (r *RedisSessionRepository) indexKey() string {
	return r.prefix + "index"
}

// Schema returns the key layout.
func (r *RedisSessionRepository) Schema() domain.Schema {
	return r.schema
}

// FindByStorageID looks up the row stored under id.
// Returns (nil, nil) when no row matches.
func (r *RedisSessionRepository) FindByStorageID(ctx context.Context, id string) (*domain.StoredSession, error) {
	data, err := r.rdb.HGet(ctx, r.rowKey(id), "data").Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return &domain.StoredSession{StorageID: id, Data: data}, nil
}

// Insert stores a new row.
func (r *RedisSessionRepository) Insert(ctx context.Context, id, data string) error {
	n, err := insertSessionLua.Run(ctx, r.rdb,
		[]string{r.rowKey(id), r.indexKey()},
		id, data, r.now().Unix(),
	).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if n == 0 {
		return domain.ErrDuplicateKey
	}
	return nil
}

// Update replaces the data of the row stored under id.
func (r *RedisSessionRepository) Update(ctx context.Context, id, data string) (bool, error) {
	n, err := updateSessionLua.Run(ctx, r.rdb,
		[]string{r.rowKey(id), r.indexKey()},
		id, data, r.now().Unix(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return n == 1, nil
}

// Rekey moves a row to a new storage id.
func (r *RedisSessionRepository) Rekey(ctx context.Context, from, to string) error {
	n, err := rekeySessionLua.Run(ctx, r.rdb,
		[]string{r.rowKey(from), r.rowKey(to), r.indexKey()},
		from, to,
	).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	switch n {
	case 0:
		return domain.ErrSessionMissing
	case -1:
		return domain.ErrDuplicateKey
	}
	return nil
}

// Delete removes the row stored under id.
func (r *RedisSessionRepository) Delete(ctx context.Context, id string) error {
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.rowKey(id))
		pipe.ZRem(ctx, r.indexKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// DeleteUpdatedBefore removes rows last written before cutoff.
func (r *RedisSessionRepository) DeleteUpdatedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const batch = domain.DefaultScanPageSize

	var total int64
	for {
		n, err := trimSessionsLua.Run(ctx, r.rdb,
			[]string{r.indexKey()},
			cutoff.Unix(), batch, r.rowPrefix(),
		).Int64()
		if err != nil {
			return total, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		total += n
		if n < batch {
			return total, nil
		}
	}
}

// EachStorageID walks the index with ZSCAN. Ids present for the whole scan
// are visited at least once.
func (r *RedisSessionRepository) EachStorageID(ctx context.Context, pageSize int, fn func(id string) error) error {
	if pageSize <= 0 {
		pageSize = domain.DefaultScanPageSize
	}

	var cursor uint64
	for {
		pairs, next, err := r.rdb.ZScan(ctx, r.indexKey(), cursor, "", int64(pageSize)).Result()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		// ZSCAN returns member, score, member, score...
		for i := 0; i < len(pairs); i += 2 {
			if err := fn(pairs[i]); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
