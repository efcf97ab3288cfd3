package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"taskmesh/internal/checkpoint"
	logx "taskmesh/pkg/logx"
)

// redisBackend keeps each checkpoint under <prefix>:<checkpoint_id> and a
// per-task index set under <prefix>:task:<task_id>. Both carry the TTL, which
// every write refreshes.
type redisBackend struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
	log    logx.Logger
}

var _ checkpoint.Backend = (*redisBackend)(nil)

func openRedis(cfg Config, log logx.Logger) (checkpoint.Backend, error) {
	rc := cfg.Redis
	if strings.TrimSpace(rc.Addr) == "" {
		return nil, errors.New("storage.redis.addr is required for redis driver")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return newRedisBackend(rdb, rc, log), nil
}

func newRedisBackend(rdb *redis.Client, rc RedisConfig, log logx.Logger) *redisBackend {
	prefix := strings.TrimSuffix(strings.TrimSpace(rc.Prefix), ":")
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	ttl := rc.TTL
	if ttl <= 0 {
		ttl = defaultRedisTTL
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &redisBackend{rdb: rdb, prefix: prefix, ttl: ttl, log: log}
}

func (b *redisBackend) key(id string) string         { return b.prefix + ":" + id }
func (b *redisBackend) taskKey(taskID string) string { return b.prefix + ":task:" + taskID }

func (b *redisBackend) Save(ctx context.Context, cp checkpoint.Checkpoint) error {
	if strings.TrimSpace(cp.TaskID) == "" {
		return ErrInvalidTaskID
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	_, err = b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, b.key(cp.ID), data, b.ttl)
		p.SAdd(ctx, b.taskKey(cp.TaskID), cp.ID)
		p.Expire(ctx, b.taskKey(cp.TaskID), b.ttl)
		return nil
	})
	return err
}

func (b *redisBackend) Load(ctx context.Context, id string) (checkpoint.Checkpoint, error) {
	var cp checkpoint.Checkpoint
	data, err := b.rdb.Get(ctx, b.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return cp, checkpoint.ErrNotFound
	}
	if err != nil {
		return cp, err
	}
	if err := json.Unmarshal(data, &cp); err != nil {
		return cp, err
	}
	return cp, nil
}

// List resolves the task index and drops members whose records expired.
func (b *redisBackend) List(ctx context.Context, taskID string) ([]checkpoint.Checkpoint, error) {
	ids, err := b.rdb.SMembers(ctx, b.taskKey(taskID)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = b.key(id)
	}
	vals, err := b.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]checkpoint.Checkpoint, 0, len(vals))
	var stale []any
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var cp checkpoint.Checkpoint
		if err := json.Unmarshal([]byte(s), &cp); err != nil {
			b.log.Warn("skipping undecodable checkpoint", logx.String("id", ids[i]), logx.Err(err))
			continue
		}
		out = append(out, cp)
	}
	if len(stale) > 0 {
		if err := b.rdb.SRem(ctx, b.taskKey(taskID), stale...).Err(); err != nil {
			b.log.Debug("index prune failed", logx.String("task", taskID), logx.Err(err))
		}
	}
	return out, nil
}

func (b *redisBackend) Delete(ctx context.Context, id string) error {
	cp, err := b.Load(ctx, id)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, b.key(id))
		p.SRem(ctx, b.taskKey(cp.TaskID), id)
		return nil
	})
	return err
}

func (b *redisBackend) DeleteAll(ctx context.Context, taskID string) error {
	ids, err := b.rdb.SMembers(ctx, b.taskKey(taskID)).Result()
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, b.key(id))
	}
	keys = append(keys, b.taskKey(taskID))
	return b.rdb.Del(ctx, keys...).Err()
}

// UpdateState loads the checkpoint and saves it again, refreshing the TTL.
func (b *redisBackend) UpdateState(ctx context.Context, id string, st checkpoint.State) error {
	cp, err := b.Load(ctx, id)
	if err != nil {
		return err
	}
	cp.State = st
	return b.Save(ctx, cp)
}

func (b *redisBackend) Close() error {
	return b.rdb.Close()
}
