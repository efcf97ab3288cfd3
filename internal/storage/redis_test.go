package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"taskmesh/internal/checkpoint"
	logx "taskmesh/pkg/logx"
)

func newMiniRedisBackend(t *testing.T, ttl time.Duration) (*redisBackend, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := newRedisBackend(rdb, RedisConfig{Prefix: "cp:", TTL: ttl}, logx.Nop())
	t.Cleanup(func() { _ = b.Close() })
	return b, mr
}

func TestRedisKeyLayoutAndTTL(t *testing.T) {
	b, mr := newMiniRedisBackend(t, 0)
	cp := sample("job", 1_700_000_000_000)
	if err := b.Save(context.Background(), cp); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if !mr.Exists("cp:" + cp.ID) {
		t.Fatalf("record key missing; keys = %v", mr.Keys())
	}
	members, err := mr.SMembers("cp:task:job")
	if err != nil || len(members) != 1 || members[0] != cp.ID {
		t.Fatalf("index members = %v, %v", members, err)
	}
	if ttl := mr.TTL("cp:" + cp.ID); ttl != 24*time.Hour {
		t.Fatalf("record ttl = %v, want 24h", ttl)
	}
	if ttl := mr.TTL("cp:task:job"); ttl != 24*time.Hour {
		t.Fatalf("index ttl = %v, want 24h", ttl)
	}
}

func TestRedisExpiredRecordsLeaveIndex(t *testing.T) {
	b, mr := newMiniRedisBackend(t, time.Hour)
	ctx := context.Background()
	old := sample("job", 1_000)
	if err := b.Save(ctx, old); err != nil {
		t.Fatalf("Save: %v", err)
	}
	mr.FastForward(30 * time.Minute)
	fresh := sample("job", 2_000)
	if err := b.Save(ctx, fresh); err != nil {
		t.Fatalf("Save: %v", err)
	}
	mr.FastForward(45 * time.Minute)

	if _, err := b.Load(ctx, old.ID); !errors.Is(err, checkpoint.ErrNotFound) {
		t.Fatalf("expired Load err = %v", err)
	}
	if got := listIDs(t, b, "job"); len(got) != 1 || got[0] != fresh.ID {
		t.Fatalf("list = %v, want only the fresh checkpoint", got)
	}
	members, _ := mr.SMembers("cp:task:job")
	if len(members) != 1 {
		t.Fatalf("stale index member not pruned: %v", members)
	}

	mr.FastForward(2 * time.Hour)
	if got := listIDs(t, b, "job"); len(got) != 0 {
		t.Fatalf("list after full expiry = %v", got)
	}
}

func TestRedisUpdateStateRefreshesTTL(t *testing.T) {
	b, mr := newMiniRedisBackend(t, time.Hour)
	ctx := context.Background()
	cp := sample("job", 1_000)
	_ = b.Save(ctx, cp)
	mr.FastForward(50 * time.Minute)
	if err := b.UpdateState(ctx, cp.ID, checkpoint.StateValidated); err != nil {
		t.Fatalf("UpdateState: %v", err)
	}
	if ttl := mr.TTL("cp:" + cp.ID); ttl != time.Hour {
		t.Fatalf("ttl after update = %v, want refreshed 1h", ttl)
	}
}
