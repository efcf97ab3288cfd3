package storage

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"taskmesh/internal/checkpoint"
	logx "taskmesh/pkg/logx"
)

func openBackends(t *testing.T) map[string]checkpoint.Backend {
	t.Helper()
	mr := miniredis.RunT(t)

	cfgs := map[string]Config{
		DriverFile:   {Driver: DriverFile, Path: filepath.Join(t.TempDir(), "checkpoints")},
		DriverSQLite: {Driver: DriverSQLite, Path: filepath.Join(t.TempDir(), "checkpoints.db"), BusyTimeout: time.Second},
		DriverRedis:  {Driver: DriverRedis, Redis: RedisConfig{Addr: mr.Addr(), Prefix: "cp"}},
	}
	out := map[string]checkpoint.Backend{}
	for name, cfg := range cfgs {
		b, err := Open(cfg, logx.Nop())
		if err != nil {
			t.Fatalf("open %s: %v", name, err)
		}
		t.Cleanup(func() { _ = b.Close() })
		out[name] = b
	}
	return out
}

func sample(taskID string, ms int64) checkpoint.Checkpoint {
	return checkpoint.Checkpoint{
		ID:        taskID + "_" + time.UnixMilli(ms).UTC().Format("150405.000"),
		TaskID:    taskID,
		AgentID:   "agent-1",
		Timestamp: time.UnixMilli(ms).UTC(),
		State:     checkpoint.StateCreated,
		Progress:  0.5,
		Payload:   map[string]any{"step": 3.0, "note": "x"},
		Metadata:  map[string]any{"auto": true},
	}
}

func listIDs(t *testing.T, b checkpoint.Backend, taskID string) []string {
	t.Helper()
	list, err := b.List(context.Background(), taskID)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var ids []string
	for _, cp := range list {
		ids = append(ids, cp.ID)
	}
	sort.Strings(ids)
	return ids
}

func TestBackendRoundTrip(t *testing.T) {
	for name, b := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			cp := sample("build-7", 1_700_000_000_123)
			if err := b.Save(ctx, cp); err != nil {
				t.Fatalf("Save: %v", err)
			}
			got, err := b.Load(ctx, cp.ID)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if got.ID != cp.ID || got.TaskID != cp.TaskID || got.AgentID != cp.AgentID || got.Progress != cp.Progress {
				t.Fatalf("loaded = %+v, want %+v", got, cp)
			}
			if !got.Timestamp.Equal(cp.Timestamp) {
				t.Fatalf("timestamp = %v, want %v", got.Timestamp, cp.Timestamp)
			}
			if got.Payload["step"] != 3.0 || got.Payload["note"] != "x" || got.Metadata["auto"] != true {
				t.Fatalf("payload/metadata = %v / %v", got.Payload, got.Metadata)
			}

			if _, err := b.Load(ctx, "missing_1"); !errors.Is(err, checkpoint.ErrNotFound) {
				t.Fatalf("Load missing err = %v", err)
			}
		})
	}
}

func TestBackendPayloadComesBackJSONNative(t *testing.T) {
	for name, b := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			cp := sample("typed-1", 1_700_000_000_456)
			cp.Payload = map[string]any{
				"step":  3,
				"files": []string{"a.go"},
				"env":   map[string]string{"GOOS": "linux"},
			}
			if err := b.Save(ctx, cp); err != nil {
				t.Fatalf("Save: %v", err)
			}
			got, err := b.Load(ctx, cp.ID)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			want := map[string]any{
				"step":  3.0,
				"files": []any{"a.go"},
				"env":   map[string]any{"GOOS": "linux"},
			}
			if !reflect.DeepEqual(got.Payload, want) {
				t.Fatalf("payload = %#v, want %#v", got.Payload, want)
			}

			native := sample("typed-2", 1_700_000_000_789)
			native.Payload = want
			if err := b.Save(ctx, native); err != nil {
				t.Fatalf("Save native: %v", err)
			}
			again, err := b.Load(ctx, native.ID)
			if err != nil {
				t.Fatalf("Load native: %v", err)
			}
			if !reflect.DeepEqual(again.Payload, native.Payload) {
				t.Fatalf("native payload = %#v, want %#v", again.Payload, native.Payload)
			}
		})
	}
}

func TestBackendUpdateState(t *testing.T) {
	for name, b := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			cp := sample("t1", 1_700_000_000_000)
			if err := b.Save(ctx, cp); err != nil {
				t.Fatalf("Save: %v", err)
			}
			if err := b.UpdateState(ctx, cp.ID, checkpoint.StateValidated); err != nil {
				t.Fatalf("UpdateState: %v", err)
			}
			got, _ := b.Load(ctx, cp.ID)
			if got.State != checkpoint.StateValidated || got.Payload["note"] != "x" {
				t.Fatalf("after update = %+v", got)
			}
			if err := b.UpdateState(ctx, "t1_0", checkpoint.StateRestored); !errors.Is(err, checkpoint.ErrNotFound) {
				t.Fatalf("update missing err = %v", err)
			}
		})
	}
}

func TestBackendListAndDelete(t *testing.T) {
	for name, b := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a1, a2 := sample("a", 1_000), sample("a", 2_000)
			other := sample("b", 3_000)
			for _, cp := range []checkpoint.Checkpoint{a1, a2, other} {
				if err := b.Save(ctx, cp); err != nil {
					t.Fatalf("Save: %v", err)
				}
			}
			if got := listIDs(t, b, "a"); len(got) != 2 {
				t.Fatalf("list a = %v", got)
			}
			if got := listIDs(t, b, "nobody"); len(got) != 0 {
				t.Fatalf("list unknown = %v", got)
			}

			if err := b.Delete(ctx, a1.ID); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if err := b.Delete(ctx, a1.ID); err != nil {
				t.Fatalf("second Delete: %v", err)
			}
			if got := listIDs(t, b, "a"); len(got) != 1 || got[0] != a2.ID {
				t.Fatalf("after delete = %v", got)
			}

			if err := b.DeleteAll(ctx, "a"); err != nil {
				t.Fatalf("DeleteAll: %v", err)
			}
			if got := listIDs(t, b, "a"); len(got) != 0 {
				t.Fatalf("after delete all = %v", got)
			}
			if got := listIDs(t, b, "b"); len(got) != 1 {
				t.Fatalf("other task affected: %v", got)
			}
		})
	}
}

func TestExpirerBackends(t *testing.T) {
	for name, b := range openBackends(t) {
		ex, ok := b.(checkpoint.Expirer)
		if !ok {
			continue
		}
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			old, fresh := sample("t", 1_000), sample("t", 10_000)
			_ = b.Save(ctx, old)
			_ = b.Save(ctx, fresh)
			n, err := ex.DeleteOlderThan(ctx, time.UnixMilli(5_000))
			if err != nil || n != 1 {
				t.Fatalf("DeleteOlderThan = %d, %v", n, err)
			}
			if got := listIDs(t, b, "t"); len(got) != 1 || got[0] != fresh.ID {
				t.Fatalf("remaining = %v", got)
			}
		})
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "etcd"}, logx.Nop()); err == nil {
		t.Fatalf("unknown driver accepted")
	}
	if _, err := Open(Config{Driver: DriverRedis}, logx.Nop()); err == nil {
		t.Fatalf("redis without addr accepted")
	}
}
