package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"taskmesh/internal/checkpoint"
	logx "taskmesh/pkg/logx"
)

func TestFileLayoutAndIndexRebuild(t *testing.T) {
	base := t.TempDir()
	b, err := Open(Config{Driver: DriverFile, Path: base}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	cp := sample("deploy", 1_700_000_000_000)
	if err := b.Save(context.Background(), cp); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(filepath.Join(base, "deploy", cp.ID+".json")); err != nil {
		t.Fatalf("checkpoint file missing: %v", err)
	}
	_ = b.Close()

	reopened, err := Open(Config{Driver: DriverFile, Path: base}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if got, err := reopened.Load(context.Background(), cp.ID); err != nil || got.TaskID != "deploy" {
		t.Fatalf("Load after reopen = %+v, %v", got, err)
	}
}

func TestFileRejectsEscapingTaskIDs(t *testing.T) {
	b, err := Open(Config{Driver: DriverFile, Path: t.TempDir()}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()
	for _, id := range []string{"..", "a/b", `a\b`, failedStatesDir, ""} {
		cp := checkpoint.Checkpoint{ID: "x_1", TaskID: id}
		if err := b.Save(context.Background(), cp); !errors.Is(err, ErrInvalidTaskID) {
			t.Fatalf("task id %q: err = %v", id, err)
		}
	}
}

func TestFileClosedBackend(t *testing.T) {
	b, err := Open(Config{Driver: DriverFile, Path: t.TempDir()}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = b.Close()
	if err := b.Save(context.Background(), sample("t", 1)); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}
