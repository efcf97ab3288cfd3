package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"taskmesh/internal/checkpoint"
	logx "taskmesh/pkg/logx"
)

const checkpointExt = ".json"

// fileBackend stores checkpoints as JSON files:
//
//	<base>/<task_id>/<checkpoint_id>.json
//
// An id -> task index is built once at open so Load never scans directories.
// Writes go to a temp file and are renamed into place.
type fileBackend struct {
	base string
	log  logx.Logger

	mu     sync.Mutex
	index  map[string]string // checkpoint id -> task id
	closed bool
}

var (
	_ checkpoint.Backend = (*fileBackend)(nil)
	_ checkpoint.Expirer = (*fileBackend)(nil)
)

func openFile(cfg Config, log logx.Logger) (checkpoint.Backend, error) {
	base := strings.TrimSpace(cfg.Path)
	if base == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, err
	}
	b := &fileBackend{base: base, log: log, index: map[string]string{}}
	if err := b.buildIndex(); err != nil {
		return nil, err
	}
	log.Debug("file backend opened", logx.String("base", base), logx.Int("checkpoints", len(b.index)))
	return b, nil
}

func (b *fileBackend) buildIndex() error {
	dirs, err := os.ReadDir(b.base)
	if err != nil {
		return err
	}
	for _, d := range dirs {
		if !d.IsDir() || d.Name() == failedStatesDir {
			continue
		}
		files, err := os.ReadDir(filepath.Join(b.base, d.Name()))
		if err != nil {
			return err
		}
		for _, f := range files {
			name := f.Name()
			if f.IsDir() || !strings.HasSuffix(name, checkpointExt) {
				continue
			}
			b.index[strings.TrimSuffix(name, checkpointExt)] = d.Name()
		}
	}
	return nil
}

func validTaskDir(taskID string) error {
	switch {
	case taskID == "", taskID == ".", taskID == "..", taskID == failedStatesDir:
		return fmt.Errorf("%w: %q", ErrInvalidTaskID, taskID)
	case strings.ContainsAny(taskID, `/\`), strings.ContainsRune(taskID, 0):
		return fmt.Errorf("%w: %q", ErrInvalidTaskID, taskID)
	}
	return nil
}

func (b *fileBackend) path(taskID, id string) string {
	return filepath.Join(b.base, taskID, id+checkpointExt)
}

func (b *fileBackend) Save(_ context.Context, cp checkpoint.Checkpoint) error {
	if err := validTaskDir(cp.TaskID); err != nil {
		return err
	}
	if strings.ContainsAny(cp.ID, `/\`) || cp.ID == "" {
		return fmt.Errorf("invalid checkpoint id %q", cp.ID)
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if err := writeFileAtomic(b.path(cp.TaskID, cp.ID), data); err != nil {
		return err
	}
	b.index[cp.ID] = cp.TaskID
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func (b *fileBackend) Load(_ context.Context, id string) (checkpoint.Checkpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return checkpoint.Checkpoint{}, ErrClosed
	}
	return b.loadLocked(id)
}

func (b *fileBackend) loadLocked(id string) (checkpoint.Checkpoint, error) {
	taskID, ok := b.index[id]
	if !ok {
		// Files written by another process after open: the id embeds the task id.
		i := strings.LastIndex(id, "_")
		if i <= 0 || validTaskDir(id[:i]) != nil {
			return checkpoint.Checkpoint{}, checkpoint.ErrNotFound
		}
		taskID = id[:i]
	}
	cp, err := readCheckpoint(b.path(taskID, id))
	if errors.Is(err, os.ErrNotExist) {
		delete(b.index, id)
		return checkpoint.Checkpoint{}, checkpoint.ErrNotFound
	}
	if err != nil {
		return checkpoint.Checkpoint{}, err
	}
	b.index[id] = taskID
	return cp, nil
}

func readCheckpoint(path string) (checkpoint.Checkpoint, error) {
	var cp checkpoint.Checkpoint
	data, err := os.ReadFile(path)
	if err != nil {
		return cp, err
	}
	if err := json.Unmarshal(data, &cp); err != nil {
		return cp, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return cp, nil
}

func (b *fileBackend) List(_ context.Context, taskID string) ([]checkpoint.Checkpoint, error) {
	if err := validTaskDir(taskID); err != nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	files, err := os.ReadDir(filepath.Join(b.base, taskID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]checkpoint.Checkpoint, 0, len(files))
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || !strings.HasSuffix(name, checkpointExt) {
			continue
		}
		cp, err := readCheckpoint(filepath.Join(b.base, taskID, name))
		if err != nil {
			b.log.Warn("skipping unreadable checkpoint", logx.String("file", name), logx.Err(err))
			continue
		}
		b.index[cp.ID] = taskID
		out = append(out, cp)
	}
	return out, nil
}

func (b *fileBackend) Delete(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	taskID, ok := b.index[id]
	if !ok {
		return nil
	}
	delete(b.index, id)
	err := os.Remove(b.path(taskID, id))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (b *fileBackend) DeleteAll(_ context.Context, taskID string) error {
	if err := validTaskDir(taskID); err != nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if err := os.RemoveAll(filepath.Join(b.base, taskID)); err != nil {
		return err
	}
	for id, t := range b.index {
		if t == taskID {
			delete(b.index, id)
		}
	}
	return nil
}

// UpdateState loads the checkpoint and writes it back with the new state.
func (b *fileBackend) UpdateState(_ context.Context, id string, st checkpoint.State) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	cp, err := b.loadLocked(id)
	if err != nil {
		return err
	}
	cp.State = st
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	return writeFileAtomic(b.path(cp.TaskID, cp.ID), data)
}

func (b *fileBackend) DeleteOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrClosed
	}
	n := 0
	var errs []error
	for id, taskID := range b.index {
		p := b.path(taskID, id)
		cp, err := readCheckpoint(p)
		if errors.Is(err, os.ErrNotExist) {
			delete(b.index, id)
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !cp.Timestamp.Before(cutoff) {
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		delete(b.index, id)
		n++
	}
	return n, errors.Join(errs...)
}

func (b *fileBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
