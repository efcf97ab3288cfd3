package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// FileArchive writes failed-state artifacts as
// <dir>/<task_id>_<epoch_seconds>.json.
type FileArchive struct {
	dir string
	mu  sync.Mutex
}

func NewFileArchive(dir string) (*FileArchive, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("archive dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileArchive{dir: dir}, nil
}

func (a *FileArchive) Dir() string { return a.dir }

// Write stores record as JSON and returns the artifact path. A second artifact
// for the same task within one second gets a numeric suffix.
func (a *FileArchive) Write(_ context.Context, taskID string, at time.Time, record any) (string, error) {
	if err := validTaskDir(taskID); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	name := fmt.Sprintf("%s_%d", taskID, at.Unix())
	path := filepath.Join(a.dir, name+".json")
	for i := 1; fileExists(path); i++ {
		path = filepath.Join(a.dir, fmt.Sprintf("%s.%d.json", name, i))
	}
	if err := writeFileAtomic(path, data); err != nil {
		return "", err
	}
	return path, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// List returns artifact paths, oldest first.
func (a *FileArchive) List() ([]string, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return nil, err
	}
	type art struct {
		path string
		at   int64
	}
	var arts []art
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		arts = append(arts, art{path: filepath.Join(a.dir, e.Name()), at: a.stamp(e)})
	}
	sort.SliceStable(arts, func(i, j int) bool {
		if arts[i].at != arts[j].at {
			return arts[i].at < arts[j].at
		}
		return arts[i].path < arts[j].path
	})
	out := make([]string, len(arts))
	for i, x := range arts {
		out[i] = x.path
	}
	return out, nil
}

// Prune removes artifacts stamped before olderThan.
func (a *FileArchive) Prune(_ context.Context, olderThan time.Time) (int, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return 0, err
	}
	cutoff := olderThan.Unix()
	n := 0
	var errs []error
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		if a.stamp(e) >= cutoff {
			continue
		}
		if err := os.Remove(filepath.Join(a.dir, e.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// stamp reads the epoch seconds from the file name, falling back to mtime.
func (a *FileArchive) stamp(e os.DirEntry) int64 {
	name := strings.TrimSuffix(e.Name(), ".json")
	if i := strings.LastIndex(name, "_"); i >= 0 {
		sec := name[i+1:]
		if j := strings.IndexByte(sec, '.'); j >= 0 {
			sec = sec[:j]
		}
		if v, err := strconv.ParseInt(sec, 10, 64); err == nil {
			return v
		}
	}
	if info, err := e.Info(); err == nil {
		return info.ModTime().Unix()
	}
	return 0
}
