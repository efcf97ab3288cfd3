package storage

import (
	"errors"
	"path/filepath"
	"strings"

	"taskmesh/internal/checkpoint"
	logx "taskmesh/pkg/logx"
)

// Open initializes the configured checkpoint backend.
func Open(cfg Config, log logx.Logger) (checkpoint.Backend, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = DriverFile
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("driver", driver))

	switch driver {
	case DriverFile:
		return openFile(cfg, log)
	case DriverRedis:
		return openRedis(cfg, log)
	case DriverSQLite, "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// DefaultArchiveDir is where failed-state artifacts go when no archive
// directory is configured.
func DefaultArchiveDir(cfg Config) string {
	base := strings.TrimSpace(cfg.Path)
	if base == "" {
		base = "."
	}
	if d := strings.ToLower(strings.TrimSpace(cfg.Driver)); d == DriverSQLite || d == "sqlite3" {
		base = filepath.Dir(base)
	}
	return filepath.Join(base, failedStatesDir)
}
