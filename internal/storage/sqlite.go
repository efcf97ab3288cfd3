package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"taskmesh/internal/checkpoint"
	logx "taskmesh/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteBackend struct {
	db  *sql.DB
	log logx.Logger
}

var (
	_ checkpoint.Backend = (*sqliteBackend)(nil)
	_ checkpoint.Expirer = (*sqliteBackend)(nil)
)

func openSQLite(cfg Config, log logx.Logger) (checkpoint.Backend, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	b := &sqliteBackend{db: db, log: log}
	if err := b.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

func (b *sqliteBackend) migrate(ctx context.Context) error {
	data, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, string(data))
	return err
}

func (b *sqliteBackend) Save(ctx context.Context, cp checkpoint.Checkpoint) error {
	if strings.TrimSpace(cp.TaskID) == "" {
		return ErrInvalidTaskID
	}
	payload, err := jsonOrNil(cp.Payload)
	if err != nil {
		return err
	}
	meta, err := jsonOrNil(cp.Metadata)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx,
		`INSERT INTO checkpoints(id, task_id, agent_id, ts_ms, state, progress, payload, metadata)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   task_id=excluded.task_id, agent_id=excluded.agent_id, ts_ms=excluded.ts_ms,
		   state=excluded.state, progress=excluded.progress,
		   payload=excluded.payload, metadata=excluded.metadata`,
		cp.ID, cp.TaskID, cp.AgentID, cp.Timestamp.UnixMilli(), string(cp.State), cp.Progress, payload, meta,
	)
	return err
}

const selectCols = `SELECT id, task_id, agent_id, ts_ms, state, progress, payload, metadata FROM checkpoints`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(r rowScanner) (checkpoint.Checkpoint, error) {
	var (
		cp            checkpoint.Checkpoint
		ms            int64
		state         string
		payload, meta sql.NullString
	)
	if err := r.Scan(&cp.ID, &cp.TaskID, &cp.AgentID, &ms, &state, &cp.Progress, &payload, &meta); err != nil {
		return cp, err
	}
	cp.Timestamp = time.UnixMilli(ms).UTC()
	cp.State = checkpoint.State(state)
	if payload.Valid {
		if err := json.Unmarshal([]byte(payload.String), &cp.Payload); err != nil {
			return cp, err
		}
	}
	if meta.Valid {
		if err := json.Unmarshal([]byte(meta.String), &cp.Metadata); err != nil {
			return cp, err
		}
	}
	return cp, nil
}

func (b *sqliteBackend) Load(ctx context.Context, id string) (checkpoint.Checkpoint, error) {
	cp, err := scanCheckpoint(b.db.QueryRowContext(ctx, selectCols+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return cp, checkpoint.ErrNotFound
	}
	return cp, err
}

func (b *sqliteBackend) List(ctx context.Context, taskID string) ([]checkpoint.Checkpoint, error) {
	rows, err := b.db.QueryContext(ctx, selectCols+` WHERE task_id = ? ORDER BY ts_ms`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []checkpoint.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (b *sqliteBackend) Delete(ctx context.Context, id string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE id = ?`, id)
	return err
}

func (b *sqliteBackend) DeleteAll(ctx context.Context, taskID string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE task_id = ?`, taskID)
	return err
}

func (b *sqliteBackend) UpdateState(ctx context.Context, id string, st checkpoint.State) error {
	res, err := b.db.ExecContext(ctx, `UPDATE checkpoints SET state = ? WHERE id = ?`, string(st), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return checkpoint.ErrNotFound
	}
	return nil
}

func (b *sqliteBackend) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE ts_ms < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (b *sqliteBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func jsonOrNil(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
