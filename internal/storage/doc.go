// Package storage implements checkpoint.Backend.
//
// Drivers:
//   - "file":   one JSON file per checkpoint under <path>/<task_id>/
//   - "redis":  one key per checkpoint with a TTL plus a per-task index set
//   - "sqlite": one row per checkpoint (modernc.org/sqlite, no cgo)
//
// FileArchive stores failed-state artifacts written after recovery gives up.
package storage
