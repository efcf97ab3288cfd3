// Package checkpoint persists task progress snapshots and tracks their
// lifecycle.
//
// A checkpoint moves through a small state machine:
//
//	created -> validated -> restored
//	created -> corrupted
//
// Only the state field ever changes after a checkpoint is written. Storage is
// pluggable through Backend; internal/storage provides the implementations.
package checkpoint
