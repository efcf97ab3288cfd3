package storage

import (
	"errors"
	"time"
)

var (
	ErrClosed        = errors.New("storage closed")
	ErrInvalidTaskID = errors.New("invalid task id")
)

const (
	DriverFile   = "file"
	DriverRedis  = "redis"
	DriverSQLite = "sqlite"

	defaultRedisPrefix = "checkpoint"
	defaultRedisTTL    = 24 * time.Hour

	failedStatesDir = "failed_states"
)

// Config configures the checkpoint backend.
//
// Driver values: "file" (default), "redis", "sqlite".
type Config struct {
	Driver      string
	Path        string        // file: base directory; sqlite: database file
	BusyTimeout time.Duration // sqlite only; 0 means default
	Redis       RedisConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string        // key prefix; default "checkpoint"
	TTL      time.Duration // record and index TTL; default 24h
}
