// Package persistence provides durable backends for workflow checkpoints,
// dead letters and idempotency records.
//
// Supported backends:
// - Redis: shared state for distributed executors
// - SQL (gorm: postgres, mysql, sqlite): relational storage with migrations
// - Badger: embedded single-node storage with native TTL
package persistence

import (
	"context"
	"errors"
)

// Common errors
var (
	ErrInvalidInput = errors.New("invalid input")
	ErrStoreClosed  = errors.New("store is closed")
)

// Pinger is implemented by backends that can report their health
type Pinger interface {
	Ping(ctx context.Context) error
}
