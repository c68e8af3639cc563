// Package store provides the persistence layer: a small key/value contract,
// Redis and SQLite backends, and a write coalescer that batches rapid
// settings churn into fewer backend writes.
package store

import "context"

// KV is the minimal key/value contract the rest of the daemon persists
// through. Get reports found=false for missing keys rather than an error.
type KV interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}
