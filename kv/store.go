// Package kv defines the key-value persistence contract used by the incident
// store, the settings cache and the scan debouncer.
//
// Keys are flat strings. Callers namespace their records with a fixed key
// prefix and enumerate them with Query.
package kv

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("kv: key not found")

// Record is one key/value pair returned by Query.
type Record struct {
	Key   string
	Value []byte
}

// Store is the persistence collaborator.
type Store interface {
	// Get returns the value stored under key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set creates or replaces the value stored under key.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Query returns records whose key starts with prefix, ordered by key.
	// A limit <= 0 means no limit.
	Query(ctx context.Context, prefix string, limit int) ([]Record, error)

	// CompareAndSwap replaces the value under key with next only if the
	// current value equals prev. A nil prev means "key must not exist".
	CompareAndSwap(ctx context.Context, key string, prev, next []byte) (bool, error)
}

// LikePrefix turns a key prefix into a SQL LIKE pattern that matches keys
// starting with prefix. Wildcards inside prefix are escaped with a backslash.
func LikePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}
