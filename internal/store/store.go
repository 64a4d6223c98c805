// Package store holds the persistent key-value backends a storage node
// writes through its cache to.
package store

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ErrKeyNotFound is returned by Get for a missing key.
var ErrKeyNotFound = errors.New("key not found")

// Store is the persistent layer behind a node. Implementations are safe for
// concurrent use.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Put reports whether the key already existed.
	Put(ctx context.Context, key string, value []byte) (bool, error)
	// Delete reports whether the key existed.
	Delete(ctx context.Context, key string) (bool, error)
	Clear(ctx context.Context) error
	ListKeys(ctx context.Context) ([]string, error)
	Close() error
}

// Backend names a Store implementation.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendFile   Backend = "file"
	BackendRedis  Backend = "redis"
)

// Options selects and configures a backend.
type Options struct {
	Backend Backend

	// file backend
	DataDir          string
	DiskFullPercent  float64
	DiskCheckSeconds int

	// redis backend
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	// Keys are stored under "ringdb:<KeyPrefix>:".
	KeyPrefix string
}

// Open builds the configured backend.
func Open(ctx context.Context, opts Options, logger *zap.Logger) (Store, error) {
	switch opts.Backend {
	case BackendMemory, "":
		return NewMemoryStore(), nil
	case BackendFile:
		return NewFileStore(FileStoreConfig{
			DataDir:          opts.DataDir,
			DiskFullPercent:  opts.DiskFullPercent,
			DiskCheckSeconds: opts.DiskCheckSeconds,
		}, logger)
	case BackendRedis:
		return NewRedisStore(ctx, RedisStoreConfig{
			Addr:     opts.RedisAddr,
			Password: opts.RedisPassword,
			DB:       opts.RedisDB,
			Prefix:   opts.KeyPrefix,
		}, logger)
	}
	return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
}
