package store

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	kverrors "github.com/devrev/ringdb/internal/errors"
	"go.uber.org/zap"
)

const tmpSuffix = ".tmp"

// FileStoreConfig holds configuration for the file backend
type FileStoreConfig struct {
	DataDir string
	// Writes are refused above this disk usage. Zero disables the check.
	DiskFullPercent  float64
	DiskCheckSeconds int
}

// FileStore keeps one file per key. The file name is the hex encoding of the
// key and the contents are the value followed by a CRC32 trailer.
type FileStore struct {
	dir    string
	guard  *diskGuard
	logger *zap.Logger
	mu     sync.RWMutex
}

// NewFileStore creates the data directory if needed and removes leftovers
// from interrupted writes.
func NewFileStore(cfg FileStoreConfig, logger *zap.Logger) (*FileStore, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	entries, err := os.ReadDir(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read data directory: %w", err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), tmpSuffix) {
			_ = os.Remove(filepath.Join(cfg.DataDir, e.Name()))
		}
	}

	interval := time.Duration(cfg.DiskCheckSeconds) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}

	return &FileStore{
		dir:    cfg.DataDir,
		guard:  newDiskGuard(cfg.DataDir, cfg.DiskFullPercent, interval, logger),
		logger: logger,
	}, nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, hex.EncodeToString([]byte(key)))
}

func (s *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key %s: %w", key, err)
	}

	data, ok := stripChecksum(raw)
	if !ok {
		return nil, kverrors.CorruptedData(fmt.Sprintf("checksum mismatch for key %s", key), nil).
			WithDetail("key", key)
	}
	return data, nil
}

func (s *FileStore) Put(_ context.Context, key string, value []byte) (bool, error) {
	if err := s.guard.checkBeforeWrite(uint64(len(value) + checksumSize)); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	target := s.path(key)
	_, statErr := os.Stat(target)
	existed := statErr == nil

	tmp := target + tmpSuffix
	if err := os.WriteFile(tmp, appendChecksum(value), 0o644); err != nil {
		return false, fmt.Errorf("failed to write key %s: %w", key, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return false, fmt.Errorf("failed to commit key %s: %w", key, err)
	}
	return existed, nil
}

func (s *FileStore) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return true, nil
}

func (s *FileStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to read data directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", e.Name(), err)
		}
	}
	s.logger.Info("Cleared file store", zap.String("dir", s.dir), zap.Int("files", len(entries)))
	return nil
}

// ListKeys decodes every file name back into its key. Names that are not
// valid hex are skipped.
func (s *FileStore) ListKeys(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read data directory: %w", err)
	}

	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), tmpSuffix) {
			continue
		}
		raw, err := hex.DecodeString(e.Name())
		if err != nil {
			s.logger.Debug("Skipping foreign file in data directory", zap.String("name", e.Name()))
			continue
		}
		keys = append(keys, string(raw))
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *FileStore) Close() error { return nil }
