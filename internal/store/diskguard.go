package store

import (
	"fmt"
	"sync"
	"syscall"
	"time"

	kverrors "github.com/devrev/ringdb/internal/errors"
	"go.uber.org/zap"
)

// diskGuard refuses writes once the filesystem holding the data directory
// crosses a usage threshold. Usage is sampled at most once per interval.
type diskGuard struct {
	dataDir       string
	fullPercent   float64
	checkInterval time.Duration
	logger        *zap.Logger

	mu             sync.Mutex
	lastCheck      time.Time
	usagePercent   float64
	availableBytes uint64
}

func newDiskGuard(dataDir string, fullPercent float64, checkInterval time.Duration, logger *zap.Logger) *diskGuard {
	g := &diskGuard{
		dataDir:       dataDir,
		fullPercent:   fullPercent,
		checkInterval: checkInterval,
		logger:        logger,
	}
	if err := g.refresh(); err != nil {
		logger.Warn("Initial disk space check failed", zap.Error(err))
	}
	return g
}

// checkBeforeWrite returns a DiskFull error when the write should be rejected.
func (g *diskGuard) checkBeforeWrite(estimatedBytes uint64) error {
	if g.fullPercent <= 0 {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if time.Since(g.lastCheck) > g.checkInterval {
		if err := g.refresh(); err != nil {
			g.logger.Warn("Disk space check failed", zap.Error(err))
		}
	}

	if g.usagePercent >= g.fullPercent || estimatedBytes > g.availableBytes {
		return kverrors.DiskFull(g.usagePercent, g.availableBytes)
	}
	return nil
}

// refresh must be called with mu held or before the guard is shared.
func (g *diskGuard) refresh() error {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(g.dataDir, &stat); err != nil {
		return fmt.Errorf("failed to stat filesystem: %w", err)
	}

	total := stat.Blocks * uint64(stat.Bsize)
	available := stat.Bavail * uint64(stat.Bsize)
	g.availableBytes = available
	g.lastCheck = time.Now()
	if total > 0 {
		g.usagePercent = float64(total-available) / float64(total) * 100.0
	}

	if g.usagePercent >= g.fullPercent {
		g.logger.Warn("Disk usage above write threshold",
			zap.Float64("usage_percent", g.usagePercent),
			zap.Float64("threshold", g.fullPercent))
	}
	return nil
}
