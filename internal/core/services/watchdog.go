package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/khunghaydien/sellbridge-backend/internal/core/ports"
)

// WatchdogConfig controls the webhook audit log auto-purge
type WatchdogConfig struct {
	Interval      time.Duration
	Retention     time.Duration
	DiskThreshold float64 // percent
	BatchSize     int
	Path          string // filesystem probed for usage
}

// Watchdog purges processed webhook logs when the disk fills up
type Watchdog struct {
	repo  ports.WebhookRepository
	cfg   WatchdogConfig
	usage func(ctx context.Context, path string) (float64, error)
	now   func() time.Time
}

// NewWatchdog creates a watchdog over the audit log repository
func NewWatchdog(repo ports.WebhookRepository, cfg WatchdogConfig) *Watchdog {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	return &Watchdog{
		repo:  repo,
		cfg:   cfg,
		usage: diskUsagePercent,
		now:   time.Now,
	}
}

// Run checks resources every Interval until ctx is cancelled
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	slog.Info("Watchdog started",
		"interval", w.cfg.Interval,
		"threshold_percent", w.cfg.DiskThreshold,
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Check(ctx); err != nil {
				slog.Error("Watchdog check failed", "error", err)
			}
		}
	}
}

// Check purges one batch when disk usage is at or above the threshold and
// returns the number of rows removed.
// Only processed logs older than the retention window are eligible.
func (w *Watchdog) Check(ctx context.Context) (int64, error) {
	used, err := w.usage(ctx, w.cfg.Path)
	if err != nil {
		return 0, err
	}

	if used < w.cfg.DiskThreshold {
		slog.Debug("Disk usage OK, no purge needed", "disk_percent", used)
		return 0, nil
	}

	slog.Warn("Disk usage above threshold, purging webhook logs",
		"disk_percent", used,
		"threshold_percent", w.cfg.DiskThreshold,
	)

	cutoff := w.now().Add(-w.cfg.Retention)
	rows, err := w.repo.PurgeProcessed(ctx, cutoff, w.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	slog.Info("Purged old webhook logs", "rows", rows, "cutoff", cutoff)
	return rows, nil
}

func diskUsagePercent(ctx context.Context, path string) (float64, error) {
	stat, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return stat.UsedPercent, nil
}
