package handler

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// Version is reported by GET /api/status
const Version = "1.0.0"

// ConnectionStats exposes realtime registry counters
type ConnectionStats interface {
	Count() int
	Removed() int64
}

// Counter is any store that can report its size
type Counter interface {
	Len() int
}

// QueueStats exposes the ingest queue depth
type QueueStats interface {
	QueueLen() int
}

// StatusDeps groups what the status endpoints report on
type StatusDeps struct {
	Connections       ConnectionStats
	Conversations     Counter
	Senders           Counter
	Queue             QueueStats
	WatchdogThreshold float64
	DiskPath          string
}

// StatusHandler serves the operational endpoints
type StatusHandler struct {
	deps      StatusDeps
	sample    HostSampler
	startedAt time.Time
}

// NewStatusHandler creates the status handler; sampler defaults to SampleHost
func NewStatusHandler(deps StatusDeps, sampler HostSampler) *StatusHandler {
	if deps.DiskPath == "" {
		deps.DiskPath = "/"
	}
	if sampler == nil {
		sampler = SampleHost
	}
	return &StatusHandler{
		deps:      deps,
		sample:    sampler,
		startedAt: time.Now(),
	}
}

// ============================================================================
// System Health & Metrics
// ============================================================================

// HostSample is one reading of host resources, in bytes and percent
type HostSample struct {
	CPUPercent  float64
	MemUsed     uint64
	MemTotal    uint64
	MemPercent  float64
	DiskUsed    uint64
	DiskTotal   uint64
	DiskPercent float64
}

// HostSampler reads host resources; failed probes leave their fields zero
type HostSampler func(ctx context.Context, diskPath string) HostSample

// SampleHost reads CPU (averaged over one second), memory and disk through gopsutil
func SampleHost(ctx context.Context, diskPath string) HostSample {
	var s HostSample
	if percents, err := cpu.PercentWithContext(ctx, time.Second, false); err == nil && len(percents) > 0 {
		s.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		s.MemUsed, s.MemTotal, s.MemPercent = vm.Used, vm.Total, vm.UsedPercent
	}
	if du, err := disk.UsageWithContext(ctx, diskPath); err == nil {
		s.DiskUsed, s.DiskTotal, s.DiskPercent = du.Used, du.Total, du.UsedPercent
	}
	return s
}

// SystemMetricsResponse represents system health data
type SystemMetricsResponse struct {
	CPUPercent        float64 `json:"cpu_percent"`
	RAMUsedGB         float64 `json:"ram_used_gb"`
	RAMTotalGB        float64 `json:"ram_total_gb"`
	RAMPercent        float64 `json:"ram_percent"`
	DiskUsedGB        float64 `json:"disk_used_gb"`
	DiskTotalGB       float64 `json:"disk_total_gb"`
	DiskPercent       float64 `json:"disk_percent"`
	GoroutinesCount   int     `json:"goroutines_count"`
	WatchdogActive    bool    `json:"watchdog_active"`
	WatchdogThreshold float64 `json:"watchdog_threshold"`
	DiskWarningLevel  string  `json:"disk_warning_level"` // "safe" | "warning" | "critical"
}

// GetSystemMetrics returns current system health metrics
// GET /api/system/metrics
func (h *StatusHandler) GetSystemMetrics(w http.ResponseWriter, r *http.Request) {
	sample := h.sample(r.Context(), h.deps.DiskPath)
	threshold := h.deps.WatchdogThreshold

	response := SystemMetricsResponse{
		CPUPercent:        round2(sample.CPUPercent),
		RAMUsedGB:         round2(gigabytes(sample.MemUsed)),
		RAMTotalGB:        round2(gigabytes(sample.MemTotal)),
		RAMPercent:        round2(sample.MemPercent),
		DiskUsedGB:        round2(gigabytes(sample.DiskUsed)),
		DiskTotalGB:       round2(gigabytes(sample.DiskTotal)),
		DiskPercent:       round2(sample.DiskPercent),
		GoroutinesCount:   runtime.NumGoroutine(),
		WatchdogActive:    threshold > 0 && sample.DiskPercent >= threshold,
		WatchdogThreshold: threshold,
		DiskWarningLevel:  diskWarningLevel(sample.DiskPercent, threshold),
	}

	slog.Debug("System metrics sampled",
		"cpu_percent", response.CPUPercent,
		"disk_percent", response.DiskPercent,
		"watchdog_active", response.WatchdogActive,
	)

	writeJSON(w, http.StatusOK, NewSuccessResponse(response, ""))
}

// ============================================================================
// System Status
// ============================================================================

// StatusResponse reports liveness and pipeline counters
type StatusResponse struct {
	Online             bool   `json:"online"`
	Uptime             string `json:"uptime"`
	Version            string `json:"version"`
	ActiveConnections  int    `json:"active_connections"`
	DroppedConnections int64  `json:"dropped_connections"`
	Conversations      int    `json:"conversations"`
	CachedSenders      int    `json:"cached_senders"`
	IngestQueue        int    `json:"ingest_queue"`
}

// GetStatus reports pipeline counters
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	response := StatusResponse{
		Online:  true,
		Uptime:  formatDuration(time.Since(h.startedAt)),
		Version: Version,
	}
	if h.deps.Connections != nil {
		response.ActiveConnections = h.deps.Connections.Count()
		response.DroppedConnections = h.deps.Connections.Removed()
	}
	if h.deps.Conversations != nil {
		response.Conversations = h.deps.Conversations.Len()
	}
	if h.deps.Senders != nil {
		response.CachedSenders = h.deps.Senders.Len()
	}
	if h.deps.Queue != nil {
		response.IngestQueue = h.deps.Queue.QueueLen()
	}

	writeJSON(w, http.StatusOK, NewSuccessResponse(response, ""))
}

// ============================================================================
// Helpers
// ============================================================================

func diskWarningLevel(percent, threshold float64) string {
	if threshold <= 0 {
		threshold = 70
	}
	switch {
	case percent < threshold:
		return "safe"
	case percent < threshold+10:
		return "warning"
	default:
		return "critical"
	}
}

func gigabytes(b uint64) float64 {
	return float64(b) / (1 << 30)
}

func round2(v float64) float64 {
	return math.Trunc(v*100) / 100
}

// formatDuration renders an uptime as "5h 3m", or "2d 1h 0m" past a day
func formatDuration(d time.Duration) string {
	hours := int(d / time.Hour)
	minutes := int(d/time.Minute) % 60
	if hours > 24 {
		return fmt.Sprintf("%dd %dh %dm", hours/24, hours%24, minutes)
	}
	return fmt.Sprintf("%dh %dm", hours, minutes)
}
