package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadinessProbe reports whether a component can serve traffic
type ReadinessProbe func() (bool, string)

// HealthChecker runs periodic node checks and serves the probes
type HealthChecker struct {
	nodeID  string
	dataDir string
	probes  map[string]ReadinessProbe
	logger  *zap.Logger

	mu        sync.RWMutex
	lastCheck time.Time
	checks    map[string]CheckResult
	ready     bool
}

// NewHealthChecker creates a health checker. An empty dataDir skips the
// filesystem checks.
func NewHealthChecker(nodeID, dataDir string, logger *zap.Logger) *HealthChecker {
	return &HealthChecker{
		nodeID:  nodeID,
		dataDir: dataDir,
		probes:  make(map[string]ReadinessProbe),
		logger:  logger,
		checks:  make(map[string]CheckResult),
	}
}

// AddProbe registers a readiness probe; call before Start
func (h *HealthChecker) AddProbe(name string, probe ReadinessProbe) {
	h.probes[name] = probe
}

// Start runs the checks every interval until ctx is done
func (h *HealthChecker) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	h.RunChecks()
	for {
		select {
		case <-ticker.C:
			h.RunChecks()
		case <-ctx.Done():
			h.logger.Info("Health checker stopped")
			return
		}
	}
}

// RunChecks evaluates every check once
func (h *HealthChecker) RunChecks() {
	results := make([]CheckResult, 0, len(h.probes)+2)
	if h.dataDir != "" {
		results = append(results, h.checkDiskSpace(), h.checkDataDirWritable())
	}
	for name, probe := range h.probes {
		ok, msg := probe()
		status := "healthy"
		if !ok {
			status = "critical"
		}
		results = append(results, CheckResult{Name: name, Status: status, Message: msg, Timestamp: time.Now()})
	}

	ready := true
	h.mu.Lock()
	for _, r := range results {
		h.checks[r.Name] = r
		if r.Status == "critical" {
			ready = false
		}
	}
	h.ready = ready
	h.lastCheck = time.Now()
	h.mu.Unlock()

	h.logger.Debug("Health check completed", zap.Bool("ready", ready))
}

// IsReady returns whether the node can serve traffic
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready
}

func (h *HealthChecker) checkDiskSpace() CheckResult {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(h.dataDir, &stat); err != nil {
		return CheckResult{
			Name:      "disk_space",
			Status:    "critical",
			Message:   fmt.Sprintf("Failed to stat filesystem: %v", err),
			Timestamp: time.Now(),
		}
	}

	total := stat.Blocks * uint64(stat.Bsize)
	used := total - stat.Bfree*uint64(stat.Bsize)
	usagePercent := float64(used) / float64(total) * 100

	status := "healthy"
	switch {
	case usagePercent > 95:
		status = "critical"
	case usagePercent > 90:
		status = "warning"
	}
	return CheckResult{
		Name:      "disk_space",
		Status:    status,
		Message:   fmt.Sprintf("Disk usage: %.2f%%", usagePercent),
		Timestamp: time.Now(),
	}
}

func (h *HealthChecker) checkDataDirWritable() CheckResult {
	probe := filepath.Join(h.dataDir, fmt.Sprintf(".health_check_%d", time.Now().UnixNano()))
	f, err := os.Create(probe)
	if err != nil {
		return CheckResult{
			Name:      "data_dir_writable",
			Status:    "critical",
			Message:   fmt.Sprintf("Cannot write to data directory: %v", err),
			Timestamp: time.Now(),
		}
	}
	f.Close()
	os.Remove(probe)

	return CheckResult{
		Name:      "data_dir_writable",
		Status:    "healthy",
		Message:   "Data directory is writable",
		Timestamp: time.Now(),
	}
}

// LivenessHandler handles GET /health
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","node_id":%q,"timestamp":"%s"}`, h.nodeID, time.Now().Format(time.RFC3339))
}

// ReadinessHandler handles GET /ready
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	h.RunChecks()

	h.mu.RLock()
	resp := struct {
		Status string                 `json:"status"`
		Checks map[string]CheckResult `json:"checks"`
	}{Status: "ready", Checks: make(map[string]CheckResult, len(h.checks))}
	for k, v := range h.checks {
		resp.Checks[k] = v
	}
	ready := h.ready
	h.mu.RUnlock()

	code := http.StatusOK
	if !ready {
		resp.Status = "not_ready"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("Failed to encode readiness", zap.Error(err))
	}
}

// diskStats returns used and available bytes of the filesystem holding dir
func diskStats(dir string) (used int64, available int64, err error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		return 0, 0, fmt.Errorf("failed to stat filesystem: %w", err)
	}
	available = int64(stat.Bavail) * int64(stat.Bsize)
	total := int64(stat.Blocks) * int64(stat.Bsize)
	used = total - int64(stat.Bfree)*int64(stat.Bsize)
	return used, available, nil
}
