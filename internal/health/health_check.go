package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/replicamon/internal/model"
)

// PartitionView is the subset of a partition a health check needs:
// whether a ProgrammerError has marked it dead.
type PartitionView interface {
	ID() string
	IsDead() bool
}

// PartitionLister supplies the current set of partitions this node
// hosts.
type PartitionLister interface {
	All() []PartitionView
}

// PartitionSource adapts a plain func() []PartitionView (typically a
// closure over a replication.Registry, converting its concrete
// *partition.Partition slice at call time) into a PartitionLister.
type PartitionSource func() []PartitionView

// All implements PartitionLister.
func (f PartitionSource) All() []PartitionView { return f() }

// CheckResult represents the result of a single health check.
type CheckResult struct {
	Name      string
	Status    string
	Message   string
	Timestamp time.Time
}

// HealthChecker periodically evaluates this node's partitions and
// exposes liveness/readiness over HTTP the way Kubernetes probes expect.
type HealthChecker struct {
	nodeID    string
	lister    PartitionLister
	logger    *zap.Logger
	mu        sync.RWMutex
	lastCheck time.Time
	status    model.NodeStatus
	checks    map[string]CheckResult

	livenessOK  bool
	readinessOK bool
}

// HealthCheckConfig holds configuration for health checks.
type HealthCheckConfig struct {
	NodeID string
}

// NewHealthChecker creates a new health checker over lister's
// partitions.
func NewHealthChecker(cfg *HealthCheckConfig, lister PartitionLister, logger *zap.Logger) *HealthChecker {
	return &HealthChecker{
		nodeID:      cfg.NodeID,
		lister:      lister,
		logger:      logger,
		checks:      make(map[string]CheckResult),
		livenessOK:  true,
		readinessOK: true,
		status:      model.NodeStatusHealthy,
	}
}

// Start runs the periodic check loop until ctx is cancelled.
func (h *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	h.runHealthChecks()

	for {
		select {
		case <-ticker.C:
			h.runHealthChecks()
		case <-ctx.Done():
			h.logger.Info("health checker stopped")
			return
		}
	}
}

func (h *HealthChecker) runHealthChecks() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastCheck = time.Now()

	partitionsCheck := h.checkPartitions()
	goroutinesCheck := h.checkGoroutines()

	h.checks[partitionsCheck.Name] = partitionsCheck
	h.checks[goroutinesCheck.Name] = goroutinesCheck

	allHealthy := partitionsCheck.Status == "healthy" && goroutinesCheck.Status == "healthy"
	anyCritical := partitionsCheck.Status == "critical" || goroutinesCheck.Status == "critical"

	switch {
	case anyCritical:
		h.status = model.NodeStatusUnhealthy
	case !allHealthy:
		h.status = model.NodeStatusDegraded
	default:
		h.status = model.NodeStatusHealthy
	}

	// Liveness: the process is responsive enough to run this loop at
	// all. Readiness: no critical condition (every partition dead, or
	// about to run out of goroutines) should serve new traffic.
	h.livenessOK = true
	h.readinessOK = !anyCritical

	h.logger.Debug("health check completed",
		zap.String("status", string(h.status)),
		zap.Bool("liveness", h.livenessOK),
		zap.Bool("readiness", h.readinessOK))
}

// checkPartitions reports critical once every hosted partition is
// dead (nothing left to serve), degraded once any partition is dead.
func (h *HealthChecker) checkPartitions() CheckResult {
	partitions := h.lister.All()
	total := len(partitions)
	dead := 0
	for _, p := range partitions {
		if p.IsDead() {
			dead++
		}
	}

	switch {
	case total > 0 && dead == total:
		return CheckResult{
			Name:      "partitions",
			Status:    "critical",
			Message:   fmt.Sprintf("all %d hosted partitions are dead", total),
			Timestamp: time.Now(),
		}
	case dead > 0:
		return CheckResult{
			Name:      "partitions",
			Status:    "warning",
			Message:   fmt.Sprintf("%d/%d hosted partitions are dead", dead, total),
			Timestamp: time.Now(),
		}
	default:
		return CheckResult{
			Name:      "partitions",
			Status:    "healthy",
			Message:   fmt.Sprintf("%d partitions hosted, none dead", total),
			Timestamp: time.Now(),
		}
	}
}

func (h *HealthChecker) checkGoroutines() CheckResult {
	count := runtime.NumGoroutine()
	if count > 100000 {
		return CheckResult{
			Name:      "goroutines",
			Status:    "critical",
			Message:   fmt.Sprintf("goroutine count very high: %d", count),
			Timestamp: time.Now(),
		}
	}
	return CheckResult{
		Name:      "goroutines",
		Status:    "healthy",
		Message:   fmt.Sprintf("goroutine count: %d", count),
		Timestamp: time.Now(),
	}
}

// IsLive returns whether the node is live (liveness probe).
func (h *HealthChecker) IsLive() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.livenessOK
}

// IsReady returns whether the node is ready (readiness probe).
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.readinessOK
}

// GetStatus returns the current health status.
func (h *HealthChecker) GetStatus() model.HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	partitions := h.lister.All()
	dead := 0
	for _, p := range partitions {
		if p.IsDead() {
			dead++
		}
	}

	return model.HealthStatus{
		NodeID:    h.nodeID,
		Status:    h.status,
		Timestamp: h.lastCheck.Unix(),
		Metrics: model.HealthMetrics{
			TotalPartitions: len(partitions),
			DeadPartitions:  dead,
			GoroutineCount:  runtime.NumGoroutine(),
		},
	}
}

// GetChecks returns a copy of all check results.
func (h *HealthChecker) GetChecks() map[string]CheckResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	checks := make(map[string]CheckResult, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	return checks
}

// SetReadiness manually overrides readiness, for graceful shutdown
// (stop serving new traffic before the process actually exits).
func (h *HealthChecker) SetReadiness(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readinessOK = ready
}

// LivenessHandler handles HTTP liveness probe requests.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	live := h.IsLive()
	status := h.GetStatus()

	w.Header().Set("Content-Type", "application/json")
	if !live {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"healthy": live,
		"status":  status.Status,
	})
}

// ReadinessHandler handles HTTP readiness probe requests.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ready := h.IsReady()
	status := h.GetStatus()

	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"ready":  ready,
		"status": status.Status,
	})
}

// StartHealthServer starts the HTTP health check server.
func (h *HealthChecker) StartHealthServer(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health/live", h.LivenessHandler)
	mux.HandleFunc("/health/ready", h.ReadinessHandler)

	h.logger.Info("starting health check HTTP server", zap.String("addr", addr))
	return http.ListenAndServe(addr, mux)
}
