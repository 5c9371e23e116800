package api

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:    "ok",
		Uptime:    s.getUptime(),
		Version:   s.version,
		Patterns:  s.state.Blocklist.Len(),
		Mode:      s.state.Policy().Mode.String(),
		Upstream:  s.state.Upstream(),
		Process:   collectProcessHealth(ctx),
		CheckedAt: time.Now().Format(time.RFC3339),
	}

	s.writeJSON(w, http.StatusOK, response)
}

// collectProcessHealth samples this process. Every probe is best effort:
// a failing one leaves its field at zero.
func collectProcessHealth(ctx context.Context) ProcessHealth {
	health := ProcessHealth{Goroutines: runtime.NumGoroutine()}

	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return health
	}

	// Average since process start; normalized to 0-100 across cores.
	if cpuPercent, err := proc.CPUPercentWithContext(ctx); err == nil {
		if numCPU := runtime.NumCPU(); numCPU > 0 {
			health.CPUPercent = cpuPercent / float64(numCPU)
		} else {
			health.CPUPercent = cpuPercent
		}
	}

	if memInfo, err := proc.MemoryInfoWithContext(ctx); err == nil {
		health.MemRSS = memInfo.RSS
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm.Total > 0 && health.MemRSS > 0 {
		health.MemPercent = float64(health.MemRSS) / float64(vm.Total) * 100
	}

	return health
}
