package api

import (
	"context"
	"fmt"
	"net/http"
	"syscall"
	"time"
)

const (
	backlogDegradedThreshold = 10000
	failureRateThreshold     = 0.10
	diskUsedThreshold        = 0.90
	failureRateWindow        = 5 * time.Minute
)

// componentCheck reports one dependency's health.
type componentCheck struct {
	Status  string `json:"status"` // "up", "degraded", "down"
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

// handleHealth reports overall pipeline health.
//
//	GET /health
//
// 200 with status "healthy" or "degraded"; 503 with "unhealthy" when
// the event store is unreachable, since intake cannot accept anything
// without it.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := s.runChecks(r.Context())

	overall := "healthy"
	httpStatus := http.StatusOK
	for _, c := range checks {
		if c.Status == "degraded" && overall == "healthy" {
			overall = "degraded"
		}
	}
	if checks["database"].Status == "down" {
		overall = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	respondJSON(w, httpStatus, map[string]interface{}{
		"status": overall,
		"uptime": time.Since(s.startTime).Round(time.Second).String(),
		"checks": checks,
	})
}

func (s *Server) runChecks(ctx context.Context) map[string]componentCheck {
	type result struct {
		name  string
		check componentCheck
	}
	ch := make(chan result, 5)

	go func() { ch <- result{"database", s.checkDatabase(ctx)} }()
	go func() { ch <- result{"queue", s.checkQueue(ctx)} }()
	go func() { ch <- result{"platforms", s.checkPlatforms()} }()
	go func() { ch <- result{"failure_rate", s.checkFailureRate(ctx)} }()
	go func() { ch <- result{"disk", s.checkDisk()} }()

	checks := make(map[string]componentCheck, 5)
	for i := 0; i < 5; i++ {
		r := <-ch
		checks[r.name] = r.check
	}
	return checks
}

func (s *Server) checkDatabase(ctx context.Context) componentCheck {
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	start := time.Now()
	err := s.db.PingContext(pingCtx)
	latency := time.Since(start)

	if err != nil {
		return componentCheck{Status: "down", Latency: latency.String(), Message: fmt.Sprintf("ping failed: %v", err)}
	}
	return componentCheck{Status: "up", Latency: latency.String()}
}

func (s *Server) checkQueue(ctx context.Context) componentCheck {
	n, err := s.queue.PendingCount(ctx)
	if err != nil {
		// The database check covers reachability; don't double-report.
		return componentCheck{Status: "degraded", Message: fmt.Sprintf("backlog unknown: %v", err)}
	}
	if n > backlogDegradedThreshold {
		return componentCheck{Status: "degraded", Message: fmt.Sprintf("backlog %d jobs", n)}
	}
	return componentCheck{Status: "up", Message: fmt.Sprintf("backlog %d jobs", n)}
}

func (s *Server) checkPlatforms() componentCheck {
	n := s.router.PlatformCount()
	if n == 0 {
		return componentCheck{Status: "degraded", Message: "no active platforms loaded"}
	}
	return componentCheck{Status: "up", Message: fmt.Sprintf("%d platforms loaded", n)}
}

func (s *Server) checkFailureRate(ctx context.Context) componentCheck {
	rate, err := s.analytics.RecentFailureRate(ctx, failureRateWindow)
	if err != nil {
		return componentCheck{Status: "degraded", Message: fmt.Sprintf("failure rate unknown: %v", err)}
	}
	msg := fmt.Sprintf("%.1f%% failed in last %s", rate*100, failureRateWindow)
	if rate >= failureRateThreshold {
		return componentCheck{Status: "degraded", Message: msg}
	}
	return componentCheck{Status: "up", Message: msg}
}

func (s *Server) checkDisk() componentCheck {
	var st syscall.Statfs_t
	if err := syscall.Statfs("/", &st); err != nil {
		return componentCheck{Status: "degraded", Message: fmt.Sprintf("statfs failed: %v", err)}
	}
	total := st.Blocks * uint64(st.Bsize)
	if total == 0 {
		return componentCheck{Status: "degraded", Message: "no filesystem stats"}
	}
	used := float64(total-st.Bavail*uint64(st.Bsize)) / float64(total)
	msg := fmt.Sprintf("%.0f%% used", used*100)
	if used > diskUsedThreshold {
		return componentCheck{Status: "degraded", Message: msg}
	}
	return componentCheck{Status: "up", Message: msg}
}
