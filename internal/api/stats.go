package api

import (
	"net/http"
	"time"
)

var statsPeriods = map[string]time.Duration{
	"1h":  time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
}

// handleStats reports pipeline throughput for a trailing window.
//
//	GET /stats?period=1h|24h|7d|30d   (default 24h)
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	period := r.URL.Query().Get("period")
	if period == "" {
		period = "24h"
	}
	window, ok := statsPeriods[period]
	if !ok {
		respondError(w, http.StatusBadRequest, "period must be one of 1h, 24h, 7d, 30d")
		return
	}
	since := time.Now().Add(-window)

	events, err := s.events.CountsSince(r.Context(), since)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}
	revenue, err := s.revenue.TotalSince(r.Context(), since)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}
	backlog, err := s.queue.PendingCount(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}

	platforms, err := s.analytics.PlatformDeliverySince(r.Context(), since)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}

	// Best-effort extras; the core counters above are the contract.
	metrics, err := s.analytics.MetricsSince(r.Context(), since)
	if err != nil {
		metrics = map[string]float64{}
	}
	validationsToday, err := s.emails.DailyUsage(r.Context())
	if err != nil {
		validationsToday = -1
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"period":            period,
		"since":             since.UTC().Format(time.RFC3339),
		"events":            events,
		"revenue":           revenue,
		"queue_backlog":     backlog,
		"platforms":         platforms,
		"daily_metrics":     metrics,
		"validations_today": validationsToday,
	})
}
