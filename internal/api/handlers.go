package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/ignite/lead-pipeline/internal/domain"
	"github.com/ignite/lead-pipeline/internal/pipeline"
)

// intakeResponse is the JSON body for API intake callers. Browser form
// posts get a redirect instead.
type intakeResponse struct {
	Success        bool   `json:"success"`
	EventID        string `json:"event_id,omitempty"`
	RedirectURL    string `json:"redirect_url,omitempty"`
	ProcessingTime string `json:"processing_time"`
}

// handleLead accepts lead form submissions.
//
//	POST /events/lead
//
// Browser submissions always land on the redirect URL, including after
// an internal failure: the visitor should never see an error page for a
// backend problem.
func (s *Server) handleLead(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	redirect := isBrowserSubmission(r) && s.cfg.Intake.RedirectURL != ""

	fields, err := parseSubmission(r)
	if err != nil {
		if redirect {
			http.Redirect(w, r, s.cfg.Intake.RedirectURL, http.StatusFound)
			return
		}
		respondError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	result, err := s.processor.Intake(r.Context(), pipeline.Submission{
		Type:   domain.EventTypeLead,
		Fields: fields,
		IP:     r.RemoteAddr,
	})
	if err != nil {
		s.logIntakeError(r, "lead", err)
		if redirect {
			http.Redirect(w, r, s.cfg.Intake.RedirectURL, http.StatusFound)
			return
		}
		respondError(w, http.StatusInternalServerError,
			fmt.Sprintf("intake failed (request %s)", middleware.GetReqID(r.Context())))
		return
	}

	if redirect {
		http.Redirect(w, r, s.cfg.Intake.RedirectURL, http.StatusFound)
		return
	}
	respondJSON(w, http.StatusOK, intakeResponse{
		Success:        true,
		EventID:        result.EventID.String(),
		RedirectURL:    s.cfg.Intake.RedirectURL,
		ProcessingTime: time.Since(start).String(),
	})
}

// handlePurchase accepts purchase postbacks. Always JSON; these come
// from servers, not browsers.
//
//	POST /events/purchase
func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	fields, err := parseSubmission(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	result, err := s.processor.Intake(r.Context(), pipeline.Submission{
		Type:   domain.EventTypePurchase,
		Fields: fields,
		IP:     r.RemoteAddr,
	})
	if err != nil {
		s.logIntakeError(r, "purchase", err)
		respondError(w, http.StatusInternalServerError,
			fmt.Sprintf("intake failed (request %s)", middleware.GetReqID(r.Context())))
		return
	}

	respondJSON(w, http.StatusOK, intakeResponse{
		Success:        true,
		EventID:        result.EventID.String(),
		ProcessingTime: time.Since(start).String(),
	})
}

func (s *Server) logIntakeError(r *http.Request, kind string, err error) {
	log.Printf("[API] %s intake failed (request %s): %v", kind, middleware.GetReqID(r.Context()), err)
}

// parseSubmission flattens a form or JSON body into string fields.
// JSON values that are not strings are stringified so postbacks can
// send amounts as numbers.
func parseSubmission(r *http.Request) (map[string]string, error) {
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "application/json") {
		var raw map[string]interface{}
		if err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20)).Decode(&raw); err != nil {
			return nil, fmt.Errorf("decode JSON body: %w", err)
		}
		fields := make(map[string]string, len(raw))
		for k, v := range raw {
			switch val := v.(type) {
			case string:
				fields[k] = val
			case float64:
				fields[k] = strings.TrimRight(strings.TrimRight(fmt.Sprintf("%f", val), "0"), ".")
			case bool:
				fields[k] = fmt.Sprintf("%t", val)
			case nil:
				// dropped
			default:
				b, _ := json.Marshal(val)
				fields[k] = string(b)
			}
		}
		return fields, nil
	}

	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("parse form: %w", err)
	}
	fields := make(map[string]string, len(r.PostForm))
	for k, vals := range r.PostForm {
		if len(vals) > 0 {
			fields[k] = vals[0]
		}
	}
	// Query params fill gaps for postback URLs that mix both.
	for k, vals := range r.URL.Query() {
		if _, ok := fields[k]; !ok && len(vals) > 0 {
			fields[k] = vals[0]
		}
	}
	return fields, nil
}

// isBrowserSubmission detects a plain HTML form post.
func isBrowserSubmission(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, "application/x-www-form-urlencoded") && !strings.HasPrefix(ct, "multipart/form-data") {
		return false
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html") || r.Header.Get("Accept") == ""
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[API] encode response: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
