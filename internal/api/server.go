// Package api exposes the ingestion boundary: the endpoint host applications
// call to report failures.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nikolajve/faultline/internal/models"
	"github.com/nikolajve/faultline/internal/report"
)

const maxBodyBytes = 1 << 20 // 1 MB

// Server handles ingestion HTTP requests.
type Server struct {
	reporter *report.Reporter
}

// NewServer creates the ingestion server.
func NewServer(reporter *report.Reporter) *Server {
	return &Server{reporter: reporter}
}

// Handler returns the HTTP handler for the ingestion API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/report", s.handleReport)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

// rawFailureRequest is the JSON body of a report call.
type rawFailureRequest struct {
	Message    string `json:"message"`
	Kind       string `json:"kind"`
	Code       string `json:"code"`
	File       string `json:"file"`
	Line       int    `json:"line"`
	URL        string `json:"url"`
	Hostname   string `json:"hostname"`
	StackTrace string `json:"stackTrace"`
	UserID     *int64 `json:"userId"`
	UserEmail  string `json:"userEmail"`
	SessionID  string `json:"sessionId"`
	Level      string `json:"level"`
}

// handleReport accepts one raw failure. The caller gets 202 as soon as the
// payload parses; storage and classification run in the background because the
// reporting host never consumes a result and classification can be slow.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	var req rawFailureRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Message == "" && req.Kind == "" {
		http.Error(w, "message or kind is required", http.StatusBadRequest)
		return
	}

	raw := models.RawFailure{
		Message:    req.Message,
		Kind:       req.Kind,
		Code:       req.Code,
		File:       req.File,
		Line:       req.Line,
		URL:        req.URL,
		Hostname:   req.Hostname,
		StackTrace: req.StackTrace,
		UserID:     req.UserID,
		UserEmail:  req.UserEmail,
		SessionID:  req.SessionID,
		Level:      req.Level,
		CreatedAt:  time.Now().UTC(),
	}

	go func() {
		// Detached from the request: classification may take far longer than
		// any sane request deadline, and the caller does not wait for it.
		if err := s.reporter.Report(context.Background(), raw); err != nil {
			log.Error().Err(err).Msg("Failed to process reported failure")
		}
	}()

	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}
