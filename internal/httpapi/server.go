// -- internal/httpapi/server.go --

// Package httpapi exposes the session control surface: start a session,
// stop one, stop everything. The handlers are deliberately thin; all
// session mechanics live in the service layer.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/websentry/pkg/pool"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Runner is the slice of the service layer the API needs.
type Runner interface {
	StartSession(ctx context.Context, sessionID, goal, url string) error
	StopSession(sessionID string) bool
	StopAll() int
}

// Server is the HTTP control surface.
type Server struct {
	logger *zap.Logger
	runner Runner
	http   *http.Server
}

type startRequest struct {
	Goal string `json:"goal"`
	URL  string `json:"url"`
}

type apiResponse struct {
	Status    string `json:"status"`
	SessionID string `json:"session_id,omitempty"`
	Stopped   int    `json:"stopped,omitempty"`
	Error     string `json:"error,omitempty"`
}

// New builds the server on the given listen address.
func New(listen string, logger *zap.Logger, runner Runner) *Server {
	s := &Server{logger: logger.Named("httpapi"), runner: runner}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /start/{sessionID}", s.handleStart)
	mux.HandleFunc("GET /stop/{sessionID}", s.handleStopOne)
	mux.HandleFunc("GET /stop", s.handleStopAll)

	s.http = &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the mux for tests and embedding.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// ListenAndServe blocks serving requests until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("Control API listening", zap.String("addr", s.http.Addr))
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")

	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, apiResponse{Status: "error", Error: "invalid request body"})
		return
	}
	if req.URL == "" {
		s.writeJSON(w, http.StatusBadRequest, apiResponse{Status: "error", Error: "url is required"})
		return
	}

	err := s.runner.StartSession(r.Context(), sessionID, req.Goal, req.URL)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusAccepted, apiResponse{Status: "started", SessionID: sessionID})
	case errors.Is(err, pool.ErrCapacity):
		s.writeJSON(w, http.StatusTooManyRequests, apiResponse{Status: "error", Error: "session capacity reached"})
	case errors.Is(err, pool.ErrSessionExists):
		s.writeJSON(w, http.StatusConflict, apiResponse{Status: "error", Error: err.Error()})
	default:
		s.logger.Error("Session start failed", zap.String("session", sessionID), zap.Error(err))
		s.writeJSON(w, http.StatusInternalServerError, apiResponse{Status: "error", Error: err.Error()})
	}
}

func (s *Server) handleStopOne(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	if !s.runner.StopSession(sessionID) {
		s.writeJSON(w, http.StatusNotFound, apiResponse{Status: "error", Error: "unknown session"})
		return
	}
	s.writeJSON(w, http.StatusOK, apiResponse{Status: "stopped", SessionID: sessionID})
}

func (s *Server) handleStopAll(w http.ResponseWriter, _ *http.Request) {
	n := s.runner.StopAll()
	s.writeJSON(w, http.StatusOK, apiResponse{Status: "stopped", Stopped: n})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, body apiResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug("Response encode failed", zap.Error(err))
	}
}
