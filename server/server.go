// Package server exposes the core over HTTP: the ingestion interface the
// worker process reports into, the viewer interface the presentation layer
// subscribes through, and the gated administrative escape hatch.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/testforge/dispatch/hub"
	"github.com/testforge/dispatch/registry"
	"github.com/testforge/dispatch/supervisor"
	"github.com/testforge/dispatch/testid"
	"github.com/testforge/dispatch/types"
)

// Launcher starts supervised runs. Satisfied by *supervisor.Supervisor.
type Launcher interface {
	Launch(ctx context.Context, kind types.RunKind, scope string) (string, error)
}

// Config contains server configuration.
type Config struct {
	Log      zerolog.Logger
	Registry *registry.Registry
	Hub      *hub.Hub
	Launcher Launcher

	// AdminToken gates the force-reset endpoint. Empty disables it entirely.
	AdminToken string

	// AllowAllOrigins enables browser websocket connections from any origin.
	// See https://pkg.go.dev/github.com/gorilla/websocket#hdr-Origin_Considerations
	AllowAllOrigins bool
}

// Server routes HTTP traffic to the core.
type Server struct {
	cfg      Config
	log      zerolog.Logger
	upgrader websocket.Upgrader
	server   *http.Server
}

func New(cfg Config) *Server {
	s := &Server{
		cfg: cfg,
		log: cfg.Log.With().Str("component", "server").Logger(),
	}
	if cfg.AllowAllOrigins {
		s.upgrader.CheckOrigin = func(r *http.Request) bool {
			return true
		}
	}
	return s
}

// Handler builds the full route tree.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	// Viewer interface.
	r.HandleFunc("/v1/snapshot", s.handleSnapshot).Methods(http.MethodGet)
	r.HandleFunc("/v1/ws", s.handleWS).Methods(http.MethodGet)
	r.HandleFunc("/v1/runs", s.handleLaunch).Methods(http.MethodPost)
	r.HandleFunc("/v1/runs/{runID}", s.handleGetRun).Methods(http.MethodGet)
	r.HandleFunc("/v1/admin/reset", s.handleForceReset).Methods(http.MethodPost)

	// Ingestion interface, consumed by the worker process.
	r.HandleFunc("/internal/v1/runs/{runID}/start", s.handleRunStart).Methods(http.MethodPost)
	r.HandleFunc("/internal/v1/runs/{runID}/tests/start", s.handleTestStart).Methods(http.MethodPost)
	r.HandleFunc("/internal/v1/runs/{runID}/tests/end", s.handleTestEnd).Methods(http.MethodPost)
	r.HandleFunc("/internal/v1/runs/{runID}/end", s.handleRunEnd).Methods(http.MethodPost)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	})
	return c.Handler(r)
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Handler:           s.Handler(),
		Addr:              addr,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info().Str("addr", addr).Msg("starting api server")
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

type launchRequest struct {
	Kind  types.RunKind `json:"kind"`
	Scope string        `json:"scope,omitempty"`
}

type conflictResponse struct {
	Error              string        `json:"error"`
	CurrentRunID       string        `json:"currentRunId"`
	Kind               types.RunKind `json:"kind"`
	Scope              string        `json:"scope,omitempty"`
	StartedAt          time.Time     `json:"startedAt"`
	EstimatedRemaining string        `json:"estimatedRemaining"`
}

func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	var req launchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(s.log, w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	// The worker must outlive this request; only trace values carry over.
	runID, err := s.cfg.Launcher.Launch(context.WithoutCancel(r.Context()), req.Kind, req.Scope)
	if err != nil {
		s.writeLaunchError(w, err)
		return
	}
	writeJSON(s.log, w, http.StatusCreated, map[string]string{"runId": runID})
}

func (s *Server) writeLaunchError(w http.ResponseWriter, err error) {
	var conflict *registry.AlreadyRunningError
	if errors.As(err, &conflict) {
		writeJSON(s.log, w, http.StatusConflict, conflictResponse{
			Error:              "already_running",
			CurrentRunID:       conflict.CurrentRunID,
			Kind:               conflict.Kind,
			Scope:              conflict.Scope,
			StartedAt:          conflict.StartedAt,
			EstimatedRemaining: conflict.EstimatedRemaining.String(),
		})
		return
	}
	if errors.Is(err, supervisor.ErrCapacity) {
		writeJSON(s.log, w, http.StatusTooManyRequests, map[string]string{"error": err.Error()})
		return
	}
	var spawnErr *supervisor.SpawnError
	if errors.As(err, &spawnErr) {
		writeJSON(s.log, w, http.StatusBadGateway, map[string]string{
			"error": spawnErr.Error(),
			"runId": spawnErr.RunID,
		})
		return
	}
	writeJSON(s.log, w, http.StatusBadRequest, map[string]string{"error": err.Error()})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(s.log, w, http.StatusOK, s.cfg.Registry.Snapshot())
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["runID"]
	run, ok := s.cfg.Registry.GetRun(runID)
	if !ok {
		writeJSON(s.log, w, http.StatusNotFound, map[string]string{"error": "unknown run"})
		return
	}
	writeJSON(s.log, w, http.StatusOK, run)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	s.cfg.Hub.Subscribe(conn)
}

func (s *Server) handleForceReset(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeJSON(s.log, w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	s.log.Info().Str("remote", r.RemoteAddr).Msg("force reset requested")
	after := s.cfg.Registry.ForceReset()
	writeJSON(s.log, w, http.StatusOK, after)
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.AdminToken == "" {
		s.log.Warn().Msg("admin endpoint called with no admin token configured")
		return false
	}
	return strings.Contains(r.Header.Get("Authorization"), s.cfg.AdminToken)
}

// Ingestion payloads. Worker callbacks are idempotent-safe: anything
// referencing an unknown or closed run is acknowledged as a no-op, never an
// error, because the callback channel is lossy and unordered across runs.

type runStartRequest struct {
	TotalTests int `json:"totalTests"`
}

type testStartRequest struct {
	Name     string `json:"name"`
	FilePath string `json:"filePath"`
}

type testEndRequest struct {
	Name     string           `json:"name"`
	FilePath string           `json:"filePath"`
	Status   types.TestStatus `json:"status"`
}

type runEndRequest struct {
	Status types.RunStatus `json:"status"`
	Reason string          `json:"reason,omitempty"`
}

type ingestResponse struct {
	Applied bool   `json:"applied"`
	TestID  string `json:"testId,omitempty"`
}

func (s *Server) handleRunStart(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["runID"]
	var req runStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(s.log, w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	applied := s.cfg.Registry.StartRun(runID, req.TotalTests)
	writeJSON(s.log, w, http.StatusAccepted, ingestResponse{Applied: applied})
}

func (s *Server) handleTestStart(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["runID"]
	var req testStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(s.log, w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	// Identity is assigned here, not by the worker, so the same test maps to
	// the same ID across repeated executions and worker implementations.
	id := testid.Assign(req.FilePath, req.Name)
	_, applied := s.cfg.Registry.StartTest(runID, id, req.Name, req.FilePath)
	writeJSON(s.log, w, http.StatusAccepted, ingestResponse{Applied: applied, TestID: id})
}

func (s *Server) handleTestEnd(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["runID"]
	var req testEndRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(s.log, w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	id := testid.Assign(req.FilePath, req.Name)
	applied := s.cfg.Registry.CompleteTest(runID, id, req.Status)
	writeJSON(s.log, w, http.StatusAccepted, ingestResponse{Applied: applied, TestID: id})
}

func (s *Server) handleRunEnd(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["runID"]
	var req runEndRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(s.log, w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	status := req.Status
	if status == "" {
		status = types.RunStatusCompleted
	}
	applied := s.cfg.Registry.Close(runID, status, req.Reason)
	writeJSON(s.log, w, http.StatusAccepted, ingestResponse{Applied: applied})
}

func writeJSON(log zerolog.Logger, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to write response")
	}
}
