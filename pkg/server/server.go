// Package server exposes the HTTP surface: generation request intake, quota
// queries and the per-identity notification channel.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"vibegen/pkg/entitlement"
	"vibegen/pkg/model"
	"vibegen/pkg/notify"
	"vibegen/pkg/repository"
	"vibegen/pkg/usecase/generate"
	"vibegen/pkg/usecase/ledger"
	"vibegen/pkg/utils/logging"
)

// Server wires the orchestration core behind a chi router.
type Server struct {
	repo        repository.Repository
	quota       *ledger.Ledger
	entitlement *entitlement.Engine
	workflow    *generate.Workflow
	hub         *notify.Hub

	router chi.Router
}

// New creates the HTTP server
func New(repo repository.Repository, quota *ledger.Ledger, ent *entitlement.Engine, workflow *generate.Workflow, hub *notify.Hub) *Server {
	s := &Server{
		repo:        repo,
		quota:       quota,
		entitlement: ent,
		workflow:    workflow,
		hub:         hub,
	}

	r := chi.NewRouter()
	r.Use(chiMiddleware.Recoverer)
	r.Get("/health", s.handleHealth)
	r.Post("/api/generate", s.handleGenerate)
	r.Get("/api/usage", s.handleUsage)
	r.Get("/api/subscribe", hub.ServeHTTP)
	s.router = r

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type generateRequest struct {
	ProjectID model.ProjectID `json:"projectId"`
	Value     string          `json:"value"`
}

type generateResponse struct {
	RunID model.RunID `json:"runId"`
}

// handleGenerate admits a generation request. Admission is strictly binary:
// an identity with no remaining points is rejected here, before any sandbox
// work begins and before anything is published.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "identity required")
		return
	}

	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ProjectID == "" || req.Value == "" {
		writeError(w, http.StatusBadRequest, "projectId and value are required")
		return
	}

	ctx := r.Context()

	status, err := s.quota.GetStatus(ctx, userID)
	if err != nil {
		logging.From(ctx).Error("failed to check quota", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to check quota")
		return
	}
	if status.RemainingPoints <= 0 {
		writeError(w, http.StatusTooManyRequests, "quota exceeded")
		return
	}

	points, err := s.entitlement.Points(ctx, userID)
	if err != nil {
		logging.From(ctx).Error("failed to resolve entitlement", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to resolve entitlement")
		return
	}

	userMsg := &model.Message{
		ProjectID: req.ProjectID,
		Role:      model.RoleUser,
		Type:      model.MessageTypeResult,
		Content:   req.Value,
	}
	if err := s.repo.CreateMessage(ctx, userMsg); err != nil {
		logging.From(ctx).Error("failed to save user message", "project_id", req.ProjectID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save message")
		return
	}

	event := &model.CodeAgentRunEvent{
		RunID:           model.NewRunID(),
		Value:           req.Value,
		ProjectID:       req.ProjectID,
		UserID:          userID,
		EffectivePoints: points,
	}

	// The workflow owns its own lifecycle from here; the terminal event
	// reaches the client over the subscription channel.
	logger := logging.From(ctx)
	go func() {
		runCtx := logging.With(context.Background(), logger)
		if err := s.workflow.Run(runCtx, event); err != nil {
			logger.Error("workflow run failed", "run_id", event.RunID, "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, generateResponse{RunID: event.RunID})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "identity required")
		return
	}

	status, err := s.quota.GetStatus(r.Context(), userID)
	if err != nil {
		if errors.Is(err, ledger.ErrUnauthenticated) {
			writeError(w, http.StatusUnauthorized, "identity required")
			return
		}
		logging.From(r.Context()).Error("failed to get usage", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get usage")
		return
	}

	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
