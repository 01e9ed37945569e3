package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/itzam-ai/itzam/internal/apperr"
	"github.com/itzam-ai/itzam/internal/auth"
	"github.com/itzam-ai/itzam/internal/domain"
	"github.com/itzam-ai/itzam/internal/store"
)

const (
	defaultRunsLimit = 50
	maxRunsLimit     = 500
)

// handleHealth reports liveness plus the result of each readiness check.
// Any failing check turns the response into a 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, code := "ok", http.StatusOK
	checks := make(map[string]string, len(s.deps.Checks))
	for name, check := range s.deps.Checks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	s.writeJSON(w, code, map[string]any{"status": status, "checks": checks})
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"models": s.deps.Models.Available()})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Ledger.Get(r.Context(), chi.URLParam(r, "id"))
	if err == nil && run.OwnerID != auth.OwnerFrom(r.Context()) {
		err = apperr.NotFound("run %q not found", run.ID)
	}
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

// ---------------------------------------------------------------------------
// Threads
// ---------------------------------------------------------------------------

type createThreadBody struct {
	WorkflowSlug string   `json:"workflowSlug" validate:"required_without=WorkflowID"`
	WorkflowID   string   `json:"workflowId" validate:"required_without=WorkflowSlug"`
	Name         string   `json:"name" validate:"max=200"`
	LookupKeys   []string `json:"lookupKeys" validate:"omitempty,dive,required"`
	ContextSlugs []string `json:"contextSlugs" validate:"omitempty,dive,required"`
}

func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	var body createThreadBody
	raw, err := readBody(w, r)
	if err == nil {
		err = s.decode(raw, &body)
	}
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}

	owner := auth.OwnerFrom(r.Context())
	wf, err := s.ownedWorkflow(r.Context(), owner, body.WorkflowID, body.WorkflowSlug)
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	id, err := uuid.NewV7()
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}

	t := &domain.Thread{
		ID:           id.String(),
		OwnerID:      owner,
		WorkflowID:   wf.ID,
		Name:         body.Name,
		LookupKeys:   body.LookupKeys,
		ContextSlugs: body.ContextSlugs,
		CreatedAt:    time.Now().UTC(),
	}
	if t.Name == "" {
		t.Name = "Thread " + t.CreatedAt.Format(time.DateTime)
	}
	if err := s.deps.Threads.CreateThread(r.Context(), t); err != nil {
		s.writeError(w, r, err, "")
		return
	}
	s.writeJSON(w, http.StatusCreated, t)
}

func (s *Server) ownedWorkflow(ctx context.Context, owner, id, slug string) (*domain.Workflow, error) {
	var (
		wf  *domain.Workflow
		err error
	)
	if id != "" {
		wf, err = s.deps.Workflows.GetWorkflow(ctx, id)
	} else {
		wf, err = s.deps.Workflows.GetWorkflowBySlug(ctx, owner, slug)
	}
	if errors.Is(err, store.ErrNotFound) || (err == nil && wf.OwnerID != owner) {
		return nil, apperr.NotFound("workflow not found")
	}
	return wf, err
}

func (s *Server) ownedThread(ctx context.Context, id string) (*domain.Thread, error) {
	t, err := s.deps.Threads.GetThread(ctx, id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && t.OwnerID != auth.OwnerFrom(ctx)) {
		return nil, apperr.NotFound("thread %q not found", id)
	}
	return t, err
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	t, err := s.ownedThread(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	s.writeJSON(w, http.StatusOK, t)
}

// handleThreadRuns lists a thread's runs oldest first. ?status= filters by
// run status and ?limit= keeps the most recent n.
func (s *Server) handleThreadRuns(w http.ResponseWriter, r *http.Request) {
	t, err := s.ownedThread(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}

	status := domain.Status(r.URL.Query().Get("status"))
	switch status {
	case "", domain.StatusRunning, domain.StatusCompleted, domain.StatusFailed:
	default:
		s.writeError(w, r, apperr.Validation("unknown status %q", status), "")
		return
	}
	limit := defaultRunsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxRunsLimit {
			s.writeError(w, r, apperr.Validation("limit must be between 1 and %d", maxRunsLimit), "")
			return
		}
		limit = n
	}

	runs, err := s.deps.Runs.ListThreadRuns(r.Context(), t.ID, status, limit)
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	if runs == nil {
		runs = []domain.Run{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}
