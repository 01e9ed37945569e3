package server

import (
	"net/http"

	"github.com/goccy/go-json"

	"github.com/itzam-ai/itzam/internal/callback"
	"github.com/itzam-ai/itzam/internal/domain"
	"github.com/itzam-ai/itzam/internal/params"
	"github.com/itzam-ai/itzam/internal/pipeline"
)

// eventBody is a signed trigger. Run is an optional caller-chosen id, so a
// redelivered event is rejected instead of dispatched twice.
type eventBody struct {
	Run      string          `json:"run"`
	Workflow string          `json:"workflow" validate:"required"`
	Input    string          `json:"input"`
	Schema   json.RawMessage `json:"schema"`
	Callback callback.Target `json:"callback" validate:"required"`
}

type acceptedResponse struct {
	RunID string `json:"runId"`
}

// handleEvent verifies the signature against the raw body before parsing
// it, then answers 202 as soon as the run is open.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(w, r)
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	if err := s.deps.Auth.VerifyEvent(r, raw); err != nil {
		s.writeError(w, r, err, "")
		return
	}

	var body eventBody
	if err := s.decode(raw, &body); err != nil {
		s.writeError(w, r, err, "")
		return
	}

	runID, err := s.deps.Pipeline.Trigger(r.Context(), pipeline.Invocation{
		Origin:   domain.OriginEvent,
		Endpoint: r.URL.Path,
		Params: params.Input{
			WorkflowID: body.Workflow,
			Input:      body.Input,
			Schema:     body.Schema,
			RunID:      body.Run,
		},
	}, body.Callback)
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	s.writeJSON(w, http.StatusAccepted, acceptedResponse{RunID: runID})
}
