package server

import (
	"net/http"

	"github.com/goccy/go-json"

	"github.com/itzam-ai/itzam/internal/apperr"
	"github.com/itzam-ai/itzam/internal/auth"
	"github.com/itzam-ai/itzam/internal/domain"
	"github.com/itzam-ai/itzam/internal/generation"
	"github.com/itzam-ai/itzam/internal/params"
	"github.com/itzam-ai/itzam/internal/pipeline"
	"github.com/itzam-ai/itzam/internal/stream"
)

// RunIDHeader carries the run id on responses whose body cannot.
const RunIDHeader = "X-Itzam-Run-Id"

// errorCodeTrailer reports a failure after a plain-text stream has started.
const errorCodeTrailer = "X-Itzam-Error-Code"

// shape restricts a route to text or structured output.
type shape int

const (
	shapeAny shape = iota
	shapeText
	shapeObject
)

func (sh shape) check(schema json.RawMessage) error {
	switch {
	case sh == shapeObject && len(schema) == 0:
		return apperr.Validation("schema is required for object generation")
	case sh == shapeText && len(schema) > 0:
		return apperr.Validation("schema is not accepted for text generation; use the object route")
	}
	return nil
}

// generateBody is the request body shared by generate, stream and the
// playground.
type generateBody struct {
	Input        string           `json:"input"`
	WorkflowSlug string           `json:"workflowSlug" validate:"required_without=WorkflowID"`
	WorkflowID   string           `json:"workflowId" validate:"required_without=WorkflowSlug"`
	ThreadID     string           `json:"threadId"`
	ContextSlugs []string         `json:"contextSlugs" validate:"omitempty,dive,required"`
	Attachments  []attachmentBody `json:"attachments" validate:"omitempty,max=10,dive"`
	Schema       json.RawMessage  `json:"schema"`
	ModelTag     string           `json:"modelTag"`
	SystemPrompt string           `json:"systemPrompt"`
}

// attachmentBody is a URL or a base64 data URL.
type attachmentBody struct {
	File     string `json:"file" validate:"required"`
	MimeType string `json:"mimeType"`
	Name     string `json:"name"`
}

func (b generateBody) input(owner string) params.Input {
	in := params.Input{
		OwnerID:      owner,
		WorkflowID:   b.WorkflowID,
		WorkflowSlug: b.WorkflowSlug,
		Input:        b.Input,
		SystemPrompt: b.SystemPrompt,
		ModelTag:     b.ModelTag,
		ThreadID:     b.ThreadID,
		ContextSlugs: b.ContextSlugs,
		Schema:       b.Schema,
	}
	for _, a := range b.Attachments {
		in.Attachments = append(in.Attachments, domain.Attachment{URL: a.File, MimeType: a.MimeType, Name: a.Name})
	}
	return in
}

type generateResponse struct {
	Text      string                `json:"text,omitempty"`
	Object    json.RawMessage       `json:"object,omitempty"`
	Reasoning string                `json:"reasoning,omitempty"`
	ToolCalls []generation.ToolCall `json:"toolCalls,omitempty"`
	Metadata  stream.Metadata       `json:"metadata"`
}

// ---------------------------------------------------------------------------
// SDK routes
// ---------------------------------------------------------------------------

func (s *Server) parseGenerate(w http.ResponseWriter, r *http.Request, sh shape) (generateBody, error) {
	var body generateBody
	raw, err := readBody(w, r)
	if err != nil {
		return body, err
	}
	if err := s.decode(raw, &body); err != nil {
		return body, err
	}
	return body, sh.check(body.Schema)
}

func (s *Server) handleGenerate(sh shape) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := s.parseGenerate(w, r, sh)
		if err != nil {
			s.writeError(w, r, err, "")
			return
		}
		s.generate(w, r, pipeline.Invocation{
			Origin:   domain.OriginSDK,
			Endpoint: r.URL.Path,
			Params:   body.input(auth.OwnerFrom(r.Context())),
		})
	}
}

func (s *Server) generate(w http.ResponseWriter, r *http.Request, inv pipeline.Invocation) {
	res, err := s.deps.Pipeline.Generate(r.Context(), inv)
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	if err := res.Event.Err(); err != nil {
		s.writeError(w, r, err, res.RunID)
		return
	}
	s.writeJSON(w, http.StatusOK, finishResponse(res.Event, res.Model.Tag))
}

func finishResponse(ev generation.Event, model string) generateResponse {
	out := generateResponse{
		Object:    ev.Object,
		Reasoning: ev.Reasoning,
		ToolCalls: ev.ToolCalls,
		Metadata:  stream.MetadataOf(ev, model),
	}
	if len(ev.Object) == 0 {
		out.Text = ev.Text
	}
	return out
}

func (s *Server) handleStream(sh shape) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := s.parseGenerate(w, r, sh)
		if err != nil {
			s.writeError(w, r, err, "")
			return
		}
		started, err := s.deps.Pipeline.Stream(r.Context(), pipeline.Invocation{
			Origin:   domain.OriginSDK,
			Endpoint: r.URL.Path,
			Params:   body.input(auth.OwnerFrom(r.Context())),
		})
		if err != nil {
			s.writeError(w, r, err, "")
			return
		}

		w.Header().Set(RunIDHeader, started.RunID)
		if err := stream.Write(w, started.Events, started.Model.Tag, s.log); err != nil {
			// The client went away; the run is closed by the pipeline.
			s.log.Debug().Err(err).Str("run_id", started.RunID).Msg("stream interrupted")
		}
	}
}

// ---------------------------------------------------------------------------
// Playground
// ---------------------------------------------------------------------------

type playgroundBody struct {
	generateBody
	Stream bool `json:"stream"`
}

// handlePlayground serves the dashboard. Streaming answers are plain text
// deltas; the outcome of a failed stream is reported in a trailer.
func (s *Server) handlePlayground(w http.ResponseWriter, r *http.Request) {
	var body playgroundBody
	raw, err := readBody(w, r)
	if err == nil {
		err = s.decode(raw, &body)
	}
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	inv := pipeline.Invocation{
		Origin:   domain.OriginWeb,
		Endpoint: r.URL.Path,
		Params:   body.input(auth.OwnerFrom(r.Context())),
	}
	if !body.Stream {
		s.generate(w, r, inv)
		return
	}

	started, err := s.deps.Pipeline.Stream(r.Context(), inv)
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set(RunIDHeader, started.RunID)
	w.Header().Set("Trailer", errorCodeTrailer)
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	it := stream.NewIterator(started.Events)
	for delta := range it.All(r.Context()) {
		if _, err := w.Write([]byte(delta)); err != nil {
			s.log.Debug().Err(err).Str("run_id", started.RunID).Msg("playground stream interrupted")
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	if err := it.Err(); err != nil {
		w.Header().Set(errorCodeTrailer, string(apperr.CodeOf(err)))
	}
}
