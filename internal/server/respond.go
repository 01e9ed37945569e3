package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/itzam-ai/itzam/internal/apperr"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	RunID   string `json:"runId,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("writing response")
	}
}

// writeError maps err to its status and the JSON error body. Errors
// without a known code are logged and reported as UNKNOWN.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, runID string) {
	code := apperr.CodeOf(err)
	msg := apperr.MessageOf(err)
	if code == apperr.CodeUnknown {
		s.log.Error().Err(err).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("path", r.URL.Path).
			Msg("unhandled error")
		msg = "internal error"
	}
	s.writeJSON(w, apperr.HTTPStatus(code), errorBody{Error: errorDetail{Code: string(code), Message: msg, RunID: runID}})
}

// readBody returns the raw request body, bounded by maxBodyBytes.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return nil, apperr.Validation("request body exceeds %d bytes", tooBig.Limit)
		}
		return nil, apperr.Wrap(apperr.CodeValidation, err, "reading request body")
	}
	return raw, nil
}

// decode unmarshals raw into dst and runs struct validation on it.
func (s *Server) decode(raw []byte, dst any) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return apperr.Wrap(apperr.CodeValidation, err, "invalid request body")
	}
	if err := s.validate.Struct(dst); err != nil {
		return validationError(err)
	}
	return nil
}

func validationError(err error) error {
	var fields validator.ValidationErrors
	if !errors.As(err, &fields) {
		return apperr.Wrap(apperr.CodeValidation, err, "invalid request body")
	}
	msgs := make([]string, 0, len(fields))
	for _, f := range fields {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", f.Namespace(), f.Tag()))
	}
	return apperr.Validation("invalid request body: %s", strings.Join(msgs, "; "))
}
