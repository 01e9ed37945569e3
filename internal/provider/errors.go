package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/itzam-ai/itzam/internal/apperr"
)

// ErrMalformed marks responses that could not be decoded or ended early.
var ErrMalformed = errors.New("malformed provider response")

// StatusError is an upstream API error with an HTTP status. Every adapter
// converts its backend's error shape into this type so classification lives
// in one place.
type StatusError struct {
	Provider   string
	StatusCode int
	Type       string // backend error type, e.g. "rate_limit_error"
	Message    string
}

func (e *StatusError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s API error (status %d, %s): %s", e.Provider, e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, e.Message)
}

// TransportError wraps failures to reach the upstream API at all.
type TransportError struct {
	Provider string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("sending request to %s: %v", e.Provider, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// readStatusError drains a non-2xx response into a StatusError.
//
// Providers disagree on the error body shape:
//
//	OpenAI / compatible: {"error": {"message": "...", "type": "..."}}
//	Anthropic:           {"type": "error", "error": {"type": "...", "message": "..."}}
//	Google:              {"error": {"code": 429, "message": "...", "status": "RESOURCE_EXHAUSTED"}}
//
// gjson lets us peek at whichever path is present without a struct per shape.
func readStatusError(provider string, resp *http.Response) *StatusError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return statusErrorFromBody(provider, resp.StatusCode, body)
}

func statusErrorFromBody(provider string, status int, body []byte) *StatusError {
	se := &StatusError{Provider: provider, StatusCode: status}

	if !gjson.ValidBytes(body) {
		se.Message = strings.TrimSpace(string(body))
		if se.Message == "" {
			se.Message = http.StatusText(status)
		}
		return se
	}

	res := gjson.GetManyBytes(body, "error.message", "message", "error.type", "error.status", "error")
	switch {
	case res[0].Exists():
		se.Message = res[0].String()
	case res[1].Exists():
		se.Message = res[1].String()
	case res[4].Type == gjson.String:
		se.Message = res[4].String()
	default:
		se.Message = http.StatusText(status)
	}
	if res[2].Exists() {
		se.Type = res[2].String()
	} else if res[3].Exists() {
		se.Type = res[3].String()
	}
	return se
}

// Classify maps any error an adapter can return onto the normalized codes
// the rest of the system reasons about.
func Classify(err error) apperr.Code {
	if err == nil {
		return ""
	}

	var coded *apperr.Error
	if errors.As(err, &coded) {
		return coded.Code
	}

	switch {
	case errors.Is(err, context.Canceled):
		return apperr.CodeClientDisconnected
	case errors.Is(err, context.DeadlineExceeded):
		return apperr.CodeUpstreamTimeout
	}

	var se *StatusError
	if errors.As(err, &se) {
		switch se.StatusCode {
		case http.StatusTooManyRequests:
			return apperr.CodeRateLimited
		case http.StatusRequestTimeout, http.StatusGatewayTimeout:
			return apperr.CodeUpstreamTimeout
		}
		if se.Type == "rate_limit_error" || se.Type == "RESOURCE_EXHAUSTED" {
			return apperr.CodeRateLimited
		}
		return apperr.CodeUpstreamError
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperr.CodeUpstreamTimeout
	}

	var te *TransportError
	if errors.As(err, &te) || errors.Is(err, ErrMalformed) {
		return apperr.CodeUpstreamError
	}

	return apperr.CodeUnknown
}
