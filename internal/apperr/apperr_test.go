package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	wrapped := fmt.Errorf("building request: %w", Validation("input is empty"))

	assert.Equal(t, CodeValidation, CodeOf(wrapped))
	assert.Equal(t, CodeUpstreamTimeout, CodeOf(fmt.Errorf("call: %w", context.DeadlineExceeded)))
	assert.Equal(t, CodeClientDisconnected, CodeOf(context.Canceled))
	assert.Equal(t, CodeUnknown, CodeOf(errors.New("boom")))
	assert.Equal(t, Code(""), CodeOf(nil))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(CodeUpstreamError, cause, "calling %s", "anthropic")

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "calling anthropic", MessageOf(err))
	assert.Contains(t, err.Error(), "connection reset")
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Code]int{
		CodeValidation:            http.StatusBadRequest,
		CodeNoCredentials:         http.StatusBadRequest,
		CodeUnsupportedAttachment: http.StatusBadRequest,
		CodeNotFound:              http.StatusNotFound,
		CodeRateLimited:           http.StatusTooManyRequests,
		CodeUpstreamTimeout:       http.StatusGatewayTimeout,
		CodeUpstreamError:         http.StatusBadGateway,
		CodeSchemaValidation:      http.StatusUnprocessableEntity,
		CodeUnknown:               http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, HTTPStatus(code), code)
	}
}
