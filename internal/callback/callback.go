// Package callback delivers the result of an event-triggered run to the
// caller's webhook.
package callback

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/itzam-ai/itzam/internal/apperr"
	"github.com/itzam-ai/itzam/internal/stream"
)

// Target is where and how to deliver.
type Target struct {
	URL              string            `json:"url" validate:"required,url"`
	Headers          map[string]string `json:"headers,omitempty"`
	CustomProperties map[string]any    `json:"customProperties,omitempty"`
}

// Payload is the webhook body.
type Payload struct {
	Object           json.RawMessage `json:"object"`
	Text             string          `json:"text,omitempty"`
	Metadata         stream.Metadata `json:"metadata"`
	CustomProperties map[string]any  `json:"customProperties"`
}

// Client posts payloads. It never retries.
type Client struct {
	http *resty.Client
	log  zerolog.Logger
}

func New(timeout time.Duration, log zerolog.Logger) *Client {
	return &Client{
		http: resty.New().
			SetTimeout(timeout).
			SetHeader("User-Agent", "Itzam-Callback/1.0").
			SetRetryCount(0),
		log: log.With().Str("component", "callback").Logger(),
	}
}

// Deliver performs exactly one POST. A transport error or a non-2xx status
// is returned as a CALLBACK_FAILED error.
func (c *Client) Deliver(ctx context.Context, t Target, p Payload) error {
	if p.CustomProperties == nil {
		p.CustomProperties = t.CustomProperties
	}
	if p.CustomProperties == nil {
		p.CustomProperties = map[string]any{}
	}

	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(t.Headers).
		SetHeader("Content-Type", "application/json").
		SetBody(p).
		Post(t.URL)
	if err != nil {
		c.log.Warn().Err(err).Str("run_id", p.Metadata.RunID).Msg("callback delivery failed")
		return apperr.Wrap(apperr.CodeCallbackFailed, err, "callback request failed")
	}
	if !resp.IsSuccess() {
		c.log.Warn().
			Str("run_id", p.Metadata.RunID).
			Int("status", resp.StatusCode()).
			Msg("callback rejected")
		return apperr.New(apperr.CodeCallbackFailed, "callback returned status %d", resp.StatusCode())
	}

	c.log.Debug().
		Str("run_id", p.Metadata.RunID).
		Int("status", resp.StatusCode()).
		Dur("took", time.Since(start)).
		Msg("callback delivered")
	return nil
}
