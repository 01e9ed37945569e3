// Package dispatch runs one generation request against its provider and
// translates the result into the uniform event stream.
//
// A run goes INIT (Prepare resolves the client) → CALLING_PROVIDER →
// STREAMING → FINISHED, or FAILED from any state. Whatever happens, a Call
// produces exactly one terminal event (finish or error) and it is the last
// thing it produces. The dispatcher never retries and never writes to
// storage.
package dispatch

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/itzam-ai/itzam/internal/apperr"
	"github.com/itzam-ai/itzam/internal/domain"
	"github.com/itzam-ai/itzam/internal/generation"
	"github.com/itzam-ai/itzam/internal/observability"
	"github.com/itzam-ai/itzam/internal/provider"
	"github.com/itzam-ai/itzam/internal/registry"
	"github.com/itzam-ai/itzam/internal/schema"
)

// errStreamEnded is reported when a provider stream closes without a Done
// chunk and without the context being cancelled.
var errStreamEnded = errors.New("stream ended before completion")

// Resolver selects the provider client for a model tag.
type Resolver interface {
	Resolve(ctx context.Context, tag string, creds registry.Credentials) (provider.Provider, domain.Model, error)
}

// Dispatcher prepares calls. It holds no per-run state.
type Dispatcher struct {
	resolver Resolver
	timeout  time.Duration
	now      func() time.Time
	tracer   trace.Tracer
	log      zerolog.Logger
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithTimeout bounds every provider call. Zero means no bound.
func WithTimeout(d time.Duration) Option { return func(x *Dispatcher) { x.timeout = d } }

// WithClock replaces time.Now for duration measurement.
func WithClock(now func() time.Time) Option { return func(x *Dispatcher) { x.now = now } }

// WithTracer sets the tracer used for dispatch spans.
func WithTracer(t trace.Tracer) Option { return func(x *Dispatcher) { x.tracer = t } }

// WithLogger sets the dispatcher logger.
func WithLogger(l zerolog.Logger) Option {
	return func(x *Dispatcher) { x.log = l.With().Str("component", "dispatch").Logger() }
}

// New creates a Dispatcher.
func New(resolver Resolver, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		resolver: resolver,
		now:      time.Now,
		tracer:   observability.Tracer(),
		log:      zerolog.Nop(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Call is one prepared dispatch. It is used once, either through Stream or
// Buffer.
type Call struct {
	d        *Dispatcher
	req      *generation.Request
	provider provider.Provider
	schema   *schema.Schema
}

// Prepare resolves the provider client for req. Errors here happen before
// any run exists.
func (d *Dispatcher) Prepare(ctx context.Context, req *generation.Request, creds registry.Credentials) (*Call, error) {
	p, _, err := d.resolver.Resolve(ctx, req.Model.Tag, creds)
	if err != nil {
		return nil, err
	}
	c := &Call{d: d, req: req, provider: p}
	if req.Structured() {
		if c.schema, err = schema.Compile(req.Schema); err != nil {
			return nil, apperr.Wrap(apperr.CodeValidation, err, "schema is not a valid JSON Schema")
		}
	}
	return c, nil
}

// Provider returns the name of the provider serving the call.
func (c *Call) Provider() string { return c.provider.Name() }

func (c *Call) chatRequest() *provider.ChatRequest {
	return &provider.ChatRequest{
		Model:     c.req.Model.UpstreamName(),
		System:    c.req.System,
		Messages:  c.req.Messages,
		MaxTokens: c.req.MaxOutputTokens,
		Schema:    c.req.Schema,
		Reasoning: c.req.Model.Reasoning,
	}
}

// run carries the bookkeeping of one dispatch. The accumulated text is only
// read when building the terminal event.
type run struct {
	c     *Call
	id    string
	start time.Time
	span  trace.Span

	text      strings.Builder
	reasoning strings.Builder
	toolCalls []generation.ToolCall
	usage     generation.Usage
}

func (c *Call) begin(ctx context.Context, runID string, mode string) (context.Context, *run) {
	ctx, span := c.d.tracer.Start(ctx, "dispatch."+mode, trace.WithAttributes(
		attribute.String("itzam.run_id", runID),
		attribute.String("itzam.model", c.req.Model.Tag),
		attribute.String("itzam.provider", c.provider.Name()),
		attribute.Bool("itzam.structured", c.req.Structured()),
	))
	return ctx, &run{c: c, id: runID, start: c.d.now(), span: span}
}

func (r *run) elapsed() int64 {
	return r.c.d.now().Sub(r.start).Milliseconds()
}

// finish builds the terminal event for a provider that completed. Schema
// validation happens here, so a non-conforming object never reaches a
// finish event.
func (r *run) finish() generation.Event {
	text := r.text.String()
	ev := generation.Event{
		Kind:       generation.EventFinish,
		RunID:      r.id,
		Usage:      r.usage,
		Cost:       generation.Cost(r.usage, r.c.req.Model),
		DurationMs: r.elapsed(),
		Text:       text,
		Reasoning:  r.reasoning.String(),
		ToolCalls:  r.toolCalls,
	}
	if r.c.schema != nil {
		obj, err := r.c.schema.ValidateText(provider.StripCodeFence(text))
		if err != nil {
			return r.fail(apperr.CodeSchemaValidation, err.Error())
		}
		ev.Object = obj
	}
	r.end(ev)
	return ev
}

// fail builds an error event carrying whatever usage and text are known.
func (r *run) fail(code apperr.Code, msg string) generation.Event {
	ev := generation.Event{
		Kind:       generation.EventError,
		RunID:      r.id,
		Code:       code,
		Message:    msg,
		Usage:      r.usage,
		Cost:       generation.Cost(r.usage, r.c.req.Model),
		DurationMs: r.elapsed(),
		Text:       r.text.String(),
	}
	r.end(ev)
	return ev
}

func (r *run) end(ev generation.Event) {
	r.span.SetAttributes(
		attribute.Int64("itzam.input_tokens", ev.Usage.InputTokens),
		attribute.Int64("itzam.output_tokens", ev.Usage.OutputTokens),
		attribute.Int64("itzam.duration_ms", ev.DurationMs),
	)
	if ev.Kind == generation.EventError {
		observability.RecordError(r.span, ev.Err(), attribute.String("itzam.error_code", string(ev.Code)))
		r.c.d.log.Warn().
			Str("run_id", r.id).
			Str("model", r.c.req.Model.Tag).
			Str("code", string(ev.Code)).
			Str("error", ev.Message).
			Msg("dispatch failed")
	}
	r.span.End()
}

// abort picks the terminal code when the call is cut short. The caller's
// context going away is a disconnect; the dispatch deadline is a timeout.
func (r *run) abort(parent context.Context, err error) generation.Event {
	switch {
	case errors.Is(parent.Err(), context.Canceled):
		return r.fail(apperr.CodeClientDisconnected, "client disconnected")
	case parent.Err() != nil, errors.Is(err, context.DeadlineExceeded):
		return r.fail(apperr.CodeUpstreamTimeout, "provider did not answer in time")
	}
	return r.fail(provider.Classify(err), err.Error())
}

func (c *Call) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.d.timeout > 0 {
		return context.WithTimeout(ctx, c.d.timeout)
	}
	return context.WithCancel(ctx)
}

// Stream starts the provider stream and forwards each chunk as it arrives.
// The returned channel is closed right after the terminal event. The
// consumer must drain it.
func (c *Call) Stream(ctx context.Context, runID string) <-chan generation.Event {
	out := make(chan generation.Event, 16)

	go func() {
		defer close(out)

		dctx, cancel := c.withTimeout(ctx)
		defer cancel()
		dctx, r := c.begin(dctx, runID, "stream")

		chunks, err := c.provider.ChatCompletionStream(dctx, c.chatRequest())
		if err != nil {
			out <- r.abort(ctx, err)
			return
		}

		for {
			select {
			case <-dctx.Done():
				out <- r.abort(ctx, dctx.Err())
				return

			case chunk, ok := <-chunks:
				if !ok {
					if dctx.Err() != nil {
						out <- r.abort(ctx, dctx.Err())
					} else {
						out <- r.fail(apperr.CodeUpstreamError, errStreamEnded.Error())
					}
					return
				}
				if chunk.Error != nil {
					out <- r.abort(ctx, chunk.Error)
					return
				}
				if chunk.Reasoning != "" {
					r.reasoning.WriteString(chunk.Reasoning)
					out <- generation.Event{Kind: generation.EventReasoningDelta, RunID: runID, Delta: chunk.Reasoning}
				}
				if chunk.Delta != "" {
					r.text.WriteString(chunk.Delta)
					out <- generation.Event{Kind: generation.EventTextDelta, RunID: runID, Delta: chunk.Delta}
				}
				if chunk.ToolCall != nil {
					r.toolCalls = append(r.toolCalls, *chunk.ToolCall)
					out <- generation.Event{Kind: generation.EventToolCall, RunID: runID, ToolCall: chunk.ToolCall}
				}
				if chunk.ToolResult != nil {
					out <- generation.Event{Kind: generation.EventToolResult, RunID: runID, ToolResult: chunk.ToolResult}
				}
				if chunk.Usage != nil {
					r.usage = *chunk.Usage
				}
				if chunk.Done {
					out <- r.finish()
					return
				}
			}
		}
	}()

	return out
}

// Buffer waits for the complete provider response and returns the single
// terminal event.
func (c *Call) Buffer(ctx context.Context, runID string) generation.Event {
	dctx, cancel := c.withTimeout(ctx)
	defer cancel()
	dctx, r := c.begin(dctx, runID, "buffer")

	resp, err := c.provider.ChatCompletion(dctx, c.chatRequest())
	if err != nil {
		return r.abort(ctx, err)
	}
	r.text.WriteString(resp.Content)
	r.reasoning.WriteString(resp.Reasoning)
	r.toolCalls = resp.ToolCalls
	r.usage = resp.Usage
	return r.finish()
}
