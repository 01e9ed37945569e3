// Package ledger owns the run rows: it opens a RUNNING run before dispatch
// and closes it exactly once afterwards. Nothing else writes runs.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/itzam-ai/itzam/internal/apperr"
	"github.com/itzam-ai/itzam/internal/domain"
	"github.com/itzam-ai/itzam/internal/generation"
	"github.com/itzam-ai/itzam/internal/store"
)

// Outcome is how a run ended. Failed outcomes may still carry output,
// usage and cost: a run whose callback could not be delivered keeps what
// the provider produced.
type Outcome struct {
	Status     domain.Status
	Usage      generation.Usage
	Cost       decimal.Decimal
	DurationMs int64
	Text       string
	Object     json.RawMessage
	Code       apperr.Code
	Message    string
}

// Succeeded builds a COMPLETED outcome from a finish event.
func Succeeded(ev generation.Event) Outcome {
	return Outcome{
		Status:     domain.StatusCompleted,
		Usage:      ev.Usage,
		Cost:       ev.Cost,
		DurationMs: ev.DurationMs,
		Text:       ev.Text,
		Object:     ev.Object,
	}
}

// Failed builds a FAILED outcome with no output.
func Failed(code apperr.Code, message string) Outcome {
	return Outcome{Status: domain.StatusFailed, Code: code, Message: message}
}

// FromEvent maps a terminal event onto an outcome. Error events keep their
// partial usage and text.
func FromEvent(ev generation.Event) Outcome {
	if ev.Kind == generation.EventFinish {
		return Succeeded(ev)
	}
	o := Succeeded(ev)
	o.Status = domain.StatusFailed
	o.Code = ev.Code
	o.Message = ev.Message
	o.Object = nil
	return o
}

// Fail turns o into a failure while keeping its output.
func (o Outcome) Fail(code apperr.Code, message string) Outcome {
	o.Status = domain.StatusFailed
	o.Code = code
	o.Message = message
	return o
}

// Ledger writes run rows through a RunStore.
type Ledger struct {
	runs  store.RunStore
	now   func() time.Time
	newID func() (uuid.UUID, error)
	log   zerolog.Logger
}

// Option customizes a Ledger.
type Option func(*Ledger)

// WithClock replaces time.Now for CreatedAt/FinishedAt.
func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

// WithLogger sets the ledger logger.
func WithLogger(log zerolog.Logger) Option {
	return func(l *Ledger) { l.log = log.With().Str("component", "ledger").Logger() }
}

func New(runs store.RunStore, opts ...Option) *Ledger {
	l := &Ledger{runs: runs, now: time.Now, newID: uuid.NewV7, log: zerolog.Nop()}
	for _, o := range opts {
		o(l)
	}
	return l
}

// OpenRun inserts a RUNNING run for req and returns its id. A caller-chosen
// req.RunID is used as is; reusing one is a validation error.
func (l *Ledger) OpenRun(ctx context.Context, req *generation.Request, origin domain.Origin) (string, error) {
	id := req.RunID
	if id == "" {
		u, err := l.newID()
		if err != nil {
			return "", fmt.Errorf("generating run id: %w", err)
		}
		id = u.String()
	}

	now := l.now().UTC()
	run := &domain.Run{
		ID:               id,
		Origin:           origin,
		OwnerID:          req.OwnerID,
		WorkflowID:       req.WorkflowID,
		ThreadID:         req.ThreadID,
		Input:            req.Input,
		Prompt:           req.System,
		Attachments:      req.Attachments,
		ContextSlugs:     req.ContextSlugs,
		ModelTag:         req.Model.Tag,
		InputPerMillion:  req.Model.InputPerMillion,
		OutputPerMillion: req.Model.OutputPerMillion,
		Status:           domain.StatusRunning,
		Cost:             decimal.Zero,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	err := l.runs.InsertRun(ctx, run)
	if errors.Is(err, store.ErrDuplicate) {
		return "", apperr.Validation("run id %q already exists", id)
	}
	if err != nil {
		return "", fmt.Errorf("opening run: %w", err)
	}

	l.log.Debug().Str("run_id", id).Str("origin", string(origin)).Str("model", run.ModelTag).Msg("run opened")
	return id, nil
}

// CloseRun finalizes a run. Only the first close of a run has an effect;
// it reports whether this call was that one.
func (l *Ledger) CloseRun(ctx context.Context, id string, o Outcome) (bool, error) {
	if !o.Status.IsTerminal() {
		return false, fmt.Errorf("closing run %s: status %q is not terminal", id, o.Status)
	}
	changed, err := l.runs.FinishRun(ctx, id, store.RunFinish{
		Status:       o.Status,
		InputTokens:  o.Usage.InputTokens,
		OutputTokens: o.Usage.OutputTokens,
		Cost:         o.Cost,
		DurationMs:   o.DurationMs,
		OutputText:   o.Text,
		OutputObject: o.Object,
		ErrorCode:    string(o.Code),
		ErrorMessage: o.Message,
		FinishedAt:   l.now().UTC(),
	})
	if err != nil {
		return false, fmt.Errorf("closing run %s: %w", id, err)
	}
	if !changed {
		l.log.Debug().Str("run_id", id).Msg("run already closed")
		return false, nil
	}

	ev := l.log.Info()
	if o.Status == domain.StatusFailed {
		ev = l.log.Warn().Str("code", string(o.Code))
	}
	ev.Str("run_id", id).
		Str("status", string(o.Status)).
		Int64("input_tokens", o.Usage.InputTokens).
		Int64("output_tokens", o.Usage.OutputTokens).
		Str("cost", o.Cost.String()).
		Int64("duration_ms", o.DurationMs).
		Msg("run closed")
	return true, nil
}

// Get returns one run.
func (l *Ledger) Get(ctx context.Context, id string) (*domain.Run, error) {
	r, err := l.runs.GetRun(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("run %q not found", id)
	}
	return r, err
}

// Stale lists runs still RUNNING after olderThan.
func (l *Ledger) Stale(ctx context.Context, olderThan time.Duration) ([]domain.Run, error) {
	return l.runs.ListStaleRuns(ctx, l.now().Add(-olderThan))
}
