// Package pipeline wires one run end to end: build the request, resolve
// the provider, open the run, dispatch, close the run, and hand events to
// the transport.
//
// Finalization never depends on the transport. The tee goroutine drains
// the dispatcher channel to the end and closes the run with a context
// detached from the caller, whether or not anyone is still reading.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/itzam-ai/itzam/internal/apperr"
	"github.com/itzam-ai/itzam/internal/callback"
	"github.com/itzam-ai/itzam/internal/dispatch"
	"github.com/itzam-ai/itzam/internal/domain"
	"github.com/itzam-ai/itzam/internal/generation"
	"github.com/itzam-ai/itzam/internal/ledger"
	"github.com/itzam-ai/itzam/internal/metrics"
	"github.com/itzam-ai/itzam/internal/notify"
	"github.com/itzam-ai/itzam/internal/params"
	"github.com/itzam-ai/itzam/internal/registry"
	"github.com/itzam-ai/itzam/internal/store"
	"github.com/itzam-ai/itzam/internal/stream"
)

const defaultCloseTimeout = 10 * time.Second

// Deliverer posts event-run results.
type Deliverer interface {
	Deliver(ctx context.Context, t callback.Target, p callback.Payload) error
}

// Invocation is one call from an entry point.
type Invocation struct {
	Origin   domain.Origin
	Endpoint string
	Params   params.Input
}

// Started is a run that has been opened and is being dispatched.
type Started struct {
	RunID    string
	Model    domain.Model
	Provider string
	Events   <-chan generation.Event
}

// Result is the terminal event of a buffered run.
type Result struct {
	RunID string
	Model domain.Model
	Event generation.Event
}

// Config holds the collaborators of a Pipeline.
type Config struct {
	Builder      *params.Builder
	Dispatcher   *dispatch.Dispatcher
	Ledger       *ledger.Ledger
	ProviderKeys store.ProviderKeyStore
	Plans        store.PlanStore
	Callbacks    Deliverer
	Notifier     notify.Notifier

	CloseTimeout  time.Duration
	NotifyTimeout time.Duration
	Log           zerolog.Logger
}

// Pipeline runs generations. Background work is tracked so Wait can hold
// shutdown until it is done.
type Pipeline struct {
	cfg Config
	log zerolog.Logger
	wg  sync.WaitGroup
}

func New(cfg Config) *Pipeline {
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = defaultCloseTimeout
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 5 * time.Second
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Nop{}
	}
	return &Pipeline{cfg: cfg, log: cfg.Log.With().Str("component", "pipeline").Logger()}
}

// active is a run between OpenRun and CloseRun.
type active struct {
	inv   Invocation
	req   *generation.Request
	call  *dispatch.Call
	runID string
}

// start performs everything up to and including OpenRun. Errors returned
// here never leave a run behind.
func (p *Pipeline) start(ctx context.Context, inv Invocation) (*active, error) {
	a, err := p.open(ctx, inv)
	if err != nil {
		p.notify(ctx, inv, nil, "", err)
		return nil, err
	}
	return a, nil
}

func (p *Pipeline) open(ctx context.Context, inv Invocation) (*active, error) {
	req, err := p.cfg.Builder.Build(ctx, inv.Params)
	if err != nil {
		return nil, err
	}
	creds, err := p.credentials(ctx, req.OwnerID)
	if err != nil {
		return nil, err
	}
	call, err := p.cfg.Dispatcher.Prepare(ctx, req, creds)
	if err != nil {
		return nil, err
	}
	runID, err := p.cfg.Ledger.OpenRun(ctx, req, inv.Origin)
	if err != nil {
		return nil, err
	}
	return &active{inv: inv, req: req, call: call, runID: runID}, nil
}

func (p *Pipeline) credentials(ctx context.Context, ownerID string) (registry.Credentials, error) {
	keys, err := p.cfg.ProviderKeys.ProviderKeys(ctx, ownerID)
	if err != nil {
		return registry.Credentials{}, fmt.Errorf("loading provider keys: %w", err)
	}
	allow, err := p.cfg.Plans.AllowsPlatformKeys(ctx, ownerID)
	if err != nil {
		return registry.Credentials{}, fmt.Errorf("loading plan: %w", err)
	}
	return registry.Credentials{UserKeys: keys, AllowPlatform: allow}, nil
}

// Stream opens a run and returns its live event channel. The channel is
// closed after the terminal event; by then the run is already closed. If
// ctx ends, the dispatcher aborts, the run is closed as disconnected and
// the remaining events are dropped.
func (p *Pipeline) Stream(ctx context.Context, inv Invocation) (*Started, error) {
	inv.Params.Stream = true
	a, err := p.start(ctx, inv)
	if err != nil {
		return nil, err
	}

	events := a.call.Stream(ctx, a.runID)
	out := make(chan generation.Event)
	r := newRelay()
	go r.run(ctx, out)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer r.close()

		for ev := range events {
			if ev.Terminal() {
				p.finish(ctx, a, ev, ledger.FromEvent(ev))
			}
			r.push(ev)
		}
	}()

	return &Started{RunID: a.runID, Model: a.req.Model, Provider: a.call.Provider(), Events: out}, nil
}

// Generate runs to completion and returns the terminal event. Post-open
// failures are reported through Result.Event, not the error.
func (p *Pipeline) Generate(ctx context.Context, inv Invocation) (*Result, error) {
	inv.Params.Stream = false
	a, err := p.start(ctx, inv)
	if err != nil {
		return nil, err
	}
	ev := a.call.Buffer(ctx, a.runID)
	p.finish(ctx, a, ev, ledger.FromEvent(ev))
	return &Result{RunID: a.runID, Model: a.req.Model, Event: ev}, nil
}

// Trigger opens an event-origin run and completes it in the background:
// buffered dispatch, then exactly one callback POST. The run id is
// returned as soon as the run exists.
func (p *Pipeline) Trigger(ctx context.Context, inv Invocation, target callback.Target) (string, error) {
	inv.Params.Stream = false
	a, err := p.start(ctx, inv)
	if err != nil {
		return "", err
	}

	bg := context.WithoutCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ev := a.call.Buffer(bg, a.runID)
		outcome := ledger.FromEvent(ev)
		if ev.Kind == generation.EventFinish {
			err := p.cfg.Callbacks.Deliver(bg, target, callback.Payload{
				Object:           ev.Object,
				Text:             ev.Text,
				Metadata:         stream.MetadataOf(ev, a.req.Model.Tag),
				CustomProperties: target.CustomProperties,
			})
			if err != nil {
				outcome = outcome.Fail(apperr.CodeCallbackFailed, apperr.MessageOf(err))
				ev.Kind = generation.EventError
				ev.Code = apperr.CodeCallbackFailed
				ev.Message = outcome.Message
			}
		}
		p.finish(bg, a, ev, outcome)
	}()

	return a.runID, nil
}

// finish closes the run. ev is the terminal event as observed, used for
// metrics and notification.
func (p *Pipeline) finish(ctx context.Context, a *active, ev generation.Event, o ledger.Outcome) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.CloseTimeout)
	defer cancel()

	changed, err := p.cfg.Ledger.CloseRun(cctx, a.runID, o)
	if err != nil {
		p.log.Error().Err(err).Str("run_id", a.runID).Msg("closing run")
		return
	}
	if !changed {
		return
	}
	metrics.RecordRun(a.inv.Origin, a.call.Provider(), o.Status, ev)
	if o.Status == domain.StatusFailed {
		p.notify(ctx, a.inv, a.req, a.runID, apperr.New(o.Code, "%s", o.Message))
	}
}

// notify reports a failure in the background. Its own errors are logged.
func (p *Pipeline) notify(ctx context.Context, inv Invocation, req *generation.Request, runID string, err error) {
	f := notify.Failure{
		RunID:        runID,
		UserID:       inv.Params.OwnerID,
		WorkflowSlug: inv.Params.WorkflowSlug,
		Endpoint:     inv.Endpoint,
		Code:         string(apperr.CodeOf(err)),
		Message:      apperr.MessageOf(err),
	}
	if req != nil {
		f.UserID = req.OwnerID
		f.WorkflowSlug = req.WorkflowSlug
	}

	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.NotifyTimeout)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer cancel()
		if err := p.cfg.Notifier.Notify(nctx, f); err != nil {
			p.log.Warn().Err(err).Str("run_id", runID).Msg("failure notification not delivered")
		}
	}()
}

// Wait blocks until all background work is done or ctx ends.
func (p *Pipeline) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
