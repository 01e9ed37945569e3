// Package params turns the three call-site shapes (SDK route, playground,
// signed event) into one generation.Request.
//
// The builder reads workflows, threads, run history and knowledge snippets
// and may upload inline attachments, but never talks to an LLM provider.
package params

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/itzam-ai/itzam/internal/apperr"
	"github.com/itzam-ai/itzam/internal/domain"
	"github.com/itzam-ai/itzam/internal/generation"
	"github.com/itzam-ai/itzam/internal/schema"
	"github.com/itzam-ai/itzam/internal/store"
)

// DefaultHistoryWindow is the number of prior thread messages included when
// the builder is not configured otherwise.
const DefaultHistoryWindow = 20

// ModelLookup resolves a model tag to its catalog entry.
type ModelLookup interface {
	Lookup(ctx context.Context, tag string) (domain.Model, error)
}

// Input is the union of what the entry points accept. Exactly one of
// WorkflowID or WorkflowSlug identifies the workflow.
type Input struct {
	OwnerID      string
	WorkflowID   string
	WorkflowSlug string

	Input        string
	SystemPrompt string // overrides the workflow prompt
	ModelTag     string // overrides the workflow model
	ThreadID     string
	ContextSlugs []string
	Attachments  []domain.Attachment
	Schema       json.RawMessage

	Stream bool
	RunID  string
}

// Builder assembles requests. Its collaborators are read-only except for
// Uploader.
type Builder struct {
	Workflows store.WorkflowStore
	Threads   store.ThreadStore
	Runs      store.RunStore
	Knowledge store.KnowledgeStore
	Uploader  store.Uploader
	Models    ModelLookup

	HistoryWindow   int
	MaxOutputTokens int
	Log             zerolog.Logger
}

// Build validates in and produces a self-contained request.
func (b *Builder) Build(ctx context.Context, in Input) (*generation.Request, error) {
	wf, err := b.workflow(ctx, in)
	if err != nil {
		return nil, err
	}
	if !wf.IsActive {
		return nil, apperr.Validation("workflow %q is inactive", wf.Slug)
	}
	if strings.TrimSpace(in.Input) == "" && len(in.Attachments) == 0 {
		return nil, apperr.Validation("input is required")
	}

	tag := in.ModelTag
	if tag == "" {
		tag = wf.ModelTag
	}
	if tag == "" {
		return nil, apperr.Validation("workflow %q has no model", wf.Slug)
	}
	model, err := b.Models.Lookup(ctx, tag)
	if err != nil {
		return nil, err
	}

	req := &generation.Request{
		System:          wf.Prompt,
		Model:           model,
		Stream:          in.Stream,
		MaxOutputTokens: b.MaxOutputTokens,
		RunID:           in.RunID,
		OwnerID:         wf.OwnerID,
		WorkflowID:      wf.ID,
		WorkflowSlug:    wf.Slug,
		ThreadID:        in.ThreadID,
		Input:           in.Input,
	}
	if in.SystemPrompt != "" {
		req.System = in.SystemPrompt
	}

	if len(in.Schema) > 0 {
		if _, err := schema.Compile(in.Schema); err != nil {
			return nil, apperr.Wrap(apperr.CodeValidation, err, "schema is not a valid JSON Schema")
		}
		req.Schema = in.Schema
	}

	var history []generation.Message
	slugs := wf.ContextSlugs
	if in.ThreadID != "" {
		thread, err := b.Threads.GetThread(ctx, in.ThreadID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound("thread %q not found", in.ThreadID)
		}
		if err != nil {
			return nil, fmt.Errorf("loading thread: %w", err)
		}
		if thread.OwnerID != wf.OwnerID || (in.OwnerID != "" && thread.OwnerID != in.OwnerID) {
			return nil, apperr.Validation("thread %q does not belong to this workflow's owner", in.ThreadID)
		}
		if history, err = b.history(ctx, thread.ID); err != nil {
			return nil, err
		}
		slugs = mergeSlugs(thread.ContextSlugs, slugs)
	}
	req.ContextSlugs = mergeSlugs(slugs, in.ContextSlugs)

	if len(req.ContextSlugs) > 0 {
		knowledge, err := b.knowledge(ctx, wf.OwnerID, req.ContextSlugs)
		if err != nil {
			return nil, err
		}
		if knowledge != "" {
			req.Messages = append(req.Messages, generation.Message{
				Role:  domain.RoleSystem,
				Parts: []generation.Part{generation.TextPart(knowledge)},
			})
		}
	}
	req.Messages = append(req.Messages, history...)

	atts, err := b.attachments(ctx, wf.OwnerID, model, in.Attachments)
	if err != nil {
		return nil, err
	}
	req.Attachments = atts

	user := generation.Message{Role: domain.RoleUser}
	if in.Input != "" {
		user.Parts = append(user.Parts, generation.TextPart(in.Input))
	}
	for _, a := range atts {
		kind := generation.PartFile
		if a.IsImage() {
			kind = generation.PartImage
		}
		user.Parts = append(user.Parts, generation.Part{Kind: kind, URL: a.URL, MimeType: a.MimeType, Name: a.Name})
	}
	req.Messages = append(req.Messages, user)

	b.Log.Debug().
		Str("workflow", wf.Slug).
		Str("model", model.Tag).
		Int("messages", len(req.Messages)).
		Int("attachments", len(atts)).
		Msg("request built")
	return req, nil
}

func (b *Builder) workflow(ctx context.Context, in Input) (*domain.Workflow, error) {
	var (
		wf  *domain.Workflow
		err error
	)
	switch {
	case in.WorkflowID != "":
		wf, err = b.Workflows.GetWorkflow(ctx, in.WorkflowID)
	case in.WorkflowSlug != "":
		wf, err = b.Workflows.GetWorkflowBySlug(ctx, in.OwnerID, in.WorkflowSlug)
	default:
		return nil, apperr.Validation("workflowSlug or workflowId is required")
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("workflow not found")
	}
	if err != nil {
		return nil, fmt.Errorf("loading workflow: %w", err)
	}
	// A workflow of another owner is reported as missing.
	if in.OwnerID != "" && wf.OwnerID != in.OwnerID {
		return nil, apperr.NotFound("workflow not found")
	}
	return wf, nil
}

// history rebuilds the last HistoryWindow messages from completed runs.
func (b *Builder) history(ctx context.Context, threadID string) ([]generation.Message, error) {
	window := b.HistoryWindow
	if window <= 0 {
		window = DefaultHistoryWindow
	}
	// Each run contributes at most two messages.
	runs, err := b.Runs.ListThreadRuns(ctx, threadID, domain.StatusCompleted, window)
	if err != nil {
		return nil, fmt.Errorf("loading thread history: %w", err)
	}

	var msgs []generation.Message
	for _, r := range runs {
		if r.Input != "" || len(r.Attachments) > 0 {
			msgs = append(msgs, generation.Message{Role: domain.RoleUser, Parts: []generation.Part{generation.TextPart(historyInput(r))}})
		}
		out := r.OutputText
		if out == "" && len(r.OutputObject) > 0 {
			out = string(r.OutputObject)
		}
		if out != "" {
			msgs = append(msgs, generation.Message{Role: domain.RoleAssistant, Parts: []generation.Part{generation.TextPart(out)}})
		}
	}
	if len(msgs) > window {
		msgs = msgs[len(msgs)-window:]
	}
	// Conversations must open with a user turn.
	for len(msgs) > 0 && msgs[0].Role == domain.RoleAssistant {
		msgs = msgs[1:]
	}
	return msgs, nil
}

// historyInput is the replayed user turn of a past run. Past attachments are
// named rather than resent: the current model may not accept them.
func historyInput(r domain.Run) string {
	var sb strings.Builder
	sb.WriteString(r.Input)
	for _, a := range r.Attachments {
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		name := a.Name
		if name == "" {
			name = "attachment"
		}
		fmt.Fprintf(&sb, "[attached %s (%s)]", name, a.MimeType)
	}
	return sb.String()
}

func (b *Builder) knowledge(ctx context.Context, ownerID string, slugs []string) (string, error) {
	var sb strings.Builder
	for _, slug := range slugs {
		snippets, err := b.Knowledge.Snippets(ctx, ownerID, slug)
		if errors.Is(err, store.ErrNotFound) {
			return "", apperr.NotFound("context %q not found", slug)
		}
		if err != nil {
			return "", fmt.Errorf("loading context %q: %w", slug, err)
		}
		sort.SliceStable(snippets, func(i, j int) bool { return snippets[i].Position < snippets[j].Position })
		for _, s := range snippets {
			if sb.Len() == 0 {
				sb.WriteString("Use the following context to answer.\n")
			}
			fmt.Fprintf(&sb, "\n<context slug=%q>\n%s\n</context>\n", slug, s.Content)
		}
	}
	return sb.String(), nil
}

func (b *Builder) attachments(ctx context.Context, ownerID string, model domain.Model, in []domain.Attachment) ([]domain.Attachment, error) {
	out := make([]domain.Attachment, 0, len(in))
	for i, a := range in {
		if a.URL == "" {
			return nil, apperr.Validation("attachment %d has no url", i)
		}
		var data []byte
		if a.IsInline() {
			d, ok := generation.ParseDataURL(a.URL)
			if !ok {
				return nil, apperr.Validation("attachment %d is not a valid data url", i)
			}
			raw, err := d.Bytes()
			if err != nil {
				return nil, apperr.Wrap(apperr.CodeValidation, err, "attachment %d is not a valid data url", i)
			}
			if a.MimeType == "" {
				a.MimeType = d.MimeType
			}
			data = raw
		}
		if a.MimeType == "" {
			return nil, apperr.Validation("attachment %d has no mimeType", i)
		}
		switch {
		case a.IsImage() && !model.Vision:
			return nil, apperr.UnsupportedAttachment("model %q does not accept images (%s)", model.Tag, a.MimeType)
		case !a.IsImage() && !model.Files:
			return nil, apperr.UnsupportedAttachment("model %q does not accept %s attachments", model.Tag, a.MimeType)
		}
		if data != nil && b.Uploader != nil {
			u, err := b.Uploader.Upload(ctx, ownerID, a.Name, a.MimeType, data)
			if err != nil {
				return nil, fmt.Errorf("uploading attachment %d: %w", i, err)
			}
			a.URL = u
		}
		out = append(out, a)
	}
	return out, nil
}

// mergeSlugs concatenates lists, keeping the first occurrence of each slug.
func mergeSlugs(lists ...[]string) []string {
	seen := map[string]bool{}
	var out []string
	for _, l := range lists {
		for _, s := range l {
			if s == "" || seen[s] {
				continue
			}
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
