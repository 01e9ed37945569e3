// Package domain holds the records the generation core reads and writes:
// models, workflows, threads and runs. Storage adapters live elsewhere; these
// are plain values.
package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Model is one upstream LLM endpoint. Tag is "provider:model-id", e.g.
// "openai:gpt-4.1-mini"; the part after the colon is what the provider API
// expects as its model name.
type Model struct {
	Tag           string `json:"tag"`
	Name          string `json:"name"`
	Provider      string `json:"provider"`
	ContextWindow int    `json:"contextWindow"`

	Vision    bool `json:"hasVision"`
	Reasoning bool `json:"hasReasoning"`
	Files     bool `json:"hasFiles"`

	// Prices are USD per one million tokens.
	InputPerMillion  decimal.Decimal `json:"inputPerMillionTokenCost"`
	OutputPerMillion decimal.Decimal `json:"outputPerMillionTokenCost"`

	Deprecated bool `json:"deprecated"`
}

// UpstreamName returns the model id the provider API expects.
func (m Model) UpstreamName() string {
	if _, name, ok := strings.Cut(m.Tag, ":"); ok {
		return name
	}
	return m.Tag
}

// SplitTag separates "provider:model-id" into its halves. ok is false when
// the tag has no provider prefix.
func SplitTag(tag string) (provider, name string, ok bool) {
	provider, name, ok = strings.Cut(tag, ":")
	if !ok || provider == "" || name == "" {
		return "", "", false
	}
	return provider, name, true
}

// Workflow binds a prompt, a default model and knowledge contexts.
type Workflow struct {
	ID           string    `json:"id"`
	Slug         string    `json:"slug"`
	OwnerID      string    `json:"userId"`
	Name         string    `json:"name"`
	Prompt       string    `json:"prompt"`
	ModelTag     string    `json:"modelTag"`
	ContextSlugs []string  `json:"contextSlugs,omitempty"`
	IsActive     bool      `json:"isActive"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Thread groups runs into one multi-turn conversation.
type Thread struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"userId"`
	WorkflowID   string    `json:"workflowId"`
	Name         string    `json:"name"`
	LookupKeys   []string  `json:"lookupKeys,omitempty"`
	ContextSlugs []string  `json:"contextSlugs,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Role of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ThreadMessage is one prior turn reconstructed from a thread's runs.
type ThreadMessage struct {
	Role      Role
	Content   string
	CreatedAt time.Time
}

// Snippet is one retrieved chunk of a knowledge context.
type Snippet struct {
	ContextSlug string
	Position    int
	Content     string
}

// Attachment is a file handed to the model alongside the input. URL is
// either a fetchable URL or a data: URL before upload.
type Attachment struct {
	URL      string `json:"url" validate:"required"`
	MimeType string `json:"mimeType"`
	Name     string `json:"name,omitempty"`
}

// IsImage reports whether the attachment is an image type.
func (a Attachment) IsImage() bool {
	return strings.HasPrefix(strings.ToLower(a.MimeType), "image/")
}

// IsInline reports whether the attachment carries its bytes in a data: URL.
func (a Attachment) IsInline() bool {
	return strings.HasPrefix(a.URL, "data:")
}

// Origin is the entry channel of a run.
type Origin string

const (
	OriginSDK   Origin = "SDK"
	OriginWeb   Origin = "WEB"
	OriginEvent Origin = "EVENT"
)

// Status is the run lifecycle state.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Run is the persisted record of one generation.
type Run struct {
	ID         string `json:"id"`
	Origin     Origin `json:"origin"`
	OwnerID    string `json:"userId"`
	WorkflowID string `json:"workflowId"`
	ThreadID   string `json:"threadId,omitempty"`

	Input        string       `json:"input"`
	Prompt       string       `json:"prompt"`
	Attachments  []Attachment `json:"attachments,omitempty"`
	ContextSlugs []string     `json:"contextSlugs,omitempty"`

	// Model tag plus the pricing captured when the run was opened.
	ModelTag         string          `json:"modelTag"`
	InputPerMillion  decimal.Decimal `json:"inputPerMillionTokenCost"`
	OutputPerMillion decimal.Decimal `json:"outputPerMillionTokenCost"`

	Status       Status          `json:"status"`
	InputTokens  int64           `json:"inputTokens"`
	OutputTokens int64           `json:"outputTokens"`
	Cost         decimal.Decimal `json:"cost"`
	DurationMs   int64           `json:"durationInMs"`
	OutputText   string          `json:"output,omitempty"`
	OutputObject json.RawMessage `json:"object,omitempty"`
	ErrorCode    string          `json:"errorCode,omitempty"`
	ErrorMessage string          `json:"error,omitempty"`

	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}
