// Package generation defines the two values that flow through the core: the
// canonical Request built by the parameter builder, and the uniform Event
// stream produced by the dispatcher.
//
// Neither type knows anything about HTTP, storage or a particular provider.
package generation

import (
	"encoding/json"

	"github.com/itzam-ai/itzam/internal/domain"
)

// PartKind tags the content of one message part.
type PartKind string

const (
	PartText  PartKind = "text"
	PartImage PartKind = "image"
	PartFile  PartKind = "file"
)

// Part is one piece of message content.
type Part struct {
	Kind     PartKind
	Text     string // PartText
	URL      string // PartImage, PartFile
	MimeType string // PartImage, PartFile
	Name     string // PartFile
}

// TextPart is a shorthand for a text-only part.
func TextPart(s string) Part { return Part{Kind: PartText, Text: s} }

// Message is one conversation turn.
type Message struct {
	Role  domain.Role
	Parts []Part
}

// Text concatenates the text parts of the message.
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Kind == PartText {
			out += p.Text
		}
	}
	return out
}

// Request is the normalized, self-contained generation request. The Model
// field is a snapshot: pricing and capabilities as they were when the
// request was built, and that snapshot is what cost is computed from.
type Request struct {
	System   string
	Messages []Message
	Schema   json.RawMessage // nil unless structured output was asked for
	Model    domain.Model
	Stream   bool

	MaxOutputTokens int

	// Bookkeeping carried into the run record.
	RunID        string // optional caller-supplied id
	OwnerID      string
	WorkflowID   string
	WorkflowSlug string
	ThreadID     string
	Input        string
	Attachments  []domain.Attachment
	ContextSlugs []string
}

// Structured reports whether the request asks for a schema-conformant object.
func (r *Request) Structured() bool {
	return len(r.Schema) > 0
}
