// Package stream renders the uniform event stream for HTTP clients: as
// named Server-Sent Events, or as a pull-based iterator of text deltas.
package stream

import (
	"fmt"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/itzam-ai/itzam/internal/generation"
)

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

// SSE event names. Reasoning deltas go out as "reasoning".
const (
	EventTextDelta  = "text-delta"
	EventReasoning  = "reasoning"
	EventToolCall   = "tool-call"
	EventToolResult = "tool-result"
	EventFinish     = "finish"
	EventError      = "error"
)

// Metadata is the run summary attached to finish events and non-streaming
// responses. Cost is rendered as a decimal string.
type Metadata struct {
	RunID        string          `json:"runId"`
	Model        string          `json:"model"`
	InputTokens  int64           `json:"inputTokens"`
	OutputTokens int64           `json:"outputTokens"`
	DurationMs   int64           `json:"durationInMs"`
	Cost         decimal.Decimal `json:"cost"`
}

// MetadataOf summarizes a terminal event.
func MetadataOf(ev generation.Event, model string) Metadata {
	return Metadata{
		RunID:        ev.RunID,
		Model:        model,
		InputTokens:  ev.Usage.InputTokens,
		OutputTokens: ev.Usage.OutputTokens,
		DurationMs:   ev.DurationMs,
		Cost:         ev.Cost,
	}
}

type deltaData struct {
	RunID string `json:"runId"`
	Delta string `json:"delta"`
}

type toolCallData struct {
	RunID string `json:"runId"`
	*generation.ToolCall
}

type toolResultData struct {
	RunID string `json:"runId"`
	*generation.ToolResult
}

type finishData struct {
	Text     string          `json:"text,omitempty"`
	Object   json.RawMessage `json:"object,omitempty"`
	Metadata Metadata        `json:"metadata"`
}

type errorData struct {
	RunID   string `json:"runId,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// encode maps one uniform event to its SSE name and payload.
func encode(ev generation.Event, model string) (string, []byte, error) {
	var (
		name    string
		payload any
	)
	switch ev.Kind {
	case generation.EventTextDelta:
		name, payload = EventTextDelta, deltaData{RunID: ev.RunID, Delta: ev.Delta}
	case generation.EventReasoningDelta:
		name, payload = EventReasoning, deltaData{RunID: ev.RunID, Delta: ev.Delta}
	case generation.EventToolCall:
		name, payload = EventToolCall, toolCallData{RunID: ev.RunID, ToolCall: ev.ToolCall}
	case generation.EventToolResult:
		name, payload = EventToolResult, toolResultData{RunID: ev.RunID, ToolResult: ev.ToolResult}
	case generation.EventFinish:
		fin := finishData{Object: ev.Object, Metadata: MetadataOf(ev, model)}
		if len(ev.Object) == 0 {
			fin.Text = ev.Text
		}
		name, payload = EventFinish, fin
	case generation.EventError:
		name, payload = EventError, errorData{RunID: ev.RunID, Code: string(ev.Code), Message: ev.Message}
	default:
		return "", nil, fmt.Errorf("unknown event kind %q", ev.Kind)
	}
	data, err := json.Marshal(payload)
	return name, data, err
}

// ---------------------------------------------------------------------------
// SSE Writer
// ---------------------------------------------------------------------------

// Write renders events as Server-Sent Events until the channel closes, one
// flush per event:
//
//	event: text-delta
//	data: {"runId":"…","delta":"Hel"}
//
// model is reported in the finish event's metadata. If the client goes
// away mid-stream, Write keeps draining events so the producer never
// blocks, and returns the first write error.
func Write(w http.ResponseWriter, events <-chan generation.Event, model string, log zerolog.Logger) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		drain(events)
		return fmt.Errorf("response writer does not support flushing (http.Flusher)")
	}

	// Headers must be set before the first body write.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		name, data, err := encode(ev, model)
		if err != nil {
			log.Error().Err(err).Str("run_id", ev.RunID).Msg("encoding SSE event")
			continue
		}

		// A blank line ends an event; the event/data lines inside it are
		// separated by single newlines.
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data); err != nil {
			drain(events)
			return fmt.Errorf("writing SSE event: %w", err)
		}
		flusher.Flush()
	}
	return nil
}

func drain(events <-chan generation.Event) {
	for range events {
	}
}
