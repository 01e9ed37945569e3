package provider

import (
	"strings"

	"github.com/itzam-ai/itzam/internal/generation"
)

// inlineData returns the mime type and base64 payload of a base64 data URL.
// ok is false for anything else.
func inlineData(u string) (mimeType, data string, ok bool) {
	d, ok := generation.ParseDataURL(u)
	if !ok || !d.Base64 {
		return "", "", false
	}
	return d.MimeType, d.Payload, true
}

// schemaInstruction is appended to the system prompt for backends without
// native JSON-schema output.
func schemaInstruction(system string, schema []byte) string {
	var b strings.Builder
	if system != "" {
		b.WriteString(system)
		b.WriteString("\n\n")
	}
	b.WriteString("Respond with a single JSON value that conforms to the following JSON Schema. ")
	b.WriteString("Output only the JSON, with no prose and no code fences.\n")
	b.Write(schema)
	return b.String()
}

// StripCodeFence removes a ```json ... ``` wrapper some models add despite
// being told not to. The dispatcher runs it over the final text of
// structured runs before validating.
func StripCodeFence(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") {
		return s
	}
	t = strings.TrimPrefix(t, "```")
	if i := strings.IndexByte(t, '\n'); i >= 0 {
		t = t[i+1:]
	}
	t = strings.TrimSuffix(strings.TrimSpace(t), "```")
	return strings.TrimSpace(t)
}
