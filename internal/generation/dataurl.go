package generation

import (
	"encoding/base64"
	"net/url"
	"strings"
)

// DataURL is a parsed "data:" URL. Payload is still encoded.
type DataURL struct {
	MimeType string // without parameters such as charset
	Base64   bool
	Payload  string
}

// ParseDataURL splits s into its parts. ok is false when s is not a data URL
// or has no comma before the payload.
func ParseDataURL(s string) (d DataURL, ok bool) {
	rest, found := strings.CutPrefix(s, "data:")
	if !found {
		return d, false
	}
	meta, payload, found := strings.Cut(rest, ",")
	if !found {
		return d, false
	}
	meta, d.Base64 = strings.CutSuffix(meta, ";base64")
	d.MimeType, _, _ = strings.Cut(meta, ";")
	d.Payload = payload
	return d, true
}

// Bytes decodes the payload, base64 or percent-encoded.
func (d DataURL) Bytes() ([]byte, error) {
	if d.Base64 {
		return base64.StdEncoding.DecodeString(d.Payload)
	}
	text, err := url.PathUnescape(d.Payload)
	return []byte(text), err
}
