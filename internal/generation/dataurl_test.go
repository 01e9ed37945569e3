package generation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDataURL(t *testing.T) {
	d, ok := ParseDataURL("data:application/pdf;base64,JVBERi0=")
	require.True(t, ok)
	assert.Equal(t, DataURL{MimeType: "application/pdf", Base64: true, Payload: "JVBERi0="}, d)
	raw, err := d.Bytes()
	require.NoError(t, err)
	assert.Equal(t, "%PDF-", string(raw))

	d, ok = ParseDataURL("data:text/plain;charset=utf-8,hello%20world")
	require.True(t, ok)
	assert.Equal(t, "text/plain", d.MimeType)
	assert.False(t, d.Base64)
	raw, err = d.Bytes()
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(raw))

	_, ok = ParseDataURL("https://example.com/a.png")
	assert.False(t, ok)
	_, ok = ParseDataURL("data:text/plain;base64")
	assert.False(t, ok)

	_, err = DataURL{Base64: true, Payload: "not base64!"}.Bytes()
	assert.Error(t, err)
}
