package usage

import (
	"testing"

	"prism-api/internal/shared"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromJSONChatFamily(t *testing.T) {
	body := []byte(`{"id":"cmpl-1","choices":[{"text":"hi"}],"usage":{"prompt_tokens":12,"completion_tokens":34,"total_tokens":46}}`)

	for _, endpoint := range []string{shared.ENDPOINTS.CHAT, shared.ENDPOINTS.COMPLETIONS} {
		got, err := FromJSON(endpoint, body)
		require.NoError(t, err, endpoint)
		assert.Equal(t, shared.Usage{InputTokens: 12, OutputTokens: 34, CachedTokens: 0}, got)
	}
}

func TestFromJSONChatWithoutUsageIsZero(t *testing.T) {
	got, err := FromJSON(shared.ENDPOINTS.CHAT, []byte(`{"id":"cmpl-1","choices":[]}`))
	require.NoError(t, err)
	assert.Equal(t, shared.Usage{}, got)
}

func TestFromRawChatStream(t *testing.T) {
	raw := []byte(`data: {"choices":[{"delta":{"content":"he"}}]}

data: {"choices":[{"delta":{"content":"llo"}}]}

data: {"choices":[],"usage": {"prompt_tokens": 5, "completion_tokens": 7}}

data: [DONE]
`)
	got, err := FromRaw(shared.ENDPOINTS.CHAT, raw)
	require.NoError(t, err)
	assert.Equal(t, shared.Usage{InputTokens: 5, OutputTokens: 7}, got)

	// raw and JSON paths agree on equivalent values
	fromJSON, err := FromJSON(shared.ENDPOINTS.CHAT, []byte(`{"usage":{"prompt_tokens":5,"completion_tokens":7}}`))
	require.NoError(t, err)
	assert.Equal(t, fromJSON, got)
}

func TestFromRawChatWithoutUsageFails(t *testing.T) {
	raw := []byte(`data: {"choices":[{"delta":{"content":"partial"}}]}`)
	_, err := FromRaw(shared.ENDPOINTS.CHAT, raw)
	assert.ErrorIs(t, err, ErrNoUsageData)
}

func TestFromRawChatTruncatedUsageFails(t *testing.T) {
	// the non-greedy match stops at the first closing brace, so a usage
	// object with nested objects yields an invalid fragment
	raw := []byte(`data: {"usage": {"details": {"cached": 1}, "prompt_tokens": 5}}`)
	_, err := FromRaw(shared.ENDPOINTS.CHAT, raw)
	assert.ErrorIs(t, err, ErrMalformedUsage)
}

func TestFromJSONLlama(t *testing.T) {
	body := []byte(`{"content":"hello","tokens_evaluated":5,"tokens_predicted":7,"stop":true}`)
	got, err := FromJSON(shared.ENDPOINTS.LLAMA, body)
	require.NoError(t, err)
	assert.Equal(t, shared.Usage{InputTokens: 5, OutputTokens: 7}, got)
}

func TestFromJSONLlamaMissingFieldsDefaultZero(t *testing.T) {
	got, err := FromJSON(shared.ENDPOINTS.LLAMA, []byte(`{"content":"hello"}`))
	require.NoError(t, err)
	assert.Equal(t, shared.Usage{}, got)
}

func TestFromRawLlama(t *testing.T) {
	raw := []byte(`data: {"content":"he"}
data: {"content":"llo","stop":true,"tokens_evaluated": 11,"tokens_predicted": 22}
`)
	got, err := FromRaw(shared.ENDPOINTS.LLAMA, raw)
	require.NoError(t, err)
	assert.Equal(t, shared.Usage{InputTokens: 11, OutputTokens: 22}, got)
}

func TestFromRawLlamaMissingFieldsDefaultZero(t *testing.T) {
	got, err := FromRaw(shared.ENDPOINTS.LLAMA, []byte(`data: {"content":"hello"}`))
	require.NoError(t, err)
	assert.Equal(t, shared.Usage{}, got)
}

func TestUnknownEndpointIsExtractionFailure(t *testing.T) {
	_, err := FromJSON("v1/embeddings", []byte(`{}`))
	assert.ErrorIs(t, err, ErrUnsupportedEndpoint)

	_, err = FromRaw("v1/embeddings", []byte(`{}`))
	assert.ErrorIs(t, err, ErrUnsupportedEndpoint)
}
