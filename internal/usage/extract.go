// Package usage recovers billing counters from upstream responses and
// reports them to the authority.
package usage

import (
	"errors"
	"regexp"
	"strconv"

	"prism-api/internal/shared"

	"github.com/tidwall/gjson"
)

var (
	ErrUnsupportedEndpoint = errors.New("no usage extractor for endpoint")
	ErrNoUsageData         = errors.New("no usage object in response")
	ErrMalformedUsage      = errors.New("usage object is not valid JSON")
)

// Extractor recovers token counts for one endpoint dialect. FromJSON reads a
// complete JSON document; FromRaw scans raw accumulated bytes, which may hold
// several interleaved stream frames and so cannot be parsed as one document.
type Extractor struct {
	FromJSON func(body []byte) (shared.Usage, error)
	FromRaw  func(raw []byte) (shared.Usage, error)
}

var extractors = map[string]Extractor{
	shared.ENDPOINTS.CHAT:        {FromJSON: openAIFromJSON, FromRaw: openAIFromRaw},
	shared.ENDPOINTS.COMPLETIONS: {FromJSON: openAIFromJSON, FromRaw: openAIFromRaw},
	shared.ENDPOINTS.LLAMA:       {FromJSON: llamaFromJSON, FromRaw: llamaFromRaw},
}

// FromJSON extracts usage from a buffered JSON response body.
func FromJSON(endpoint string, body []byte) (shared.Usage, error) {
	ex, ok := extractors[endpoint]
	if !ok {
		return shared.Usage{}, ErrUnsupportedEndpoint
	}
	return ex.FromJSON(body)
}

// FromRaw extracts usage from the raw bytes accumulated during a stream.
func FromRaw(endpoint string, raw []byte) (shared.Usage, error) {
	ex, ok := extractors[endpoint]
	if !ok {
		return shared.Usage{}, ErrUnsupportedEndpoint
	}
	return ex.FromRaw(raw)
}

var (
	usageObjectPattern     = regexp.MustCompile(`"usage"\s*:\s*(\{.*?\})`)
	tokensEvaluatedPattern = regexp.MustCompile(`tokens_evaluated\s*[:=]\s*(\d+)`)
	tokensPredictedPattern = regexp.MustCompile(`tokens_predicted\s*[:=]\s*(\d+)`)
)

// openAIFromJSON reads the usage sub-object of a chat/completion response.
// A response without one counts as zero usage rather than an error.
func openAIFromJSON(body []byte) (shared.Usage, error) {
	u := gjson.GetBytes(body, "usage")
	return shared.Usage{
		InputTokens:  u.Get("prompt_tokens").Int(),
		OutputTokens: u.Get("completion_tokens").Int(),
	}, nil
}

// openAIFromRaw locates the usage object embedded in the stream. Providers
// send it in the final frame, so a missing match means the stream never
// completed and there is nothing to bill.
func openAIFromRaw(raw []byte) (shared.Usage, error) {
	m := usageObjectPattern.FindSubmatch(raw)
	if m == nil {
		return shared.Usage{}, ErrNoUsageData
	}
	if !gjson.ValidBytes(m[1]) {
		return shared.Usage{}, ErrMalformedUsage
	}
	obj := gjson.ParseBytes(m[1])
	return shared.Usage{
		InputTokens:  obj.Get("prompt_tokens").Int(),
		OutputTokens: obj.Get("completion_tokens").Int(),
	}, nil
}

// llamaFromJSON reads llama.cpp's top-level counters. Missing fields count
// as zero.
func llamaFromJSON(body []byte) (shared.Usage, error) {
	return shared.Usage{
		InputTokens:  gjson.GetBytes(body, "tokens_evaluated").Int(),
		OutputTokens: gjson.GetBytes(body, "tokens_predicted").Int(),
	}, nil
}

func llamaFromRaw(raw []byte) (shared.Usage, error) {
	return shared.Usage{
		InputTokens:  findCount(tokensEvaluatedPattern, raw),
		OutputTokens: findCount(tokensPredictedPattern, raw),
	}, nil
}

func findCount(pattern *regexp.Regexp, raw []byte) int64 {
	m := pattern.FindSubmatch(raw)
	if m == nil {
		return 0
	}
	n, err := strconv.ParseInt(string(m[1]), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
