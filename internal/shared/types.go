package shared

// UserContext identifies the billing subject of one request: who called,
// which model, through which endpoint. Field names follow the authority's
// ingestion schema.
type UserContext struct {
	Key       string `json:"key"`
	ModelName string `json:"model_name"`
	Endpoint  string `json:"endpoint"`
}

// Usage is the token accounting recovered from one upstream response.
// CachedTokens is always 0 for now; no cache-hit accounting exists upstream.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	CachedTokens int64 `json:"cached_tokens"`
}

// ImageUsage is the billable measure of one generation request.
type ImageUsage struct {
	ImageCount int64 `json:"image_count"`
}

// OpenAIError is the error body every route returns.
type OpenAIError struct {
	Message string `json:"message"`
	Object  string `json:"object"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

// ModelInfo is one entry of the public model listing.
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

// ModelList is the public model listing body.
type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}
