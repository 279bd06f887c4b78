package shared

import "time"

// HTTP Client Configuration
const (
	DefaultUpstreamTimeout  = 30 * time.Second
	DefaultAuthorityTimeout = 30 * time.Second
	DefaultShutdownTimeout  = 30 * time.Second
)

// Polling Configuration
const (
	DefaultRefreshInterval = 30 * time.Second
)

// Image Generation Configuration
const (
	MaxImageDimension     = 2048
	MinInferenceSteps     = 1
	MaxInferenceSteps     = 50
	DefaultTurboSteps     = 9
	DefaultImageDimension = 1024
)

// Worker Configuration
const (
	WorkerStartTimeout   = 5 * time.Minute
	WorkerHealthInterval = 500 * time.Millisecond
	WorkerStopTimeout    = 10 * time.Second
)

// ENDPOINTS are the inference paths models may list in allowed_paths.
var ENDPOINTS = struct {
	CHAT        string
	COMPLETIONS string
	LLAMA       string
	IMAGES      string
	TXT2IMG     string
}{
	CHAT:        "v1/chat/completions",
	COMPLETIONS: "v1/completions",
	LLAMA:       "completions",
	IMAGES:      "v1/images/generations",
	TXT2IMG:     "sdapi/v1/txt2img",
}
