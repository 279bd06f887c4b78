// Package metrics defines prometheus metrics to expose
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "prism_api_request_duration_seconds",
			Help:    "Total time taken for requests in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 15, 20, 25, 30, 40, 50, 75, 100, 150, 200},
		},
		[]string{"model", "endpoint"},
	)

	PromptTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prism_api_prompt_tokens_total",
			Help: "Total number of prompt tokens used",
		},
		[]string{"model", "endpoint"},
	)

	CompletionTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prism_api_completion_tokens_total",
			Help: "Total number of completion tokens used",
		},
		[]string{"model", "endpoint"},
	)

	RequestCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prism_api_request_count_total",
			Help: "Total number of requests processed",
		},
		[]string{"model", "endpoint", "status"},
	)

	ImagesGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prism_api_images_generated_total",
			Help: "Total number of images generated",
		},
		[]string{"model"},
	)

	GenerationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "prism_api_generation_duration_seconds",
			Help:    "Time taken for one image generation in seconds",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 15, 20, 30, 45, 60, 90, 120, 180, 300},
		},
		[]string{"model"},
	)

	PipelineLoadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "prism_api_pipeline_load_duration_seconds",
			Help:    "Time taken to load an image pipeline in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 180, 240, 300},
		},
		[]string{"path", "state"},
	)

	UsageReportFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "prism_api_usage_report_failures_total",
			Help: "Usage events dropped after a failed report to the authority",
		},
	)

	KeysLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "prism_api_keys_loaded",
			Help: "Credentials in the current keystore snapshot",
		},
	)

	ErrorCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prism_api_error_count",
			Help: "Error count",
		},
		[]string{"model", "endpoint", "from"},
	)

	ResponseCodes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prism_api_status_code",
			Help: "Status Codes",
		},
		[]string{"path", "status_code"},
		//we don't need model here because we know what models are being failed from error count
	)
)
