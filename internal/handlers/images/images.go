// Package images serves the two image generation dialects against the
// locally loaded pipelines.
package images

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"prism-api/internal/config"
	"prism-api/internal/keystore"
	"prism-api/internal/metrics"
	"prism-api/internal/pipeline"
	"prism-api/internal/shared"
	"prism-api/internal/usage"

	"go.uber.org/zap"
)

var (
	ErrEmptyPrompt   = &shared.RequestError{Err: errors.New("prompt cannot be empty"), StatusCode: 400}
	ErrBadDimensions = &shared.RequestError{Err: fmt.Errorf("width and height must be between 1 and %d", shared.MaxImageDimension), StatusCode: 400}
	ErrBadSteps      = &shared.RequestError{Err: fmt.Errorf("steps must be between %d and %d", shared.MinInferenceSteps, shared.MaxInferenceSteps), StatusCode: 400}
	ErrBadCFGScale   = &shared.RequestError{Err: errors.New("cfg_scale must be non-negative"), StatusCode: 400}
	ErrBadSize       = &shared.RequestError{Err: errors.New("invalid size format, use WIDTHxHEIGHT (e.g. 1024x1024)"), StatusCode: 400}
	ErrOnlyOneImage  = &shared.RequestError{Err: errors.New("only n=1 is supported"), StatusCode: 400}
	ErrOnlyB64JSON   = &shared.RequestError{Err: errors.New("only b64_json response format is supported"), StatusCode: 400}

	ErrPipelineOOM      = &shared.RequestError{Err: errors.New("model ran out of accelerator memory"), StatusCode: 500}
	ErrPipelineLoad     = &shared.RequestError{Err: errors.New("failed to load image model"), StatusCode: 500}
	ErrGenerationFailed = &shared.RequestError{Err: errors.New("image generation failed"), StatusCode: 500}
)

// Service validates generation requests, drives the pipeline manager and
// reports image usage. One instance serves both dialects.
type Service struct {
	Log       *zap.SugaredLogger
	Keys      *keystore.Store
	Registry  *config.Registry
	Pipelines *pipeline.Manager
	Reporter  *usage.Reporter

	rembgURL    string
	rembgClient *http.Client
}

func NewService(keys *keystore.Store, registry *config.Registry, pipelines *pipeline.Manager, reporter *usage.Reporter, rembgURL string, log *zap.SugaredLogger) *Service {
	return &Service{
		Log:         log,
		Keys:        keys,
		Registry:    registry,
		Pipelines:   pipelines,
		Reporter:    reporter,
		rembgURL:    strings.TrimRight(rembgURL, "/"),
		rembgClient: &http.Client{Timeout: shared.DefaultUpstreamTimeout},
	}
}

func validatePrompt(prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return ErrEmptyPrompt
	}
	return nil
}

func validateDimensions(width, height int) error {
	if width < 1 || height < 1 || width > shared.MaxImageDimension || height > shared.MaxImageDimension {
		return ErrBadDimensions
	}
	return nil
}

func validateSteps(steps int) error {
	if steps < shared.MinInferenceSteps || steps > shared.MaxInferenceSteps {
		return ErrBadSteps
	}
	return nil
}

func validateCFGScale(cfg float64) error {
	if cfg < 0 {
		return ErrBadCFGScale
	}
	return nil
}

func parseSize(size string) (int, int, error) {
	parts := strings.Split(size, "x")
	if len(parts) != 2 {
		return 0, 0, ErrBadSize
	}
	width, werr := strconv.Atoi(strings.TrimSpace(parts[0]))
	height, herr := strconv.Atoi(strings.TrimSpace(parts[1]))
	if werr != nil || herr != nil {
		return 0, 0, ErrBadSize
	}
	return width, height, nil
}

// resolve checks credential, model existence, model type and endpoint, in
// that order, so the caller learns nothing about the registry without a
// valid key.
func (s *Service) resolve(key, modelName, endpoint string) (*config.Model, error) {
	if !s.Keys.Exists(key) {
		return nil, shared.ErrInvalidAPIKey
	}
	model, ok := s.Registry.Get(modelName)
	if !ok {
		return nil, shared.ErrModelNotFound
	}
	if model.Type != config.ModelTypeImage {
		return nil, shared.ErrWrongModelType
	}
	if !model.PathAllowed(endpoint) {
		return nil, shared.ErrPathNotAllowed
	}
	return model, nil
}

// generate runs one attempt end to end: load or reuse the pipeline, run the
// job, release transient accelerator memory, optionally strip the
// background, then report usage. Returns the finished image as base64 PNG.
func (s *Service) generate(ctx context.Context, log *zap.SugaredLogger, key string, model *config.Model, endpoint string, job pipeline.Job, removeBackground bool) (string, error) {
	pipe, err := s.Pipelines.Load(ctx, model.LocalPath)
	if err != nil {
		log.Errorw("pipeline load failed", "model", model.ID, "error", err)
		if errors.Is(err, pipeline.ErrOutOfMemory) {
			return "", errors.Join(ErrPipelineOOM, err)
		}
		return "", errors.Join(ErrPipelineLoad, err)
	}

	start := time.Now()
	png, genErr := pipe.Generate(ctx, job)
	s.releaseCache(log, model.ID, pipe)
	if genErr != nil {
		log.Errorw("image generation failed", "model", model.ID, "error", genErr)
		if errors.Is(genErr, pipeline.ErrOutOfMemory) {
			return "", errors.Join(ErrPipelineOOM, genErr)
		}
		return "", errors.Join(ErrGenerationFailed, genErr)
	}
	metrics.ImagesGenerated.WithLabelValues(model.ID).Inc()
	metrics.GenerationDuration.WithLabelValues(model.ID).Observe(time.Since(start).Seconds())

	if removeBackground {
		png = s.removeBackground(ctx, log, png)
	}

	event := usage.NewImageEvent(shared.UserContext{
		Key:       key,
		ModelName: model.ID,
		Endpoint:  endpoint,
	}, 1)
	go s.Reporter.Report(context.Background(), event)

	return base64.StdEncoding.EncodeToString(png), nil
}

// releaseCache frees accelerator memory left over from the attempt. Runs
// after every generation, successful or not, on a context of its own so a
// hung-up client cannot skip it.
func (s *Service) releaseCache(log *zap.SugaredLogger, modelID string, pipe pipeline.Pipeline) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := pipe.ReleaseCache(ctx); err != nil {
		log.Warnw("failed releasing pipeline cache", "model", modelID, "error", err)
	}
}

// removeBackground hands the image to the configured rembg service. The
// subsystem is optional: when it is missing or failing the original image
// passes through with a warning instead of failing the request.
func (s *Service) removeBackground(ctx context.Context, log *zap.SugaredLogger, png []byte) []byte {
	if s.rembgURL == "" {
		log.Warnw("background removal requested but no rembg service is configured")
		return png
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.rembgURL+"/api/remove", bytes.NewReader(png))
	if err != nil {
		log.Warnw("background removal skipped", "error", err)
		return png
	}
	req.Header.Set("Content-Type", "image/png")

	res, err := s.rembgClient.Do(req)
	if err != nil {
		log.Warnw("background removal skipped", "error", err)
		return png
	}
	defer func() {
		_ = res.Body.Close()
	}()
	if res.StatusCode != http.StatusOK {
		log.Warnw("background removal skipped", "status", res.StatusCode)
		return png
	}
	processed, err := io.ReadAll(res.Body)
	if err != nil {
		log.Warnw("background removal skipped", "error", err)
		return png
	}
	return processed
}
