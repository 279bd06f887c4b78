package images

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"prism-api/internal/pipeline"
	"prism-api/internal/setup"
	"prism-api/internal/shared"

	"github.com/labstack/echo/v4"
)

// openAIRequest is the OpenAI create-image dialect. Only single b64_json
// outputs are supported; extra fields are tolerated and ignored.
type openAIRequest struct {
	Model            string `json:"model"`
	Prompt           string `json:"prompt"`
	N                int    `json:"n"`
	Size             string `json:"size"`
	ResponseFormat   string `json:"response_format"`
	RemoveBackground bool   `json:"remove_background"`
}

type openAIImageData struct {
	B64JSON string `json:"b64_json"`
}

type openAIResponse struct {
	Created int64             `json:"created"`
	Data    []openAIImageData `json:"data"`
}

// a1111Request is the A1111 txt2img dialect. negative_prompt and
// sampler_name are accepted for API compatibility but the underlying model
// has no such capability.
type a1111Request struct {
	Model            string  `json:"model"`
	Prompt           string  `json:"prompt"`
	NegativePrompt   string  `json:"negative_prompt"`
	Width            int     `json:"width"`
	Height           int     `json:"height"`
	Steps            int     `json:"steps"`
	CFGScale         float64 `json:"cfg_scale"`
	SamplerName      string  `json:"sampler_name"`
	Seed             int64   `json:"seed"`
	RemoveBackground bool    `json:"remove_background"`
}

type a1111Parameters struct {
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	Steps          int     `json:"steps"`
	CFGScale       float64 `json:"cfg_scale"`
	Seed           int64   `json:"seed"`
}

type a1111Response struct {
	Images     []string        `json:"images"`
	Parameters a1111Parameters `json:"parameters"`
	Info       string          `json:"info"`
}

func (s *Service) readBody(c *setup.Context, dst any) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		c.Log.Errorw("failed to read request body", "error", err)
		return errors.Join(shared.ErrInvalidRequest, err)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return errors.Join(shared.ErrInvalidRequest, err)
	}
	return nil
}

// HandleGenerations serves the OpenAI create-image dialect. Steps and
// guidance are pinned to the turbo model's defaults; only the size string is
// caller controlled.
func (s *Service) HandleGenerations(cc echo.Context) error {
	c := cc.(*setup.Context)

	key, err := shared.ExtractAPIKey(c)
	if err != nil {
		return c.JSONError(err)
	}

	req := openAIRequest{N: 1, Size: "1024x1024", ResponseFormat: "b64_json"}
	if err := s.readBody(c, &req); err != nil {
		return c.JSONError(err)
	}
	if req.Model == "" {
		return c.JSONError(shared.ErrMissingModelName)
	}

	model, err := s.resolve(key, req.Model, shared.ENDPOINTS.IMAGES)
	if err != nil {
		return c.JSONError(err)
	}

	if req.N != 1 {
		return c.JSONError(ErrOnlyOneImage)
	}
	if req.ResponseFormat != "b64_json" {
		return c.JSONError(ErrOnlyB64JSON)
	}
	width, height, err := parseSize(req.Size)
	if err != nil {
		return c.JSONError(err)
	}
	if err := validatePrompt(req.Prompt); err != nil {
		return c.JSONError(err)
	}
	if err := validateDimensions(width, height); err != nil {
		return c.JSONError(err)
	}

	job := pipeline.Job{
		Prompt:   req.Prompt,
		Width:    width,
		Height:   height,
		Steps:    shared.DefaultTurboSteps,
		CFGScale: 0.0,
		Seed:     -1,
	}
	b64, err := s.generate(c.Request().Context(), c.Log, key, model, shared.ENDPOINTS.IMAGES, job, req.RemoveBackground)
	if err != nil {
		return c.JSONError(err)
	}

	c.Log.Infow("image generated", "model", model.ID, "endpoint", shared.ENDPOINTS.IMAGES)
	return c.JSON(http.StatusOK, openAIResponse{
		Created: time.Now().Unix(),
		Data:    []openAIImageData{{B64JSON: b64}},
	})
}

// HandleTxt2Img serves the A1111 txt2img dialect. Defaults fill absent
// fields only; an explicit zero is validated as given.
func (s *Service) HandleTxt2Img(cc echo.Context) error {
	c := cc.(*setup.Context)

	key, err := shared.ExtractAPIKey(c)
	if err != nil {
		return c.JSONError(err)
	}

	req := a1111Request{
		Width:    shared.DefaultImageDimension,
		Height:   shared.DefaultImageDimension,
		Steps:    shared.DefaultTurboSteps,
		CFGScale: 0.0,
		Seed:     -1,
	}
	if err := s.readBody(c, &req); err != nil {
		return c.JSONError(err)
	}
	if req.Model == "" {
		return c.JSONError(shared.ErrMissingModelName)
	}

	model, err := s.resolve(key, req.Model, shared.ENDPOINTS.TXT2IMG)
	if err != nil {
		return c.JSONError(err)
	}

	if err := validatePrompt(req.Prompt); err != nil {
		return c.JSONError(err)
	}
	if err := validateDimensions(req.Width, req.Height); err != nil {
		return c.JSONError(err)
	}
	if err := validateSteps(req.Steps); err != nil {
		return c.JSONError(err)
	}
	if err := validateCFGScale(req.CFGScale); err != nil {
		return c.JSONError(err)
	}

	job := pipeline.Job{
		Prompt:   req.Prompt,
		Width:    req.Width,
		Height:   req.Height,
		Steps:    req.Steps,
		CFGScale: req.CFGScale,
		Seed:     req.Seed,
	}
	b64, err := s.generate(c.Request().Context(), c.Log, key, model, shared.ENDPOINTS.TXT2IMG, job, req.RemoveBackground)
	if err != nil {
		return c.JSONError(err)
	}

	c.Log.Infow("image generated", "model", model.ID, "endpoint", shared.ENDPOINTS.TXT2IMG)
	return c.JSON(http.StatusOK, a1111Response{
		Images: []string{b64},
		Parameters: a1111Parameters{
			Prompt:         req.Prompt,
			NegativePrompt: req.NegativePrompt,
			Width:          req.Width,
			Height:         req.Height,
			Steps:          req.Steps,
			CFGScale:       req.CFGScale,
			Seed:           req.Seed,
		},
		Info: "generated by " + model.ID,
	})
}
