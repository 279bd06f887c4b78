package proxy

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"prism-api/internal/config"
	"prism-api/internal/metrics"
	"prism-api/internal/setup"
	"prism-api/internal/shared"

	"github.com/labstack/echo/v4"
	"github.com/tidwall/gjson"
)

// echoSink adapts echo's response writer to the relay.
type echoSink struct {
	res *echo.Response
}

func (s *echoSink) WriteHeader(status int, header http.Header) {
	h := s.res.Header()
	for k, vals := range header {
		for _, v := range vals {
			h.Add(k, v)
		}
	}
	s.res.WriteHeader(status)
}

func (s *echoSink) Write(p []byte) (int, error) {
	return s.res.Write(p)
}

func (s *echoSink) Flush() {
	s.res.Flush()
}

// HandleCompletion serves every POST the router does not claim elsewhere.
// The upstream endpoint is the request path itself; the model comes from the
// body's model field.
func (e *Engine) HandleCompletion(cc echo.Context) error {
	c := cc.(*setup.Context)
	endpoint := strings.TrimPrefix(c.Request().URL.Path, "/")

	key, err := shared.ExtractAPIKey(c)
	if err != nil {
		return c.JSONError(err)
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		c.Log.Errorw("failed to read request body", "error", err)
		return c.JSONError(errors.Join(shared.ErrInvalidRequest, err))
	}

	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		return c.JSONError(shared.ErrMissingModelName)
	}

	req := &Request{
		Key:      key,
		Model:    model,
		Endpoint: endpoint,
		Method:   http.MethodPost,
		Body:     body,
		Header:   c.Request().Header,
		Query:    c.Request().URL.Query(),
	}

	start := time.Now()
	out, err := e.Forward(c.Request().Context(), req, &echoSink{res: c.Response()})
	if err != nil {
		metrics.RequestCount.WithLabelValues(model, endpoint, "error").Inc()
		return c.JSONError(err)
	}

	metrics.RequestDuration.WithLabelValues(model, endpoint).Observe(time.Since(start).Seconds())
	status := "success"
	if out.Canceled {
		status = "canceled"
	}
	metrics.RequestCount.WithLabelValues(model, endpoint, status).Inc()

	c.Log.Infow("request completed",
		"model", model,
		"endpoint", endpoint,
		"status", out.Status,
		"streamed", out.Streamed,
		"canceled", out.Canceled,
	)
	return nil
}

// HandleModelMetrics relays GET {upstream}/metrics for one model. The route
// is unauthenticated; scrapers hold no API keys.
func (e *Engine) HandleModelMetrics(cc echo.Context) error {
	c := cc.(*setup.Context)

	model, ok := e.Registry.Get(c.Param("model"))
	if !ok {
		return c.JSONError(shared.ErrModelNotFound)
	}
	if model.Type != config.ModelTypeText {
		return c.JSONError(shared.ErrWrongModelType)
	}

	req, err := http.NewRequestWithContext(c.Request().Context(), http.MethodGet, model.URL+"/metrics", nil)
	if err != nil {
		return c.JSONError(errors.Join(shared.ErrInternalServerError, err))
	}
	res, err := e.getHTTPClient(model.URL).Do(req)
	if err != nil {
		return c.JSONError(errors.Join(shared.ErrUpstreamFailed, shared.ErrFailedUpstreamReq, err))
	}
	defer func() {
		if closeErr := res.Body.Close(); closeErr != nil {
			c.Log.Warnw("failed to close upstream response body", "error", closeErr)
		}
	}()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return c.JSONError(errors.Join(shared.ErrUpstreamFailed, shared.ErrFailedReadingResponse, err))
	}

	contentType := res.Header.Get("Content-Type")
	if contentType == "" {
		contentType = echo.MIMETextPlain
	}
	return c.Blob(res.StatusCode, contentType, body)
}

// HandleListModels reports the registry in the OpenAI models-list shape.
func (e *Engine) HandleListModels(cc echo.Context) error {
	c := cc.(*setup.Context)

	models := e.Registry.List()
	list := shared.ModelList{Object: "list", Data: make([]shared.ModelInfo, 0, len(models))}
	for _, m := range models {
		list.Data = append(list.Data, shared.ModelInfo{
			ID:      m.ID,
			Object:  "model",
			OwnedBy: "prism",
		})
	}
	return c.JSON(http.StatusOK, list)
}
