package images

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"prism-api/internal/config"
	"prism-api/internal/keystore"
	"prism-api/internal/pipeline"
	"prism-api/internal/setup"
	"prism-api/internal/shared"
	"prism-api/internal/usage"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var fakePNG = []byte("\x89PNG\r\n\x1a\nfake-image-bytes")

// fakePipeline records the jobs it ran and how often its cache was released.
type fakePipeline struct {
	mu       sync.Mutex
	jobs     []pipeline.Job
	releases int
	genErr   error
}

func (f *fakePipeline) Generate(ctx context.Context, job pipeline.Job) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	if f.genErr != nil {
		return nil, f.genErr
	}
	return fakePNG, nil
}

func (f *fakePipeline) ReleaseCache(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases++
	return nil
}

func (f *fakePipeline) Close() error { return nil }

func (f *fakePipeline) lastJob(t *testing.T) pipeline.Job {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.jobs)
	return f.jobs[len(f.jobs)-1]
}

func (f *fakePipeline) releaseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.releases
}

type testFixture struct {
	svc    *Service
	pipe   *fakePipeline
	events chan map[string]any
}

func newFixture(t *testing.T, models []*config.Model, rembgURL string) *testFixture {
	t.Helper()
	f := &testFixture{pipe: &fakePipeline{}, events: make(chan map[string]any, 16)}

	authority := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev map[string]any
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.events <- ev
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(authority.Close)

	log := zap.NewNop().Sugar()
	store := keystore.New(authority.URL, "admin-secret", time.Minute, log)
	store.Add([]string{"sk-good"})
	registry, err := config.NewRegistry(models)
	require.NoError(t, err)
	reporter := usage.NewReporter(authority.URL, "admin-secret", log)
	manager := pipeline.NewManager(func(ctx context.Context, path string) (pipeline.Pipeline, error) {
		return f.pipe, nil
	}, log)
	t.Cleanup(manager.Close)

	f.svc = NewService(store, registry, manager, reporter, rembgURL, log)
	return f
}

func imageModel(id string, paths ...string) *config.Model {
	return &config.Model{
		ID:           id,
		Type:         config.ModelTypeImage,
		LocalPath:    "/models/" + id,
		AllowedPaths: paths,
	}
}

func do(t *testing.T, handler echo.HandlerFunc, path, key, body string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rec := httptest.NewRecorder()
	c := &setup.Context{Context: e.NewContext(req, rec), Log: zap.NewNop().Sugar(), Reqid: "test"}
	require.NoError(t, handler(c))
	return rec
}

func waitEvent(t *testing.T, events chan map[string]any) map[string]any {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for usage event")
		return nil
	}
}

func TestTxt2ImgGeneratesAndReportsUsage(t *testing.T) {
	f := newFixture(t, []*config.Model{imageModel("z-image", shared.ENDPOINTS.TXT2IMG)}, "")

	body := `{"model":"z-image","prompt":"a red fox","width":512,"height":512,"steps":9,"cfg_scale":0,"seed":42}`
	rec := do(t, f.svc.HandleTxt2Img, "/sdapi/v1/txt2img", "sk-good", body)
	require.Equal(t, http.StatusOK, rec.Code)

	var res a1111Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Len(t, res.Images, 1)
	assert.Equal(t, base64.StdEncoding.EncodeToString(fakePNG), res.Images[0])
	assert.Equal(t, 512, res.Parameters.Width)
	assert.Equal(t, int64(42), res.Parameters.Seed)

	job := f.pipe.lastJob(t)
	assert.Equal(t, "a red fox", job.Prompt)
	assert.Equal(t, 512, job.Width)
	assert.Equal(t, 512, job.Height)
	assert.Equal(t, 9, job.Steps)
	assert.Equal(t, int64(42), job.Seed)
	assert.Equal(t, 1, f.pipe.releaseCount())

	ev := waitEvent(t, f.events)
	assert.Equal(t, "sk-good", ev["key"])
	assert.Equal(t, "z-image", ev["model_name"])
	assert.Equal(t, shared.ENDPOINTS.TXT2IMG, ev["endpoint"])
	assert.Equal(t, float64(1), ev["image_count"])
	assert.Equal(t, "image", ev["type"])
}

func TestTxt2ImgDefaultsFillAbsentFields(t *testing.T) {
	f := newFixture(t, []*config.Model{imageModel("z-image", shared.ENDPOINTS.TXT2IMG)}, "")

	rec := do(t, f.svc.HandleTxt2Img, "/sdapi/v1/txt2img", "sk-good", `{"model":"z-image","prompt":"dunes"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	job := f.pipe.lastJob(t)
	assert.Equal(t, shared.DefaultImageDimension, job.Width)
	assert.Equal(t, shared.DefaultImageDimension, job.Height)
	assert.Equal(t, shared.DefaultTurboSteps, job.Steps)
	assert.Equal(t, 0.0, job.CFGScale)
	assert.Equal(t, int64(-1), job.Seed)
}

func TestTxt2ImgValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"zero width", `{"model":"z-image","prompt":"x","width":0,"height":512}`},
		{"oversized height", `{"model":"z-image","prompt":"x","width":512,"height":3000}`},
		{"zero steps", `{"model":"z-image","prompt":"x","steps":0}`},
		{"too many steps", `{"model":"z-image","prompt":"x","steps":51}`},
		{"negative cfg", `{"model":"z-image","prompt":"x","cfg_scale":-0.1}`},
		{"empty prompt", `{"model":"z-image","prompt":"   "}`},
		{"missing model", `{"prompt":"x"}`},
		{"malformed body", `{"model":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, []*config.Model{imageModel("z-image", shared.ENDPOINTS.TXT2IMG)}, "")
			rec := do(t, f.svc.HandleTxt2Img, "/sdapi/v1/txt2img", "sk-good", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, f.pipe.jobs)
		})
	}
}

func TestGenerationsDialect(t *testing.T) {
	f := newFixture(t, []*config.Model{imageModel("z-image", shared.ENDPOINTS.IMAGES)}, "")

	body := `{"model":"z-image","prompt":"a lighthouse","n":1,"size":"512x768","response_format":"b64_json"}`
	rec := do(t, f.svc.HandleGenerations, "/v1/images/generations", "sk-good", body)
	require.Equal(t, http.StatusOK, rec.Code)

	var res openAIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Len(t, res.Data, 1)
	assert.Equal(t, base64.StdEncoding.EncodeToString(fakePNG), res.Data[0].B64JSON)
	assert.NotZero(t, res.Created)

	// the dialect pins steps and guidance to the turbo defaults
	job := f.pipe.lastJob(t)
	assert.Equal(t, 512, job.Width)
	assert.Equal(t, 768, job.Height)
	assert.Equal(t, shared.DefaultTurboSteps, job.Steps)
	assert.Equal(t, 0.0, job.CFGScale)
	assert.Equal(t, int64(-1), job.Seed)
}

func TestGenerationsRejectsUnsupportedParameters(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"n above one", `{"model":"z-image","prompt":"x","n":2}`},
		{"url format", `{"model":"z-image","prompt":"x","response_format":"url"}`},
		{"bad size", `{"model":"z-image","prompt":"x","size":"banana"}`},
		{"three part size", `{"model":"z-image","prompt":"x","size":"1x2x3"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, []*config.Model{imageModel("z-image", shared.ENDPOINTS.IMAGES)}, "")
			rec := do(t, f.svc.HandleGenerations, "/v1/images/generations", "sk-good", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, f.pipe.jobs)
		})
	}
}

func TestResolveFailuresBeforeLoad(t *testing.T) {
	textModel := &config.Model{
		ID:           "llama-8b",
		Type:         config.ModelTypeText,
		URL:          "http://example.invalid",
		AllowedPaths: []string{shared.ENDPOINTS.CHAT},
	}
	restricted := imageModel("z-image", shared.ENDPOINTS.TXT2IMG)

	tests := []struct {
		name   string
		key    string
		body   string
		status int
	}{
		{"missing key", "", `{"model":"z-image","prompt":"x"}`, 401},
		{"unknown key", "sk-bad", `{"model":"z-image","prompt":"x"}`, 401},
		{"unknown model", "sk-good", `{"model":"ghost","prompt":"x"}`, 404},
		{"text model", "sk-good", `{"model":"llama-8b","prompt":"x"}`, 400},
		{"endpoint not in allowed paths", "sk-good", `{"model":"z-image","prompt":"x"}`, 400},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, []*config.Model{textModel, restricted}, "")
			// restricted allows only txt2img, so the generations dialect must refuse
			rec := do(t, f.svc.HandleGenerations, "/v1/images/generations", tt.key, tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.Empty(t, f.pipe.jobs)
		})
	}
}

func TestGenerationFailureReleasesCacheAndSanitizes(t *testing.T) {
	f := newFixture(t, []*config.Model{imageModel("z-image", shared.ENDPOINTS.TXT2IMG)}, "")
	f.pipe.genErr = errors.Join(pipeline.ErrOutOfMemory, errors.New("CUDA out of memory: tried to allocate 12GiB on device 0"))

	rec := do(t, f.svc.HandleTxt2Img, "/sdapi/v1/txt2img", "sk-good", `{"model":"z-image","prompt":"x"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, 1, f.pipe.releaseCount())

	var body shared.OpenAIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, ErrPipelineOOM.Err.Error(), body.Message)
	assert.NotContains(t, body.Message, "CUDA")

	select {
	case ev := <-f.events:
		t.Fatalf("unexpected usage event: %v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPipelineLoadFailureIsTerminal(t *testing.T) {
	log := zap.NewNop().Sugar()
	loads := 0
	manager := pipeline.NewManager(func(ctx context.Context, path string) (pipeline.Pipeline, error) {
		loads++
		return nil, fmt.Errorf("weights missing at %s", path)
	}, log)
	store := keystore.New("http://example.invalid", "t", time.Minute, log)
	store.Add([]string{"sk-good"})
	registry, err := config.NewRegistry([]*config.Model{imageModel("z-image", shared.ENDPOINTS.TXT2IMG)})
	require.NoError(t, err)
	svc := NewService(store, registry, manager, usage.NewReporter("http://example.invalid", "t", log), "", log)

	for range 2 {
		rec := do(t, svc.HandleTxt2Img, "/sdapi/v1/txt2img", "sk-good", `{"model":"z-image","prompt":"x"}`)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	}
	assert.Equal(t, 1, loads)
}

func TestRemoveBackground(t *testing.T) {
	processed := []byte("\x89PNG\r\n\x1a\nno-background")
	rembg := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/remove", r.URL.Path)
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(processed)
	}))
	defer rembg.Close()

	f := newFixture(t, []*config.Model{imageModel("z-image", shared.ENDPOINTS.TXT2IMG)}, rembg.URL)
	rec := do(t, f.svc.HandleTxt2Img, "/sdapi/v1/txt2img", "sk-good", `{"model":"z-image","prompt":"x","remove_background":true}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var res a1111Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, base64.StdEncoding.EncodeToString(processed), res.Images[0])
}

func TestRemoveBackgroundUnavailablePassesThrough(t *testing.T) {
	f := newFixture(t, []*config.Model{imageModel("z-image", shared.ENDPOINTS.TXT2IMG)}, "")
	rec := do(t, f.svc.HandleTxt2Img, "/sdapi/v1/txt2img", "sk-good", `{"model":"z-image","prompt":"x","remove_background":true}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var res a1111Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, base64.StdEncoding.EncodeToString(fakePNG), res.Images[0])
}
