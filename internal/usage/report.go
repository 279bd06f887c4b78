package usage

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"prism-api/internal/metrics"
	"prism-api/internal/shared"

	"go.uber.org/zap"
)

// Reporter posts usage events to the authority. Reporting is fire and
// forget: failures are logged and dropped, never retried, and never surfaced
// to the request that produced the event.
type Reporter struct {
	Log *zap.SugaredLogger

	authorityURL string
	adminToken   string
	client       *http.Client
}

func NewReporter(authorityURL, adminToken string, log *zap.SugaredLogger) *Reporter {
	return &Reporter{
		Log:          log,
		authorityURL: authorityURL,
		adminToken:   adminToken,
		client:       &http.Client{Timeout: shared.DefaultAuthorityTimeout},
	}
}

// Report posts one event. Callers on the request path run it in its own
// goroutine with a detached context so a slow authority never blocks a
// response.
func (r *Reporter) Report(ctx context.Context, event *Event) {
	body, err := json.Marshal(event)
	if err != nil {
		r.Log.Errorw("failed encoding usage event", "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.authorityURL+"/api-keys/admin/usage", bytes.NewReader(body))
	if err != nil {
		r.Log.Errorw("failed building usage request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-admin-token", r.adminToken)

	res, err := r.client.Do(req)
	if err != nil {
		metrics.UsageReportFailures.Inc()
		r.Log.Warnw("usage report dropped", "error", err, "model", event.User.ModelName)
		return
	}
	defer func() {
		_ = res.Body.Close()
	}()

	if res.StatusCode != http.StatusOK {
		metrics.UsageReportFailures.Inc()
		r.Log.Warnw("usage report rejected", "status", res.StatusCode, "model", event.User.ModelName)
		return
	}
	r.Log.Debugw("usage reported", "model", event.User.ModelName, "endpoint", event.User.Endpoint)
}
