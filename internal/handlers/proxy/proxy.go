// Package proxy forwards authorized client requests to the upstream text
// model servers and meters what comes back.
package proxy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"prism-api/internal/config"
	"prism-api/internal/keystore"
	"prism-api/internal/metrics"
	"prism-api/internal/shared"
	"prism-api/internal/usage"

	"go.uber.org/zap"
)

// Engine relays one client request to its upstream model server. Responses
// come back in two shapes: a complete body, relayed after usage extraction,
// or an event stream, relayed chunk by chunk while a shadow copy accumulates
// for extraction after the stream ends.
type Engine struct {
	Log      *zap.SugaredLogger
	Keys     *keystore.Store
	Registry *config.Registry
	Reporter *usage.Reporter

	timeout      time.Duration
	httpClients  map[string]*http.Client
	clientsMutex sync.RWMutex
}

func NewEngine(keys *keystore.Store, registry *config.Registry, reporter *usage.Reporter, timeout time.Duration, log *zap.SugaredLogger) *Engine {
	if timeout <= 0 {
		timeout = shared.DefaultUpstreamTimeout
	}
	return &Engine{
		Log:         log,
		Keys:        keys,
		Registry:    registry,
		Reporter:    reporter,
		timeout:     timeout,
		httpClients: make(map[string]*http.Client),
	}
}

// Request is one proxied call after the HTTP layer has pulled it apart.
type Request struct {
	Key      string
	Model    string
	Endpoint string
	Method   string
	Body     []byte
	Header   http.Header
	Query    url.Values
}

// Result describes what was relayed. Usage is nil when nothing billable was
// recovered; Canceled means the client hung up before the stream finished.
type Result struct {
	Status   int
	Streamed bool
	Canceled bool
	Usage    *shared.Usage
}

// Sink receives the relayed response. Implementations must tolerate
// WriteHeader exactly once, before the first Write.
type Sink interface {
	WriteHeader(status int, header http.Header)
	Write(p []byte) (int, error)
	Flush()
}

// Forward authorizes, resolves and relays req. Errors are only returned
// before anything is written to sink, so callers can always render them as an
// HTTP error response.
func (e *Engine) Forward(ctx context.Context, req *Request, sink Sink) (*Result, error) {
	if !e.Keys.Exists(req.Key) {
		return nil, shared.ErrInvalidAPIKey
	}
	model, ok := e.Registry.Get(req.Model)
	if !ok {
		return nil, shared.ErrModelNotFound
	}
	if model.Type != config.ModelTypeText {
		return nil, shared.ErrWrongModelType
	}
	if !model.PathAllowed(req.Endpoint) {
		return nil, shared.ErrPathNotAllowed
	}

	// the timeout context is deliberately detached from the client's: a
	// hung-up client is detected in the relay loop, not by killing the
	// upstream call mid-read
	rctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	upstream, err := http.NewRequestWithContext(rctx, req.Method, model.URL+"/"+req.Endpoint, bytes.NewReader(req.Body))
	if err != nil {
		return nil, errors.Join(shared.ErrInternalServerError, err)
	}
	copyProxyHeaders(upstream.Header, req.Header)
	if upstream.Header.Get("Content-Type") == "" {
		upstream.Header.Set("Content-Type", "application/json")
	}
	if len(req.Query) > 0 {
		upstream.URL.RawQuery = req.Query.Encode()
	}

	res, err := e.getHTTPClient(model.URL).Do(upstream)
	if err != nil {
		if rctx.Err() != nil {
			metrics.ErrorCount.WithLabelValues(req.Model, req.Endpoint, shared.ErrUpstreamTimeout.Code).Inc()
			return nil, errors.Join(shared.ErrUpstreamFailed, shared.ErrUpstreamTimeout, err)
		}
		metrics.ErrorCount.WithLabelValues(req.Model, req.Endpoint, shared.ErrFailedUpstreamReq.Code).Inc()
		return nil, errors.Join(shared.ErrUpstreamFailed, shared.ErrFailedUpstreamReq, err)
	}
	defer func() {
		if closeErr := res.Body.Close(); closeErr != nil {
			e.Log.Warnw("failed to close upstream response body", "error", closeErr)
		}
	}()

	if isEventStream(res.Header.Get("Content-Type")) {
		return e.relayStream(ctx, rctx, req, res, sink)
	}
	return e.relayBuffered(rctx, req, res, sink)
}

// relayBuffered reads the whole upstream body before touching the sink, so a
// read failure can still surface as an HTTP error.
func (e *Engine) relayBuffered(rctx context.Context, req *Request, res *http.Response, sink Sink) (*Result, error) {
	body, err := io.ReadAll(res.Body)
	if err != nil {
		if rctx.Err() != nil {
			metrics.ErrorCount.WithLabelValues(req.Model, req.Endpoint, shared.ErrUpstreamTimeout.Code).Inc()
			return nil, errors.Join(shared.ErrUpstreamFailed, shared.ErrUpstreamTimeout, err)
		}
		metrics.ErrorCount.WithLabelValues(req.Model, req.Endpoint, shared.ErrFailedReadingResponse.Code).Inc()
		return nil, errors.Join(shared.ErrUpstreamFailed, shared.ErrFailedReadingResponse, err)
	}

	out := &Result{Status: res.StatusCode}
	if res.StatusCode == http.StatusOK && isJSON(res.Header.Get("Content-Type")) {
		u, uerr := usage.FromJSON(req.Endpoint, body)
		out.Usage = e.accountUsage(req, u, uerr)
	}

	sink.WriteHeader(res.StatusCode, relayHeaders(res.Header))
	if _, werr := sink.Write(body); werr != nil {
		e.Log.Warnw("failed writing response to client", "error", werr)
	}
	return out, nil
}

// relayStream copies upstream chunks to the client the moment they arrive.
// Once the header is sent nothing here can fail the request anymore, so all
// failure modes collapse to ending the relay.
func (e *Engine) relayStream(ctx, rctx context.Context, req *Request, res *http.Response, sink Sink) (*Result, error) {
	out := &Result{Status: res.StatusCode, Streamed: true}
	sink.WriteHeader(res.StatusCode, relayHeaders(res.Header))

	var shadow bytes.Buffer
	reader := bufio.NewReader(res.Body)
	buf := make([]byte, 32*1024)
	clientDisconnected := false

relay:
	for {
		if ctx.Err() != nil {
			clientDisconnected = true
			break relay
		}
		n, err := reader.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			shadow.Write(chunk)
			if _, werr := sink.Write(chunk); werr != nil {
				clientDisconnected = true
				break relay
			}
			sink.Flush()
		}
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
			case rctx.Err() != nil:
				metrics.ErrorCount.WithLabelValues(req.Model, req.Endpoint, shared.ErrUpstreamTimeout.Code).Inc()
				e.Log.Warnw("upstream timed out mid stream", "model", req.Model, "endpoint", req.Endpoint)
			default:
				metrics.ErrorCount.WithLabelValues(req.Model, req.Endpoint, shared.ErrFailedReadingResponse.Code).Inc()
				e.Log.Warnw("upstream stream broke", "model", req.Model, "endpoint", req.Endpoint, "error", err)
			}
			break relay
		}
	}

	if clientDisconnected {
		// an abandoned stream has no billable outcome
		metrics.ErrorCount.WithLabelValues(req.Model, req.Endpoint, shared.ErrClientDisconnected.Code).Inc()
		out.Canceled = true
		return out, nil
	}

	u, err := usage.FromRaw(req.Endpoint, shadow.Bytes())
	out.Usage = e.accountUsage(req, u, err)
	return out, nil
}

// accountUsage records extracted usage and schedules the report. Extraction
// failures are logged and dropped; the response already reached the client.
func (e *Engine) accountUsage(req *Request, u shared.Usage, err error) *shared.Usage {
	if err != nil {
		metrics.ErrorCount.WithLabelValues(req.Model, req.Endpoint, shared.ErrUsageExtraction.Code).Inc()
		e.Log.Warnw("usage extraction failed", "model", req.Model, "endpoint", req.Endpoint, "error", err)
		return nil
	}
	metrics.PromptTokens.WithLabelValues(req.Model, req.Endpoint).Add(float64(u.InputTokens))
	metrics.CompletionTokens.WithLabelValues(req.Model, req.Endpoint).Add(float64(u.OutputTokens))

	event := usage.NewTokenEvent(shared.UserContext{
		Key:       req.Key,
		ModelName: req.Model,
		Endpoint:  req.Endpoint,
	}, u)
	go e.Reporter.Report(context.Background(), event)
	return &u
}

func (e *Engine) getHTTPClient(modelURL string) *http.Client {
	parsedURL, err := url.Parse(modelURL)
	if err != nil {
		e.Log.Warnw("failed to parse model URL, using full URL as key", "url", modelURL, "error", err)
		parsedURL = &url.URL{Host: modelURL}
	}
	host := parsedURL.Host

	e.clientsMutex.RLock()
	if client, exists := e.httpClients[host]; exists {
		e.clientsMutex.RUnlock()
		return client
	}
	e.clientsMutex.RUnlock()

	e.clientsMutex.Lock()
	defer e.clientsMutex.Unlock()

	if client, exists := e.httpClients[host]; exists {
		return client
	}

	tr := &http.Transport{
		Dial: (&net.Dialer{
			Timeout: 2 * time.Second,
		}).Dial,
		TLSHandshakeTimeout: 2 * time.Second,
		DisableKeepAlives:   false,
	}
	client := &http.Client{Transport: tr, Timeout: 10 * time.Minute}

	e.httpClients[host] = client
	e.Log.Infow("created new HTTP client for host", "host", host, "full_url", modelURL)

	return client
}

// hop-by-hop headers, plus the ones the transport recomputes
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Host",
	"Content-Length",
}

func isHopHeader(name string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}

func copyProxyHeaders(dst, src http.Header) {
	for k, vals := range src {
		if isHopHeader(k) {
			continue
		}
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}

func relayHeaders(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vals := range h {
		if isHopHeader(k) {
			continue
		}
		for _, v := range vals {
			out.Add(k, v)
		}
	}
	return out
}

func isEventStream(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(contentType), "text/event-stream")
}

func isJSON(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "application/json")
}
