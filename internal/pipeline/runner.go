package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"prism-api/internal/shared"

	"github.com/manifold-inc/manifold-sdk/lib/utils"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// The production loader runs one worker process per model path and talks to
// it over loopback HTTP. The worker owns the accelerator state; the gateway
// owns the worker.

// NewWorkerLoader returns a Loader that spawns bin with the model path and a
// reserved loopback address, then waits for its health endpoint.
func NewWorkerLoader(bin string, log *zap.SugaredLogger) Loader {
	return func(ctx context.Context, path string) (Pipeline, error) {
		if bin == "" {
			return nil, errors.New("no image worker binary configured")
		}
		return startWorker(ctx, bin, path, log)
	}
}

type worker struct {
	Log     *zap.SugaredLogger
	cmd     *exec.Cmd
	baseURL string
	client  *http.Client
	output  *tailBuffer
	done    chan struct{}
}

func startWorker(ctx context.Context, bin, path string, log *zap.SugaredLogger) (Pipeline, error) {
	addr, err := reserveLoopbackAddr()
	if err != nil {
		return nil, utils.Wrap("failed reserving worker address", err)
	}

	output := &tailBuffer{}
	cmd := exec.Command(bin, "--model", path, "--listen", addr)
	cmd.Stdout = output
	cmd.Stderr = output
	if err := cmd.Start(); err != nil {
		return nil, utils.Wrap("failed starting image worker", err)
	}

	w := &worker{
		Log:     log.With("worker", addr, "model_path", path),
		cmd:     cmd,
		baseURL: "http://" + addr,
		client:  &http.Client{},
		output:  output,
		done:    make(chan struct{}),
	}
	go func() {
		_ = cmd.Wait()
		close(w.done)
	}()

	if err := w.waitReady(ctx); err != nil {
		_ = w.kill()
		return nil, err
	}
	w.Log.Infow("image worker ready")
	return w, nil
}

// reserveLoopbackAddr grabs a free port and immediately releases it for the
// worker to bind. Racy in theory, fine in practice for a loopback child.
func reserveLoopbackAddr() (string, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	addr := l.Addr().String()
	if err := l.Close(); err != nil {
		return "", err
	}
	return addr, nil
}

func (w *worker) waitReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shared.WorkerStartTimeout)
	defer cancel()
	ticker := time.NewTicker(shared.WorkerHealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return classifyWorkerExit(w.output.String())
		case <-ctx.Done():
			return errors.Join(errors.New("image worker never became healthy"), ctx.Err())
		case <-ticker.C:
			if w.healthy(ctx) {
				return nil
			}
		}
	}
}

func (w *worker) healthy(ctx context.Context) bool {
	hctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(hctx, http.MethodGet, w.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	res, err := w.client.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = res.Body.Close()
	}()
	return res.StatusCode == http.StatusOK
}

func (w *worker) Generate(ctx context.Context, job Job) ([]byte, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, utils.Wrap("failed encoding generation job", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/generate", bytes.NewReader(payload))
	if err != nil {
		return nil, utils.Wrap("failed building generation request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := w.client.Do(req)
	if err != nil {
		return nil, utils.Wrap("image worker request failed", err)
	}
	defer func() {
		if err := res.Body.Close(); err != nil {
			w.Log.Warnw("failed to close worker response body", "error", err)
		}
	}()

	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		msg := gjson.GetBytes(body, "error").String()
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		if isOutOfMemory(msg) {
			return nil, errors.Join(ErrOutOfMemory, fmt.Errorf("image worker: %s", msg))
		}
		return nil, fmt.Errorf("image worker returned status %d: %s", res.StatusCode, msg)
	}

	img, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, utils.Wrap("failed reading generated image", err)
	}
	return img, nil
}

func (w *worker) ReleaseCache(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/cache/release", nil)
	if err != nil {
		return err
	}
	res, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = res.Body.Close()
	}()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("cache release returned status %d", res.StatusCode)
	}
	return nil
}

// Close asks the worker to exit and kills it if it lingers.
func (w *worker) Close() error {
	select {
	case <-w.done:
		return nil
	default:
	}
	if err := w.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return w.kill()
	}
	select {
	case <-w.done:
		return nil
	case <-time.After(shared.WorkerStopTimeout):
		w.Log.Warnw("image worker ignored SIGTERM, killing")
		return w.kill()
	}
}

func (w *worker) kill() error {
	err := w.cmd.Process.Kill()
	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	<-w.done
	return nil
}

// classifyWorkerExit turns a dead worker's output into the one error callers
// distinguish: accelerator exhaustion versus everything else.
func classifyWorkerExit(output string) error {
	if isOutOfMemory(output) {
		return errors.Join(ErrOutOfMemory, errors.New("image worker exited during startup"))
	}
	if tail := lastLine(output); tail != "" {
		return fmt.Errorf("image worker exited during startup: %s", tail)
	}
	return errors.New("image worker exited during startup")
}

func isOutOfMemory(s string) bool {
	s = strings.ToLower(s)
	for _, marker := range []string{"out of memory", "cuda oom", "oom killed"} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}

const outputTailLimit = 8 * 1024

// tailBuffer keeps the last few KB of worker output for failure diagnosis.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if overflow := len(t.buf) - outputTailLimit; overflow > 0 {
		t.buf = t.buf[overflow:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
