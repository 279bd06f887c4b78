// Package pipeline manages the heavyweight image generation resources. Each
// model path gets at most one pipeline for the process lifetime; construction
// is slow, accelerator-bound, and must never run twice concurrently.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"prism-api/internal/metrics"

	"go.uber.org/zap"
)

var (
	ErrNotLoaded   = errors.New("no pipeline loaded")
	ErrOutOfMemory = errors.New("accelerator out of memory")
)

// State of one pipeline through its lifecycle. Ready and Failed are terminal;
// a failed path keeps failing without retry until the process restarts.
type State int

const (
	StateUnloaded State = iota
	StateLoading
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unloaded"
	}
}

// Job is one generation request as the pipeline consumes it.
type Job struct {
	Prompt   string  `json:"prompt"`
	Width    int     `json:"width"`
	Height   int     `json:"height"`
	Steps    int     `json:"steps"`
	CFGScale float64 `json:"cfg_scale"`
	Seed     int64   `json:"seed"`
}

// Pipeline is a loaded generation resource. Generate returns the finished
// image as PNG bytes. ReleaseCache frees transient accelerator memory and is
// called after every generation attempt, successful or not.
type Pipeline interface {
	Generate(ctx context.Context, job Job) ([]byte, error)
	ReleaseCache(ctx context.Context) error
	Close() error
}

// Loader constructs the pipeline for one local model path.
type Loader func(ctx context.Context, path string) (Pipeline, error)

type entry struct {
	state State
	pipe  Pipeline
	err   error
}

// Manager hands out pipelines, constructing each path's lazily on first use.
// Construction is serialized process-wide: a second loader, same path or not,
// blocks until the first reaches a terminal state. Duplicate construction
// would exhaust accelerator memory.
type Manager struct {
	Log    *zap.SugaredLogger
	loader Loader

	loadMu  sync.Mutex
	mu      sync.RWMutex
	entries map[string]*entry
}

func NewManager(loader Loader, log *zap.SugaredLogger) *Manager {
	return &Manager{
		Log:     log,
		loader:  loader,
		entries: make(map[string]*entry),
	}
}

func (m *Manager) lookup(path string) (*entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[path]
	return e, ok
}

func (m *Manager) publish(path string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[path] = e
}

// Load returns the pipeline for path, constructing it on first use. The
// first caller pays the full load latency; everyone after gets the terminal
// result, including a preserved failure.
func (m *Manager) Load(ctx context.Context, path string) (Pipeline, error) {
	if e, ok := m.lookup(path); ok && e.state != StateLoading {
		return e.pipe, e.err
	}

	m.loadMu.Lock()
	defer m.loadMu.Unlock()

	// re-check: the previous lock holder may have finished this path
	if e, ok := m.lookup(path); ok && e.state != StateLoading {
		return e.pipe, e.err
	}

	m.publish(path, &entry{state: StateLoading})
	m.Log.Infow("loading image pipeline", "path", path)
	start := time.Now()

	// construction outlives any one request: detach cancelation so the
	// first caller hanging up cannot poison the path for everyone else
	pipe, err := m.loader(context.WithoutCancel(ctx), path)

	e := &entry{state: StateReady, pipe: pipe}
	if err != nil {
		e = &entry{state: StateFailed, err: err}
	}
	m.publish(path, e)
	metrics.PipelineLoadDuration.WithLabelValues(path, e.state.String()).Observe(time.Since(start).Seconds())

	if err != nil {
		m.Log.Errorw("image pipeline failed to load",
			"path", path,
			"error", err,
			"out_of_memory", errors.Is(err, ErrOutOfMemory),
		)
		return nil, err
	}
	m.Log.Infow("image pipeline ready", "path", path, "duration", time.Since(start).String())
	return pipe, nil
}

// Get returns the pipeline for path without triggering a load.
func (m *Manager) Get(path string) (Pipeline, error) {
	e, ok := m.lookup(path)
	if !ok || e.state != StateReady {
		return nil, ErrNotLoaded
	}
	return e.pipe, nil
}

// State reports where path is in its lifecycle.
func (m *Manager) State(path string) State {
	e, ok := m.lookup(path)
	if !ok {
		return StateUnloaded
	}
	return e.state
}

// Close releases every loaded pipeline. Waits for an in-flight construction
// to finish first so workers are never orphaned.
func (m *Manager) Close() {
	m.loadMu.Lock()
	defer m.loadMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	for path, e := range m.entries {
		if e.state != StateReady || e.pipe == nil {
			continue
		}
		if err := e.pipe.Close(); err != nil {
			m.Log.Warnw("failed closing pipeline", "path", path, "error", err)
		}
	}
	m.entries = make(map[string]*entry)
}
