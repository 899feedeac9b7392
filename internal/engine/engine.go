/**
 * OCR Engine adapter
 *
 * One Engine per backend. The engine owns its State, maps client language
 * names to backend codes, and reloads the backend only when the requested
 * language changes.
 */

package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/adverant/nexus/ocr-server/internal/logging"
	"github.com/adverant/nexus/ocr-server/internal/processor"
)

var logger = logging.NewLogger("Engine")

// Backend is a model loaded for one language
type Backend interface {
	Recognize(ctx context.Context, imagePath string) (interface{}, error)
	Close() error
}

// ResourceReleaser is implemented by backends that hold accelerator memory
// which should be freed after every task
type ResourceReleaser interface {
	ReleaseResources(ctx context.Context) error
}

// Loader creates a backend for a backend-specific language code
type Loader func(ctx context.Context, code string) (Backend, error)

// Options configures an Engine
type Options struct {
	Name      string
	Loader    Loader
	Languages map[string]string
	// Serialize forces one inference at a time for non-reentrant backends
	Serialize bool
	// OnInit is called after every successful (re)initialization
	OnInit func(engine, code string, took time.Duration)
}

// Engine implements processor.EngineAdapter over a Loader
type Engine struct {
	name      string
	load      Loader
	languages map[string]string
	serialize bool
	onInit    func(engine, code string, took time.Duration)

	state   *State
	inferMu sync.Mutex
}

// New creates an engine; nothing is loaded until EnsureReady or Warmup
func New(opts Options) (*Engine, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("engine name is required")
	}
	if opts.Loader == nil {
		return nil, fmt.Errorf("engine %s: loader is required", opts.Name)
	}

	return &Engine{
		name:      strings.ToLower(opts.Name),
		load:      opts.Loader,
		languages: opts.Languages,
		serialize: opts.Serialize,
		onInit:    opts.OnInit,
		state:     NewState(),
	}, nil
}

// Name returns the engine name used in commands
func (e *Engine) Name() string {
	return e.name
}

// State exposes the engine's load state
func (e *Engine) State() *State {
	return e.state
}

// LanguageCode maps a client language name to the backend's code;
// unknown names pass through unchanged
func (e *Engine) LanguageCode(lang string) string {
	if code, ok := e.languages[lang]; ok {
		return code
	}
	if code, ok := e.languages[strings.ToLower(lang)]; ok {
		return code
	}
	return lang
}

// EnsureReady returns a handle for lang, loading the backend if the
// currently loaded language differs
func (e *Engine) EnsureReady(ctx context.Context, lang string) (*processor.Handle, error) {
	code := e.LanguageCode(lang)

	backend, err := e.state.acquire(ctx, code, e.timedLoad)
	if err != nil {
		return nil, fmt.Errorf("%s init for %q failed: %w", e.name, code, err)
	}

	return &processor.Handle{Engine: e.name, Language: code, Backend: backend}, nil
}

func (e *Engine) timedLoad(ctx context.Context, code string) (Backend, error) {
	logger.Info("Initializing OCR engine", "engine", e.name, "lang", code)
	start := time.Now()

	b, err := e.load(ctx, code)
	if err != nil {
		return nil, err
	}

	took := time.Since(start)
	logger.Info("OCR engine initialized", "engine", e.name, "lang", code, "duration", took)
	if e.onInit != nil {
		e.onInit(e.name, code, took)
	}
	return b, nil
}

// Infer runs recognition with the handle's backend
func (e *Engine) Infer(ctx context.Context, h *processor.Handle, imagePath string) (*processor.RawResult, error) {
	if h == nil {
		return nil, fmt.Errorf("%s: nil engine handle", e.name)
	}
	backend, ok := h.Backend.(Backend)
	if !ok || backend == nil {
		return nil, fmt.Errorf("%s: invalid engine handle", e.name)
	}

	if e.serialize {
		e.inferMu.Lock()
		defer e.inferMu.Unlock()
	}

	payload, err := backend.Recognize(ctx, imagePath)
	if err != nil {
		return nil, err
	}
	return &processor.RawResult{Engine: e.name, Payload: payload}, nil
}

// Release frees per-task resources and returns the handle
func (e *Engine) Release(h *processor.Handle) {
	if h == nil {
		return
	}
	if r, ok := h.Backend.(ResourceReleaser); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := r.ReleaseResources(ctx); err != nil {
			logger.Warn("Failed to release engine resources", "engine", e.name, "error", err)
		}
		cancel()
	}
	e.state.release()
}

// Warmup loads the backend for lang ahead of the first task
func (e *Engine) Warmup(ctx context.Context, lang string) error {
	h, err := e.EnsureReady(ctx, lang)
	if err != nil {
		return err
	}
	e.Release(h)
	return nil
}

// Close unloads the backend once in-flight tasks have released it
func (e *Engine) Close() error {
	return e.state.close()
}
