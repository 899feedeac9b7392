/**
 * OCR Processor
 *
 * Runs one task through the pipeline:
 * - Resolve the engine adapter and verify the image exists
 * - Optional preprocessing / upscaling (scale factor recorded)
 * - Result cache lookup keyed on image digest + task options
 * - EnsureReady → Infer → Release
 * - Normalize raw output, optionally split into characters
 */

package processor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/adverant/nexus/ocr-server/internal/errors"
	"github.com/adverant/nexus/ocr-server/internal/logging"
	"github.com/adverant/nexus/ocr-server/internal/preprocess"
)

// TaskProcessor turns a task into a response. Implementations never return nil.
type TaskProcessor interface {
	Process(ctx context.Context, task *Task) *Response
}

// ResultCache stores successful responses by cache key
type ResultCache interface {
	GetResult(ctx context.Context, key string) (*Response, bool)
	SetResult(ctx context.Context, key string, resp *Response)
}

// ProcessorConfig holds processor configuration
type ProcessorConfig struct {
	Engines          EngineResolver
	Cache            ResultCache
	MaxChars         int
	UpscaleIfNeeded  bool
	UpscaleMinWidth  int
	UpscaleMinHeight int
}

// Processor executes OCR tasks
type Processor struct {
	engines EngineResolver
	cache   ResultCache
	config  ProcessorConfig
	logger  *logging.Logger
}

// NewProcessor creates a new processor
func NewProcessor(cfg *ProcessorConfig) (*Processor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Engines == nil {
		return nil, fmt.Errorf("engine resolver is required")
	}

	c := *cfg
	if c.MaxChars <= 0 {
		c.MaxChars = DefaultMaxChars
	}

	return &Processor{
		engines: c.Engines,
		cache:   c.Cache,
		config:  c,
		logger:  logging.NewLogger("Processor"),
	}, nil
}

// Process runs the full pipeline for task and always returns a response
func (p *Processor) Process(ctx context.Context, task *Task) *Response {
	start := time.Now()

	detections, err := p.run(ctx, task)
	if err != nil {
		p.logger.Error("Task failed",
			"taskId", task.ID,
			"engine", task.Engine,
			"code", string(errors.CodeOf(err)),
			"error", err)
		return NewErrorResponse(errors.ClientMessage(err))
	}

	return &Response{
		Status:                StatusSuccess,
		Results:               detections,
		ProcessingTimeSeconds: time.Since(start).Seconds(),
		CharLevel:             task.CharLevel,
	}
}

func (p *Processor) run(ctx context.Context, task *Task) ([]Detection, error) {
	adapter, err := p.engines.Resolve(task.Engine)
	if err != nil {
		return nil, errors.NewEngineUnavailableError(task.ID, task.Engine, err)
	}

	if _, err := os.Stat(task.ImagePath); err != nil {
		return nil, errors.NewImageNotFoundError(task.ID, task.ImagePath)
	}

	var cacheKey string
	if p.cache != nil {
		cacheKey, err = CacheKey(task)
		if err != nil {
			p.logger.Warn("Cache key unavailable", "taskId", task.ID, "error", err)
		} else if cached, ok := p.cache.GetResult(ctx, cacheKey); ok {
			p.logger.Debug("Result cache hit", "taskId", task.ID, "key", cacheKey)
			return cached.Results, nil
		}
	}

	prepared, err := preprocess.Prepare(task.ImagePath, preprocess.Options{
		Enhance:   task.Preprocess,
		Upscale:   p.config.UpscaleIfNeeded,
		MinWidth:  p.config.UpscaleMinWidth,
		MinHeight: p.config.UpscaleMinHeight,
	})
	if err != nil {
		return nil, errors.NewInferenceError(task.ID, task.Engine, err)
	}
	defer func() {
		if err := prepared.Cleanup(); err != nil {
			p.logger.Warn("Temp image cleanup failed", "path", prepared.Path, "error", err)
		}
	}()

	raw, err := p.infer(ctx, adapter, task, prepared.Path)
	if err != nil {
		return nil, errors.NewInferenceError(task.ID, task.Engine, err)
	}
	raw.Scale = prepared.Scale

	detections, report := Normalize(raw)
	p.logger.Debug("Normalized engine output",
		"taskId", task.ID,
		"shape", report.Shape,
		"detections", report.Detections,
		"substituted", report.Substituted)

	if task.CharLevel {
		detections = SplitAll(detections, p.config.MaxChars)
	}

	if cacheKey != "" {
		p.cache.SetResult(ctx, cacheKey, &Response{
			Status:    StatusSuccess,
			Results:   detections,
			CharLevel: task.CharLevel,
		})
	}

	return detections, nil
}

// infer holds the engine handle for exactly one inference
func (p *Processor) infer(ctx context.Context, adapter EngineAdapter, task *Task, imagePath string) (*RawResult, error) {
	handle, err := adapter.EnsureReady(ctx, task.Language)
	if err != nil {
		return nil, fmt.Errorf("engine not ready: %w", err)
	}
	defer adapter.Release(handle)

	raw, err := adapter.Infer(ctx, handle, imagePath)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		raw = &RawResult{Engine: adapter.Name()}
	}
	return raw, nil
}

// CacheKey derives a result cache key from the image contents and task options
func CacheKey(task *Task) (string, error) {
	f, err := os.Open(task.ImagePath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	fmt.Fprintf(h, "|%s|%s|%s|%s",
		task.Language, task.Engine,
		strconv.FormatBool(task.CharLevel), strconv.FormatBool(task.Preprocess))
	return hex.EncodeToString(h.Sum(nil)), nil
}
