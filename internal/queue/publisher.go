/**
 * Result forwarding over Asynq
 *
 * Finished tasks are published to a Redis-backed Asynq queue so downstream
 * services (translation, overlay renderers) can consume OCR output without
 * holding a socket open. ResultConsumer is the receiving side.
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/adverant/nexus/ocr-server/internal/logging"
	"github.com/adverant/nexus/ocr-server/internal/processor"
)

// TypeOCRResult is the Asynq task type for finished OCR tasks
const TypeOCRResult = "ocr:result"

// ResultMessage is the payload of a TypeOCRResult task
type ResultMessage struct {
	TaskID                string                `json:"taskId"`
	Engine                string                `json:"engine"`
	Language              string                `json:"lang"`
	CharLevel             bool                  `json:"charLevel"`
	Preprocess            bool                  `json:"preprocess"`
	Status                string                `json:"status"`
	Message               string                `json:"message,omitempty"`
	Results               []processor.Detection `json:"results"`
	ProcessingTimeSeconds float64               `json:"processingTimeSeconds"`
	DurationMs            int64                 `json:"durationMs"`
	CompletedAt           time.Time             `json:"completedAt"`
}

// NewResultMessage builds the message for a finished task
func NewResultMessage(task *processor.Task, resp *processor.Response, took time.Duration) *ResultMessage {
	results := resp.Results
	if results == nil {
		results = []processor.Detection{}
	}
	return &ResultMessage{
		TaskID:                task.ID,
		Engine:                task.Engine,
		Language:              task.Language,
		CharLevel:             task.CharLevel,
		Preprocess:            task.Preprocess,
		Status:                resp.Status,
		Message:               resp.Message,
		Results:               results,
		ProcessingTimeSeconds: resp.ProcessingTimeSeconds,
		DurationMs:            took.Milliseconds(),
		CompletedAt:           time.Now().UTC(),
	}
}

// NewResultTask wraps a message into an Asynq task
func NewResultTask(msg *ResultMessage) (*asynq.Task, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result message: %w", err)
	}
	return asynq.NewTask(TypeOCRResult, payload), nil
}

// ParseResultTask decodes a TypeOCRResult task
func ParseResultTask(task *asynq.Task) (*ResultMessage, error) {
	if task.Type() != TypeOCRResult {
		return nil, fmt.Errorf("unexpected task type %q", task.Type())
	}
	var msg ResultMessage
	if err := json.Unmarshal(task.Payload(), &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result message: %w", err)
	}
	return &msg, nil
}

// ResultPublisher forwards finished tasks to an Asynq queue
type ResultPublisher struct {
	client    *asynq.Client
	queueName string
	retention time.Duration
	logger    *logging.Logger
}

// PublisherConfig holds publisher configuration
type PublisherConfig struct {
	RedisURL  string
	QueueName string
	Retention time.Duration
}

// NewResultPublisher creates a publisher
func NewResultPublisher(cfg *PublisherConfig) (*ResultPublisher, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}
	if cfg.QueueName == "" {
		return nil, fmt.Errorf("QueueName is required")
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	retention := cfg.Retention
	if retention <= 0 {
		retention = time.Hour
	}

	return &ResultPublisher{
		client:    asynq.NewClient(redisOpt),
		queueName: cfg.QueueName,
		retention: retention,
		logger:    logging.NewLogger("ResultPublisher"),
	}, nil
}

// TaskStarted implements TaskObserver
func (p *ResultPublisher) TaskStarted(ctx context.Context, task *processor.Task) {}

// TaskFinished implements TaskObserver
func (p *ResultPublisher) TaskFinished(ctx context.Context, task *processor.Task, resp *processor.Response, took time.Duration) {
	if err := p.Publish(ctx, NewResultMessage(task, resp, took)); err != nil {
		p.logger.Warn("Failed to publish OCR result", "taskId", task.ID, "error", err)
	}
}

// Publish enqueues one result message
func (p *ResultPublisher) Publish(ctx context.Context, msg *ResultMessage) error {
	t, err := NewResultTask(msg)
	if err != nil {
		return err
	}

	info, err := p.client.EnqueueContext(ctx, t,
		asynq.Queue(p.queueName),
		asynq.MaxRetry(3),
		asynq.Retention(p.retention),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue result: %w", err)
	}

	p.logger.Debug("Published OCR result", "taskId", msg.TaskID, "asynqId", info.ID, "queue", info.Queue)
	return nil
}

// Close closes the Asynq client
func (p *ResultPublisher) Close() error {
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("failed to close client: %w", err)
	}
	return nil
}

// ResultHandler receives decoded result messages
type ResultHandler func(ctx context.Context, msg *ResultMessage) error

// ResultConsumer receives published results from an Asynq queue
type ResultConsumer struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	queue  string
	logger *logging.Logger
}

// NewResultConsumer creates a consumer for queueName
func NewResultConsumer(redisURL, queueName string, concurrency int, handle ResultHandler) (*ResultConsumer, error) {
	if queueName == "" {
		return nil, fmt.Errorf("QueueName is required")
	}
	if handle == nil {
		return nil, fmt.Errorf("handler is required")
	}

	redisOpt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	logger := logging.NewLogger("ResultConsumer")
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{queueName: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Warn("Result handling failed", "type", task.Type(), "error", err)
		}),
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeOCRResult, func(ctx context.Context, task *asynq.Task) error {
		msg, err := ParseResultTask(task)
		if err != nil {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return handle(ctx, msg)
	})

	return &ResultConsumer{server: server, mux: mux, queue: queueName, logger: logger}, nil
}

// Run blocks until ctx is done, then shuts the server down
func (c *ResultConsumer) Run(ctx context.Context) error {
	c.logger.Info("Starting result consumer", "queue", c.queue)
	if err := c.server.Start(c.mux); err != nil {
		return fmt.Errorf("failed to start result consumer: %w", err)
	}
	<-ctx.Done()
	c.server.Shutdown()
	c.logger.Info("Result consumer stopped")
	return nil
}
