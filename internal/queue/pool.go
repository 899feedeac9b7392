/**
 * Worker Pool
 *
 * A fixed number of workers pull jobs from the shared TaskQueue in FIFO
 * order. The pool size is the real ceiling on concurrent inference.
 * Once claimed, a task runs to completion; shutdown only stops workers
 * from claiming new jobs.
 */

package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/adverant/nexus/ocr-server/internal/errors"
	"github.com/adverant/nexus/ocr-server/internal/logging"
	"github.com/adverant/nexus/ocr-server/internal/processor"
)

// DefaultWorkers matches the number of safely concurrent accelerator contexts
const DefaultWorkers = 2

// TaskObserver is notified about task lifecycle events. Observer failures
// are the observer's to log; they never change the client response.
// Observers run on the worker and must not block; anything doing I/O
// belongs in PoolConfig.BackgroundObservers.
type TaskObserver interface {
	TaskStarted(ctx context.Context, task *processor.Task)
	TaskFinished(ctx context.Context, task *processor.Task, resp *processor.Response, took time.Duration)
}

// PoolConfig holds pool configuration
type PoolConfig struct {
	Queue     *TaskQueue
	Processor processor.TaskProcessor
	Workers   int
	Observers []TaskObserver

	// BackgroundObservers are called from one goroutine off the worker path,
	// after the client has its response.
	BackgroundObservers []TaskObserver
	ObserverBuffer      int
}

// Pool runs tasks from a TaskQueue
type Pool struct {
	queue     *TaskQueue
	processor processor.TaskProcessor
	workers   int
	observers []TaskObserver
	notifier  *notifier
	logger    *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewPool creates a pool; workers start with Start
func NewPool(cfg *PoolConfig) (*Pool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("Queue is required")
	}
	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		queue:     cfg.Queue,
		processor: cfg.Processor,
		workers:   workers,
		observers: cfg.Observers,
		logger:    logging.NewLogger("WorkerPool"),
		ctx:       ctx,
		cancel:    cancel,
	}
	if len(cfg.BackgroundObservers) > 0 {
		p.notifier = newNotifier(cfg.BackgroundObservers, cfg.ObserverBuffer, p.logger)
		p.notifier.start()
	}
	return p, nil
}

// Start launches the worker goroutines
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		p.logger.Info("Starting worker pool", "workers", p.workers, "queueCapacity", p.queue.Cap())
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go p.worker(i)
		}
	})
}

// Stop closes the queue and lets workers finish what is queued until ctx
// expires. Jobs still queued after that are answered with a shutdown error.
// Background observers then get until ctx expires to flush.
func (p *Pool) Stop(ctx context.Context) {
	p.stopOnce.Do(func() {
		p.logger.Info("Stopping worker pool", "queued", p.queue.Len())
		p.queue.Close()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			p.cancel()
			<-done
		}
		p.cancel()

		for _, job := range p.queue.Drain() {
			job.Complete(processor.NewErrorResponse(errors.ClientMessage(errors.NewShuttingDownError(job.Task.ID))))
		}

		if p.notifier != nil {
			p.notifier.close(ctx)
		}
		p.logger.Info("Worker pool stopped")
	})
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	p.logger.Debug("Worker started", "worker", id)

	for {
		if p.ctx.Err() != nil {
			return
		}
		job, err := p.queue.Dequeue(p.ctx)
		if err != nil {
			p.logger.Debug("Worker stopping", "worker", id, "reason", err)
			return
		}
		p.run(id, job)
	}
}

// run processes one job; a claimed job always completes
func (p *Pool) run(id int, job *Job) {
	task := job.Task
	ctx := context.Background()

	for _, o := range p.observers {
		o.TaskStarted(ctx, task)
	}
	if p.notifier != nil {
		p.notifier.send(lifecycleEvent{task: task})
	}

	start := time.Now()
	resp := p.safeProcess(ctx, task)
	took := time.Since(start)

	job.Complete(resp)

	p.logger.Info("Task finished",
		"worker", id,
		"taskId", task.ID,
		"engine", task.Engine,
		"lang", task.Language,
		"status", resp.Status,
		"results", len(resp.Results),
		"duration", took)

	for _, o := range p.observers {
		o.TaskFinished(ctx, task, resp, took)
	}
	if p.notifier != nil {
		p.notifier.send(lifecycleEvent{task: task, resp: resp, took: took, finished: true})
	}
}

func (p *Pool) safeProcess(ctx context.Context, task *processor.Task) (resp *processor.Response) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Processor panicked",
				"taskId", task.ID,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
			resp = processor.NewErrorResponse(fmt.Sprintf("OCR failed: %v", r))
		}
	}()

	resp = p.processor.Process(ctx, task)
	if resp == nil {
		resp = processor.NewErrorResponse("OCR failed: empty response")
	}
	return resp
}
