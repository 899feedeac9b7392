package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/adverant/nexus/ocr-server/internal/processor"
)

// DefaultCapacity is the number of unclaimed tasks the queue admits
const DefaultCapacity = 10

var (
	// ErrQueueFull is returned by TryEnqueue when every slot is taken
	ErrQueueFull = errors.New("task queue is full")
	// ErrQueueClosed is returned after Close
	ErrQueueClosed = errors.New("task queue is closed")
)

// Job pairs a task with its one-shot completion signal
type Job struct {
	Task *processor.Task

	done     chan struct{}
	once     sync.Once
	response *processor.Response
}

// NewJob wraps a task
func NewJob(task *processor.Task) *Job {
	return &Job{Task: task, done: make(chan struct{})}
}

// Complete records the response; later calls are ignored
func (j *Job) Complete(resp *processor.Response) {
	j.once.Do(func() {
		j.response = resp
		close(j.done)
	})
}

// Done is closed once the response is available
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Response returns the recorded response, or nil before Done is closed
func (j *Job) Response() *processor.Response {
	select {
	case <-j.done:
		return j.response
	default:
		return nil
	}
}

// Wait blocks until the job completes or ctx is done
func (j *Job) Wait(ctx context.Context) (*processor.Response, error) {
	select {
	case <-j.done:
		return j.response, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TaskQueue is a bounded FIFO of jobs with non-blocking admission
type TaskQueue struct {
	jobs   chan *Job
	mu     sync.RWMutex
	closed bool
}

// NewTaskQueue creates a queue holding at most capacity unclaimed jobs
func NewTaskQueue(capacity int) *TaskQueue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &TaskQueue{jobs: make(chan *Job, capacity)}
}

// TryEnqueue admits job or fails immediately; it never blocks
func (q *TaskQueue) TryEnqueue(job *Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Dequeue blocks until a job is available, the queue is closed and empty, or ctx is done
func (q *TaskQueue) Dequeue(ctx context.Context) (*Job, error) {
	select {
	case job, ok := <-q.jobs:
		if !ok {
			return nil, ErrQueueClosed
		}
		return job, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops admission; queued jobs can still be drained
func (q *TaskQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
}

// Drain removes and returns every queued job without blocking
func (q *TaskQueue) Drain() []*Job {
	var out []*Job
	for {
		select {
		case job, ok := <-q.jobs:
			if !ok {
				return out
			}
			out = append(out, job)
		default:
			return out
		}
	}
}

// Len is the number of queued, unclaimed jobs
func (q *TaskQueue) Len() int {
	return len(q.jobs)
}

// Cap is the queue capacity
func (q *TaskQueue) Cap() int {
	return cap(q.jobs)
}
