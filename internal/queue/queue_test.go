package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/ocr-server/internal/errors"
	"github.com/adverant/nexus/ocr-server/internal/logging"
	"github.com/adverant/nexus/ocr-server/internal/processor"
)

func newTask(i int) *processor.Task {
	return &processor.Task{ID: fmt.Sprintf("task-%d", i), Engine: "easyocr", Language: "english"}
}

func TestTaskQueue_AdmissionControl(t *testing.T) {
	q := NewTaskQueue(3)

	for i := 0; i < 3; i++ {
		require.NoError(t, q.TryEnqueue(NewJob(newTask(i))))
	}

	start := time.Now()
	for i := 3; i < 10; i++ {
		assert.ErrorIs(t, q.TryEnqueue(NewJob(newTask(i))), ErrQueueFull)
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, 3, q.Len())
	assert.Equal(t, 3, q.Cap())
}

func TestTaskQueue_FIFO(t *testing.T) {
	q := NewTaskQueue(5)
	for i := 0; i < 5; i++ {
		require.NoError(t, q.TryEnqueue(NewJob(newTask(i))))
	}
	for i := 0; i < 5; i++ {
		job, err := q.Dequeue(context.Background())
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("task-%d", i), job.Task.ID)
	}
}

func TestTaskQueue_DequeueHonorsContext(t *testing.T) {
	q := NewTaskQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTaskQueue_Close(t *testing.T) {
	q := NewTaskQueue(2)
	require.NoError(t, q.TryEnqueue(NewJob(newTask(1))))
	q.Close()
	q.Close()

	assert.ErrorIs(t, q.TryEnqueue(NewJob(newTask(2))), ErrQueueClosed)

	job, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "task-1", job.Task.ID)

	_, err = q.Dequeue(context.Background())
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestJob_CompleteOnce(t *testing.T) {
	job := NewJob(newTask(1))
	assert.Nil(t, job.Response())

	first := &processor.Response{Status: processor.StatusSuccess}
	job.Complete(first)
	job.Complete(processor.NewErrorResponse("late"))

	resp, err := job.Wait(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, resp)
}

type funcProcessor func(ctx context.Context, task *processor.Task) *processor.Response

func (f funcProcessor) Process(ctx context.Context, task *processor.Task) *processor.Response {
	return f(ctx, task)
}

type recordingObserver struct {
	mu       sync.Mutex
	started  []string
	finished []string
}

func (r *recordingObserver) TaskStarted(ctx context.Context, task *processor.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, task.ID)
}

func (r *recordingObserver) TaskFinished(ctx context.Context, task *processor.Task, resp *processor.Response, took time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, task.ID+":"+resp.Status)
}

func TestPool_ProcessesAndRecoversFromPanic(t *testing.T) {
	q := NewTaskQueue(4)
	obs := &recordingObserver{}
	pool, err := NewPool(&PoolConfig{
		Queue:   q,
		Workers: 1,
		Processor: funcProcessor(func(ctx context.Context, task *processor.Task) *processor.Response {
			if task.ID == "task-0" {
				panic("cuda error")
			}
			return &processor.Response{Status: processor.StatusSuccess}
		}),
		Observers: []TaskObserver{obs},
	})
	require.NoError(t, err)
	pool.Start()
	defer pool.Stop(context.Background())

	bad := NewJob(newTask(0))
	good := NewJob(newTask(1))
	require.NoError(t, q.TryEnqueue(bad))
	require.NoError(t, q.TryEnqueue(good))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := bad.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, processor.StatusError, resp.Status)
	assert.Equal(t, "OCR failed: cuda error", resp.Message)

	resp, err = good.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, processor.StatusSuccess, resp.Status)

	require.Eventually(t, func() bool {
		obs.mu.Lock()
		defer obs.mu.Unlock()
		return len(obs.finished) == 2
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"task-0", "task-1"}, obs.started)
	assert.Equal(t, []string{"task-0:error", "task-1:success"}, obs.finished)
}

type slowObserver struct {
	recordingObserver
	delay time.Duration
}

func (s *slowObserver) TaskStarted(ctx context.Context, task *processor.Task) {
	time.Sleep(s.delay)
	s.recordingObserver.TaskStarted(ctx, task)
}

func (s *slowObserver) TaskFinished(ctx context.Context, task *processor.Task, resp *processor.Response, took time.Duration) {
	time.Sleep(s.delay)
	s.recordingObserver.TaskFinished(ctx, task, resp, took)
}

func TestPool_BackgroundObserversDoNotDelayResponses(t *testing.T) {
	q := NewTaskQueue(4)
	slow := &slowObserver{delay: 200 * time.Millisecond}
	pool, err := NewPool(&PoolConfig{
		Queue:   q,
		Workers: 1,
		Processor: funcProcessor(func(ctx context.Context, task *processor.Task) *processor.Response {
			return &processor.Response{Status: processor.StatusSuccess}
		}),
		BackgroundObservers: []TaskObserver{slow},
	})
	require.NoError(t, err)
	pool.Start()

	jobs := []*Job{NewJob(newTask(0)), NewJob(newTask(1))}
	start := time.Now()
	for _, j := range jobs {
		require.NoError(t, q.TryEnqueue(j))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, j := range jobs {
		resp, err := j.Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, processor.StatusSuccess, resp.Status)
	}
	assert.Less(t, time.Since(start), 150*time.Millisecond)

	// Stop flushes the backlog in order.
	pool.Stop(context.Background())
	slow.mu.Lock()
	defer slow.mu.Unlock()
	assert.Equal(t, []string{"task-0", "task-1"}, slow.started)
	assert.Equal(t, []string{"task-0:success", "task-1:success"}, slow.finished)
}

func TestNotifier_DropsWhenBacklogFull(t *testing.T) {
	block := make(chan struct{})
	obs := &recordingObserver{}
	n := newNotifier([]TaskObserver{blockingObserver{block}, obs}, 1, logging.NewLogger("test"))
	n.start()

	n.send(lifecycleEvent{task: newTask(0)})
	// the first event is held by the blocked observer once it is received
	require.Eventually(t, func() bool { return len(n.events) == 0 }, time.Second, 5*time.Millisecond)
	n.send(lifecycleEvent{task: newTask(1)})
	n.send(lifecycleEvent{task: newTask(2)})
	assert.Equal(t, uint64(1), n.dropped.Load())

	close(block)
	n.close(context.Background())
	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []string{"task-0", "task-1"}, obs.started)
}

type blockingObserver struct{ block <-chan struct{} }

func (b blockingObserver) TaskStarted(ctx context.Context, task *processor.Task) { <-b.block }

func (b blockingObserver) TaskFinished(ctx context.Context, task *processor.Task, resp *processor.Response, took time.Duration) {
	<-b.block
}

func TestPool_ConcurrencyBoundedByWorkers(t *testing.T) {
	q := NewTaskQueue(10)
	var inflight, maxSeen atomic.Int32
	pool, err := NewPool(&PoolConfig{
		Queue:   q,
		Workers: 2,
		Processor: funcProcessor(func(ctx context.Context, task *processor.Task) *processor.Response {
			n := inflight.Add(1)
			defer inflight.Add(-1)
			for {
				m := maxSeen.Load()
				if n <= m || maxSeen.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			return &processor.Response{Status: processor.StatusSuccess}
		}),
	})
	require.NoError(t, err)
	pool.Start()

	jobs := make([]*Job, 8)
	for i := range jobs {
		jobs[i] = NewJob(newTask(i))
		require.NoError(t, q.TryEnqueue(jobs[i]))
	}
	for _, j := range jobs {
		<-j.Done()
	}
	pool.Stop(context.Background())

	assert.Equal(t, int32(2), maxSeen.Load())
}

func TestPool_StopDrainsWithShutdownError(t *testing.T) {
	q := NewTaskQueue(5)
	release := make(chan struct{})
	pool, err := NewPool(&PoolConfig{
		Queue:   q,
		Workers: 1,
		Processor: funcProcessor(func(ctx context.Context, task *processor.Task) *processor.Response {
			<-release
			return &processor.Response{Status: processor.StatusSuccess}
		}),
	})
	require.NoError(t, err)
	pool.Start()

	running := NewJob(newTask(0))
	require.NoError(t, q.TryEnqueue(running))
	require.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, 5*time.Millisecond)

	queued := NewJob(newTask(1))
	require.NoError(t, q.TryEnqueue(queued))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	stopped := make(chan struct{})
	go func() {
		pool.Stop(ctx)
		close(stopped)
	}()

	<-pool.ctx.Done()
	close(release)
	<-stopped

	assert.Equal(t, processor.StatusSuccess, running.Response().Status)
	resp := queued.Response()
	require.NotNil(t, resp)
	assert.Equal(t, errors.MsgShuttingDown, resp.Message)
}

func TestNewPool_Validation(t *testing.T) {
	_, err := NewPool(nil)
	assert.Error(t, err)
	_, err = NewPool(&PoolConfig{Queue: NewTaskQueue(1)})
	assert.Error(t, err)
}

func TestResultTask_RoundTrip(t *testing.T) {
	task := &processor.Task{ID: "abc", Engine: "paddleocr", Language: "japan", CharLevel: true}
	resp := &processor.Response{
		Status:  processor.StatusSuccess,
		Results: []processor.Detection{{Quad: processor.DefaultQuad, Text: "字", Confidence: 0.5, IsCharacter: true}},
	}

	at, err := NewResultTask(NewResultMessage(task, resp, 1500*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, TypeOCRResult, at.Type())

	msg, err := ParseResultTask(at)
	require.NoError(t, err)
	assert.Equal(t, "abc", msg.TaskID)
	assert.Equal(t, int64(1500), msg.DurationMs)
	require.Len(t, msg.Results, 1)
	assert.Equal(t, "字", msg.Results[0].Text)
}
