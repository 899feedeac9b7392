package queue

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/adverant/nexus/ocr-server/internal/logging"
	"github.com/adverant/nexus/ocr-server/internal/processor"
)

// DefaultObserverBuffer is the number of lifecycle events held for
// background observers before new events are dropped.
const DefaultObserverBuffer = 1024

type lifecycleEvent struct {
	task     *processor.Task
	resp     *processor.Response
	took     time.Duration
	finished bool
}

// notifier feeds background observers from a single goroutine so slow
// stores never hold a worker. Events keep their order; when the buffer is
// full the event is dropped.
type notifier struct {
	observers []TaskObserver
	events    chan lifecycleEvent
	done      chan struct{}
	dropped   atomic.Uint64
	logger    *logging.Logger
}

func newNotifier(observers []TaskObserver, buffer int, logger *logging.Logger) *notifier {
	if buffer <= 0 {
		buffer = DefaultObserverBuffer
	}
	return &notifier{
		observers: observers,
		events:    make(chan lifecycleEvent, buffer),
		done:      make(chan struct{}),
		logger:    logger,
	}
}

func (n *notifier) start() {
	go n.run()
}

func (n *notifier) run() {
	defer close(n.done)
	ctx := context.Background()
	for ev := range n.events {
		for _, o := range n.observers {
			if ev.finished {
				o.TaskFinished(ctx, ev.task, ev.resp, ev.took)
			} else {
				o.TaskStarted(ctx, ev.task)
			}
		}
	}
}

func (n *notifier) send(ev lifecycleEvent) {
	select {
	case n.events <- ev:
	default:
		total := n.dropped.Add(1)
		n.logger.Warn("Observer backlog full, dropping task event",
			"taskId", ev.task.ID,
			"finished", ev.finished,
			"dropped", total)
	}
}

// close stops accepting events and waits for the backlog until ctx expires.
// Must not be called while workers can still send.
func (n *notifier) close(ctx context.Context) {
	close(n.events)
	select {
	case <-n.done:
	case <-ctx.Done():
		n.logger.Warn("Observer backlog not flushed before shutdown", "pending", len(n.events))
	}
}
