// Package workerpool runs submitted tasks on a fixed number of goroutines.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/codefionn/netcore/internal/consts"
	"github.com/codefionn/netcore/internal/logger"
)

// ErrStopped is returned by Submit once Stop was called
var ErrStopped = errors.New("workerpool: stopped")

// Task is one unit of work. Run receives a context that is cancelled only
// when a Stop deadline expires.
type Task interface {
	ID() string
	Run(ctx context.Context) error
}

type funcTask struct {
	id string
	fn func(ctx context.Context) error
}

func (t funcTask) ID() string                    { return t.id }
func (t funcTask) Run(ctx context.Context) error { return t.fn(ctx) }

// Func adapts a function to a Task
func Func(id string, fn func(ctx context.Context) error) Task {
	return funcTask{id: id, fn: fn}
}

// Observer receives task lifecycle events. Exactly one of TaskEnded or
// TaskFailed follows every TaskStarted.
type Observer interface {
	TaskStarted(id string)
	TaskEnded(id string, elapsed time.Duration)
	TaskFailed(id string, err error)
}

// LogObserver reports task events through a logger
type LogObserver struct {
	Log *logger.Logger
}

func (o LogObserver) log() *logger.Logger {
	if o.Log != nil {
		return o.Log
	}
	return logger.Global()
}

func (o LogObserver) TaskStarted(id string) {
	o.log().Debug("task %s started", id)
}

func (o LogObserver) TaskEnded(id string, elapsed time.Duration) {
	o.log().Debug("task %s ended after %v", id, elapsed)
}

func (o LogObserver) TaskFailed(id string, err error) {
	o.log().Error("task %s failed: %v", id, err)
}

// PanicError is reported to the observer when a task panics
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Stats is a snapshot of the pool counters
type Stats struct {
	Workers   int
	Running   int
	Queued    int
	Completed uint64
	Failed    uint64
}

// Pool executes tasks on a fixed set of workers. Tasks beyond the worker
// count wait in a FIFO queue; a bounded queue makes Submit wait for room.
type Pool struct {
	size     int
	observer Observer

	mu        sync.Mutex
	ready     *sync.Cond
	queue     []Task
	running   int
	completed uint64
	failed    uint64
	stopping  bool

	// slots bounds the queue; nil when unbounded
	slots   chan struct{}
	closing chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New starts size workers. queue 0 leaves the queue unbounded. A nil
// observer logs events through the global logger.
func New(size, queue int, observer Observer) *Pool {
	if size <= 0 {
		size = consts.DefaultPoolSize
	}
	if observer == nil {
		observer = LogObserver{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		size:     size,
		observer: observer,
		closing:  make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	p.ready = sync.NewCond(&p.mu)
	if queue > 0 {
		p.slots = make(chan struct{}, queue)
	}

	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.worker()
	}
	return p
}

// Size returns the number of workers
func (p *Pool) Size() int {
	return p.size
}

// Submit queues t. With a bounded queue it waits for room until ctx ends.
func (p *Pool) Submit(ctx context.Context, t Task) error {
	if p.slots != nil {
		select {
		case p.slots <- struct{}{}:
		case <-p.closing:
			return ErrStopped
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopping {
		if p.slots != nil {
			<-p.slots
		}
		return ErrStopped
	}
	p.queue = append(p.queue, t)
	p.ready.Signal()
	return nil
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.stopping {
			p.ready.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		t := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.running++
		p.mu.Unlock()

		if p.slots != nil {
			<-p.slots
		}

		err := p.execute(t)

		p.mu.Lock()
		p.running--
		if err != nil {
			p.failed++
		} else {
			p.completed++
		}
		p.mu.Unlock()
	}
}

// execute runs one task and reports it; panics become failures
func (p *Pool) execute(t Task) (err error) {
	id := t.ID()
	start := time.Now()
	p.observer.TaskStarted(id)

	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
		if err != nil {
			p.observer.TaskFailed(id, err)
			return
		}
		p.observer.TaskEnded(id, time.Since(start))
	}()

	return t.Run(p.ctx)
}

// Stop refuses new tasks and waits for queued and running tasks to finish.
// When ctx ends first the task context is cancelled and ctx.Err() returned.
// Calling Stop again waits the same way.
func (p *Pool) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopping = true
		p.ready.Broadcast()
		p.mu.Unlock()
		close(p.closing)
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return ctx.Err()
	}
}

// Stats returns a snapshot of the counters
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Workers:   p.size,
		Running:   p.running,
		Queued:    len(p.queue),
		Completed: p.completed,
		Failed:    p.failed,
	}
}
