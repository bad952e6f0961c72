package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logx "campaignbot/pkg/logx"
)

var ErrNilTask = errors.New("pool: nil task")

// Task is a unit of work. Its error is delivered only to the Future
// returned by the Submit call that enqueued it.
type Task func() error

// Future resolves once its task has settled.
type Future struct {
	done chan struct{}
	err  error
}

// Wait blocks until the task settles or ctx is done.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.done:
		return f.err
	}
}

// Done is closed when the task has settled.
func (f *Future) Done() <-chan struct{} { return f.done }

// Err returns the task's error. Only valid after Done is closed.
func (f *Future) Err() error { return f.err }

type item struct {
	task Task
	fut  *Future
}

// Pool runs submitted tasks in FIFO batches: up to limit tasks run
// concurrently, the batch settles fully, then — only if more work is
// queued — the pool waits interval before starting the next batch.
//
// One task's failure never cancels its batch siblings or later batches.
// An idle pool has no goroutine or timer; the drain loop exits when the
// queue empties and the next Submit restarts it.
type Pool struct {
	limit    int
	interval time.Duration
	log      logx.Logger

	mu      sync.Mutex
	queue   []item
	running bool
}

func New(limit int, interval time.Duration, log logx.Logger) *Pool {
	if limit <= 0 {
		limit = 1
	}
	if interval < 0 {
		interval = 0
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool{limit: limit, interval: interval, log: log}
}

// Submit enqueues a task and returns its Future.
func (p *Pool) Submit(task Task) *Future {
	fut := &Future{done: make(chan struct{})}
	if task == nil {
		fut.err = ErrNilTask
		close(fut.done)
		return fut
	}

	p.mu.Lock()
	p.queue = append(p.queue, item{task: task, fut: fut})
	start := !p.running
	if start {
		p.running = true
	}
	p.mu.Unlock()

	if start {
		go p.drain()
	}
	return fut
}

// Pending reports the number of queued, not-yet-started tasks.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *Pool) drain() {
	for {
		p.mu.Lock()
		n := len(p.queue)
		if n == 0 {
			p.running = false
			p.mu.Unlock()
			return
		}
		if n > p.limit {
			n = p.limit
		}
		batch := make([]item, n)
		copy(batch, p.queue[:n])
		p.queue = p.queue[n:]
		p.mu.Unlock()

		var wg sync.WaitGroup
		for _, it := range batch {
			wg.Add(1)
			go func(it item) {
				defer wg.Done()
				defer close(it.fut.done)
				defer func() {
					if r := recover(); r != nil {
						it.fut.err = fmt.Errorf("task panicked: %v", r)
						p.log.Error("pool task panicked", logx.Any("panic", r))
					}
				}()
				it.fut.err = it.task()
			}(it)
		}
		wg.Wait()

		p.mu.Lock()
		more := len(p.queue) > 0
		if !more {
			p.running = false
		}
		p.mu.Unlock()
		if !more {
			return
		}
		time.Sleep(p.interval)
	}
}
