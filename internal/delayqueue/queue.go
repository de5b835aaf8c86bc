// Package delayqueue runs tasks after a delay, in due time order, on a fixed
// set of worker goroutines.
package delayqueue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

type Task func(ctx context.Context)

type Option func(*Queue)

// WithObserver registers fn to receive the pending count after every change.
func WithObserver(fn func(pending int)) Option {
	return func(q *Queue) { q.observe = fn }
}

func WithClock(clock func() time.Time) Option {
	return func(q *Queue) { q.clock = clock }
}

// WithWorkers sets how many tasks may run at once. With the default of one,
// a task starts only after the previous one returned.
func WithWorkers(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.workers = n
		}
	}
}

type Queue struct {
	mu      sync.Mutex
	items   taskHeap
	seq     uint64
	wake    chan struct{}
	clock   func() time.Time
	observe func(int)
	workers int
}

func New(opts ...Option) *Queue {
	q := &Queue{
		wake:    make(chan struct{}, 1),
		clock:   time.Now,
		workers: 1,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Schedule queues task to run no earlier than delay from now. It never
// blocks on task execution.
func (q *Queue) Schedule(delay time.Duration, task Task) {
	if task == nil {
		return
	}
	q.mu.Lock()
	q.seq++
	heap.Push(&q.items, &item{due: q.clock().Add(delay), seq: q.seq, task: task})
	pending := len(q.items)
	q.mu.Unlock()

	q.notify(pending)
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Run executes due tasks until ctx is done. Tasks still pending at that
// point stay queued for Drain.
func (q *Queue) Run(ctx context.Context) error {
	tasks := q.startWorkers(ctx)
	defer tasks.stop()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		task, wait := q.next()
		if task != nil {
			select {
			case tasks.ch <- task:
			case <-ctx.Done():
				q.Schedule(0, task)
				return nil
			}
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if wait > 0 {
			timer.Reset(wait)
		}
		var timerC <-chan time.Time
		if wait > 0 {
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			return nil
		case <-q.wake:
		case <-timerC:
		}
	}
}

// next pops the earliest task if it is due. Otherwise it returns how long to
// wait, or zero when the queue is empty.
func (q *Queue) next() (Task, time.Duration) {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return nil, 0
	}
	head := q.items[0]
	wait := head.due.Sub(q.clock())
	if wait > 0 {
		q.mu.Unlock()
		return nil, wait
	}
	heap.Pop(&q.items)
	pending := len(q.items)
	q.mu.Unlock()

	q.notify(pending)
	return head.task, 0
}

// Drain runs every task pending at call time immediately, ignoring due
// times, and returns how many tasks remain queued afterwards. Tasks
// scheduled while draining are not run.
func (q *Queue) Drain(ctx context.Context) int {
	q.mu.Lock()
	batch := make([]*item, 0, len(q.items))
	for len(q.items) > 0 {
		batch = append(batch, heap.Pop(&q.items).(*item))
	}
	q.mu.Unlock()
	q.notify(q.Len())

	if len(batch) > 0 {
		tasks := q.startWorkers(ctx)
		for _, it := range batch {
			tasks.ch <- it.task
		}
		tasks.stop()
	}
	remaining := q.Len()
	q.notify(remaining)
	return remaining
}

type workerPool struct {
	ch chan Task
	wg sync.WaitGroup
}

func (q *Queue) startWorkers(ctx context.Context) *workerPool {
	pool := &workerPool{ch: make(chan Task)}
	for i := 0; i < q.workers; i++ {
		pool.wg.Add(1)
		go func() {
			defer pool.wg.Done()
			for task := range pool.ch {
				task(ctx)
			}
		}()
	}
	return pool
}

// stop waits for tasks already handed to a worker.
func (p *workerPool) stop() {
	close(p.ch)
	p.wg.Wait()
}

func (q *Queue) notify(pending int) {
	if q.observe != nil {
		q.observe(pending)
	}
}

type item struct {
	due  time.Time
	seq  uint64
	task Task
}

type taskHeap []*item

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].seq < h[j].seq
	}
	return h[i].due.Before(h[j].due)
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*item)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
