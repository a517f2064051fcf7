package worker

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultMinWorkers = 1
	defaultMaxWorkers = 8
	defaultQueueSize  = 64
)

// DispatcherConfig sizes the worker pool and the pending job limit.
type DispatcherConfig struct {
	MinWorkers        int
	MaxWorkers        int
	QueueSize         int
	WorkerIdleTimeout time.Duration
}

type userQueue struct {
	jobs     []Job
	enqueued bool
}

// Dispatcher runs jobs on a bounded worker pool, serving users round robin so one
// busy user cannot starve the rest.
type Dispatcher struct {
	pool     *jobChannelPool
	jobQueue chan Job
	limit    int64
	pending  atomic.Int64
	quit     chan struct{}
	wake     chan struct{}
	closed   atomic.Bool

	mu        sync.Mutex
	queues    map[int64]*userQueue // job queue for each user
	ready     *list.List           // users with queued jobs, in service order
	positions map[int64]*list.Element
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.MinWorkers <= 0 {
		cfg.MinWorkers = defaultMinWorkers
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = defaultMaxWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	d := &Dispatcher{
		pool:      newJobChannelPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.WorkerIdleTimeout),
		jobQueue:  make(chan Job, cfg.QueueSize),
		limit:     int64(cfg.QueueSize),
		quit:      make(chan struct{}),
		wake:      make(chan struct{}, 1),
		queues:    make(map[int64]*userQueue),
		ready:     list.New(),
		positions: make(map[int64]*list.Element),
	}

	for i := 0; i < cfg.MinWorkers; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Do queues fn for userID and waits for it to finish. A full queue fails fast with
// ErrDispatcherBusy; cancelling ctx abandons the wait and skips fn if it has not started.
func (d *Dispatcher) Do(ctx context.Context, userID int64, fn func(context.Context) error) error {
	done := make(chan error, 1)
	if err := d.submit(Job{Type: runJob, UserID: userID, ctx: ctx, run: guarded(fn, done), done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-d.quit:
		return ErrDispatcherClosed
	}
}

// Pending reports jobs accepted but not yet handed to a worker.
func (d *Dispatcher) Pending() int {
	return int(d.pending.Load())
}

// Close stops dispatching and retires idle workers. Queued jobs are dropped.
func (d *Dispatcher) Close() {
	if d.closed.Swap(true) {
		return
	}
	close(d.quit)
	d.pool.close()
}

func (d *Dispatcher) submit(job Job) error {
	if d.closed.Load() {
		return ErrDispatcherClosed
	}
	if d.pending.Add(1) > d.limit {
		d.pending.Add(-1)
		return ErrDispatcherBusy
	}
	d.jobQueue <- job // never blocks, pending <= cap(jobQueue)
	return nil
}

func (d *Dispatcher) run() {
	for {
		if !d.hasQueued() {
			select {
			case job := <-d.jobQueue:
				d.enqueueJob(job)
			case <-d.wake:
				continue
			case <-d.quit:
				return
			}
		}
		// wait for a free worker first so that everything submitted meanwhile
		// competes for it in round robin order
		workerChan := d.pool.acquire()
		if workerChan == nil {
			return
		}
		d.drain()
		job, ok := d.next()
		if !ok {
			d.pool.Release(workerChan)
			continue
		}
		d.pending.Add(-1)
		slog.Debug("dispatch job", "user_id", job.UserID, "worker", d.pool.workerID(workerChan))
		workerChan <- job
	}
}

func (d *Dispatcher) drain() {
	for {
		select {
		case job := <-d.jobQueue:
			d.enqueueJob(job)
		default:
			return
		}
	}
}

func (d *Dispatcher) hasQueued() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ready.Len() > 0
}

// CancelUser drops every queued job of the user. Their Do calls return ErrJobCancelled.
// A job already handed to a worker runs to completion.
func (d *Dispatcher) CancelUser(userID int64) {
	// pull in submissions not yet sorted into user queues; other users' jobs moved
	// here must still reach the run loop
	d.drain()
	select {
	case d.wake <- struct{}{}:
	default:
	}

	d.mu.Lock()
	q, ok := d.queues[userID]
	delete(d.queues, userID)
	if elem, found := d.positions[userID]; found {
		d.ready.Remove(elem)
		delete(d.positions, userID)
	}
	d.mu.Unlock()
	if !ok {
		return
	}

	d.pending.Add(-int64(len(q.jobs)))
	for _, job := range q.jobs {
		job.abandon(ErrJobCancelled)
	}
	slog.Info("cancelled queued jobs", "user_id", userID, "count", len(q.jobs))
}

func (d *Dispatcher) enqueueJob(job Job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[job.UserID]
	if q == nil {
		q = &userQueue{}
		d.queues[job.UserID] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		return
	}
	q.enqueued = true
	d.positions[job.UserID] = d.ready.PushBack(job.UserID)
}

// next pops the next job of the front user and moves that user to the back.
func (d *Dispatcher) next() (Job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	elem := d.ready.Front()
	if elem == nil {
		return Job{}, false
	}
	userID := elem.Value.(int64)
	q := d.queues[userID]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		d.ready.Remove(elem)
		delete(d.positions, userID)
		delete(d.queues, userID)
	} else {
		d.ready.MoveToBack(elem)
	}
	return job, true
}
