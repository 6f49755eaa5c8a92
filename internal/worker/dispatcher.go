package worker

import (
	"container/list"
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

var (
	// ErrDispatcherBusy is returned when the intake queue is full.
	ErrDispatcherBusy = errors.New("worker: dispatcher queue full")
	// ErrDispatcherClosed is returned by Submit after Shutdown.
	ErrDispatcherClosed = errors.New("worker: dispatcher closed")
)

type keyQueue struct {
	jobs     []Job
	enqueued bool
}

// Dispatcher fans background jobs out to a bounded worker pool. Keys (session
// ids) are served round-robin so one busy session cannot starve the others.
type Dispatcher struct {
	pool     *workerPool
	JobQueue chan Job // intake for outer jobs

	mu        sync.Mutex
	queues    map[string]*keyQueue // job queue for each key
	ready     *list.List           // LRU queue storing keys
	positions map[string]*list.Element
	closed    bool

	inflight sync.WaitGroup
	cancel   context.CancelFunc
	stop     chan struct{}
	stopped  chan struct{}
}

func NewDispatcher(minWorkers, maxWorkers, queueSize int, idleTimeout time.Duration) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		queues:    make(map[string]*keyQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
		JobQueue:  make(chan Job, queueSize),
		cancel:    cancel,
		stop:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	d.pool = newWorkerPool(ctx, minWorkers, maxWorkers, idleTimeout, d.inflight.Done)
	d.pool.warm()

	go d.run()
	return d
}

// Submit queues job without blocking.
func (d *Dispatcher) Submit(job Job) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	d.inflight.Add(1)
	d.mu.Unlock()

	select {
	case d.JobQueue <- job:
		return nil
	default:
		d.inflight.Done()
		return ErrDispatcherBusy
	}
}

func (d *Dispatcher) run() {
	defer close(d.stopped)
	for {
		d.drainIntake()
		if !d.hasReady() {
			select {
			case job := <-d.JobQueue: // wait for work
				d.enqueueJob(job)
			case <-d.stop:
				return
			}
			continue
		}
		// take a worker first so jobs that arrive meanwhile join the rotation
		jobs := d.pool.acquire()
		d.drainIntake()
		job, ok := d.next()
		if !ok {
			d.pool.release(jobs)
			continue
		}
		debugLog("[dispatcher] assign %s job for %s to worker-%d", job.Type, job.Key, d.pool.workerID(jobs))
		jobs <- job
	}
}

func (d *Dispatcher) drainIntake() {
	for {
		select {
		case job := <-d.JobQueue:
			d.enqueueJob(job)
		default:
			return
		}
	}
}

func (d *Dispatcher) hasReady() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ready.Len() > 0
}

// CancelKey drops the queued (not yet running) jobs of key.
func (d *Dispatcher) CancelKey(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if q, ok := d.queues[key]; ok {
		for range q.jobs {
			d.inflight.Done()
		}
	}
	delete(d.queues, key)
	if elem, ok := d.positions[key]; ok {
		d.ready.Remove(elem)
		delete(d.positions, key)
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[job.Key]
	if q == nil {
		q = &keyQueue{}
		d.queues[job.Key] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		return
	}
	q.enqueued = true
	d.positions[job.Key] = d.ready.PushBack(job.Key)
}

// next pops one job of the first key in the LRU queue.
func (d *Dispatcher) next() (Job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	elem := d.ready.Front()
	if elem == nil {
		return Job{}, false
	}
	key := elem.Value.(string)
	q := d.queues[key]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		// last job of this key; it leaves the rotation
		q.enqueued = false
		d.ready.Remove(elem)
		delete(d.positions, key)
		delete(d.queues, key)
	} else {
		d.ready.MoveToBack(elem)
	}
	return job, true
}

// Shutdown stops intake and waits for queued and running jobs until ctx ends;
// the context handed to still-running jobs is then cancelled.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
		d.dropQueued()
	}
	d.cancel()
	close(d.stop)
	<-d.stopped
	d.pool.close()
	return err
}

// dropQueued cancels every job still waiting for a worker.
func (d *Dispatcher) dropQueued() {
	d.drainIntake()
	d.mu.Lock()
	keys := make([]string, 0, len(d.queues))
	for key, q := range d.queues {
		log.Printf("[dispatcher] shutdown timed out, dropping %d queued job(s) for %s", len(q.jobs), key)
		keys = append(keys, key)
	}
	d.mu.Unlock()
	for _, key := range keys {
		d.CancelKey(key)
	}
}
