package worker

import (
	"context"
	"sync"
	"time"
)

const defaultIdleTimeout = 30 * time.Second

// slot tracks one worker goroutine and its job channel.
type slot struct {
	id        int
	jobs      chan Job
	idleSince time.Time
	parked    bool
	retired   bool
}

// workerPool hands out worker channels. It grows on demand up to max and
// retires workers that stay parked longer than idleTimeout, never going
// below min.
type workerPool struct {
	mu          sync.Mutex
	wake        *sync.Cond
	parked      []*slot
	slots       map[chan Job]*slot
	min, max    int
	live        int
	lastID      int
	idleTimeout time.Duration

	ctx      context.Context
	finished func()
	done     chan struct{}
}

func newWorkerPool(ctx context.Context, minWorkers, maxWorkers int, idleTimeout time.Duration, finished func()) *workerPool {
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	minWorkers = max(minWorkers, 1)
	maxWorkers = max(maxWorkers, minWorkers)
	if finished == nil {
		finished = func() {}
	}
	p := &workerPool{
		slots:       make(map[chan Job]*slot),
		min:         minWorkers,
		max:         maxWorkers,
		idleTimeout: idleTimeout,
		ctx:         ctx,
		finished:    finished,
		done:        make(chan struct{}),
	}
	p.wake = sync.NewCond(&p.mu)
	go p.reapLoop()
	return p
}

// warm starts the minimum number of workers up front.
func (p *workerPool) warm() {
	for i := 0; i < p.min; i++ {
		p.mu.Lock()
		if p.live >= p.max {
			p.mu.Unlock()
			return
		}
		w := p.newWorkerLocked()
		p.mu.Unlock()
		w.Start()
		p.release(w.jobs)
	}
}

func (p *workerPool) newWorkerLocked() *Worker {
	p.lastID++
	w := NewWorker(p.lastID, p)
	p.slots[w.jobs] = &slot{id: w.id, jobs: w.jobs}
	p.live++
	return w
}

// acquire blocks until a worker is free, starting one when below max.
func (p *workerPool) acquire() chan Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if s := p.unparkLocked(); s != nil {
			return s.jobs
		}
		if p.live < p.max {
			w := p.newWorkerLocked()
			w.Start()
			return w.jobs
		}
		p.wake.Wait()
	}
}

// release parks the worker behind jobs. It reports false when the worker has
// been retired and must exit.
func (p *workerPool) release(jobs chan Job) bool {
	p.mu.Lock()
	s, ok := p.slots[jobs]
	switch {
	case !ok || s.retired:
		p.mu.Unlock()
		return false
	case s.parked:
		p.mu.Unlock()
		return true
	}
	s.parked = true
	s.idleSince = time.Now()
	p.parked = append(p.parked, s)
	p.mu.Unlock()
	p.wake.Signal()
	return true
}

func (p *workerPool) unparkLocked() *slot {
	for len(p.parked) > 0 {
		s := p.parked[0]
		p.parked = p.parked[1:]
		if s.retired {
			continue
		}
		s.parked = false
		return s
	}
	return nil
}

func (p *workerPool) workerID(jobs chan Job) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.slots[jobs]; ok {
		return s.id
	}
	return 0
}

func (p *workerPool) reapLoop() {
	ticker := time.NewTicker(p.idleTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case now := <-ticker.C:
			p.stop(p.collectIdle(now))
		}
	}
}

// collectIdle unregisters parked workers idle past the timeout while keeping
// at least min alive.
func (p *workerPool) collectIdle(now time.Time) []*slot {
	p.mu.Lock()
	defer p.mu.Unlock()
	var expired []*slot
	kept := p.parked[:0]
	for _, s := range p.parked {
		if s.retired {
			continue
		}
		if p.live > p.min && now.Sub(s.idleSince) >= p.idleTimeout {
			p.retireLocked(s)
			expired = append(expired, s)
			continue
		}
		kept = append(kept, s)
	}
	p.parked = kept
	return expired
}

func (p *workerPool) retireLocked(s *slot) {
	s.retired = true
	s.parked = false
	delete(p.slots, s.jobs)
	p.live--
}

// stop sends the retirement job; the receivers are parked so it never blocks
// for long.
func (p *workerPool) stop(retired []*slot) {
	for _, s := range retired {
		s.jobs <- Job{Type: Stop}
	}
}

func (p *workerPool) size() (live, parked int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live, len(p.parked)
}

// close ends the reaper and retires every parked worker.
func (p *workerPool) close() {
	close(p.done)
	p.mu.Lock()
	var retired []*slot
	for _, s := range p.parked {
		if !s.retired {
			p.retireLocked(s)
			retired = append(retired, s)
		}
	}
	p.parked = nil
	p.mu.Unlock()
	p.stop(retired)
}
