package stream

import (
	"errors"
	"sync"
)

// ErrBranchClosed is returned by Recv on a branch its consumer closed.
var ErrBranchClosed = errors.New("stream: branch closed")

// Source is a single-read sequence. eino's *schema.StreamReader satisfies it.
type Source[T any] interface {
	Recv() (T, error)
	Close()
}

// Tee duplicates src into two independent branches. Every item reaches every
// open branch in source order; a slow branch buffers instead of dropping or
// stalling the other one. The source is read by one goroutine started on the
// first Recv of either branch and is closed once both branches are closed or
// the source is exhausted.
func Tee[T any](src Source[T]) (*Branch[T], *Branch[T]) {
	t := &tee[T]{src: src}
	t.cond = sync.NewCond(&t.mu)
	return &Branch[T]{t: t, idx: 0}, &Branch[T]{t: t, idx: 1}
}

type tee[T any] struct {
	src Source[T]

	mu      sync.Mutex
	cond    *sync.Cond
	started bool
	done    bool
	err     error
	queues  [2][]T
	closed  [2]bool

	closeSrc sync.Once
}

func (t *tee[T]) start() {
	if t.started {
		return
	}
	t.started = true
	go t.pump()
}

func (t *tee[T]) pump() {
	defer t.closeSource()
	for {
		v, err := t.src.Recv()

		t.mu.Lock()
		if err != nil {
			t.done = true
			t.err = err
			t.cond.Broadcast()
			t.mu.Unlock()
			return
		}
		open := false
		for i := range t.queues {
			if !t.closed[i] {
				t.queues[i] = append(t.queues[i], v)
				open = true
			}
		}
		t.cond.Broadcast()
		t.mu.Unlock()

		if !open {
			return
		}
	}
}

func (t *tee[T]) closeSource() {
	t.closeSrc.Do(t.src.Close)
}

// Branch is one consumer view of a Tee.
type Branch[T any] struct {
	t   *tee[T]
	idx int
}

// Recv blocks until the next item for this branch is available. After the
// buffered items are drained it returns the source's terminal error
// (io.EOF on normal completion).
func (b *Branch[T]) Recv() (T, error) {
	var zero T
	t := b.t
	t.mu.Lock()
	defer t.mu.Unlock()

	t.start()
	for len(t.queues[b.idx]) == 0 && !t.done && !t.closed[b.idx] {
		t.cond.Wait()
	}
	if t.closed[b.idx] {
		return zero, ErrBranchClosed
	}
	if q := t.queues[b.idx]; len(q) > 0 {
		v := q[0]
		q[0] = zero
		t.queues[b.idx] = q[1:]
		return v, nil
	}
	return zero, t.err
}

// Close drops this branch's buffer. Safe to call more than once.
func (b *Branch[T]) Close() {
	t := b.t
	t.mu.Lock()
	t.closed[b.idx] = true
	t.queues[b.idx] = nil
	allClosed := t.closed[0] && t.closed[1]
	pumping := t.started && !t.done
	t.cond.Broadcast()
	t.mu.Unlock()

	if allClosed && !pumping {
		t.closeSource()
	}
}
