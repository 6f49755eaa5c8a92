package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDispatcherRunsSubmittedJobs(t *testing.T) {
	d := NewDispatcher(1, 4, 16, time.Minute)

	var count atomic.Int32
	for i := 0; i < 10; i++ {
		key := "session-a"
		if i%2 == 0 {
			key = "session-b"
		}
		if err := d.Submit(Job{Type: Trace, Key: key, Run: func(context.Context) error {
			count.Add(1)
			return nil
		}}); err != nil {
			t.Fatalf("Submit error: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown error: %v", err)
	}
	if got := count.Load(); got != 10 {
		t.Fatalf("expected 10 jobs to run, got %d", got)
	}
}

func TestDispatcherServesKeysRoundRobin(t *testing.T) {
	d := NewDispatcher(1, 1, 16, time.Minute)

	// hold the single worker so the queue builds up behind it
	gate := make(chan struct{})
	if err := d.Submit(Job{Type: Trace, Key: "hold", Run: func(context.Context) error {
		<-gate
		return nil
	}}); err != nil {
		t.Fatalf("Submit error: %v", err)
	}

	var mu sync.Mutex
	var order []string
	record := func(key string) Job {
		return Job{Type: Trace, Key: key, Run: func(context.Context) error {
			mu.Lock()
			order = append(order, key)
			mu.Unlock()
			return nil
		}}
	}
	for _, key := range []string{"a", "a", "a", "b"} {
		if err := d.Submit(record(key)); err != nil {
			t.Fatalf("Submit error: %v", err)
		}
	}
	// let the dispatcher move every job from intake into its key queues
	time.Sleep(50 * time.Millisecond)
	close(gate)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown error: %v", err)
	}
	if len(order) != 4 {
		t.Fatalf("expected 4 jobs, got %v", order)
	}
	if order[len(order)-1] == "b" {
		t.Fatalf("key b should not wait behind every job of key a: %v", order)
	}
}

func TestDispatcherBusyWhenQueueFull(t *testing.T) {
	d := NewDispatcher(1, 1, 1, time.Minute)
	block := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	blocking := Job{Type: Trace, Key: "k", Run: func(context.Context) error {
		once.Do(func() { close(started) })
		<-block
		return nil
	}}

	if err := d.Submit(blocking); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	<-started

	var busy bool
	for i := 0; i < 8; i++ {
		if err := d.Submit(blocking); errors.Is(err, ErrDispatcherBusy) {
			busy = true
			break
		}
	}
	if !busy {
		t.Fatalf("expected ErrDispatcherBusy once the intake queue filled up")
	}
	close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown error: %v", err)
	}
	if err := d.Submit(blocking); !errors.Is(err, ErrDispatcherClosed) {
		t.Fatalf("expected ErrDispatcherClosed, got %v", err)
	}
}

func TestDispatcherSurvivesFailingAndPanickingJobs(t *testing.T) {
	d := NewDispatcher(1, 2, 8, time.Minute)
	var ran atomic.Int32
	jobs := []Job{
		{Type: Trace, Key: "x", Run: func(context.Context) error { return errors.New("boom") }},
		{Type: Trace, Key: "x", Run: func(context.Context) error { panic("bad") }},
		{Type: Trace, Key: "x", Run: func(context.Context) error { ran.Add(1); return nil }},
	}
	for _, job := range jobs {
		if err := d.Submit(job); err != nil {
			t.Fatalf("Submit error: %v", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown error: %v", err)
	}
	if ran.Load() != 1 {
		t.Fatalf("job after failures did not run")
	}
}

func TestPoolRetiresIdleWorkersAboveMinimum(t *testing.T) {
	p := newWorkerPool(context.Background(), 1, 3, 20*time.Millisecond, nil)
	defer p.close()
	chans := []chan Job{p.acquire(), p.acquire(), p.acquire()}
	for _, ch := range chans {
		p.release(ch)
	}
	if running, _ := p.size(); running != 3 {
		t.Fatalf("expected 3 running workers, got %d", running)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if running, _ := p.size(); running == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	running, _ := p.size()
	t.Fatalf("expected idle workers to shrink to 1, got %d", running)
}

func TestCancelKeyDropsQueuedJobs(t *testing.T) {
	d := NewDispatcher(1, 1, 16, time.Minute)
	gate := make(chan struct{})
	started := make(chan struct{})
	if err := d.Submit(Job{Type: Trace, Key: "hold", Run: func(context.Context) error {
		close(started)
		<-gate
		return nil
	}}); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	<-started

	var ran atomic.Int32
	for _, key := range []string{"s-1", "s-1", "s-2"} {
		if err := d.Submit(Job{Type: Trace, Key: key, Run: func(context.Context) error {
			ran.Add(1)
			return nil
		}}); err != nil {
			t.Fatalf("Submit error: %v", err)
		}
	}
	// the single worker is held, so all three stay queued once drained
	deadline := time.Now().Add(2 * time.Second)
	for queuedJobs(d) < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("jobs never reached the key queues")
		}
		d.drainIntake()
		time.Sleep(5 * time.Millisecond)
	}
	d.CancelKey("s-1")
	if got := queuedJobs(d); got != 1 {
		t.Fatalf("expected 1 queued job after cancel, got %d", got)
	}
	close(gate)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown error: %v", err)
	}
	if got := ran.Load(); got != 1 {
		t.Fatalf("expected only the s-2 job to run, got %d", got)
	}
}

func queuedJobs(d *Dispatcher) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, q := range d.queues {
		n += len(q.jobs)
	}
	return n
}

func TestShutdownTimeoutDropsQueuedJobs(t *testing.T) {
	d := NewDispatcher(1, 1, 16, time.Minute)
	started := make(chan struct{})
	if err := d.Submit(Job{Type: Trace, Key: "slow", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	<-started

	var ran atomic.Int32
	for i := 0; i < 3; i++ {
		if err := d.Submit(Job{Type: Trace, Key: "queued", Run: func(context.Context) error {
			ran.Add(1)
			return nil
		}}); err != nil {
			t.Fatalf("Submit error: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := d.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if got := ran.Load(); got != 0 {
		t.Fatalf("queued jobs ran after shutdown gave up: %d", got)
	}
	if err := d.Submit(Job{Type: Trace, Key: "late"}); !errors.Is(err, ErrDispatcherClosed) {
		t.Fatalf("expected ErrDispatcherClosed, got %v", err)
	}
}
