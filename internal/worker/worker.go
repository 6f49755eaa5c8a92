package worker

import "log"

// Worker runs jobs from its own channel until it receives Stop or the pool
// retires it.
type Worker struct {
	id   int
	pool *workerPool
	jobs chan Job
}

func NewWorker(id int, pool *workerPool) *Worker {
	return &Worker{id: id, pool: pool, jobs: make(chan Job)}
}

func (w *Worker) Start() {
	go w.loop()
}

func (w *Worker) loop() {
	for job := range w.jobs {
		if job.Type == Stop {
			debugLog("[worker-%d] retired", w.id)
			return
		}
		w.handle(job)
		if !w.pool.release(w.jobs) {
			return
		}
	}
}

func (w *Worker) handle(job Job) {
	defer w.pool.finished()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[worker-%d] %s job for %s panicked: %v", w.id, job.Type, job.Key, r)
		}
	}()
	if job.Run == nil {
		return
	}
	if err := job.Run(w.pool.ctx); err != nil {
		log.Printf("[worker-%d] %s job for %s failed: %v", w.id, job.Type, job.Key, err)
		return
	}
	debugLog("[worker-%d] %s job for %s finished", w.id, job.Type, job.Key)
}
