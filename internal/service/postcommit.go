package service

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Job is work scheduled after a ledger transaction has committed.
type Job func(ctx context.Context)

type queuedJob struct {
	name string
	run  Job
}

// PostCommitQueue runs post-commit jobs on a fixed pool of workers so that
// risk evaluation and notifications never extend a ledger lock scope. With
// zero workers jobs run inline on the caller's goroutine.
type PostCommitQueue struct {
	jobs       chan queuedJob
	workers    int
	jobTimeout time.Duration
	logger     *slog.Logger

	pending sync.WaitGroup
	running sync.WaitGroup
	mu      sync.RWMutex
	stopped bool
}

func NewPostCommitQueue(workers, buffer int, logger *slog.Logger) *PostCommitQueue {
	if buffer <= 0 {
		buffer = 256
	}
	return &PostCommitQueue{
		jobs:       make(chan queuedJob, buffer),
		workers:    workers,
		jobTimeout: 30 * time.Second,
		logger:     logger.With("component", "post_commit_queue"),
	}
}

// Enqueue schedules job. It blocks while the buffer is full and reports false
// once the queue has been stopped.
func (q *PostCommitQueue) Enqueue(name string, job Job) bool {
	if q.workers <= 0 {
		q.pending.Add(1)
		q.execute(queuedJob{name: name, run: job})
		return true
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.stopped {
		q.logger.Warn("post-commit job dropped after shutdown", "job", name)
		return false
	}
	q.pending.Add(1)
	q.jobs <- queuedJob{name: name, run: job}
	return true
}

// Run starts the workers and blocks until ctx is cancelled, then drains every
// job already accepted.
func (q *PostCommitQueue) Run(ctx context.Context) error {
	for i := 0; i < q.workers; i++ {
		q.running.Add(1)
		go q.worker()
	}
	<-ctx.Done()

	q.mu.Lock()
	q.stopped = true
	close(q.jobs)
	q.mu.Unlock()

	q.running.Wait()
	return nil
}

// Flush waits for every job accepted so far.
func (q *PostCommitQueue) Flush() {
	q.pending.Wait()
}

func (q *PostCommitQueue) worker() {
	defer q.running.Done()
	for job := range q.jobs {
		q.execute(job)
	}
}

func (q *PostCommitQueue) execute(job queuedJob) {
	defer q.pending.Done()
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("post-commit job panicked", "job", job.name, "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), q.jobTimeout)
	defer cancel()
	job.run(ctx)
}
