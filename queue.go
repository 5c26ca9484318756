package any2pdf

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Resource is an auxiliary file uploaded alongside the input document,
// served to the browser page under its original name.
type Resource struct {
	Name        string
	ContentType string
	Body        []byte
}

// Input is a single admitted conversion request.
type Input struct {
	// Document bytes to convert.
	Body []byte
	// Original upload filename, used for extension-based type detection.
	Filename string
	// Declared MIME type from the multipart part, may be empty.
	ContentType string
	// Optional client-supplied format tag; contradicting the detected
	// type is rejected.
	TypeHint string
	// Auxiliary resources for browser rendering.
	Resources []Resource

	// Effective format tag resolved by the dispatcher before admission.
	effectiveType string
}

// jobResult is the single outcome delivered for an admitted job.
type jobResult struct {
	pdf []byte
	err error
}

// job binds a conversion request to its response sink. Consumed exactly
// once by a queue worker; exactly one result is sent.
type job struct {
	input  Input
	result chan jobResult
}

// convertFunc executes one conversion. Supplied by the Service.
type convertFunc func(ctx context.Context, input Input) ([]byte, error)

// JobQueue is a bounded FIFO with a fixed number of worker goroutines.
// Admission is a non-blocking O(1) operation; when the buffer is full the
// submit fails immediately with ErrQueueFull.
type JobQueue struct {
	jobs    chan *job
	queued  atomic.Int64
	active  atomic.Int64
	convert convertFunc
	log     *logrus.Entry

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
	workers   int
}

// NewJobQueue creates a queue admitting up to maxQueued jobs and running
// up to workers conversions in parallel.
func NewJobQueue(workers, maxQueued int, convert convertFunc) *JobQueue {
	if workers < 1 {
		workers = 1
	}
	if maxQueued < 1 {
		maxQueued = 1
	}
	return &JobQueue{
		jobs:    make(chan *job, maxQueued),
		convert: convert,
		workers: workers,
		done:    make(chan struct{}),
		log:     logrus.WithField("component", "jobQueue"),
	}
}

// Start launches the worker goroutines. Subsequent calls are no-ops.
func (q *JobQueue) Start(ctx context.Context) {
	q.startOnce.Do(func() {
		for i := 0; i < q.workers; i++ {
			q.wg.Add(1)
			go q.run(ctx, i)
		}
		q.log.WithField("workers", q.workers).Debug("Job queue started")
	})
}

// Submit admits a job and returns a channel carrying its single result.
// Fails with ErrQueueFull when the buffer is at capacity and with
// ErrServiceClosed after Close.
func (q *JobQueue) Submit(input Input) (<-chan jobResult, error) {
	j := &job{input: input, result: make(chan jobResult, 1)}

	select {
	case <-q.done:
		return nil, ErrServiceClosed
	default:
	}

	select {
	case q.jobs <- j:
		q.queued.Add(1)
		return j.result, nil
	default:
		return nil, ErrQueueFull
	}
}

// Close stops admission and waits for in-flight jobs to finish. Jobs still
// buffered are answered with ErrServiceClosed.
func (q *JobQueue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
		q.wg.Wait()
		for {
			select {
			case j := <-q.jobs:
				q.queued.Add(-1)
				j.result <- jobResult{err: ErrServiceClosed}
			default:
				return
			}
		}
	})
}

// Depth returns the number of jobs waiting for a worker.
func (q *JobQueue) Depth() int {
	return int(q.queued.Load())
}

// Active returns the number of conversions currently running.
func (q *JobQueue) Active() int {
	return int(q.active.Load())
}

// run is a single worker loop. FIFO order is preserved for dispatch, not
// for completion.
func (q *JobQueue) run(ctx context.Context, id int) {
	defer q.wg.Done()
	for {
		select {
		case <-q.done:
			return
		case j := <-q.jobs:
			q.queued.Add(-1)
			q.active.Add(1)

			pdf, err := q.convert(ctx, j.input)
			if err != nil {
				q.log.WithField("worker", id).WithError(err).Debug("Job failed")
			}
			j.result <- jobResult{pdf: pdf, err: err}

			q.active.Add(-1)
		}
	}
}
