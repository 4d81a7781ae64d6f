package tryonclient

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"tryonhub/internal/util"
	"tryonhub/pkg/domain"
)

const (
	defaultMaxConcurrent = 3
	// Above the server's 60s provider bound so the server reports the timeout first.
	defaultJobTimeout = 90 * time.Second
)

// Job is one asynchronous generation request.
type Job struct {
	ID              string           `json:"id"`
	ProductID       string           `json:"productId"`
	ProductName     string           `json:"productName"`
	ProductImageRef string           `json:"productImageRef"`
	UserImageRef    string           `json:"userImageRef"`
	Status          domain.JobStatus `json:"status"`
	Error           string           `json:"error,omitempty"`
	ResultURL       string           `json:"resultUrl,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

// Processor does the work of a job and returns the result image URL.
type Processor func(ctx context.Context, job Job) (string, error)

// ClientProcessor runs jobs through Client.Generate.
func ClientProcessor(c *Client) Processor {
	return func(ctx context.Context, job Job) (string, error) {
		res, err := c.Generate(ctx, job.ProductID)
		if err != nil {
			return "", err
		}
		return res.URL, nil
	}
}

// QueueOptions tunes a JobQueue.
type QueueOptions struct {
	// MaxConcurrent caps jobs in Processing. Zero means 3; negative means unlimited.
	MaxConcurrent int
	// JobTimeout bounds one job's processing. Zero means 90s.
	JobTimeout time.Duration
	Now        func() time.Time
}

// JobQueue runs generation jobs in the background and tracks their status.
// Jobs never retry and cannot be cancelled once submitted.
type JobQueue struct {
	process Processor
	sem     *semaphore.Weighted
	timeout time.Duration
	now     func() time.Time

	mu        sync.Mutex
	jobs      map[string]*Job
	order     []string
	results   map[string]string
	listeners map[int]func(Job)
	nextSub   int
	wg        sync.WaitGroup
}

// NewJobQueue creates a queue that runs jobs with process.
func NewJobQueue(process Processor, opts QueueOptions) *JobQueue {
	q := &JobQueue{
		process:   process,
		timeout:   opts.JobTimeout,
		now:       opts.Now,
		jobs:      make(map[string]*Job),
		results:   make(map[string]string),
		listeners: make(map[int]func(Job)),
	}
	switch {
	case opts.MaxConcurrent == 0:
		q.sem = semaphore.NewWeighted(defaultMaxConcurrent)
	case opts.MaxConcurrent > 0:
		q.sem = semaphore.NewWeighted(int64(opts.MaxConcurrent))
	}
	if q.timeout <= 0 {
		q.timeout = defaultJobTimeout
	}
	if q.now == nil {
		q.now = time.Now
	}
	return q
}

// Submit records a pending job and schedules it. It never blocks on the work.
func (q *JobQueue) Submit(productID, productName, productImageRef, userImageRef string) string {
	now := q.now()
	job := &Job{
		ID:              util.NewID("job"),
		ProductID:       productID,
		ProductName:     productName,
		ProductImageRef: productImageRef,
		UserImageRef:    userImageRef,
		Status:          domain.JobPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	q.mu.Lock()
	q.jobs[job.ID] = job
	q.order = append(q.order, job.ID)
	snapshot := *job
	listeners := q.listenersLocked()
	q.wg.Add(1)
	q.mu.Unlock()

	notify(listeners, snapshot)
	go q.run(job.ID)
	return job.ID
}

func (q *JobQueue) run(id string) {
	defer q.wg.Done()
	if q.sem != nil {
		// Acquire with a background context cannot fail.
		_ = q.sem.Acquire(context.Background(), 1)
		defer q.sem.Release(1)
	}
	job, ok := q.transition(id, func(j *Job) {
		j.Status = domain.JobProcessing
	})
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()
	resultURL, err := q.safeProcess(ctx, job)
	if err == nil && resultURL == "" {
		err = errors.New("generation returned no image")
	}

	q.transition(id, func(j *Job) {
		if err != nil {
			j.Status = domain.JobFailed
			j.Error = failureMessage(err)
			return
		}
		j.Status = domain.JobCompleted
		j.ResultURL = resultURL
		q.results[j.ProductID] = resultURL
	})
}

func (q *JobQueue) safeProcess(ctx context.Context, job Job) (url string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("generation crashed")
		}
	}()
	return q.process(ctx, job)
}

// transition applies fn to a non-terminal job and notifies listeners.
func (q *JobQueue) transition(id string, fn func(*Job)) (Job, bool) {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok || job.Status.Terminal() {
		q.mu.Unlock()
		return Job{}, false
	}
	fn(job)
	job.UpdatedAt = q.now()
	snapshot := *job
	listeners := q.listenersLocked()
	q.mu.Unlock()

	notify(listeners, snapshot)
	return snapshot, true
}

func failureMessage(err error) string {
	var apiErr *APIError
	switch {
	case errors.As(err, &apiErr) && apiErr.Message != "":
		return apiErr.Message
	case errors.Is(err, context.DeadlineExceeded):
		return "generation timed out"
	default:
		return err.Error()
	}
}

// Job returns a snapshot of one job.
func (q *JobQueue) Job(id string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// Jobs returns snapshots of all jobs in submission order.
func (q *JobQueue) Jobs() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, *q.jobs[id])
	}
	return out
}

// ResultFor returns the most recently completed result for a product, whichever
// job produced it.
func (q *JobQueue) ResultFor(productID string) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	url, ok := q.results[productID]
	return url, ok
}

// Subscribe registers fn for every job status change and returns a function that
// removes it. Listeners run on the goroutine making the change and must not block.
func (q *JobQueue) Subscribe(fn func(Job)) func() {
	q.mu.Lock()
	id := q.nextSub
	q.nextSub++
	q.listeners[id] = fn
	q.mu.Unlock()
	return func() {
		q.mu.Lock()
		delete(q.listeners, id)
		q.mu.Unlock()
	}
}

// Wait blocks until every submitted job is terminal.
func (q *JobQueue) Wait() {
	q.wg.Wait()
}

func (q *JobQueue) listenersLocked() []func(Job) {
	out := make([]func(Job), 0, len(q.listeners))
	for i := 0; i < q.nextSub; i++ {
		if fn, ok := q.listeners[i]; ok {
			out = append(out, fn)
		}
	}
	return out
}

func notify(listeners []func(Job), job Job) {
	for _, fn := range listeners {
		fn(job)
	}
}
