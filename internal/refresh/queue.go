// Package refresh fetches URLs and stores the results in a cache partition.
// Background refreshes are one-way messages: callers enqueue a Job and never
// observe its outcome.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/52poke/nagi/internal/cache"
	"github.com/52poke/nagi/internal/origin"
	"go.uber.org/zap"
)

var ErrUnexpectedStatus = errors.New("unexpected upstream status")

// Job asks for URL to be fetched and written to Partition.
type Job struct {
	Partition string
	URL       string
	Header    http.Header
}

type Queue struct {
	store   cache.Store
	fetcher origin.Fetcher
	logger  *zap.Logger
	timeout time.Duration
	now     func() time.Time

	jobs    chan Job
	workers int

	mu      sync.Mutex
	closed  bool
	started bool
	wg      sync.WaitGroup
}

type Option func(*Queue)

func WithWorkers(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.workers = n
		}
	}
}

// WithTimeout bounds each background fetch.
func WithTimeout(d time.Duration) Option {
	return func(q *Queue) {
		q.timeout = d
	}
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

func NewQueue(store cache.Store, fetcher origin.Fetcher, logger *zap.Logger, size int, opts ...Option) *Queue {
	if size <= 0 {
		size = 64
	}
	q := &Queue{
		store:   store,
		fetcher: fetcher,
		logger:  logger,
		timeout: 30 * time.Second,
		now:     time.Now,
		jobs:    make(chan Job, size),
		workers: 2,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.run()
	}
}

// Stop closes the queue and waits for queued jobs to finish.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.jobs)
	started := q.started
	q.mu.Unlock()

	if !started {
		// drain so nothing is left half-done
		for job := range q.jobs {
			q.handle(job)
		}
		return
	}
	q.wg.Wait()
}

// Enqueue never blocks. It reports false when the job was dropped.
func (q *Queue) Enqueue(job Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	select {
	case q.jobs <- job:
		return true
	default:
		q.logger.Warn("refresh queue full, dropping job", zap.String("url", job.URL))
		return false
	}
}

func (q *Queue) run() {
	defer q.wg.Done()
	for job := range q.jobs {
		q.handle(job)
	}
}

func (q *Queue) handle(job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()
	if err := q.Refresh(ctx, job); err != nil {
		q.logger.Debug("background refresh failed", zap.String("url", job.URL), zap.String("partition", job.Partition), zap.Error(err))
	}
}

// Refresh fetches job.URL and writes a 2xx response to job.Partition.
func (q *Queue) Refresh(ctx context.Context, job Job) error {
	resp, err := q.fetcher.Fetch(ctx, job.URL, job.Header)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.Status)
	}
	entry := cache.NewEntry(job.URL, resp.Status, resp.Header, resp.Body, q.now())
	if err := q.store.Put(ctx, job.Partition, entry); err != nil {
		return fmt.Errorf("store %s: %w", job.URL, err)
	}
	return nil
}
