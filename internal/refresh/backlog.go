package refresh

import (
	"context"
	"sync"

	"go.uber.org/multierr"
)

// Backlog remembers requests that failed while offline so a sync trigger
// can retry them. Jobs are deduplicated by partition and URL.
type Backlog struct {
	mu    sync.Mutex
	limit int
	order []string
	jobs  map[string]Job
}

func NewBacklog(limit int) *Backlog {
	if limit <= 0 {
		limit = 100
	}
	return &Backlog{limit: limit, jobs: make(map[string]Job)}
}

func backlogKey(job Job) string {
	return job.Partition + " " + job.URL
}

// Add records job, dropping the oldest job once the limit is reached.
func (b *Backlog) Add(job Job) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := backlogKey(job)
	if _, ok := b.jobs[k]; ok {
		b.jobs[k] = job
		return
	}
	if len(b.order) >= b.limit {
		oldest := b.order[0]
		b.order = b.order[1:]
		delete(b.jobs, oldest)
	}
	b.order = append(b.order, k)
	b.jobs[k] = job
}

func (b *Backlog) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.order)
}

// Drain removes and returns every pending job in insertion order.
func (b *Backlog) Drain() []Job {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Job, 0, len(b.order))
	for _, k := range b.order {
		out = append(out, b.jobs[k])
	}
	b.order = nil
	b.jobs = make(map[string]Job)
	return out
}

// Replay refreshes every pending job; failures go back into the backlog.
func (b *Backlog) Replay(ctx context.Context, q *Queue) (int, error) {
	var errs error
	done := 0
	for _, job := range b.Drain() {
		if err := q.Refresh(ctx, job); err != nil {
			errs = multierr.Append(errs, err)
			b.Add(job)
			continue
		}
		done++
	}
	return done, errs
}
