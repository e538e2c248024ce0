// Package maintenance keeps cache partitions within their age and size
// bounds. A run is safe to overlap with another run and with request
// handling: every deletion is idempotent and a vanished entry counts as
// already removed.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/52poke/nagi/internal/cache"
	"github.com/52poke/nagi/internal/lock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	DefaultRetention    = 7 * 24 * time.Hour
	DefaultBudget       = 50 << 20
	DefaultTargetRatio  = 0.8
	defaultLockTTL      = 5 * time.Minute
	maintenanceLockName = "lock:maintenance"
)

type Config struct {
	// Retention is the maximum entry age.
	Retention time.Duration
	// Budget is the per-partition byte limit.
	Budget int64
	// TargetRatio of Budget is what an over-budget partition is shrunk to.
	TargetRatio float64
	LockTTL     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.Budget <= 0 {
		c.Budget = DefaultBudget
	}
	if c.TargetRatio <= 0 || c.TargetRatio > 1 {
		c.TargetRatio = DefaultTargetRatio
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaultLockTTL
	}
	return c
}

// Report summarizes one run.
type Report struct {
	Partitions int   `json:"partitions"`
	Expired    int   `json:"expired"`
	Evicted    int   `json:"evicted"`
	Bytes      int64 `json:"bytes"`
	Skipped    bool  `json:"skipped,omitempty"`
}

type Worker struct {
	store  cache.Store
	locker lock.Locker
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	ticker *time.Ticker
	done   chan struct{}
	wg     sync.WaitGroup
}

type Option func(*Worker)

// WithLocker makes runs take a named lock, skipping when another holder
// (typically another process) is already running.
func WithLocker(l lock.Locker) Option {
	return func(w *Worker) {
		w.locker = l
	}
}

func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		w.now = now
	}
}

func NewWorker(store cache.Store, cfg Config, logger *zap.Logger, opts ...Option) *Worker {
	w := &Worker{
		store:  store,
		cfg:    cfg.withDefaults(),
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

type sizedEntry struct {
	key  string
	date time.Time
	size int64
}

// Run sweeps every partition once.
func (w *Worker) Run(ctx context.Context) (Report, error) {
	var report Report
	if w.locker != nil {
		l, ok, err := w.locker.TryLock(ctx, maintenanceLockName, w.cfg.LockTTL)
		if err != nil {
			return report, fmt.Errorf("acquire maintenance lock: %w", err)
		}
		if !ok {
			w.logger.Debug("maintenance already running elsewhere, skipping")
			report.Skipped = true
			return report, nil
		}
		defer func() {
			if err := l.Unlock(context.WithoutCancel(ctx)); err != nil {
				w.logger.Warn("release maintenance lock", zap.Error(err))
			}
		}()
	}

	partitions, err := w.store.Partitions(ctx)
	if err != nil {
		return report, fmt.Errorf("list partitions: %w", err)
	}

	var errs error
	for _, p := range partitions {
		if err := ctx.Err(); err != nil {
			return report, multierr.Append(errs, err)
		}
		expired, evicted, bytes, err := w.sweep(ctx, p)
		report.Partitions++
		report.Expired += expired
		report.Evicted += evicted
		report.Bytes += bytes
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("partition %s: %w", p, err))
		}
	}

	w.logger.Info("maintenance finished",
		zap.Int("partitions", report.Partitions),
		zap.Int("expired", report.Expired),
		zap.Int("evicted", report.Evicted),
		zap.Int64("bytes", report.Bytes),
	)
	return report, errs
}

func (w *Worker) sweep(ctx context.Context, partition string) (expired, evicted int, remaining int64, err error) {
	live, errs := w.materialize(ctx, partition)
	cutoff := w.now().Add(-w.cfg.Retention)

	kept := live[:0]
	for _, e := range live {
		if e.date.Before(cutoff) {
			if derr := w.delete(ctx, partition, e.key); derr != nil {
				errs = multierr.Append(errs, derr)
				kept = append(kept, e)
				continue
			}
			expired++
			continue
		}
		kept = append(kept, e)
		remaining += e.size
	}

	if remaining <= w.cfg.Budget {
		return expired, 0, remaining, errs
	}

	target := int64(float64(w.cfg.Budget) * w.cfg.TargetRatio)
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].date.Before(kept[j].date) })
	for _, e := range kept {
		if remaining <= target {
			break
		}
		if !e.date.Before(cutoff) {
			if derr := w.delete(ctx, partition, e.key); derr != nil {
				errs = multierr.Append(errs, derr)
				continue
			}
			evicted++
			remaining -= e.size
		}
	}
	w.logger.Debug("partition over budget, evicted oldest entries",
		zap.String("partition", partition),
		zap.Int("evicted", evicted),
		zap.Int64("bytes", remaining),
	)
	return expired, evicted, remaining, errs
}

// materialize reads every entry of partition to learn its date and size,
// without warming any read cache in front of the store.
func (w *Worker) materialize(ctx context.Context, partition string) ([]sizedEntry, error) {
	keys, err := w.store.Keys(ctx, partition)
	if err != nil {
		if errors.Is(err, cache.ErrPartitionNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var errs error
	out := make([]sizedEntry, 0, len(keys))
	for _, k := range keys {
		e, err := cache.Peek(ctx, w.store, partition, k)
		if err != nil {
			if !errors.Is(err, cache.ErrNotFound) {
				errs = multierr.Append(errs, err)
			}
			continue
		}
		out = append(out, sizedEntry{key: k, date: e.Date(), size: e.Size()})
	}
	return out, errs
}

func (w *Worker) delete(ctx context.Context, partition, key string) error {
	err := w.store.Delete(ctx, partition, key)
	if err != nil && !errors.Is(err, cache.ErrNotFound) {
		return err
	}
	return nil
}

// Size is the total materialized body size across every partition.
func (w *Worker) Size(ctx context.Context) (int64, error) {
	partitions, err := w.store.Partitions(ctx)
	if err != nil {
		return 0, err
	}
	var total int64
	var errs error
	for _, p := range partitions {
		entries, err := w.materialize(ctx, p)
		errs = multierr.Append(errs, err)
		for _, e := range entries {
			total += e.size
		}
	}
	return total, errs
}

// Start runs maintenance immediately and then every interval until Stop.
func (w *Worker) Start(ctx context.Context, interval time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ticker != nil {
		return
	}
	w.ticker = time.NewTicker(interval)
	w.done = make(chan struct{})
	ticker, done := w.ticker, w.done

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.runLogged(ctx)
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.runLogged(ctx)
			}
		}
	}()
}

func (w *Worker) Stop() {
	w.mu.Lock()
	if w.ticker == nil {
		w.mu.Unlock()
		return
	}
	w.ticker.Stop()
	close(w.done)
	w.ticker = nil
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *Worker) runLogged(ctx context.Context) {
	if _, err := w.Run(ctx); err != nil {
		w.logger.Warn("maintenance run failed", zap.Error(err))
	}
}
