// Package sched runs the background recompute loops: periodic pattern
// aggregation warmup and the daily reputation recompute.
package sched

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Job is one scheduled recompute task.
type Job func(ctx context.Context)

const jobTimeout = 30 * time.Second

type entry struct {
	name     string
	interval time.Duration
	job      Job
}

// Recomputer drives scheduled jobs on independent tickers. Jobs run one
// at a time per entry; a slow job delays its own next tick, never the
// other jobs.
type Recomputer struct {
	mu      sync.Mutex
	entries []entry
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *zap.Logger
}

// NewRecomputer creates an empty scheduler.
func NewRecomputer(logger *zap.Logger) *Recomputer {
	return &Recomputer{logger: logger}
}

// Add registers a job. Must be called before Start.
func (r *Recomputer) Add(name string, interval time.Duration, job Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry{name: name, interval: interval, job: job})
}

// Start launches one goroutine per job.
func (r *Recomputer) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.cancel = cancel
	entries := make([]entry, len(r.entries))
	copy(entries, r.entries)
	r.mu.Unlock()

	for _, e := range entries {
		r.wg.Add(1)
		go r.run(ctx, e)
	}
	r.logger.Info("recompute scheduler started", zap.Int("jobs", len(entries)))
}

func (r *Recomputer) run(ctx context.Context, e entry) {
	defer r.wg.Done()
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.fire(ctx, e)
		}
	}
}

func (r *Recomputer) fire(parent context.Context, e entry) {
	ctx, cancel := context.WithTimeout(parent, jobTimeout)
	defer cancel()
	start := time.Now()
	e.job(ctx)
	r.logger.Debug("recompute job finished",
		zap.String("job", e.name),
		zap.Duration("took", time.Since(start)))
}

// FireNow runs every job once, immediately, and returns how many ran.
func (r *Recomputer) FireNow() int {
	r.mu.Lock()
	entries := make([]entry, len(r.entries))
	copy(entries, r.entries)
	r.mu.Unlock()

	for _, e := range entries {
		r.fire(context.Background(), e)
	}
	return len(entries)
}

// Stop cancels all jobs and waits for them to exit.
func (r *Recomputer) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}
