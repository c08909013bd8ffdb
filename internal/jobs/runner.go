// Package jobs runs the periodic policy evaluation and enforcement cleanup.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"canteiro.app/internal/obs"
)

var (
	ErrUnknownJob = errors.New("jobs: unknown job")
	// ErrBusy is returned by RunOnce when the previous run of the job has not finished.
	ErrBusy = errors.New("jobs: run already in progress")
)

// Func is one job execution. The returned summary is logged.
type Func func(ctx context.Context) (map[string]any, error)

type job struct {
	name     string
	interval time.Duration
	fn       Func
	running  atomic.Bool
}

// Runner ticks each registered job on its own interval. A tick that lands
// while the previous run of the same job is still going is skipped.
type Runner struct {
	mu      sync.Mutex
	jobs    map[string]*job
	timeout time.Duration
}

type Option func(*Runner)

// WithTimeout bounds every run. Zero leaves runs unbounded.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d >= 0 {
			r.timeout = d
		}
	}
}

func NewRunner(opts ...Option) *Runner {
	r := &Runner{jobs: make(map[string]*job)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a job. Names must be unique and intervals positive.
func (r *Runner) Register(name string, interval time.Duration, fn Func) error {
	name = strings.TrimSpace(name)
	if name == "" || fn == nil {
		return errors.New("jobs: name and func are required")
	}
	if interval <= 0 {
		return fmt.Errorf("jobs: interval for %s must be positive", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[name]; exists {
		return fmt.Errorf("jobs: %s already registered", name)
	}
	r.jobs[name] = &job{name: name, interval: interval, fn: fn}
	return nil
}

// Names lists registered jobs in order.
func (r *Runner) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.jobs))
	for name := range r.jobs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Run blocks until ctx is cancelled, ticking every job, and then waits for
// runs still in flight.
func (r *Runner) Run(ctx context.Context) error {
	r.mu.Lock()
	jobs := make([]*job, 0, len(r.jobs))
	for _, j := range r.jobs {
		jobs = append(jobs, j)
	}
	r.mu.Unlock()

	// inflight tracks detached runs so Run returns only after they finish.
	var inflight sync.WaitGroup
	defer inflight.Wait()

	g, ctx := errgroup.WithContext(ctx)
	for _, j := range jobs {
		g.Go(func() error {
			ticker := time.NewTicker(j.interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					// Runs are detached so a slow run shows up as skipped ticks.
					inflight.Add(1)
					go func() {
						defer inflight.Done()
						_ = r.execute(ctx, j)
					}()
				}
			}
		})
	}
	return g.Wait()
}

// RunOnce executes one job synchronously.
func (r *Runner) RunOnce(ctx context.Context, name string) error {
	r.mu.Lock()
	j, ok := r.jobs[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return r.execute(ctx, j)
}

func (r *Runner) execute(ctx context.Context, j *job) error {
	if !j.running.CompareAndSwap(false, true) {
		obs.JobRuns.WithLabelValues(j.name, "skipped").Inc()
		obs.Warn("job skipped, previous run still active", map[string]any{"job": j.name})
		return ErrBusy
	}
	defer j.running.Store(false)

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	start := time.Now()
	summary, err := j.fn(ctx)
	fields := map[string]any{"job": j.name, "duration_ms": time.Since(start).Milliseconds()}
	for k, v := range summary {
		fields[k] = v
	}
	if err != nil {
		fields["error"] = err
		obs.JobRuns.WithLabelValues(j.name, "error").Inc()
		obs.Error("job failed", fields)
		return err
	}
	obs.JobRuns.WithLabelValues(j.name, "ok").Inc()
	obs.Info("job finished", fields)
	return nil
}
