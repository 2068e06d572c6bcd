// Package dispatch marshals work from network goroutines onto the single
// update loop that owns game state.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/RoseWrightdev/vrlink/internal/v1/logging"
	"github.com/RoseWrightdev/vrlink/internal/v1/metrics"
	"github.com/eapache/queue"
	"go.uber.org/zap"
)

// Job runs on the update loop.
type Job func(ctx context.Context)

// Dispatcher is a thread-safe FIFO of jobs drained by the update loop.
type Dispatcher struct {
	mu      sync.Mutex
	pending *queue.Queue
	closed  bool
}

// New creates an empty dispatcher.
func New() *Dispatcher {
	return &Dispatcher{pending: queue.New()}
}

// Enqueue schedules job for the next Drain. Returns false after Close.
func (d *Dispatcher) Enqueue(job Job) bool {
	if job == nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	d.pending.Add(job)
	metrics.DispatchPending.Set(float64(d.pending.Length()))
	return true
}

// Drain runs every job queued before the call, in order. Jobs enqueued while
// draining wait for the next tick. A panicking job is logged and skipped.
func (d *Dispatcher) Drain(ctx context.Context) int {
	d.mu.Lock()
	n := d.pending.Length()
	jobs := make([]Job, 0, n)
	for i := 0; i < n; i++ {
		jobs = append(jobs, d.pending.Remove().(Job))
	}
	metrics.DispatchPending.Set(0)
	d.mu.Unlock()

	for _, job := range jobs {
		d.run(ctx, job)
	}
	return len(jobs)
}

func (d *Dispatcher) run(ctx context.Context, job Job) {
	defer func() {
		if r := recover(); r != nil {
			metrics.DispatchPanics.Inc()
			logging.Error(ctx, "Dispatched job panicked", zap.String("panic", fmt.Sprint(r)), zap.Stack("stack"))
		}
	}()
	job(ctx)
}

// Pending returns the number of queued jobs.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending.Length()
}

// Close rejects further jobs. Already queued jobs can still be drained.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
}
