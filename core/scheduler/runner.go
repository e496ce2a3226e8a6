// Package scheduler provides the periodic runner used by the background
// loops (wave sweep, liquidity recomputation). A runner owns one task, runs
// it on a fixed period, never overlaps two executions, and shuts down
// gracefully by letting the in-flight tick finish.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/driveline/driveline/core/logger"
)

// Task is one tick of a background loop. A returned error is logged and the
// next tick re-evaluates the same predicates, so failed cycles self-heal.
type Task func(ctx context.Context) error

// Runner executes a Task on a fixed interval.
type Runner struct {
	name     string
	interval time.Duration
	task     Task
	log      logger.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// New builds a runner. The log may be nil.
func New(name string, interval time.Duration, task Task, log logger.Logger) (*Runner, error) {
	if name == "" || task == nil {
		return nil, fmt.Errorf("scheduler: name and task are required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("scheduler: interval must be positive, got %s", interval)
	}
	if log == nil {
		log = logger.Nop{}
	}
	return &Runner{name: name, interval: interval, task: task, log: log}, nil
}

// Start launches the loop. Ticks run sequentially on a single goroutine, so
// a tick that overruns the interval delays the next one instead of running
// concurrently with it.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("scheduler: runner %s already started", r.name)
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.started = true

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.tick(ctx)
			}
		}
	}()
	return nil
}

func (r *Runner) tick(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Errorf("%s tick panicked: %v", r.name, rec)
		}
	}()
	start := time.Now()
	if err := r.task(ctx); err != nil {
		if ctx.Err() == nil {
			r.log.Errorf("%s tick failed: %v", r.name, err)
		}
		return
	}
	r.log.Debugw(r.name+" tick", map[string]any{"took": time.Since(start).String()})
}

// Stop cancels the loop and waits for the in-flight tick to finish. Safe to
// call multiple times.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return
	}
	r.cancel()
	<-r.done
	r.started = false
}
