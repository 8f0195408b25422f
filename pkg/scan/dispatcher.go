package scan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrFailureThreshold signals that the run was aborted by the circuit
// breaker. The collected results are still returned alongside it.
var ErrFailureThreshold = errors.New("consecutive failure threshold reached")

// ProgressFunc is invoked once per completed task with the running count of
// completions. It runs on the consumer goroutine and must not block.
type ProgressFunc func(completed int)

// Dispatcher runs many device checks under a bounded worker pool, collects
// results in completion order, and aborts the run when failures cluster
// beyond the configured threshold.
type Dispatcher struct {
	log   logrus.FieldLogger
	check CheckFunc
}

// NewDispatcher builds a dispatcher whose per-task check is the retrying
// session checker.
func NewDispatcher(log logrus.FieldLogger) *Dispatcher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Dispatcher{
		log:   log,
		check: NewChecker(log).Check,
	}
}

// SetCheck replaces the per-task check. Used by tests to scan a synthetic
// fleet.
func (d *Dispatcher) SetCheck(fn CheckFunc) { d.check = fn }

// Run scans every task and blocks until all checks complete or the breaker
// trips. Results come back in completion order, not submission order;
// callers needing input order must re-sort by host.
//
// On a breaker trip the returned error wraps ErrFailureThreshold and the
// result slice holds only the completions collected so far — tasks that
// never started are simply absent, so len(results) < len(tasks) is itself
// the abort signal.
func (d *Dispatcher) Run(ctx context.Context, tasks []Task, cfg RunConfig, onProgress ProgressFunc) ([]Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid run config: %w", err)
	}
	for _, t := range tasks {
		if t.Host == "" {
			return nil, fmt.Errorf("task with empty host address")
		}
		if t.Credentials.Empty() {
			return nil, fmt.Errorf("task %s has empty credentials", t.Host)
		}
	}
	if len(tasks) == 0 {
		return nil, nil
	}

	log := d.log.WithField("run", uuid.NewString())
	log.WithFields(logrus.Fields{
		"tasks":   len(tasks),
		"workers": cfg.Workers,
	}).Info("starting fleet scan")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Buffered to the fleet size so a worker can always deliver and exit,
	// even after the consumer has returned.
	results := make(chan Result, len(tasks))
	sem := make(chan struct{}, cfg.Workers)

	go func() {
		for _, t := range tasks {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			go d.worker(ctx, t, cfg, sem, results)
		}
	}()

	out := make([]Result, 0, len(tasks))
	completed := 0
	consecutive := 0

	for completed < len(tasks) {
		select {
		case r := <-results:
			completed++
			out = append(out, r)
			if onProgress != nil {
				onProgress(completed)
			}

			if r.Status == StatusOnline {
				consecutive = 0
				continue
			}
			consecutive++
			if consecutive >= cfg.FailureThreshold {
				log.WithField("failures", consecutive).Warn("failure threshold reached, aborting run")
				cancel()
				return out, fmt.Errorf("aborted after %d consecutive failures: %w",
					consecutive, ErrFailureThreshold)
			}
		case <-ctx.Done():
			return out, ctx.Err()
		}
	}

	log.WithField("results", len(out)).Info("fleet scan complete")
	return out, nil
}

// worker runs one task's full retry sequence and delivers exactly one
// Result, synthesizing a Timeout when the check does not yield within the
// task wait timeout. A cancelled run delivers nothing.
func (d *Dispatcher) worker(ctx context.Context, t Task, cfg RunConfig, sem <-chan struct{}, results chan<- Result) {
	defer func() { <-sem }()

	done := make(chan Result, 1)
	go func() { done <- d.check(ctx, t, cfg) }()

	select {
	case r := <-done:
		results <- r
	case <-time.After(cfg.TaskTimeout):
		d.log.WithField("host", t.Host).Warn("task exceeded wait timeout")
		r, err := NewResult(t, StatusTimeout, 0, "no response within task timeout")
		if err == nil {
			results <- r
		}
	case <-ctx.Done():
	}
}
