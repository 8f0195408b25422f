package scan

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTasks(n int) []Task {
	creds := Credentials{User: "ubnt", Secret: "secret"}
	tasks := make([]Task, n)
	for i := range tasks {
		tasks[i] = Task{
			Host:        fmt.Sprintf("10.0.0.%d", i+1),
			Tower:       "norte",
			Port:        22,
			Credentials: creds,
			Timeout:     time.Second,
		}
	}
	return tasks
}

// statusCheck returns a CheckFunc resolving each host to a scripted status.
// Unlisted hosts come back Online.
func statusCheck(statuses map[string]Status) CheckFunc {
	return func(ctx context.Context, task Task, cfg RunConfig) Result {
		status, ok := statuses[task.Host]
		if !ok {
			status = StatusOnline
		}
		clients := 0
		if status == StatusOnline {
			clients = 5
		}
		r, _ := NewResult(task, status, clients, "")
		return r
	}
}

func TestRunAllOnline(t *testing.T) {
	tasks := testTasks(5)
	d := NewDispatcher(testLog())
	d.SetCheck(statusCheck(nil))

	var progress []int
	results, err := d.Run(context.Background(), tasks, fastConfig(), func(completed int) {
		progress = append(progress, completed)
	})

	require.NoError(t, err)
	require.Len(t, results, 5)

	seen := make(map[string]bool)
	for _, r := range results {
		assert.Equal(t, StatusOnline, r.Status)
		assert.Equal(t, 5, r.Clients)
		seen[r.Host] = true
	}
	assert.Len(t, seen, 5, "every device reported exactly once")

	assert.Equal(t, []int{1, 2, 3, 4, 5}, progress)
}

func TestRunEmptyFleet(t *testing.T) {
	d := NewDispatcher(testLog())
	d.SetCheck(statusCheck(nil))

	results, err := d.Run(context.Background(), nil, fastConfig(), nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRunValidatesBeforeAnyContact(t *testing.T) {
	var calls atomic.Int32
	d := NewDispatcher(testLog())
	d.SetCheck(func(ctx context.Context, task Task, cfg RunConfig) Result {
		calls.Add(1)
		r, _ := NewResult(task, StatusOnline, 0, "")
		return r
	})

	badCfg := fastConfig()
	badCfg.Workers = 0
	_, err := d.Run(context.Background(), testTasks(2), badCfg, nil)
	require.Error(t, err)

	noHost := testTasks(2)
	noHost[1].Host = ""
	_, err = d.Run(context.Background(), noHost, fastConfig(), nil)
	require.Error(t, err)

	noCreds := testTasks(2)
	noCreds[0].Credentials = Credentials{}
	_, err = d.Run(context.Background(), noCreds, fastConfig(), nil)
	require.Error(t, err)

	assert.Equal(t, int32(0), calls.Load(), "no device may be contacted with invalid input")
}

func TestRunBreakerTrips(t *testing.T) {
	tasks := testTasks(6)
	statuses := make(map[string]Status, len(tasks))
	for _, task := range tasks {
		statuses[task.Host] = StatusOffline
	}

	d := NewDispatcher(testLog())
	d.SetCheck(statusCheck(statuses))

	cfg := fastConfig()
	cfg.Workers = 1 // serial, so the trip point is deterministic
	cfg.FailureThreshold = 3

	results, err := d.Run(context.Background(), tasks, cfg, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFailureThreshold)
	assert.Len(t, results, 3, "partial results up to the trip are preserved")
}

func TestRunBreakerResetsOnSuccess(t *testing.T) {
	tasks := testTasks(6)
	statuses := map[string]Status{
		"10.0.0.1": StatusOffline,
		"10.0.0.3": StatusTimeout,
		"10.0.0.5": StatusAuthError,
	}

	d := NewDispatcher(testLog())
	d.SetCheck(statusCheck(statuses))

	cfg := fastConfig()
	cfg.Workers = 1
	cfg.FailureThreshold = 2

	results, err := d.Run(context.Background(), tasks, cfg, nil)

	require.NoError(t, err, "interleaved successes keep the breaker closed")
	assert.Len(t, results, 6)
}

func TestRunSynthesizesTaskTimeout(t *testing.T) {
	d := NewDispatcher(testLog())
	d.SetCheck(func(ctx context.Context, task Task, cfg RunConfig) Result {
		<-ctx.Done() // a stuck device
		r, _ := NewResult(task, StatusError, 0, "")
		return r
	})

	cfg := fastConfig()
	cfg.TaskTimeout = 50 * time.Millisecond

	results, err := d.Run(context.Background(), testTasks(1), cfg, nil)

	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, StatusTimeout, results[0].Status)
	assert.Equal(t, "no response within task timeout", results[0].Note)
	assert.Equal(t, "10.0.0.1", results[0].Host)
}

func TestRunCancelledMidFlight(t *testing.T) {
	started := make(chan struct{}, 1)
	d := NewDispatcher(testLog())
	d.SetCheck(func(ctx context.Context, task Task, cfg RunConfig) Result {
		select {
		case started <- struct{}{}:
		default:
		}
		select {} // a check that never completes
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	results, err := d.Run(ctx, testTasks(3), fastConfig(), nil)

	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, results, "no task completed before the cancel")
}
