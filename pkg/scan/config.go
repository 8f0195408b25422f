package scan

import (
	"fmt"
	"time"
)

// Fleet-wide defaults, matching the field-proven values the census has
// always run with.
const (
	DefaultWorkers          = 10
	DefaultRetries          = 3
	DefaultFailureThreshold = 5
	DefaultConnectTimeout   = 12 * time.Second
	DefaultBannerTimeout    = 15 * time.Second
	DefaultProbeTimeout     = 5 * time.Second
	DefaultTaskTimeout      = 30 * time.Second
	DefaultBackoffMin       = 2 * time.Second
	DefaultBackoffMax       = 10 * time.Second
)

// RunConfig bounds one scan run. Read-only for the duration of the run and
// shared by every worker.
type RunConfig struct {
	// Workers is the size of the worker pool.
	Workers int
	// Retries is the total number of session attempts per device,
	// including the first.
	Retries int
	// FailureThreshold trips the circuit breaker after this many
	// consecutive non-Online completions.
	FailureThreshold int
	// ConnectTimeout bounds the SSH dial and handshake.
	ConnectTimeout time.Duration
	// BannerTimeout bounds the protocol banner beyond the dial.
	BannerTimeout time.Duration
	// ProbeTimeout bounds the TCP reachability probe.
	ProbeTimeout time.Duration
	// TaskTimeout bounds the wait for one task's completion end-to-end.
	TaskTimeout time.Duration
	// BackoffMin and BackoffMax bound the delay window between retries.
	BackoffMin time.Duration
	BackoffMax time.Duration
	// KnownHostsPath points at the host identity trust store; empty means
	// ~/.ssh/known_hosts.
	KnownHostsPath string
}

// DefaultRunConfig returns the fleet defaults.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		Workers:          DefaultWorkers,
		Retries:          DefaultRetries,
		FailureThreshold: DefaultFailureThreshold,
		ConnectTimeout:   DefaultConnectTimeout,
		BannerTimeout:    DefaultBannerTimeout,
		ProbeTimeout:     DefaultProbeTimeout,
		TaskTimeout:      DefaultTaskTimeout,
		BackoffMin:       DefaultBackoffMin,
		BackoffMax:       DefaultBackoffMax,
	}
}

// Validate rejects configurations that cannot run. Called before any
// device is contacted.
func (c RunConfig) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.Retries < 1 {
		return fmt.Errorf("retries must be at least 1, got %d", c.Retries)
	}
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("failure threshold must be positive, got %d", c.FailureThreshold)
	}
	if c.ConnectTimeout <= 0 || c.ProbeTimeout <= 0 || c.TaskTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.BackoffMin <= 0 || c.BackoffMax < c.BackoffMin {
		return fmt.Errorf("backoff window [%v, %v] is invalid", c.BackoffMin, c.BackoffMax)
	}
	return nil
}
