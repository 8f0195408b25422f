// Package scan is the concurrent fleet-scanning engine: the result model,
// the retrying per-device checker, and the bounded-parallelism dispatcher
// with its run-wide circuit breaker.
package scan

import (
	"fmt"
	"sort"
	"time"
)

// Credentials carries the SSH login for a run. The value is never rendered
// in logs or string conversions; both the plain and Go-syntax formatters
// are redacted.
type Credentials struct {
	User   string
	Secret string
}

func (c Credentials) String() string   { return "Credentials(user=*****, secret=*****)" }
func (c Credentials) GoString() string { return c.String() }

// Empty reports whether either field is missing.
func (c Credentials) Empty() bool { return c.User == "" || c.Secret == "" }

// Task is one device's pending check. Immutable once constructed; one Task
// yields exactly one Result unless the run is aborted before it starts.
type Task struct {
	// Host is the device address (IP or hostname).
	Host string
	// Name is the device's display name, if the inventory carries one.
	Name string
	// Tower is the group label the device belongs to.
	Tower string
	// Port is the SSH port.
	Port int
	// Credentials is the login used for this device.
	Credentials Credentials
	// Timeout bounds a single remote command execution.
	Timeout time.Duration
}

// Status is the outcome class of one device check. The numeric order is a
// priority: lower values are more urgent and sort first in reports.
type Status int

const (
	// StatusError is an unclassified failure.
	StatusError Status = iota
	// StatusTimeout means the device accepted a connection but never answered.
	StatusTimeout
	// StatusOffline means the device was unreachable.
	StatusOffline
	// StatusAuthError means the device rejected the credentials.
	StatusAuthError
	// StatusExecError means the session worked but the command failed.
	StatusExecError
	// StatusOnline means the check succeeded and the client count is valid.
	StatusOnline
	// StatusUnknown is the pre-completion placeholder; it never appears in
	// a finished Result.
	StatusUnknown
)

func (s Status) String() string {
	switch s {
	case StatusError:
		return "Error"
	case StatusTimeout:
		return "Timeout"
	case StatusOffline:
		return "Offline"
	case StatusAuthError:
		return "Auth Error"
	case StatusExecError:
		return "SSH Error"
	case StatusOnline:
		return "Online"
	default:
		return "Unknown"
	}
}

// Priority returns the sort rank of s; lower is more urgent.
func (s Status) Priority() int { return int(s) }

// Result is the outcome record for one Task. The client count is only
// meaningful when Status is StatusOnline.
type Result struct {
	Host        string
	Tower       string
	Status      Status
	Clients     int
	Note        string
	CompletedAt time.Time
}

// NewResult validates and builds a Result. A negative client count is a
// programmer error and is rejected.
func NewResult(task Task, status Status, clients int, note string) (Result, error) {
	if clients < 0 {
		return Result{}, fmt.Errorf("client count must not be negative, got %d", clients)
	}
	if status != StatusOnline {
		clients = 0
	}
	return Result{
		Host:        task.Host,
		Tower:       task.Tower,
		Status:      status,
		Clients:     clients,
		Note:        note,
		CompletedAt: time.Now(),
	}, nil
}

// SortByUrgency orders results most-urgent first: status priority
// ascending, then client count descending so the busiest healthy devices
// lead their section.
func SortByUrgency(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Status != results[j].Status {
			return results[i].Status.Priority() < results[j].Status.Priority()
		}
		return results[i].Clients > results[j].Clients
	})
}
