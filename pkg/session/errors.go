package session

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"golang.org/x/crypto/ssh"
)

// maxErrorText caps the length of remote error text carried by ExecError.
// Device stderr can be arbitrarily large; anything past this is noise in a
// per-device note.
const maxErrorText = 120

// OfflineError reports that a device is unreachable: port closed, DNS
// failure, or connect timeout. Offline failures are transient and retryable.
type OfflineError struct {
	Host string
	Err  error
}

func (e *OfflineError) Error() string {
	return fmt.Sprintf("device %s unreachable: %v", e.Host, e.Err)
}

func (e *OfflineError) Unwrap() error { return e.Err }

// TimeoutError reports that a device accepted the connection but did not
// respond within the allotted time. Timeouts are transient and retryable.
type TimeoutError struct {
	Host string
	Op   string
	Err  error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("device %s timed out during %s: %v", e.Host, e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// AuthError reports rejected credentials. Definitive for the device within
// a run; never retried.
type AuthError struct {
	Host string
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed for %s: %v", e.Host, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ExecError reports an SSH protocol failure or a command that exited
// non-zero. Definitive for the device within a run; never retried.
type ExecError struct {
	Host     string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ExecError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("command failed on %s (exit %d): %s", e.Host, e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("ssh failure on %s: %v", e.Host, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

// Retryable reports whether err is a transient failure worth another
// attempt: connectivity loss or a declared timeout.
func Retryable(err error) bool {
	var offline *OfflineError
	var timeout *TimeoutError
	return errors.As(err, &offline) || errors.As(err, &timeout)
}

// Truncate caps s at maxErrorText runes for inclusion in result notes.
func Truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxErrorText {
		return s
	}
	return s[:maxErrorText] + "..."
}

// classifyHandshake maps an ssh.NewClientConn failure to the session error
// taxonomy. x/crypto/ssh does not export a dedicated credential-rejection
// error, so authentication failures are recognized by message.
func classifyHandshake(host string, err error) error {
	if errors.Is(err, ErrHostKeyUnknown) || errors.Is(err, ErrHostKeyChanged) {
		return &ExecError{Host: host, Err: err}
	}

	if strings.Contains(err.Error(), "unable to authenticate") ||
		strings.Contains(err.Error(), "permission denied") {
		return &AuthError{Host: host, Err: err}
	}

	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return &TimeoutError{Host: host, Op: "handshake", Err: err}
	}

	return &ExecError{Host: host, Err: err}
}

// classifyRun maps a session.Run failure to the session error taxonomy.
func classifyRun(host, stderr string, err error) error {
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		text := Truncate(stderr)
		if text == "" {
			text = fmt.Sprintf("command failed with code %d", exitErr.ExitStatus())
		}
		return &ExecError{Host: host, ExitCode: exitErr.ExitStatus(), Stderr: text, Err: err}
	}
	return &ExecError{Host: host, Err: err}
}
