package scan

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"

	"github.com/wisptools/sweep/pkg/command"
	"github.com/wisptools/sweep/pkg/session"
)

// CheckFunc runs one device's full check end-to-end and always yields a
// Result; per-device failures never escape it.
type CheckFunc func(ctx context.Context, task Task, cfg RunConfig) Result

// Checker wraps a single device's check (probe → connect → execute →
// parse) with bounded retries and exponential backoff. Only connectivity
// failures and timeouts are retried; credential and command failures are
// definitive for the device within a run.
type Checker struct {
	log logrus.FieldLogger
	// run performs one session attempt; replaced in tests.
	run func(task Task, cfg RunConfig) (int, error)
}

// NewChecker builds a checker logging through log.
func NewChecker(log logrus.FieldLogger) *Checker {
	if log == nil {
		log = logrus.StandardLogger()
	}
	c := &Checker{log: log}
	c.run = c.sessionAttempt
	return c
}

// Check performs up to cfg.Retries session attempts against task's device
// and converts the outcome, success or failure, into a Result.
func (c *Checker) Check(ctx context.Context, task Task, cfg RunConfig) Result {
	var clients int
	attempts := 0

	op := func() error {
		attempts++
		n, err := c.run(task, cfg)
		if err != nil {
			c.log.WithFields(logrus.Fields{
				"host":    task.Host,
				"attempt": attempts,
			}).WithError(err).Debug("check attempt failed")

			if session.Retryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		clients = n
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = cfg.BackoffMin
	eb.MaxInterval = cfg.BackoffMax
	eb.MaxElapsedTime = 0 // attempts are bounded by count, not wall clock

	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(cfg.Retries-1)), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		return c.failure(task, err)
	}

	res, err := NewResult(task, StatusOnline, clients, "")
	if err != nil {
		// Unreachable given the non-negative parse, but never panic a worker.
		return c.failure(task, err)
	}
	return res
}

// sessionAttempt is one full session lifecycle against the device. The
// session is always released, whatever path exits.
func (c *Checker) sessionAttempt(task Task, cfg RunConfig) (int, error) {
	s := session.New(session.Spec{
		Address:  task.Host,
		Port:     task.Port,
		User:     task.Credentials.User,
		Password: task.Credentials.Secret,
	}, session.Options{
		ProbeTimeout:   cfg.ProbeTimeout,
		ConnectTimeout: cfg.ConnectTimeout,
		BannerTimeout:  cfg.BannerTimeout,
		ExecTimeout:    task.Timeout,
		KnownHostsPath: cfg.KnownHostsPath,
		Logger:         c.log,
	})
	defer s.Close()

	if err := s.Probe(); err != nil {
		return 0, err
	}
	if err := s.Connect(); err != nil {
		return 0, err
	}

	out, err := s.Run(command.StationList, "mac")
	if err != nil {
		return 0, err
	}

	return parseClientCount(task.Host, out)
}

// parseClientCount interprets trimmed command output as a station count.
// Anything but pure digits is a command failure, not a cast failure.
func parseClientCount(host, out string) (int, error) {
	out = strings.TrimSpace(out)
	if out == "" || !isDigits(out) {
		return 0, &session.ExecError{Host: host, Stderr: "invalid output"}
	}

	n := 0
	for _, r := range out {
		n = n*10 + int(r-'0')
	}
	return n, nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// failure converts the last error of a check into a terminal Result.
func (c *Checker) failure(task Task, err error) Result {
	status := statusFromError(err)
	note := noteFromError(err)
	if session.Retryable(err) {
		// All attempts were consumed by transient failures.
		note = "failed after repeated attempts"
	}

	c.log.WithFields(logrus.Fields{
		"host":   task.Host,
		"status": status.String(),
	}).WithError(err).Warn("device check failed")

	res, rerr := NewResult(task, status, 0, note)
	if rerr != nil {
		res = Result{Host: task.Host, Tower: task.Tower, Status: StatusError, Note: note, CompletedAt: time.Now()}
	}
	return res
}

// statusFromError maps the session error taxonomy onto Status. Unrecognized
// errors land in StatusError, the catch-all.
func statusFromError(err error) Status {
	var (
		offline *session.OfflineError
		timeout *session.TimeoutError
		auth    *session.AuthError
		exec    *session.ExecError
	)
	switch {
	case errors.As(err, &offline):
		return StatusOffline
	case errors.As(err, &timeout):
		return StatusTimeout
	case errors.As(err, &auth):
		return StatusAuthError
	case errors.As(err, &exec):
		return StatusExecError
	case errors.Is(err, context.DeadlineExceeded):
		return StatusTimeout
	default:
		return StatusError
	}
}

// noteFromError produces the short, capped note surfaced in the Result.
func noteFromError(err error) string {
	var exec *session.ExecError
	if errors.As(err, &exec) && exec.Stderr != "" {
		return exec.Stderr
	}
	return session.Truncate(err.Error())
}
