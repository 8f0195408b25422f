// Package session manages one device's SSH connection lifecycle: a TCP
// reachability probe, an authenticated handshake with host identity
// verification, a single allow-listed command execution, and guaranteed
// teardown.
//
// A Session moves through an explicit state machine:
//
//	Idle → Probed → Connected → Executing → Connected → ... → Closed
//
// with Failed as an absorbing state reachable from any point. Sessions are
// single-use and not safe for concurrent use; the dispatcher gives each
// worker its own Session per attempt.
//
// Example:
//
//	s := session.New(spec, opts)
//	defer s.Close()
//	if err := s.Probe(); err != nil { ... }
//	if err := s.Connect(); err != nil { ... }
//	out, err := s.Run(command.StationList, "mac")
package session

import (
	"bytes"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/wisptools/sweep/pkg/command"
)

// State is a point in the session lifecycle.
type State int

const (
	// StateIdle is the initial state; nothing has been attempted.
	StateIdle State = iota
	// StateProbed means the TCP reachability probe succeeded.
	StateProbed
	// StateConnected means the authenticated handshake completed.
	StateConnected
	// StateExecuting means a command is in flight.
	StateExecuting
	// StateClosed means the connection has been released.
	StateClosed
	// StateFailed is absorbing; the session is unusable.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProbed:
		return "probed"
	case StateConnected:
		return "connected"
	case StateExecuting:
		return "executing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Spec holds the connection parameters for one device.
type Spec struct {
	Address  string
	Port     int
	User     string
	Password string
}

// Options bounds the session's blocking operations and configures host
// identity verification.
type Options struct {
	// ProbeTimeout bounds the TCP reachability probe.
	ProbeTimeout time.Duration
	// ConnectTimeout bounds dialing and is the ssh.ClientConfig timeout.
	ConnectTimeout time.Duration
	// BannerTimeout bounds the protocol banner/handshake beyond dialing.
	BannerTimeout time.Duration
	// ExecTimeout bounds a single command execution.
	ExecTimeout time.Duration
	// KnownHostsPath points at the trust store; empty means
	// ~/.ssh/known_hosts.
	KnownHostsPath string
	// Logger receives session diagnostics. Defaults to the standard logger.
	Logger logrus.FieldLogger
}

const (
	defaultProbeTimeout   = 5 * time.Second
	defaultConnectTimeout = 12 * time.Second
	defaultBannerTimeout  = 15 * time.Second
)

// Session is one device's connection for the duration of one check.
type Session struct {
	spec   Spec
	opts   Options
	state  State
	client *ssh.Client
	log    logrus.FieldLogger
}

// New builds an idle session. Zero timeouts fall back to the fleet
// defaults; ExecTimeout falls back to ConnectTimeout.
func New(spec Spec, opts Options) *Session {
	if spec.Port == 0 {
		spec.Port = 22
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = defaultProbeTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.BannerTimeout <= 0 {
		opts.BannerTimeout = defaultBannerTimeout
	}
	if opts.ExecTimeout <= 0 {
		opts.ExecTimeout = opts.ConnectTimeout
	}

	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &Session{
		spec:  spec,
		opts:  opts,
		state: StateIdle,
		log:   log.WithField("host", spec.Address),
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State { return s.state }

func (s *Session) addr() string {
	return net.JoinHostPort(s.spec.Address, strconv.Itoa(s.spec.Port))
}

// Probe checks TCP reachability of the device without speaking SSH. An
// unreachable port, refused connection, or DNS failure is an OfflineError.
func (s *Session) Probe() error {
	if s.state != StateIdle {
		return fmt.Errorf("probe not allowed in state %s", s.state)
	}

	conn, err := net.DialTimeout("tcp", s.addr(), s.opts.ProbeTimeout)
	if err != nil {
		s.state = StateFailed
		return &OfflineError{Host: s.spec.Address, Err: err}
	}
	conn.Close()

	s.state = StateProbed
	return nil
}

// Connect negotiates the authenticated session. The TCP dial is bounded by
// ConnectTimeout; the banner exchange and handshake are bounded by an
// explicit deadline on the raw connection so a host that accepts the dial
// but then hangs cannot stall the worker.
func (s *Session) Connect() error {
	if s.state != StateProbed {
		return fmt.Errorf("connect not allowed in state %s", s.state)
	}

	verifier, err := NewHostKeyVerifier(s.opts.KnownHostsPath, s.log)
	if err != nil {
		s.state = StateFailed
		return &ExecError{Host: s.spec.Address, Err: err}
	}

	cfg := &ssh.ClientConfig{
		User:            s.spec.User,
		Auth:            []ssh.AuthMethod{ssh.Password(s.spec.Password)},
		HostKeyCallback: verifier.Callback(),
		Timeout:         s.opts.ConnectTimeout,
	}

	conn, err := net.DialTimeout("tcp", s.addr(), s.opts.ConnectTimeout)
	if err != nil {
		s.state = StateFailed
		return &OfflineError{Host: s.spec.Address, Err: err}
	}

	if err := conn.SetDeadline(time.Now().Add(s.opts.ConnectTimeout + s.opts.BannerTimeout)); err != nil {
		conn.Close()
		s.state = StateFailed
		return &ExecError{Host: s.spec.Address, Err: err}
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, s.addr(), cfg)
	if err != nil {
		conn.Close()
		s.state = StateFailed
		return classifyHandshake(s.spec.Address, err)
	}

	// Handshake done; session reads block indefinitely again. Run applies
	// its own timeout.
	_ = conn.SetDeadline(time.Time{})

	s.client = ssh.NewClient(c, chans, reqs)
	s.state = StateConnected
	s.log.Debug("session established")
	return nil
}

// Run executes exactly one allow-listed command and waits for its exit
// status, capturing both output streams. A non-zero exit is an ExecError but
// leaves the session connected; a policy violation aborts before anything
// reaches the wire.
func (s *Session) Run(kind command.Kind, filters ...string) (string, error) {
	if s.state != StateConnected {
		return "", fmt.Errorf("run not allowed in state %s", s.state)
	}

	cmd, err := command.Build(kind, filters...)
	if err != nil {
		return "", err
	}

	s.state = StateExecuting
	defer func() {
		if s.state == StateExecuting {
			s.state = StateConnected
		}
	}()

	sess, err := s.client.NewSession()
	if err != nil {
		s.state = StateFailed
		return "", &ExecError{Host: s.spec.Address, Err: err}
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	s.log.WithField("cmd", cmd).Debug("executing")

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd) }()

	select {
	case err := <-done:
		if err != nil {
			return "", classifyRun(s.spec.Address, stderr.String(), err)
		}
		return stdout.String(), nil
	case <-time.After(s.opts.ExecTimeout):
		_ = sess.Signal(ssh.SIGINT)
		s.state = StateFailed
		return "", &TimeoutError{
			Host: s.spec.Address,
			Op:   "exec",
			Err:  fmt.Errorf("command timed out after %v", s.opts.ExecTimeout),
		}
	}
}

// Close releases the underlying connection. It is safe to call in any
// state and on every exit path; callers defer it immediately after New.
func (s *Session) Close() error {
	s.state = StateClosed
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	if err != nil {
		s.log.WithError(err).Debug("error closing session")
	}
	return err
}
