package session

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/wisptools/sweep/pkg/command"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

type cmdResponse struct {
	stdout   string
	stderr   string
	exitCode int
}

// testServer is an in-process SSH server with password auth, in the style
// of a device accepting one exec per session channel.
type testServer struct {
	addr      string
	responses map[string]cmdResponse

	mu      sync.Mutex
	history []string
}

func (s *testServer) commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.history...)
}

func startTestServer(t *testing.T, user, password string, responses map[string]cmdResponse) *testServer {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	s := &testServer{addr: l.Addr().String(), responses: responses}

	config := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if conn.User() == user && string(pass) == password {
				return nil, nil
			}
			return nil, fmt.Errorf("wrong credentials for %s", conn.User())
		},
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	config.AddHostKey(signer)

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go s.handle(conn, config)
		}
	}()

	return s
}

func (s *testServer) handle(c net.Conn, config *ssh.ServerConfig) {
	defer c.Close()

	// Probe connections close without speaking SSH; the handshake just fails.
	_, chans, reqs, err := ssh.NewServerConn(c, config)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}

		go func(in <-chan *ssh.Request) {
			for req := range in {
				switch req.Type {
				case "exec":
					cmd := string(req.Payload[4:])
					s.mu.Lock()
					s.history = append(s.history, cmd)
					s.mu.Unlock()
					req.Reply(true, nil)

					resp := s.responses[cmd]
					channel.Write([]byte(resp.stdout))
					channel.Stderr().Write([]byte(resp.stderr))
					channel.SendRequest("exit-status", false,
						ssh.Marshal(struct{ ExitStatus uint32 }{uint32(resp.exitCode)}))
					channel.Close()
				default:
					req.Reply(false, nil)
				}
			}
		}(requests)
	}
}

func testSpec(t *testing.T, addr, user, password string) Spec {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return Spec{Address: host, Port: port, User: user, Password: password}
}

func testOptions(t *testing.T) Options {
	t.Helper()
	return Options{
		ProbeTimeout:   2 * time.Second,
		ConnectTimeout: 2 * time.Second,
		BannerTimeout:  2 * time.Second,
		ExecTimeout:    2 * time.Second,
		// No trust store: permissive mode.
		KnownHostsPath: filepath.Join(t.TempDir(), "known_hosts"),
		Logger:         testLogger(),
	}
}

func TestSessionLifecycle(t *testing.T) {
	srv := startTestServer(t, "ubnt", "secret", map[string]cmdResponse{
		"wstalist | grep -c 'mac'": {stdout: "7\n"},
	})

	s := New(testSpec(t, srv.addr, "ubnt", "secret"), testOptions(t))
	defer s.Close()

	assert.Equal(t, StateIdle, s.State())

	require.NoError(t, s.Probe())
	assert.Equal(t, StateProbed, s.State())

	require.NoError(t, s.Connect())
	assert.Equal(t, StateConnected, s.State())

	out, err := s.Run(command.StationList, "mac")
	require.NoError(t, err)
	assert.Equal(t, "7\n", out)
	assert.Equal(t, StateConnected, s.State())

	require.Equal(t, []string{"wstalist | grep -c 'mac'"}, srv.commands())

	require.NoError(t, s.Close())
	assert.Equal(t, StateClosed, s.State())
}

func TestSessionCommandFailure(t *testing.T) {
	srv := startTestServer(t, "ubnt", "secret", map[string]cmdResponse{
		"mca-status": {stderr: "error: busy\n", exitCode: 1},
	})

	s := New(testSpec(t, srv.addr, "ubnt", "secret"), testOptions(t))
	defer s.Close()

	require.NoError(t, s.Probe())
	require.NoError(t, s.Connect())

	_, err := s.Run(command.SystemStatus)
	require.Error(t, err)

	var execErr *ExecError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, 1, execErr.ExitCode)
	assert.Equal(t, "error: busy", execErr.Stderr)

	// A non-zero exit does not close the session.
	assert.Equal(t, StateConnected, s.State())
}

func TestSessionAuthFailure(t *testing.T) {
	srv := startTestServer(t, "ubnt", "secret", nil)

	s := New(testSpec(t, srv.addr, "ubnt", "wrong"), testOptions(t))
	defer s.Close()

	require.NoError(t, s.Probe())

	err := s.Connect()
	require.Error(t, err)

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, StateFailed, s.State())
}

func TestSessionProbeConnectionRefused(t *testing.T) {
	// Grab a free port, then close it so the probe gets a refusal.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	s := New(testSpec(t, addr, "ubnt", "secret"), testOptions(t))
	defer s.Close()

	err = s.Probe()
	require.Error(t, err)

	var offline *OfflineError
	require.ErrorAs(t, err, &offline)
	assert.True(t, Retryable(err))
	assert.Equal(t, StateFailed, s.State())

	// Failed is absorbing.
	require.Error(t, s.Connect())
}

func TestSessionRejectsBadFilterBeforeWire(t *testing.T) {
	srv := startTestServer(t, "ubnt", "secret", nil)

	s := New(testSpec(t, srv.addr, "ubnt", "secret"), testOptions(t))
	defer s.Close()

	require.NoError(t, s.Probe())
	require.NoError(t, s.Connect())

	_, err := s.Run(command.StationList, "mac; reboot")
	require.Error(t, err)

	var invalid *command.InvalidFilterError
	require.ErrorAs(t, err, &invalid)

	// The policy violation aborts before anything reaches the device.
	assert.Empty(t, srv.commands())
	assert.Equal(t, StateConnected, s.State())
}

func TestSessionStrictHostKeyRejectsUnknown(t *testing.T) {
	srv := startTestServer(t, "ubnt", "secret", nil)

	opts := testOptions(t)
	// An existing but empty trust store means strict verification.
	require.NoError(t, os.WriteFile(opts.KnownHostsPath, nil, 0644))

	s := New(testSpec(t, srv.addr, "ubnt", "secret"), opts)
	defer s.Close()

	require.NoError(t, s.Probe())

	err := s.Connect()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHostKeyUnknown))

	var execErr *ExecError
	assert.ErrorAs(t, err, &execErr)
	assert.False(t, Retryable(err))
}

func TestSessionCloseIsAlwaysSafe(t *testing.T) {
	s := New(Spec{Address: "10.0.0.5"}, testOptions(t))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, StateClosed, s.State())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("  short  "))

	long := ""
	for i := 0; i < 50; i++ {
		long += "abcdef"
	}
	got := Truncate(long)
	assert.Len(t, got, maxErrorText+3)
	assert.True(t, len(got) < len(long))
}
