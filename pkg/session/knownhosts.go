package session

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

var (
	// ErrHostKeyUnknown is returned when the host has no entry in known_hosts.
	ErrHostKeyUnknown = errors.New("host key unknown")
	// ErrHostKeyChanged is returned when the presented key differs from known_hosts.
	ErrHostKeyChanged = errors.New("host key changed")
)

// HostKeyVerifier authenticates remote host identities against a
// known_hosts file.
//
// Policy: if the file exists, the verifier is strict — an unknown or
// mismatched key fails the connection and is never silently accepted. If the
// file does not exist, the verifier degrades to accepting any identity and
// logs a prominent warning, since a fleet bootstrap with no trust store is
// still a supported (if unsafe) mode.
type HostKeyVerifier struct {
	path       string
	hostKeys   map[string][]ssh.PublicKey
	permissive bool
	log        logrus.FieldLogger
}

// NewHostKeyVerifier loads the known_hosts file at path, defaulting to
// ~/.ssh/known_hosts when path is empty.
func NewHostKeyVerifier(path string, log logrus.FieldLogger) (*HostKeyVerifier, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	v := &HostKeyVerifier{
		path:     expandKnownHostsPath(path),
		hostKeys: make(map[string][]ssh.PublicKey),
		log:      log,
	}

	f, err := os.Open(v.path)
	if err != nil {
		if os.IsNotExist(err) {
			v.permissive = true
			log.WithField("path", v.path).Warn(
				"known_hosts not found; accepting unknown host keys — unsafe for production")
			return v, nil
		}
		return nil, fmt.Errorf("failed to open known_hosts: %w", err)
	}
	defer f.Close()

	if err := v.parse(f); err != nil {
		return nil, fmt.Errorf("failed to parse known_hosts: %w", err)
	}

	return v, nil
}

func (v *HostKeyVerifier) parse(f *os.File) error {
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		patterns, key, err := parseKnownHostsLine(line)
		if err != nil {
			// Hashed or otherwise unparseable entries are skipped.
			continue
		}

		for _, p := range patterns {
			v.hostKeys[p] = append(v.hostKeys[p], key)
		}
	}
	return scanner.Err()
}

// parseKnownHostsLine handles the two common entry shapes:
//
//	host key-type key-data
//	[host1,host2] key-type key-data
func parseKnownHostsLine(line string) ([]string, ssh.PublicKey, error) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return nil, nil, fmt.Errorf("invalid known_hosts line")
	}

	var patterns []string
	if strings.HasPrefix(fields[0], "[") {
		end := strings.Index(fields[0], "]")
		if end == -1 {
			return nil, nil, fmt.Errorf("unterminated bracket in known_hosts line")
		}
		patterns = strings.Split(fields[0][1:end], ",")
	} else {
		patterns = strings.Split(fields[0], ",")
	}

	key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(strings.Join(fields[1:], " ")))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse host key: %w", err)
	}

	return patterns, key, nil
}

// Permissive reports whether the verifier is running without a trust store.
func (v *HostKeyVerifier) Permissive() bool { return v.permissive }

// Verify checks the presented key against the trust store. It is the
// ssh.HostKeyCallback used during the handshake.
func (v *HostKeyVerifier) Verify(hostname string, remote net.Addr, key ssh.PublicKey) error {
	host, _, err := net.SplitHostPort(remote.String())
	if err != nil {
		host = remote.String()
	}

	if v.permissive {
		v.log.WithField("host", host).Debug("accepting unverified host key")
		return nil
	}

	matched, known := v.findKey(host, key)
	switch {
	case known && matched:
		return nil
	case known:
		return fmt.Errorf("%w: %s", ErrHostKeyChanged, host)
	default:
		return fmt.Errorf("%w: %s", ErrHostKeyUnknown, host)
	}
}

// findKey reports (matched, known): known is true when any pattern covers
// the host, matched when one of that host's keys equals the presented key.
func (v *HostKeyVerifier) findKey(host string, key ssh.PublicKey) (bool, bool) {
	presented := key.Marshal()

	for pattern, keys := range v.hostKeys {
		if !matchHostPattern(host, pattern) {
			continue
		}
		for _, k := range keys {
			if bytes.Equal(k.Marshal(), presented) {
				return true, true
			}
		}
		return false, true
	}

	return false, false
}

// Callback adapts the verifier to ssh.ClientConfig.
func (v *HostKeyVerifier) Callback() ssh.HostKeyCallback {
	return ssh.HostKeyCallback(v.Verify)
}

// matchHostPattern matches host against a known_hosts pattern, supporting
// the * and ? wildcards and ! negation.
func matchHostPattern(host, pattern string) bool {
	if strings.HasPrefix(pattern, "!") {
		return !matchHostPattern(host, pattern[1:])
	}
	if host == pattern {
		return true
	}
	if strings.ContainsAny(pattern, "*?") {
		matched, _ := path.Match(pattern, host)
		return matched
	}
	return false
}

func expandKnownHostsPath(p string) string {
	if p == "" {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".ssh", "known_hosts")
	}
	if strings.HasPrefix(p, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, p[2:])
	}
	return p
}
