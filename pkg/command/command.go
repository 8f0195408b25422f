// Package command defines the closed set of remote diagnostic commands the
// scanner is allowed to run, and validates any extra filter arguments before
// they are concatenated into a shell command line.
//
// Every piece of inventory- or user-supplied text that reaches a remote shell
// must pass through Build. This is the sole defense against command injection:
// callers can never supply a raw command string, only a Kind plus filters
// matching a strict allow-pattern.
package command

import (
	"fmt"
	"regexp"
	"strings"
)

// Kind identifies one permitted remote command.
type Kind string

const (
	// StationList lists the stations associated with an access point.
	StationList Kind = "wstalist"
	// SystemStatus reports the device's management/control status.
	SystemStatus Kind = "mca-status"
	// Uptime reports how long the device has been up.
	Uptime Kind = "uptime"
)

// kinds is the allow-list. Anything not in here is rejected by Build.
var kinds = map[Kind]bool{
	StationList:  true,
	SystemStatus: true,
	Uptime:       true,
}

// Valid reports whether k is one of the permitted commands.
func (k Kind) Valid() bool { return kinds[k] }

// filterPattern is the only shape a filter may take. No whitespace, no
// quotes, no shell metacharacters.
var filterPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// InvalidFilterError reports a filter that failed allow-pattern validation.
type InvalidFilterError struct {
	Filter string
}

func (e *InvalidFilterError) Error() string {
	return fmt.Sprintf("invalid command filter: %q", e.Filter)
}

// Build composes the command line for kind, appending one counting grep
// stage per filter. Filters are validated against filterPattern before any
// concatenation happens; a single bad filter aborts the build and no command
// string is produced.
//
// Build is pure: identical inputs always yield identical output.
func Build(kind Kind, filters ...string) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("command kind %q is not allow-listed", string(kind))
	}

	if len(filters) == 0 {
		return string(kind), nil
	}

	stages := make([]string, 0, len(filters)+1)
	stages = append(stages, string(kind))

	for _, f := range filters {
		if !filterPattern.MatchString(f) {
			return "", &InvalidFilterError{Filter: f}
		}
		stages = append(stages, fmt.Sprintf("grep -c '%s'", f))
	}

	return strings.Join(stages, " | "), nil
}
