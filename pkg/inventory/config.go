// Package inventory loads the device inventory for a census run: tower
// groups and their access point addresses, plus scan and SSH overrides.
//
// The inventory is a TOML file, by default ~/.sweep/config.toml:
//
//	region = "RJ"
//
//	[scan]
//	workers = 10
//	retries = 3
//
//	[ssh]
//	port = 22
//	known_hosts = "~/.ssh/known_hosts"
//
//	[towers.CENTRO]
//	addresses = ["10.0.0.5", "10.0.0.6"]
package inventory

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/wisptools/sweep/pkg/scan"
)

// Config is the on-disk inventory schema.
type Config struct {
	Region string           `toml:"region"`
	Scan   ScanConfig       `toml:"scan"`
	SSH    SSHConfig        `toml:"ssh"`
	Towers map[string]Tower `toml:"towers"`
}

// ScanConfig overrides the engine's run parameters.
type ScanConfig struct {
	Workers          int    `toml:"workers"`
	Retries          int    `toml:"retries"`
	FailureThreshold int    `toml:"failure_threshold"`
	TaskTimeout      string `toml:"task_timeout"` // parsed as duration
	BackoffMin       string `toml:"backoff_min"`
	BackoffMax       string `toml:"backoff_max"`
}

// SSHConfig overrides connection parameters shared by every device.
type SSHConfig struct {
	Port           int    `toml:"port"`
	ConnectTimeout string `toml:"connect_timeout"` // parsed as duration
	BannerTimeout  string `toml:"banner_timeout"`
	ProbeTimeout   string `toml:"probe_timeout"`
	KnownHostsPath string `toml:"known_hosts"`
}

// Tower is one group of access points sharing a site label.
type Tower struct {
	Addresses []string `toml:"addresses"`
}

// Inventory is a loaded inventory file.
type Inventory struct {
	config *Config
	path   string
}

// New loads the inventory at configPath, or the default
// ~/.sweep/config.toml when empty. A missing file yields an inventory with
// defaults and no towers.
func New(configPath string) (*Inventory, error) {
	if configPath == "" {
		home, _ := os.UserHomeDir()
		configPath = filepath.Join(home, ".sweep", "config.toml")
	}

	inv := &Inventory{
		config: &Config{
			SSH:    SSHConfig{Port: 22, KnownHostsPath: "~/.ssh/known_hosts"},
			Towers: make(map[string]Tower),
		},
		path: configPath,
	}

	if _, err := os.Stat(configPath); err == nil {
		if err := inv.Load(); err != nil {
			return nil, fmt.Errorf("failed to load inventory: %w", err)
		}
	}

	return inv, nil
}

// Load re-reads the inventory file from disk.
func (inv *Inventory) Load() error {
	data, err := os.ReadFile(inv.path)
	if err != nil {
		return err
	}

	config := &Config{
		SSH:    SSHConfig{Port: 22, KnownHostsPath: "~/.ssh/known_hosts"},
		Towers: make(map[string]Tower),
	}
	if err := toml.Unmarshal(data, config); err != nil {
		return err
	}

	inv.config = config
	return nil
}

// Region returns the inventory's region label, used to select credentials.
func (inv *Inventory) Region() string {
	if inv.config.Region == "" {
		return "PADRAO"
	}
	return inv.config.Region
}

// Towers returns tower names mapped to their raw address lists.
func (inv *Inventory) Towers() map[string][]string {
	out := make(map[string][]string, len(inv.config.Towers))
	for name, t := range inv.config.Towers {
		out[name] = append([]string(nil), t.Addresses...)
	}
	return out
}

// RunConfig merges the engine defaults with the inventory's [scan] and
// [ssh] overrides.
func (inv *Inventory) RunConfig() (scan.RunConfig, error) {
	cfg := scan.DefaultRunConfig()

	s := inv.config.Scan
	if s.Workers > 0 {
		cfg.Workers = s.Workers
	}
	if s.Retries > 0 {
		cfg.Retries = s.Retries
	}
	if s.FailureThreshold > 0 {
		cfg.FailureThreshold = s.FailureThreshold
	}

	var err error
	if cfg.TaskTimeout, err = overrideDuration(s.TaskTimeout, cfg.TaskTimeout); err != nil {
		return cfg, fmt.Errorf("scan.task_timeout: %w", err)
	}
	if cfg.BackoffMin, err = overrideDuration(s.BackoffMin, cfg.BackoffMin); err != nil {
		return cfg, fmt.Errorf("scan.backoff_min: %w", err)
	}
	if cfg.BackoffMax, err = overrideDuration(s.BackoffMax, cfg.BackoffMax); err != nil {
		return cfg, fmt.Errorf("scan.backoff_max: %w", err)
	}

	h := inv.config.SSH
	if cfg.ConnectTimeout, err = overrideDuration(h.ConnectTimeout, cfg.ConnectTimeout); err != nil {
		return cfg, fmt.Errorf("ssh.connect_timeout: %w", err)
	}
	if cfg.BannerTimeout, err = overrideDuration(h.BannerTimeout, cfg.BannerTimeout); err != nil {
		return cfg, fmt.Errorf("ssh.banner_timeout: %w", err)
	}
	if cfg.ProbeTimeout, err = overrideDuration(h.ProbeTimeout, cfg.ProbeTimeout); err != nil {
		return cfg, fmt.Errorf("ssh.probe_timeout: %w", err)
	}
	if h.KnownHostsPath != "" {
		cfg.KnownHostsPath = ExpandPath(h.KnownHostsPath)
	}

	return cfg, nil
}

func overrideDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// Tasks builds the task list for a run: every tower's addresses, cleaned,
// validated, and de-duplicated, each carrying the shared credentials.
// Towers are walked in name order so the task list is stable.
func (inv *Inventory) Tasks(creds scan.Credentials, cfg scan.RunConfig) ([]scan.Task, error) {
	names := make([]string, 0, len(inv.config.Towers))
	for name := range inv.config.Towers {
		names = append(names, name)
	}
	sort.Strings(names)

	port := inv.config.SSH.Port
	if port == 0 {
		port = 22
	}

	var tasks []scan.Task
	seen := make(map[string]bool)

	for _, name := range names {
		for _, raw := range inv.config.Towers[name].Addresses {
			addr, err := NormalizeAddress(raw)
			if err != nil {
				return nil, fmt.Errorf("tower %s: %w", name, err)
			}
			if seen[addr] {
				continue
			}
			seen[addr] = true

			tasks = append(tasks, scan.Task{
				Host:        addr,
				Tower:       name,
				Port:        port,
				Credentials: creds,
				Timeout:     cfg.ConnectTimeout,
			})
		}
	}

	if len(tasks) == 0 {
		return nil, fmt.Errorf("inventory %s has no device addresses", inv.path)
	}

	return tasks, nil
}

// NormalizeAddress cleans residual port suffixes and IPv6 brackets off an
// inventory address and validates it as an IP.
func NormalizeAddress(raw string) (string, error) {
	addr := strings.TrimSpace(raw)
	addr = strings.ReplaceAll(addr, "[", "")
	addr = strings.ReplaceAll(addr, "]", "")
	if i := strings.Index(addr, ":"); i >= 0 {
		addr = addr[:i]
	}

	if net.ParseIP(addr) == nil {
		return "", fmt.Errorf("invalid device address %q", raw)
	}
	return addr, nil
}

// ExpandPath expands a leading ~ in path.
func ExpandPath(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return filepath.Join(home, path[2:])
	}
	return home
}
