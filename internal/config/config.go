// Package config provides configuration management for both hostmgr
// daemons. It uses koanf v2 to load a single YAML file shared by the session
// daemon and the root helper; each reads the sections it needs.
//
// Configuration is loaded from /etc/hostmgr/config.yaml by default. A missing
// file is not an error: every field has a default, including the platform
// delegate table and the feature predicates.
package config

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	goyaml "gopkg.in/yaml.v3"
)

// DefaultConfigPath is the default location of the configuration file.
const DefaultConfigPath = "/etc/hostmgr/config.yaml"

// Default socket locations.
const (
	DefaultHelperSocket  = "/run/hostmgr/helper.sock"
	DefaultJournalPath   = "/var/lib/hostmgr/journal.db"
	defaultSessionSocket = "hostmgr/manager.sock"
)

// Config holds the configuration of both daemons.
// Fields are tagged for both koanf (loading) and yaml (saving).
type Config struct {
	// LogLevel controls logging verbosity: "debug", "info", "warn", "error".
	// Default: "info".
	LogLevel string `koanf:"log_level" yaml:"log_level"`

	// LogFormat selects the log handler: "json" or "text". Default: "json".
	LogFormat string `koanf:"log_format" yaml:"log_format"`

	Manager ManagerConfig `koanf:"manager" yaml:"manager"`
	Relay   RelayConfig   `koanf:"relay" yaml:"relay"`
	Helper  HelperConfig  `koanf:"helper" yaml:"helper"`

	// Delegates binds private members to programs or units. Keys are member
	// identities as rendered by schema.Identity.String: "TrimDevices",
	// "Get(TdpLimit)", "Set(TdpLimit)". Entries replace the defaults of the
	// same key; an entry with neither program nor unit removes the binding.
	Delegates map[string]DelegateConfig `koanf:"delegates" yaml:"delegates"`

	// Features maps feature keys to availability predicates. Entries replace
	// the defaults of the same key.
	Features map[string]FeatureConfig `koanf:"features" yaml:"features"`
}

// ManagerConfig configures the unprivileged session endpoint.
type ManagerConfig struct {
	// Socket is the session socket path. Default: $XDG_RUNTIME_DIR/hostmgr/manager.sock.
	Socket string `koanf:"socket" yaml:"socket"`

	// RequestTimeout is the deadline applied to calls that carry none.
	// Members whose delegate declares a longer timeout get that timeout
	// plus CallSlack instead; see Config.CallTimeouts. Default: 30s.
	RequestTimeout time.Duration `koanf:"request_timeout" yaml:"request_timeout"`

	// MaxRequestBytes caps the size of one request. Default: 1 MiB.
	MaxRequestBytes int64 `koanf:"max_request_bytes" yaml:"max_request_bytes"`
}

// RelayConfig configures the proxy from the session daemon to the helper.
type RelayConfig struct {
	// Socket is the helper socket to dial. Default: helper.socket.
	Socket string `koanf:"socket" yaml:"socket"`

	// DialAttempts bounds connection attempts per call. Default: 3.
	DialAttempts uint `koanf:"dial_attempts" yaml:"dial_attempts"`

	// DialBackoff is the initial interval between attempts. Default: 50ms.
	DialBackoff time.Duration `koanf:"dial_backoff" yaml:"dial_backoff"`
}

// HelperConfig configures the privileged endpoint.
type HelperConfig struct {
	// Socket is the system socket path. Default: /run/hostmgr/helper.sock.
	Socket string `koanf:"socket" yaml:"socket"`

	// SocketMode is the octal permission mode of the socket. Default: "0660".
	SocketMode string `koanf:"socket_mode" yaml:"socket_mode"`

	// SocketGroup is the group name or numeric gid given to the socket, so
	// that session daemons running as members of it can connect. Empty
	// leaves the group of the creating process.
	SocketGroup string `koanf:"socket_group" yaml:"socket_group,omitempty"`

	// MaxRuntime bounds every delegate regardless of the caller's deadline.
	// No delegate timeout may exceed it. Default: 30m.
	MaxRuntime time.Duration `koanf:"max_runtime" yaml:"max_runtime"`

	// OutputLimit caps each captured delegate stream in bytes. Default: 64 KiB.
	OutputLimit int `koanf:"output_limit" yaml:"output_limit"`

	// JournalPath is the bbolt operation journal; "-" disables it.
	// Default: /var/lib/hostmgr/journal.db.
	JournalPath string `koanf:"journal_path" yaml:"journal_path"`

	// JournalRetention is the number of journal entries kept. Default: 1000.
	JournalRetention int `koanf:"journal_retention" yaml:"journal_retention"`
}

// DelegateConfig describes one delegate binding.
type DelegateConfig struct {
	// Program is an absolute path or a bare name searched in $PATH.
	Program string `koanf:"program" yaml:"program,omitempty"`

	// Args is the argument template: literals, {name}, {name?--flag} and
	// {!name?--flag}.
	Args []string `koanf:"args" yaml:"args,omitempty"`

	// Dir is the working directory of the program.
	Dir string `koanf:"dir" yaml:"dir,omitempty"`

	// Timeout bounds each run of the program.
	Timeout time.Duration `koanf:"timeout" yaml:"timeout,omitempty"`

	// Unit is a systemd unit name, used instead of Program.
	Unit string `koanf:"unit" yaml:"unit,omitempty"`

	// Action is the unit action: start, stop, restart, status or toggle.
	Action string `koanf:"action" yaml:"action,omitempty"`

	// Output selects how the outcome becomes a value: none, stdout, value,
	// exit-bool or map. Default: none for void members, stdout otherwise.
	Output string `koanf:"output" yaml:"output,omitempty"`

	// Value is the result returned on success in "value" mode.
	Value any `koanf:"value" yaml:"value,omitempty"`

	// Failure, when set, is returned instead of an error when the delegate
	// exits non-zero or its output cannot be parsed.
	Failure any `koanf:"failure" yaml:"failure,omitempty"`

	// Map translates trimmed stdout to a value in "map" mode.
	Map map[string]any `koanf:"map" yaml:"map,omitempty"`
}

// Bound reports whether the entry names a delegate at all.
func (d DelegateConfig) Bound() bool {
	return d.Program != "" || d.Unit != ""
}

// FeatureConfig is an availability predicate. Every condition that is set
// must hold; an entry with no conditions is available.
type FeatureConfig struct {
	// Enabled, when set to false, forces the feature off.
	Enabled *bool `koanf:"enabled" yaml:"enabled,omitempty"`

	// Boards lists "vendor/name" DMI board identities, any of which matches.
	Boards []string `koanf:"boards" yaml:"boards,omitempty"`

	// Platform is the OS platform ID reported by the host, e.g. "steamos".
	Platform string `koanf:"platform" yaml:"platform,omitempty"`

	// OSVersion is a semver constraint on the platform version, e.g. ">= 3.5".
	OSVersion string `koanf:"os_version" yaml:"os_version,omitempty"`

	// Unit is a systemd unit that must be loaded.
	Unit string `koanf:"unit" yaml:"unit,omitempty"`

	// Path is a file that must exist.
	Path string `koanf:"path" yaml:"path,omitempty"`

	// Privileged requires the helper to have a binding for every privileged
	// operation of every member using the feature.
	Privileged bool `koanf:"privileged" yaml:"privileged,omitempty"`
}

// Validation errors returned by Load.
var (
	ErrSocketRequired      = errors.New("socket path is required")
	ErrInvalidSocketMode   = errors.New("helper.socket_mode must be an octal permission mode")
	ErrInvalidTimeout      = errors.New("timeouts must be positive")
	ErrInvalidOutputLimit  = errors.New("helper.output_limit must be positive")
	ErrInvalidLogFormat    = errors.New("log_format must be json or text")
	ErrInvalidDialAttempts = errors.New("relay.dial_attempts must be at least 1")
	ErrDelegateTimeout     = errors.New("delegate timeout exceeds helper.max_runtime")
	ErrUnknownGroup        = errors.New("helper.socket_group does not name a group")
)

// CallSlack is added to a delegate's timeout when it becomes the default
// call deadline, so the helper reports the delegate's own timeout before
// the caller gives up on the relay.
const CallSlack = 5 * time.Second

// Load reads configuration from the YAML file at path. A missing file yields
// the defaults. Defaults are applied for optional fields and the result is
// validated.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat config %s: %w", path, err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// applyDefaults sets default values for optional configuration fields.
func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}

	if c.Manager.Socket == "" {
		c.Manager.Socket = defaultManagerSocket()
	}
	if c.Manager.RequestTimeout == 0 {
		c.Manager.RequestTimeout = 30 * time.Second
	}
	if c.Manager.MaxRequestBytes == 0 {
		c.Manager.MaxRequestBytes = 1 << 20
	}

	if c.Helper.Socket == "" {
		c.Helper.Socket = DefaultHelperSocket
	}
	if c.Helper.SocketMode == "" {
		c.Helper.SocketMode = "0660"
	}
	if c.Helper.MaxRuntime == 0 {
		c.Helper.MaxRuntime = 30 * time.Minute
	}
	if c.Helper.OutputLimit == 0 {
		c.Helper.OutputLimit = 64 << 10
	}
	if c.Helper.JournalPath == "" {
		c.Helper.JournalPath = DefaultJournalPath
	}
	if c.Helper.JournalRetention == 0 {
		c.Helper.JournalRetention = 1000
	}

	if c.Relay.Socket == "" {
		c.Relay.Socket = c.Helper.Socket
	}
	if c.Relay.DialAttempts == 0 {
		c.Relay.DialAttempts = 3
	}
	if c.Relay.DialBackoff == 0 {
		c.Relay.DialBackoff = 50 * time.Millisecond
	}

	c.Delegates = merge(DefaultDelegates(), c.Delegates)
	c.Features = merge(DefaultFeatures(), c.Features)
}

func merge[V any](defaults, overrides map[string]V) map[string]V {
	for k, v := range overrides {
		defaults[k] = v
	}
	return defaults
}

func defaultManagerSocket() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, defaultSessionSocket)
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("hostmgr-%d", os.Getuid()), "manager.sock")
}

// validate checks that configuration fields are present and valid.
func (c *Config) validate() error {
	if c.Manager.Socket == "" || c.Helper.Socket == "" || c.Relay.Socket == "" {
		return ErrSocketRequired
	}
	if _, err := c.Helper.Mode(); err != nil {
		return err
	}
	if c.Manager.RequestTimeout < 0 || c.Helper.MaxRuntime < 0 || c.Relay.DialBackoff < 0 {
		return ErrInvalidTimeout
	}
	if c.Helper.OutputLimit < 0 {
		return ErrInvalidOutputLimit
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return ErrInvalidLogFormat
	}
	if c.Relay.DialAttempts < 1 {
		return ErrInvalidDialAttempts
	}
	for key, d := range c.Delegates {
		if d.Timeout < 0 {
			return fmt.Errorf("%w: delegates.%s", ErrInvalidTimeout, key)
		}
		if c.Helper.MaxRuntime > 0 && d.Timeout > c.Helper.MaxRuntime {
			return fmt.Errorf("%w: %s: %v > %v", ErrDelegateTimeout, key, d.Timeout, c.Helper.MaxRuntime)
		}
	}
	return nil
}

// CallTimeouts returns the default call deadline of every bound delegate
// whose own timeout outlasts manager.request_timeout, keyed like Delegates.
// Calls to other members keep request_timeout.
func (c *Config) CallTimeouts() map[string]time.Duration {
	out := make(map[string]time.Duration)
	for key, d := range c.Delegates {
		if !d.Bound() || d.Timeout == 0 {
			continue
		}
		if t := d.Timeout + CallSlack; t > c.Manager.RequestTimeout {
			out[key] = t
		}
	}
	return out
}

// Mode parses SocketMode.
func (h HelperConfig) Mode() (os.FileMode, error) {
	m, err := strconv.ParseUint(h.SocketMode, 8, 32)
	if err != nil || m > 0o777 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSocketMode, h.SocketMode)
	}
	return os.FileMode(m), nil
}

// GroupID resolves SocketGroup to a gid. It returns -1 when no group is
// configured.
func (h HelperConfig) GroupID() (int, error) {
	if h.SocketGroup == "" {
		return -1, nil
	}
	if gid, err := strconv.Atoi(h.SocketGroup); err == nil && gid >= 0 {
		return gid, nil
	}
	g, err := user.LookupGroup(h.SocketGroup)
	if err != nil {
		return -1, fmt.Errorf("%w: %q: %v", ErrUnknownGroup, h.SocketGroup, err)
	}
	gid, err := strconv.Atoi(g.Gid)
	if err != nil {
		return -1, fmt.Errorf("%w: %q has gid %q", ErrUnknownGroup, h.SocketGroup, g.Gid)
	}
	return gid, nil
}

// JournalEnabled reports whether the operation journal is configured.
func (h HelperConfig) JournalEnabled() bool {
	return h.JournalPath != "-"
}

// Save writes the configuration to path as YAML with 0644 permissions.
// hostmgr-helper --write-config uses it to materialise the effective
// configuration, defaults included.
func Save(path string, cfg *Config) error {
	data, err := goyaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config to %s: %w", path, err)
	}

	return nil
}
