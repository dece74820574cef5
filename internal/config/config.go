// Package config loads the elbusd daemon configuration.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vitalvas/elbus"
)

// Config is the daemon configuration.
type Config struct {
	// Bind lists the addresses to serve, see elbus.ParseAddress. A "fifo:"
	// prefix creates a command pipe instead of a listener.
	Bind           []string      `yaml:"bind"`
	Workers        int           `yaml:"workers"`
	Timeout        time.Duration `yaml:"timeout"`
	BufSize        int           `yaml:"buf_size"`
	QueueSize      int           `yaml:"queue_size"`
	MaxFrameSize   uint32        `yaml:"max_frame_size"`
	MaxConnections int           `yaml:"max_connections"`
	PidFile        string        `yaml:"pid_file"`

	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
	TLS     TLSConfig     `yaml:"tls"`
	Auth    AuthConfig    `yaml:"auth"`
	ACL     ACLConfig     `yaml:"acl"`
	Limits  LimitsConfig  `yaml:"limits"`
}

// LogConfig configures daemon logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig configures the Prometheus endpoint. An empty address disables it.
type MetricsConfig struct {
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

// TLSConfig holds the certificate for tls://, quic:// and wss:// listeners.
type TLSConfig struct {
	Cert     string `yaml:"cert"`
	Key      string `yaml:"key"`
	ClientCA string `yaml:"client_ca"`
	// RequireClientCert rejects registrations without a verified client certificate.
	RequireClientCert bool `yaml:"require_client_cert"`
}

// Enabled reports whether a certificate is configured.
func (c TLSConfig) Enabled() bool {
	return c.Cert != "" && c.Key != ""
}

// AuthConfig configures registration authentication. Credentials maps a
// client name mask to a credential in elbus.ParseCredential form.
type AuthConfig struct {
	Credentials map[string]string `yaml:"credentials"`
}

// ACLConfig configures operation authorization. With no rules every
// operation is allowed.
type ACLConfig struct {
	DefaultAllow bool         `yaml:"default_allow"`
	Rules        []RuleConfig `yaml:"rules"`
}

// RuleConfig is one ACL rule.
type RuleConfig struct {
	Clients string   `yaml:"clients"`
	Actions []string `yaml:"actions"`
	Targets string   `yaml:"targets"`
	Allow   bool     `yaml:"allow"`
}

// LimitsConfig bounds per-connection inbound operation rates. Zero disables the limit.
type LimitsConfig struct {
	OpsPerSecond float64 `yaml:"ops_per_second"`
	Burst        int     `yaml:"burst"`
	WarnRate     float64 `yaml:"warn_rate"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Workers == 0 {
		cfg.Workers = elbus.DefaultWorkers
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = elbus.DefaultTimeout
	}
	if cfg.BufSize == 0 {
		cfg.BufSize = elbus.DefaultBufSize
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = elbus.DefaultQueueSize
	}
	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = elbus.DefaultMaxFrameSize
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Limits.OpsPerSecond > 0 && cfg.Limits.Burst == 0 {
		cfg.Limits.Burst = max(1, int(cfg.Limits.OpsPerSecond))
	}
	if cfg.Limits.WarnRate == 0 {
		cfg.Limits.WarnRate = 10
	}
}

// Validate checks the configuration for validity.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Bind) == 0 {
		errs = append(errs, errors.New("at least one bind address is required"))
	}
	for _, addr := range c.Bind {
		a, err := elbus.ParseAddress(addr)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("bind %q: %w", addr, err))
		case a.Address == "":
			errs = append(errs, fmt.Errorf("bind %q: empty address", addr))
		case (a.Scheme == "tls" || a.Scheme == "quic" || a.Scheme == "wss") && !c.TLS.Enabled():
			errs = append(errs, fmt.Errorf("bind %q: tls cert and key are required", addr))
		}
	}

	if c.Workers < 1 {
		errs = append(errs, errors.New("workers must be positive"))
	}
	if c.Timeout <= 0 {
		errs = append(errs, errors.New("timeout must be positive"))
	}
	if c.BufSize < 512 {
		errs = append(errs, errors.New("buf_size must be at least 512"))
	}
	if c.QueueSize < 1 {
		errs = append(errs, errors.New("queue_size must be positive"))
	}
	if c.MaxConnections < 0 {
		errs = append(errs, errors.New("max_connections cannot be negative"))
	}

	if _, err := elbus.ParseLogLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log level: %w", err))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("invalid log format: %s (must be text or json)", c.Log.Format))
	}
	if c.Metrics.Address != "" && !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = append(errs, fmt.Errorf("metrics path must start with /: %s", c.Metrics.Path))
	}
	if (c.TLS.Cert == "") != (c.TLS.Key == "") {
		errs = append(errs, errors.New("tls cert and key must be set together"))
	}

	for mask, cred := range c.Auth.Credentials {
		if err := elbus.ValidateMask(mask); err != nil {
			errs = append(errs, fmt.Errorf("auth credentials %q: %w", mask, err))
		}
		if _, err := elbus.ParseCredential(cred); err != nil {
			errs = append(errs, fmt.Errorf("auth credentials %q: %w", mask, err))
		}
	}
	for i, r := range c.ACL.Rules {
		if _, err := r.Rule(); err != nil {
			errs = append(errs, fmt.Errorf("acl rule %d: %w", i, err))
		}
	}
	if c.Limits.OpsPerSecond < 0 || c.Limits.Burst < 0 || c.Limits.WarnRate < 0 {
		errs = append(errs, errors.New("limits cannot be negative"))
	}

	return errors.Join(errs...)
}

// Rule converts the rule to an elbus.ACLRule.
func (r RuleConfig) Rule() (elbus.ACLRule, error) {
	rule := elbus.ACLRule{Clients: r.Clients, Targets: r.Targets, Allow: r.Allow}
	if rule.Clients == "" {
		rule.Clients = "*"
	}
	if err := elbus.ValidateMask(rule.Clients); err != nil {
		return rule, err
	}
	for _, name := range r.Actions {
		action, err := elbus.ParseAuthzAction(name)
		if err != nil {
			return rule, err
		}
		rule.Actions = append(rule.Actions, action)
	}
	return rule, nil
}

// OverrideOptions are command-line values that replace file values when set.
type OverrideOptions struct {
	Bind      []string
	Workers   int
	Timeout   time.Duration
	BufSize   int
	QueueSize int
	PidFile   string
	LogLevel  string
}

// ApplyOverrides replaces configuration values with the non-zero overrides.
func (c *Config) ApplyOverrides(o OverrideOptions) {
	if len(o.Bind) > 0 {
		c.Bind = o.Bind
	}
	if o.Workers > 0 {
		c.Workers = o.Workers
	}
	if o.Timeout > 0 {
		c.Timeout = o.Timeout
	}
	if o.BufSize > 0 {
		c.BufSize = o.BufSize
	}
	if o.QueueSize > 0 {
		c.QueueSize = o.QueueSize
	}
	if o.PidFile != "" {
		c.PidFile = o.PidFile
	}
	if o.LogLevel != "" {
		c.Log.Level = o.LogLevel
	}
}
