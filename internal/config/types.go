package config

import (
	"errors"
	"fmt"
	"strings"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Datastore is read once when the connection manager is built. Changes
	// are reported on reload but take effect only after a restart.
	Datastore DatastoreConfig `json:"datastore"`

	Scheduler SchedulerConfig `json:"scheduler"`
	Telegram  TelegramConfig  `json:"telegram"`
	Admin     AdminConfig     `json:"admin,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// DatastoreConfig describes the relational store and the optional SSH tunnel
// in front of it.
//
// All durations are Go duration strings (e.g. "500ms", "30s").
//
// Defaults (when fields are omitted/zero):
//   - driver: "postgres"
//   - pool_size: 10
//   - recover_interval: "30s"
//   - settle_delay: "30s"
//   - probe_fail_delay: "5s"
//   - retry_delay: "1s"
//   - ping_timeout: "5s"
//   - watchdog_interval: "0s" (disabled)
type DatastoreConfig struct {
	Driver string `json:"driver"`

	// Address is host:port of the database when no tunnel is configured.
	Address  string `json:"address,omitempty"`
	Database string `json:"database"`
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"` // never logged
	SSLMode  string `json:"ssl_mode,omitempty"`

	PoolSize int `json:"pool_size,omitempty"`

	Tunnel *TunnelConfig `json:"tunnel,omitempty"`

	RecoverInterval  string `json:"recover_interval,omitempty"`
	SettleDelay      string `json:"settle_delay,omitempty"`
	ProbeFailDelay   string `json:"probe_fail_delay,omitempty"`
	RetryDelay       string `json:"retry_delay,omitempty"`
	PingTimeout      string `json:"ping_timeout,omitempty"`
	WatchdogInterval string `json:"watchdog_interval,omitempty"`

	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// TunnelConfig controls the SSH local port forward.
//
// Example:
//
//	"tunnel": {
//	  "enabled": true,
//	  "ssh_address": "bastion.example.org:22",
//	  "ssh_user": "qotd",
//	  "ssh_key_file": "~/.ssh/id_ed25519",
//	  "local_bind": "127.0.0.1:15432",
//	  "remote_bind": "10.0.0.5:5432"
//	}
type TunnelConfig struct {
	Enabled        bool   `json:"enabled"`
	SSHAddress     string `json:"ssh_address"`
	SSHUser        string `json:"ssh_user"`
	SSHPassword    string `json:"ssh_password,omitempty"` // never logged
	SSHKeyFile     string `json:"ssh_key_file,omitempty"`
	KnownHostsFile string `json:"known_hosts_file,omitempty"`
	LocalBind      string `json:"local_bind"`
	RemoteBind     string `json:"remote_bind"`
	DialTimeout    string `json:"dial_timeout,omitempty"`
}

// SchedulerConfig controls the per-tenant trigger service.
//
// ReresolveDaily is a pointer so an omitted value defaults to true.
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`

	ReresolveDaily     *bool  `json:"reresolve_daily,omitempty"`
	FiringTimeout      string `json:"firing_timeout,omitempty"`
	DeliveryRatePerSec int    `json:"delivery_rate_per_sec,omitempty"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"` // never logged
	APIURL  string `json:"api_url,omitempty"`
}

// AdminConfig controls the local configuration surface.
//
// Prefer binding to localhost (e.g. "127.0.0.1:8085"); the surface has no
// authentication.
type AdminConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
}

// Validate checks cross-field constraints that the decoder cannot express.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error

	switch strings.ToLower(strings.TrimSpace(c.Datastore.Driver)) {
	case "", "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("datastore.driver: unsupported driver %q", c.Datastore.Driver))
	}
	if c.Datastore.PoolSize < 0 {
		errs = append(errs, errors.New("datastore.pool_size must be >= 0"))
	}
	for path, raw := range map[string]string{
		"datastore.recover_interval":  c.Datastore.RecoverInterval,
		"datastore.settle_delay":      c.Datastore.SettleDelay,
		"datastore.probe_fail_delay":  c.Datastore.ProbeFailDelay,
		"datastore.retry_delay":       c.Datastore.RetryDelay,
		"datastore.ping_timeout":      c.Datastore.PingTimeout,
		"datastore.watchdog_interval": c.Datastore.WatchdogInterval,
		"datastore.busy_timeout":      c.Datastore.BusyTimeout,
		"scheduler.firing_timeout":    c.Scheduler.FiringTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	if t := c.Datastore.Tunnel; t != nil && t.Enabled {
		if strings.TrimSpace(t.SSHAddress) == "" {
			errs = append(errs, errors.New("datastore.tunnel.ssh_address required"))
		}
		if strings.TrimSpace(t.SSHUser) == "" {
			errs = append(errs, errors.New("datastore.tunnel.ssh_user required"))
		}
		if strings.TrimSpace(t.SSHPassword) == "" && strings.TrimSpace(t.SSHKeyFile) == "" {
			errs = append(errs, errors.New("datastore.tunnel: ssh_password or ssh_key_file required"))
		}
		if strings.TrimSpace(t.RemoteBind) == "" {
			errs = append(errs, errors.New("datastore.tunnel.remote_bind required"))
		}
		if _, err := ParseDurationField("datastore.tunnel.dial_timeout", t.DialTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Scheduler.DeliveryRatePerSec < 0 {
		errs = append(errs, errors.New("scheduler.delivery_rate_per_sec must be >= 0"))
	}
	if c.Telegram.Enabled && strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token required when telegram.enabled"))
	}
	return errors.Join(errs...)
}

// ReresolveDailyOrDefault returns scheduler.reresolve_daily, defaulting to true.
func (s SchedulerConfig) ReresolveDailyOrDefault() bool {
	if s.ReresolveDaily == nil {
		return true
	}
	return *s.ReresolveDaily
}
