package app

import (
	"strings"
	"time"

	"qotdbot/internal/config"
	"qotdbot/internal/datastore"
	"qotdbot/internal/scheduler"
	logx "qotdbot/pkg/logx"
)

type datastoreParts struct {
	driver   string
	tunnel   datastore.Tunnel
	opener   datastore.Opener
	manager  datastore.ManagerOptions
	executor datastore.ExecutorOptions
	watchdog time.Duration
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	timeout, err := config.ParseDurationOrDefault("scheduler.firing_timeout", cfg.Scheduler.FiringTimeout, 2*time.Minute)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:            cfg.Scheduler.Enabled,
		Timezone:           strings.TrimSpace(cfg.Scheduler.Timezone),
		ReresolveDaily:     cfg.Scheduler.ReresolveDailyOrDefault(),
		FiringTimeout:      timeout,
		DeliveryRatePerSec: cfg.Scheduler.DeliveryRatePerSec,
	}, nil
}

// mapDatastoreConfig picks the tunnel and driver. The tunnel section is
// ignored for sqlite.
func mapDatastoreConfig(cfg *config.Config, log logx.Logger) (datastoreParts, error) {
	dc := cfg.Datastore
	var p datastoreParts

	durations := []struct {
		path string
		raw  string
		def  time.Duration
		dst  *time.Duration
	}{
		{"datastore.recover_interval", dc.RecoverInterval, 30 * time.Second, &p.executor.RecoverInterval},
		{"datastore.settle_delay", dc.SettleDelay, datastore.DefaultSettleDelay, &p.executor.SettleDelay},
		{"datastore.probe_fail_delay", dc.ProbeFailDelay, 5 * time.Second, &p.executor.ProbeFailDelay},
		{"datastore.retry_delay", dc.RetryDelay, time.Second, &p.executor.RetryDelay},
		{"datastore.ping_timeout", dc.PingTimeout, 5 * time.Second, &p.executor.PingTimeout},
		{"datastore.watchdog_interval", dc.WatchdogInterval, 0, &p.watchdog},
	}
	for _, d := range durations {
		v, err := config.ParseDurationOrDefault(d.path, d.raw, d.def)
		if err != nil {
			return datastoreParts{}, err
		}
		*d.dst = v
	}
	p.executor.Log = log
	p.manager = datastore.ManagerOptions{PoolSize: dc.PoolSize, Log: log}

	p.driver = strings.ToLower(strings.TrimSpace(dc.Driver))
	if p.driver == "" {
		p.driver = "postgres"
	}
	switch p.driver {
	case "sqlite":
		busy, err := config.ParseDurationOrDefault("datastore.busy_timeout", dc.BusyTimeout, 5*time.Second)
		if err != nil {
			return datastoreParts{}, err
		}
		path := strings.TrimSpace(dc.Database)
		if path == "" {
			path = "./data/qotdbot.db"
		}
		p.tunnel = datastore.NewDirectTunnel("")
		p.opener = datastore.SQLiteOpener{Path: path, BusyTimeout: busy}
		return p, nil
	}

	p.opener = datastore.PostgresOpener{
		Database: dc.Database,
		User:     dc.User,
		Password: dc.Password,
		SSLMode:  dc.SSLMode,
	}
	if t := dc.Tunnel; t != nil && t.Enabled {
		dial, err := config.ParseDurationOrDefault("datastore.tunnel.dial_timeout", t.DialTimeout, 15*time.Second)
		if err != nil {
			return datastoreParts{}, err
		}
		p.tunnel = datastore.NewSSHTunnel(datastore.SSHConfig{
			Address:        t.SSHAddress,
			User:           t.SSHUser,
			Password:       t.SSHPassword,
			KeyFile:        t.SSHKeyFile,
			KnownHostsFile: t.KnownHostsFile,
			LocalBind:      t.LocalBind,
			RemoteBind:     t.RemoteBind,
			DialTimeout:    dial,
		}, log)
		return p, nil
	}
	addr := strings.TrimSpace(dc.Address)
	if addr == "" {
		addr = "127.0.0.1:5432"
	}
	p.tunnel = datastore.NewDirectTunnel(addr)
	return p, nil
}
