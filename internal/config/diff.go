package config

import (
	"reflect"
	"strings"

	logx "qotdbot/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes secrets like tokens
// or passwords).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)

	// Logging
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Datastore (restart required; never log credentials)
	if !reflect.DeepEqual(oldCfg.Datastore, newCfg.Datastore) {
		changed = append(changed, "datastore")
		tunnel := newCfg.Datastore.Tunnel != nil && newCfg.Datastore.Tunnel.Enabled
		attrs = append(attrs,
			logx.String("datastore.driver", strings.TrimSpace(newCfg.Datastore.Driver)),
			logx.Int("datastore.pool_size", newCfg.Datastore.PoolSize),
			logx.Bool("datastore.tunnel", tunnel),
			logx.Bool("datastore.restart_required", true),
		)
	}

	// Scheduler
	if oldCfg.Scheduler.Enabled != newCfg.Scheduler.Enabled ||
		strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) ||
		oldCfg.Scheduler.ReresolveDailyOrDefault() != newCfg.Scheduler.ReresolveDailyOrDefault() ||
		strings.TrimSpace(oldCfg.Scheduler.FiringTimeout) != strings.TrimSpace(newCfg.Scheduler.FiringTimeout) ||
		oldCfg.Scheduler.DeliveryRatePerSec != newCfg.Scheduler.DeliveryRatePerSec {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.tz", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.Bool("scheduler.reresolve_daily", newCfg.Scheduler.ReresolveDailyOrDefault()),
			logx.Int("scheduler.delivery_rate_per_sec", newCfg.Scheduler.DeliveryRatePerSec),
		)
	}

	// Telegram (never log token)
	if oldCfg.Telegram.Enabled != newCfg.Telegram.Enabled ||
		strings.TrimSpace(oldCfg.Telegram.APIURL) != strings.TrimSpace(newCfg.Telegram.APIURL) ||
		strings.TrimSpace(oldCfg.Telegram.Token) != strings.TrimSpace(newCfg.Telegram.Token) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.enabled", newCfg.Telegram.Enabled),
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
		)
	}

	// Admin
	if oldCfg.Admin != newCfg.Admin {
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.Bool("admin.enabled", newCfg.Admin.Enabled),
			logx.String("admin.addr", strings.TrimSpace(newCfg.Admin.Addr)),
		)
	}

	return changed, attrs
}
