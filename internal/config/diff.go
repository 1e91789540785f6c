package config

import (
	"reflect"
	"sort"
	"strings"

	logx "guildtimer/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging. Secrets (bot token, redis password,
// postgres dsn, ops token) are only ever reported as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token ||
		strings.TrimSpace(ot.AlertChannel) != strings.TrimSpace(nt.AlertChannel) ||
		strings.TrimSpace(ot.APIURL) != strings.TrimSpace(nt.APIURL) ||
		ot.RatePerSec != nt.RatePerSec ||
		strings.TrimSpace(ot.Timeout) != strings.TrimSpace(nt.Timeout) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
			logx.String("telegram.alert_channel", strings.TrimSpace(nt.AlertChannel)),
			logx.Int("telegram.rate_per_sec", nt.RatePerSec),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alerts_enabled", newCfg.Logging.Alerts.Enabled),
			logx.String("logging.alerts_min_level", newCfg.Logging.Alerts.MinLevel),
		)
	}

	// Nil means disabled.
	oldS, ns := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if oldS != ns {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(ns.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(ns.Path) != ""),
			logx.String("storage.addr", strings.TrimSpace(ns.Addr)),
			logx.Bool("storage.dsn_set", strings.TrimSpace(ns.DSN) != ""),
			logx.String("storage.key_prefix", ns.KeyPrefix),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.persist_timeout", strings.TrimSpace(newCfg.Scheduler.PersistTimeout)),
			logx.String("scheduler.recovery_timeout", strings.TrimSpace(newCfg.Scheduler.RecoveryTimeout)),
			logx.String("scheduler.callback_timeout", strings.TrimSpace(newCfg.Scheduler.CallbackTimeout)),
			logx.Int("scheduler.tenant_count", len(newCfg.Scheduler.Tenants)),
		)
	}

	oo, no := oldCfg.Ops, newCfg.Ops
	if oo != no {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", no.Enabled),
			logx.String("ops.addr", strings.TrimSpace(no.Addr)),
			logx.Bool("ops.token_set", strings.TrimSpace(no.Token) != ""),
			logx.Bool("ops.pprof", no.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports whether any of the changed sections can only take
// effect after a restart. Logging is applied live.
func RestartRequired(changed []string) bool {
	for _, s := range changed {
		if s != "logging" {
			return true
		}
	}
	return false
}

func derefStorage(sc *StorageConfig) StorageConfig {
	if sc == nil {
		return StorageConfig{}
	}
	return *sc
}
