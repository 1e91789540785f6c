package app

import (
	"fmt"
	"strings"
	"time"

	"guildtimer/internal/config"
	"guildtimer/internal/opsapi"
	"guildtimer/internal/scheduler"
	"guildtimer/internal/storage"
	"guildtimer/internal/transport"
	"guildtimer/internal/transport/telegram"
	logx "guildtimer/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Alerts: logx.AlertConfig{
			Enabled:    lc.Alerts.Enabled,
			MinLevel:   lc.Alerts.MinLevel,
			RatePerSec: lc.Alerts.RatePerSec,
		},
	}
}

// mapAlertTarget returns the zero ref when no alert channel is configured.
func mapAlertTarget(cfg *config.Config) (transport.ChannelRef, error) {
	ch := strings.TrimSpace(cfg.Telegram.AlertChannel)
	if ch == "" {
		return transport.ChannelRef{}, nil
	}
	ref, err := transport.ParseChannelRef(ch)
	if err != nil {
		return transport.ChannelRef{}, fmt.Errorf("telegram.alert_channel: %w", err)
	}
	return ref, nil
}

// mapTelegram reports false when no token is configured.
func mapTelegram(cfg *config.Config) (telegram.Config, bool, error) {
	tc := cfg.Telegram
	if strings.TrimSpace(tc.Token) == "" {
		return telegram.Config{}, false, nil
	}
	timeout, err := config.ParseDurationOrDefault("telegram.timeout", tc.Timeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, false, err
	}
	return telegram.Config{
		Token:      strings.TrimSpace(tc.Token),
		URL:        strings.TrimSpace(tc.APIURL),
		RatePerSec: tc.RatePerSec,
		Timeout:    timeout,
	}, true, nil
}

// mapStorage reports false when persistence is disabled.
func mapStorage(cfg *config.Config) (storage.Config, bool, error) {
	sc := cfg.Storage
	if sc == nil {
		return storage.Config{}, false, nil
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	out := storage.Config{
		Driver:    driver,
		Path:      strings.TrimSpace(sc.Path),
		Addr:      strings.TrimSpace(sc.Addr),
		Password:  sc.Password,
		DB:        sc.DB,
		DSN:       strings.TrimSpace(sc.DSN),
		KeyPrefix: sc.KeyPrefix,
	}
	switch driver {
	case "memory":
	case "file":
		if out.Path == "" {
			out.Path = "./data/timers"
		}
	case "sqlite", "sqlite3":
		if out.Path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		out.BusyTimeout = busy
	case "redis":
		if out.Addr == "" {
			return storage.Config{}, false, fmt.Errorf("storage.addr is required when storage.driver=redis")
		}
	case "postgres", "postgresql", "pg":
		if out.DSN == "" {
			return storage.Config{}, false, fmt.Errorf("storage.dsn is required when storage.driver=%s", driver)
		}
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	return out, true, nil
}

func mapScheduler(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	persist, err := config.ParseDurationField("scheduler.persist_timeout", sc.PersistTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	recovery, err := config.ParseDurationField("scheduler.recovery_timeout", sc.RecoveryTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	callback, err := config.ParseDurationField("scheduler.callback_timeout", sc.CallbackTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		PersistTimeout:  persist,
		RecoveryTimeout: recovery,
		CallbackTimeout: callback,
	}, nil
}

// mapOps reports false when the ops API is disabled.
func mapOps(cfg *config.Config) (opsapi.Config, bool, error) {
	oc := cfg.Ops
	if !oc.Enabled {
		return opsapi.Config{}, false, nil
	}
	out := opsapi.Config{
		Addr:  strings.TrimSpace(oc.Addr),
		Token: strings.TrimSpace(oc.Token),
		Pprof: oc.Pprof,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("ops.read_timeout", oc.ReadTimeout, 10*time.Second); err != nil {
		return opsapi.Config{}, false, err
	}
	// pprof profiles stream for up to 30s by default.
	if out.WriteTimeout, err = config.ParseDurationOrDefault("ops.write_timeout", oc.WriteTimeout, 60*time.Second); err != nil {
		return opsapi.Config{}, false, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("ops.idle_timeout", oc.IdleTimeout, 60*time.Second); err != nil {
		return opsapi.Config{}, false, err
	}
	return out, true, nil
}

// bootTenants returns the configured tenants, trimmed, in order.
func bootTenants(cfg *config.Config) []string {
	out := make([]string, 0, len(cfg.Scheduler.Tenants))
	for _, t := range cfg.Scheduler.Tenants {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
