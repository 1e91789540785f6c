package config

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

var knownDrivers = map[string]bool{
	"": true, "none": true, "memory": true, "file": true,
	"sqlite": true, "sqlite3": true, "redis": true,
	"postgres": true, "postgresql": true, "pg": true,
}

// Validate checks field formats. It does not touch the network or disk.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	for path, raw := range map[string]string{
		"telegram.timeout":           cfg.Telegram.Timeout,
		"scheduler.persist_timeout":  cfg.Scheduler.PersistTimeout,
		"scheduler.recovery_timeout": cfg.Scheduler.RecoveryTimeout,
		"scheduler.callback_timeout": cfg.Scheduler.CallbackTimeout,
		"ops.read_timeout":           cfg.Ops.ReadTimeout,
		"ops.write_timeout":          cfg.Ops.WriteTimeout,
		"ops.idle_timeout":           cfg.Ops.IdleTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	if ch := strings.TrimSpace(cfg.Telegram.AlertChannel); ch != "" {
		if err := validateChannel(ch); err != nil {
			errs = append(errs, fmt.Errorf("telegram.alert_channel: %w", err))
		}
	}
	if cfg.Logging.Alerts.Enabled && strings.TrimSpace(cfg.Telegram.AlertChannel) == "" {
		errs = append(errs, errors.New("logging.alerts.enabled requires telegram.alert_channel"))
	}

	if sc := cfg.Storage; sc != nil {
		if _, err := ParseDurationField("storage.busy_timeout", sc.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
		if !knownDrivers[strings.ToLower(strings.TrimSpace(sc.Driver))] {
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", sc.Driver))
		}
	}

	seen := map[string]bool{}
	for i, t := range cfg.Scheduler.Tenants {
		t = strings.TrimSpace(t)
		if t == "" {
			errs = append(errs, fmt.Errorf("scheduler.tenants[%d]: empty tenant id", i))
			continue
		}
		if seen[t] {
			errs = append(errs, fmt.Errorf("scheduler.tenants[%d]: duplicate tenant %q", i, t))
		}
		seen[t] = true
	}

	if cfg.Ops.Enabled && strings.TrimSpace(cfg.Ops.Addr) != "" {
		if _, _, err := net.SplitHostPort(strings.TrimSpace(cfg.Ops.Addr)); err != nil {
			errs = append(errs, fmt.Errorf("ops.addr: %w", err))
		}
	}

	return errors.Join(errs...)
}

// Validator adapts Validate to ConfigManager.SetValidator.
func Validator(_ context.Context, cfg *Config) error { return Validate(cfg) }

// validateChannel mirrors the "<chatID>[/<threadID>]" form without importing
// the transport package.
func validateChannel(s string) error {
	chat, thread, hasThread := strings.Cut(s, "/")
	if _, err := strconv.ParseInt(strings.TrimSpace(chat), 10, 64); err != nil {
		return fmt.Errorf("invalid chat id %q", chat)
	}
	if hasThread {
		if n, err := strconv.Atoi(strings.TrimSpace(thread)); err != nil || n <= 0 {
			return fmt.Errorf("invalid thread id %q", thread)
		}
	}
	return nil
}
