package app

import (
	"context"
	"strings"

	"guildtimer/internal/config"
	logx "guildtimer/pkg/logx"
)

// validateReload rejects configs that could not be applied: everything
// Validate checks plus the mappings NewApp would run.
func (a *App) validateReload(_ context.Context, cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapAlertTarget(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorage(cfg); err != nil {
		return err
	}
	if _, err := mapScheduler(cfg); err != nil {
		return err
	}
	if _, _, err := mapOps(cfg); err != nil {
		return err
	}
	return nil
}

// reloadLoop applies published configs. Logging and the alert target are
// applied live; every other section is logged as needing a restart.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if target, err := mapAlertTarget(newCfg); err == nil {
		a.logs.SetAlertTarget(target)
	}
	a.logs.Apply(mapLogging(newCfg))

	if config.RestartRequired(sections) {
		a.log.Warn("config sections changed that need a restart to take effect",
			logx.String("changed", strings.Join(sections, ",")),
		)
	}
	a.log.Info("config reloaded", fields...)
}
