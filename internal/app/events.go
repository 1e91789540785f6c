package app

import (
	"context"

	"guildtimer/internal/eventbus"
	"guildtimer/internal/scheduler"
	logx "guildtimer/pkg/logx"
)

// logEvents writes every bus event at debug level until ctx is done.
func (a *App) logEvents(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", eventFields(e)...)
		}
	}
}

func eventFields(e eventbus.Event) []logx.Field {
	fields := []logx.Field{logx.String("type", e.Type), logx.Time("time", e.Time)}
	switch d := e.Data.(type) {
	case scheduler.TimerEvent:
		fields = append(fields,
			logx.String("tenant", d.Tenant),
			logx.String("timer_id", d.TimerID),
			logx.String("name", d.Name),
			logx.String("owner_id", d.OwnerID),
			logx.String("status", string(d.Status)),
		)
	case scheduler.TenantEvent:
		fields = append(fields, logx.String("tenant", d.Tenant), logx.Int("count", d.Count))
		if d.Report != nil {
			fields = append(fields,
				logx.Int("loaded", d.Report.Loaded),
				logx.Int("expired", d.Report.Expired),
				logx.Int("failed", d.Report.Failed),
				logx.Int("deferred", d.Report.Deferred),
			)
		}
	}
	return fields
}
