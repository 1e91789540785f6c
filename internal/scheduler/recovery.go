package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"guildtimer/internal/eventbus"
	"guildtimer/internal/timer"
	logx "guildtimer/pkg/logx"
)

// RecoveryReport summarizes one InitializeTenant run.
type RecoveryReport struct {
	Tenant string `json:"tenant"`
	// Skipped is set when the tenant had already been recovered.
	Skipped bool `json:"skipped"`
	// Loaded counts projections read from the store.
	Loaded int `json:"loaded"`
	// Restored counts projections rebuilt into live timers; Started is the
	// subset that was running and got restarted.
	Restored int `json:"restored"`
	Started  int `json:"started"`
	// Expired counts projections dropped because they ran out while offline.
	Expired int `json:"expired"`
	// Failed counts projections dropped because they could not be decoded or
	// their callback could not be rebuilt.
	Failed int `json:"failed"`
	// Deferred counts projections kept in the store because their callback
	// kind is known but no factory is registered in this process.
	Deferred int `json:"deferred"`
	// Live counts ids skipped because a timer with that id is already live.
	Live int   `json:"live"`
	Err  error `json:"-"`
}

// Drop reasons reported in metrics and logs.
const (
	dropExpired         = "expired"
	dropCorrupt         = "corrupt"
	dropUnknown         = "unknown_descriptor"
	dropResourceMissing = "resource_missing"
	dropRebuildFailed   = "rebuild_failed"
)

// InitializeTenant rehydrates the tenant's persisted timers. It runs at most
// once per tenant until CancelAllForTenant clears the marker; concurrent
// calls wait for the first and return a skipped report.
//
// Running projections lose the time spent offline. Projections with nothing
// left are deleted and never fired late.
func (m *Manager) InitializeTenant(ctx context.Context, tenantID string) RecoveryReport {
	tenantID = normalizeTenant(tenantID)
	rep := RecoveryReport{Tenant: tenantID}
	if tenantID == "" {
		rep.Err = errors.New("tenant id is required")
		return rep
	}

	unlock := m.ops.Lock(tenantID)
	defer unlock()

	if m.Recovered(tenantID) {
		rep.Skipped = true
		return rep
	}
	if m.store == nil {
		m.markRecovered(tenantID)
		return rep
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.RecoveryTimeout)
	defer cancel()

	raw, err := m.store.GetAll(ctx, CollectionKey(tenantID))
	if err != nil {
		rep.Err = fmt.Errorf("load timers for %s: %w", tenantID, err)
		m.log.Warn("tenant recovery failed", logx.String("tenant", tenantID), logx.Err(err))
		return rep
	}
	rep.Loaded = len(raw)

	ids := make([]string, 0, len(raw))
	for id := range raw {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	now := m.clk.Now()
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			rep.Err = fmt.Errorf("recover %s: %w", tenantID, err)
			break
		}
		m.recoverOne(ctx, tenantID, id, raw[id], now, &rep)
	}

	if rep.Err == nil {
		m.markRecovered(tenantID)
	}
	if m.bus != nil {
		r := rep
		m.bus.Publish(eventbus.Event{
			Type: eventbus.TenantRecovered,
			Time: m.clk.Now(),
			Data: TenantEvent{Tenant: tenantID, Count: rep.Restored, Report: &r},
		})
	}
	m.log.Info("tenant recovered",
		logx.String("tenant", tenantID),
		logx.Int("loaded", rep.Loaded),
		logx.Int("restored", rep.Restored),
		logx.Int("started", rep.Started),
		logx.Int("expired", rep.Expired),
		logx.Int("failed", rep.Failed),
		logx.Int("deferred", rep.Deferred),
		logx.Int("live", rep.Live),
		logx.Err(rep.Err),
	)
	return rep
}

func (m *Manager) recoverOne(ctx context.Context, tenantID, id string, b []byte, now time.Time, rep *RecoveryReport) {
	log := m.log.With(logx.String("tenant", tenantID), logx.String("timer_id", id))

	if _, live := m.GetTimer(tenantID, id); live {
		rep.Live++
		return
	}

	p, err := decodeProjection(b)
	if err != nil {
		log.Warn("dropping unreadable timer", logx.Err(err))
		m.dropProjection(ctx, tenantID, id, dropCorrupt)
		rep.Failed++
		return
	}
	log = log.With(logx.String("name", p.Name))

	remaining := p.EffectiveRemaining(now)
	if remaining <= 0 {
		log.Debug("dropping timer expired while offline", logx.Float64("remaining_minutes", p.RemainingMinutes))
		m.dropProjection(ctx, tenantID, id, dropExpired)
		rep.Expired++
		return
	}

	if !p.Callback.Kind.Valid() {
		log.Warn("dropping timer with unknown callback", logx.String("kind", string(p.Callback.Kind)))
		m.dropProjection(ctx, tenantID, id, dropUnknown)
		rep.Failed++
		return
	}
	f, ok := m.factory(p.Callback.Kind)
	if !ok {
		log.Warn("keeping timer without a registered callback", logx.String("kind", string(p.Callback.Kind)))
		rep.Deferred++
		return
	}

	kind := timer.ParseKind(string(p.Kind))
	cb, err := f(ctx, Rebuild{
		TenantID:   tenantID,
		Name:       p.Name,
		OwnerID:    p.OwnerID,
		Kind:       kind,
		Duration:   p.Duration(),
		Descriptor: p.Callback,
	})
	if err != nil {
		reason := dropRebuildFailed
		if errors.Is(err, ErrResourceMissing) {
			reason = dropResourceMissing
		}
		log.Warn("dropping timer, callback rebuild failed", logx.String("reason", reason), logx.Err(err))
		m.dropProjection(ctx, tenantID, id, reason)
		rep.Failed++
		return
	}
	if cb == nil {
		cb = func(context.Context, *timer.Timer) error { return nil }
	}

	desc := p.Callback
	t, err := m.createLocked(ctx, tenantID, TimerOptions{
		Name:       p.Name,
		OwnerID:    p.OwnerID,
		Kind:       kind,
		Duration:   p.Duration(),
		Remaining:  &remaining,
		Callback:   cb,
		Descriptor: &desc,
	})
	if err != nil {
		log.Warn("dropping timer, recreate failed", logx.Err(err))
		m.dropProjection(ctx, tenantID, id, dropRebuildFailed)
		rep.Failed++
		return
	}
	m.deleteProjection(ctx, tenantID, id)
	rep.Restored++
	m.metrics.restored()

	if p.Status == timer.StatusRunning {
		if _, ok := t.Start(); ok {
			rep.Started++
		}
	}
	log.Debug("timer restored",
		logx.String("new_id", t.ID()),
		logx.String("status", string(p.Status)),
		logx.Duration("remaining", remaining),
	)
}

func (m *Manager) dropProjection(ctx context.Context, tenantID, id, reason string) {
	m.deleteProjection(ctx, tenantID, id)
	m.metrics.dropped(reason)
}

func (m *Manager) markRecovered(tenantID string) {
	m.mu.Lock()
	m.recovered[tenantID] = true
	m.mu.Unlock()
}
