package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"guildtimer/internal/clock"
	"guildtimer/internal/eventbus"
	"guildtimer/internal/storage"
	"guildtimer/internal/syncutil"
	"guildtimer/internal/timer"
	logx "guildtimer/pkg/logx"
)

const (
	defaultPersistTimeout  = 5 * time.Second
	defaultRecoveryTimeout = 30 * time.Second
)

type Config struct {
	// PersistTimeout bounds a single projection write or delete.
	PersistTimeout time.Duration
	// RecoveryTimeout bounds a whole InitializeTenant run.
	RecoveryTimeout time.Duration
	// CallbackTimeout bounds the context handed to timer callbacks.
	CallbackTimeout time.Duration
}

type Option func(*Manager)

func WithClock(c clock.Clock) Option { return func(m *Manager) { m.clk = c } }

func WithEffects(e timer.EffectRunner) Option { return func(m *Manager) { m.effects = e } }

func WithMetrics(mt *Metrics) Option { return func(m *Manager) { m.metrics = mt } }

// Manager owns the live timers of every tenant and keeps their projections
// in the store.
//
// Lock order: tenant op lock, tenant persist lock, timer mutex. Observers run
// without the timer mutex and only take the persist lock, so a callback may
// call back into the manager.
type Manager struct {
	cfg     Config
	store   storage.Store
	log     logx.Logger
	bus     eventbus.Bus
	clk     clock.Clock
	effects timer.EffectRunner
	metrics *Metrics

	ops     syncutil.KeyMutex[string]
	persist syncutil.KeyMutex[string]

	mu        sync.RWMutex
	live      map[string]map[string]*entry
	recovered map[string]bool
	seq       uint64

	facMu     sync.RWMutex
	factories map[DescriptorKind]Factory
}

type entry struct {
	t    *timer.Timer
	desc Descriptor
	seq  uint64
}

// New builds a manager. A nil store disables persistence; a nil bus
// disables events.
func New(cfg Config, store storage.Store, log logx.Logger, bus eventbus.Bus, opts ...Option) *Manager {
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = defaultPersistTimeout
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = defaultRecoveryTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{
		cfg:       cfg,
		store:     store,
		log:       log.With(logx.String("comp", "scheduler")),
		bus:       bus,
		live:      map[string]map[string]*entry{},
		recovered: map[string]bool{},
		factories: map[DescriptorKind]Factory{DescriptorNone: noneFactory},
	}
	for _, o := range opts {
		o(m)
	}
	m.clk = clock.OrReal(m.clk)
	if m.effects == nil {
		m.effects = timer.NewClockEffects(m.clk)
	}
	return m
}

// RegisterFactory installs the rebuild function for a descriptor kind.
func (m *Manager) RegisterFactory(kind DescriptorKind, f Factory) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownDescriptor, kind)
	}
	if f == nil {
		return errors.New("nil factory")
	}
	m.facMu.Lock()
	m.factories[kind] = f
	m.facMu.Unlock()
	return nil
}

func (m *Manager) factory(kind DescriptorKind) (Factory, bool) {
	m.facMu.RLock()
	defer m.facMu.RUnlock()
	f, ok := m.factories[kind]
	return f, ok
}

// TimerOptions describes a timer to create.
type TimerOptions struct {
	ID       string
	Name     string
	OwnerID  string
	Kind     timer.Kind
	Duration time.Duration
	// Remaining seeds the countdown. Nil means the full duration.
	Remaining *time.Duration
	// Callback runs on natural completion. When nil, the factory registered
	// for the descriptor kind builds it.
	Callback timer.Callback
	// Descriptor is inferred from Name when nil.
	Descriptor *Descriptor
}

// CreateTimer builds a timer, registers it under tenantID and persists it.
// The timer is not started.
func (m *Manager) CreateTimer(ctx context.Context, tenantID string, opts TimerOptions) (*timer.Timer, error) {
	tenantID = normalizeTenant(tenantID)
	if tenantID == "" {
		return nil, errors.New("tenant id is required")
	}
	unlock := m.ops.Lock(tenantID)
	defer unlock()
	return m.createLocked(ctx, tenantID, opts)
}

func (m *Manager) createLocked(ctx context.Context, tenantID string, opts TimerOptions) (*timer.Timer, error) {
	if opts.Duration <= 0 {
		return nil, fmt.Errorf("timer %q: duration must be positive", opts.Name)
	}
	desc := InferDescriptor(opts.Name)
	if opts.Descriptor != nil {
		desc = *opts.Descriptor
	}
	if desc.Kind == "" {
		desc.Kind = DescriptorNone
	}
	if !desc.Kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDescriptor, desc.Kind)
	}

	cb := opts.Callback
	if cb == nil {
		f, ok := m.factory(desc.Kind)
		if !ok {
			return nil, fmt.Errorf("%w: no factory for %q", ErrUnknownDescriptor, desc.Kind)
		}
		var err error
		cb, err = f(ctx, Rebuild{
			TenantID:   tenantID,
			Name:       opts.Name,
			OwnerID:    opts.OwnerID,
			Kind:       opts.Kind,
			Duration:   opts.Duration,
			Descriptor: desc,
		})
		if err != nil {
			return nil, fmt.Errorf("build %s callback: %w", desc.Kind, err)
		}
	}

	t := timer.New(timer.Config{
		ID:              opts.ID,
		Name:            opts.Name,
		OwnerID:         opts.OwnerID,
		Kind:            opts.Kind,
		Duration:        opts.Duration,
		Remaining:       opts.Remaining,
		Callback:        cb,
		Clock:           m.clk,
		Effects:         m.effects,
		Logger:          m.log.With(logx.String("tenant", tenantID)),
		Observer:        m.observer(tenantID),
		CallbackTimeout: m.cfg.CallbackTimeout,
	})

	m.mu.Lock()
	m.seq++
	byID := m.live[tenantID]
	if byID == nil {
		byID = map[string]*entry{}
		m.live[tenantID] = byID
	}
	if old := byID[t.ID()]; old != nil {
		old.t.Cancel()
	}
	byID[t.ID()] = &entry{t: t, desc: desc, seq: m.seq}
	n := m.countLocked()
	m.mu.Unlock()

	m.metrics.created()
	m.metrics.setActive(n)
	m.persistTimer(ctx, tenantID, t.ID())
	m.publish(eventbus.TimerCreated, tenantID, t)
	m.log.Debug("timer created",
		logx.String("tenant", tenantID),
		logx.String("timer_id", t.ID()),
		logx.String("name", t.Name()),
		logx.Duration("remaining", t.Remaining()),
	)
	return t, nil
}

// CancelTimer stops the timer, forgets it and deletes its projection. It
// reports whether a live timer was cancelled; unknown ids are a no-op apart
// from deleting any stray projection.
func (m *Manager) CancelTimer(ctx context.Context, tenantID, id string) bool {
	tenantID = normalizeTenant(tenantID)
	unlock := m.ops.Lock(tenantID)
	defer unlock()
	return m.cancelLocked(ctx, tenantID, id)
}

func (m *Manager) cancelLocked(ctx context.Context, tenantID, id string) bool {
	punlock := m.persist.Lock(tenantID)
	defer punlock()

	m.mu.Lock()
	e := m.live[tenantID][id]
	if e != nil {
		delete(m.live[tenantID], id)
		if len(m.live[tenantID]) == 0 {
			delete(m.live, tenantID)
		}
	}
	n := m.countLocked()
	m.mu.Unlock()

	if e != nil {
		e.t.Cancel()
	}
	m.deleteProjection(ctx, tenantID, id)
	if e == nil {
		return false
	}
	m.metrics.cancelled(1)
	m.metrics.setActive(n)
	m.publish(eventbus.TimerCancelled, tenantID, e.t)
	m.log.Debug("timer cancelled", logx.String("tenant", tenantID), logx.String("timer_id", id))
	return true
}

// ResetTimer re-arms a live timer with its full duration.
func (m *Manager) ResetTimer(ctx context.Context, tenantID, id string) bool {
	tenantID = normalizeTenant(tenantID)
	unlock := m.ops.Lock(tenantID)
	defer unlock()

	t, ok := m.GetTimer(tenantID, id)
	if !ok || !t.Reset() {
		return false
	}
	_, ok = t.Start()
	return ok
}

// CancelAllForTenant cancels every live timer of the tenant, deletes its
// persisted collection and clears its recovered marker.
func (m *Manager) CancelAllForTenant(ctx context.Context, tenantID string) int {
	tenantID = normalizeTenant(tenantID)
	unlock := m.ops.Lock(tenantID)
	defer unlock()
	punlock := m.persist.Lock(tenantID)
	defer punlock()

	m.mu.Lock()
	byID := m.live[tenantID]
	delete(m.live, tenantID)
	delete(m.recovered, tenantID)
	n := m.countLocked()
	m.mu.Unlock()

	for _, e := range byID {
		e.t.Cancel()
	}
	m.metrics.cancelled(len(byID))
	m.metrics.setActive(n)

	if m.store != nil {
		pctx, cancel := m.persistContext(ctx)
		err := m.store.DeleteCollection(pctx, CollectionKey(tenantID))
		cancel()
		if err != nil {
			m.metrics.persistError("delete_collection")
			m.log.Warn("delete timer collection failed", logx.String("tenant", tenantID), logx.Err(err))
		}
	}
	m.publishTenant(eventbus.TenantCleared, tenantID, len(byID))
	m.log.Info("tenant timers cleared", logx.String("tenant", tenantID), logx.Int("count", len(byID)))
	return len(byID)
}

func (m *Manager) GetTimer(tenantID, id string) (*timer.Timer, bool) {
	tenantID = normalizeTenant(tenantID)
	m.mu.RLock()
	defer m.mu.RUnlock()
	e := m.live[tenantID][id]
	if e == nil {
		return nil, false
	}
	return e.t, true
}

// GetTimersForOwner returns the owner's live timers in creation order.
func (m *Manager) GetTimersForOwner(tenantID, ownerID string) []*timer.Timer {
	all := m.GetTimersForTenant(tenantID)
	out := all[:0]
	for _, t := range all {
		if t.OwnerID() == ownerID {
			out = append(out, t)
		}
	}
	return out
}

// GetTimersForTenant returns the tenant's live timers in creation order.
func (m *Manager) GetTimersForTenant(tenantID string) []*timer.Timer {
	tenantID = normalizeTenant(tenantID)
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.live[tenantID]))
	for _, e := range m.live[tenantID] {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]*timer.Timer, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.t)
	}
	return out
}

// Descriptor returns the callback descriptor stored with a live timer.
func (m *Manager) Descriptor(tenantID, id string) (Descriptor, bool) {
	tenantID = normalizeTenant(tenantID)
	m.mu.RLock()
	defer m.mu.RUnlock()
	e := m.live[tenantID][id]
	if e == nil {
		return Descriptor{}, false
	}
	return e.desc, true
}

// Tenants lists tenants that have live timers or have been recovered.
func (m *Manager) Tenants() []string {
	m.mu.RLock()
	seen := make(map[string]struct{}, len(m.live)+len(m.recovered))
	for k := range m.live {
		seen[k] = struct{}{}
	}
	for k := range m.recovered {
		seen[k] = struct{}{}
	}
	m.mu.RUnlock()

	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) Recovered(tenantID string) bool {
	tenantID = normalizeTenant(tenantID)
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.recovered[tenantID]
}

// Shutdown stops every live timer without touching the store, so the next
// process can recover them.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	tenants := make([]string, 0, len(m.live))
	for k := range m.live {
		tenants = append(tenants, k)
	}
	m.mu.RUnlock()

	stopped := 0
	for _, tenantID := range tenants {
		unlock := m.ops.Lock(tenantID)
		punlock := m.persist.Lock(tenantID)
		m.mu.Lock()
		byID := m.live[tenantID]
		delete(m.live, tenantID)
		m.mu.Unlock()
		for _, e := range byID {
			e.t.Cancel()
			stopped++
		}
		punlock()
		unlock()
	}
	m.metrics.setActive(0)
	m.log.Info("scheduler stopped", logx.Int("timers", stopped))
}

// normalizeTenant is applied by every exported entry point so " G1" and
// "G1" name the same tenant.
func normalizeTenant(tenantID string) string { return strings.TrimSpace(tenantID) }

func (m *Manager) observer(tenantID string) timer.Observer {
	return func(t *timer.Timer, ev timer.Event) {
		switch ev {
		case timer.EventStarted:
			m.persistTimer(context.Background(), tenantID, t.ID())
			m.publish(eventbus.TimerStarted, tenantID, t)
		case timer.EventPaused:
			m.persistTimer(context.Background(), tenantID, t.ID())
			m.publish(eventbus.TimerPaused, tenantID, t)
		case timer.EventReset:
			m.persistTimer(context.Background(), tenantID, t.ID())
			m.publish(eventbus.TimerReset, tenantID, t)
		case timer.EventCompleted:
			m.metrics.fired()
			m.persistTimer(context.Background(), tenantID, t.ID())
			m.publish(eventbus.TimerCompleted, tenantID, t)
		case timer.EventCallbackFailed:
			m.metrics.callbackFailed()
			m.publish(eventbus.TimerFailed, tenantID, t)
		}
	}
}

// persistTimer writes the current projection of a live timer. Cancelled or
// replaced timers are skipped so a late observer never resurrects them.
func (m *Manager) persistTimer(ctx context.Context, tenantID, id string) {
	if m.store == nil {
		return
	}
	punlock := m.persist.Lock(tenantID)
	defer punlock()

	m.mu.RLock()
	e := m.live[tenantID][id]
	m.mu.RUnlock()
	if e == nil || e.t.Cancelled() {
		return
	}

	b, err := encodeProjection(project(tenantID, e.t.Snapshot(), e.desc))
	if err != nil {
		m.metrics.persistError("encode")
		m.log.Warn("encode timer projection failed", logx.String("tenant", tenantID), logx.String("timer_id", id), logx.Err(err))
		return
	}
	pctx, cancel := m.persistContext(ctx)
	defer cancel()
	if err := m.store.Set(pctx, CollectionKey(tenantID), id, b); err != nil {
		m.metrics.persistError("set")
		m.log.Warn("persist timer failed", logx.String("tenant", tenantID), logx.String("timer_id", id), logx.Err(err))
	}
}

func (m *Manager) deleteProjection(ctx context.Context, tenantID, id string) {
	if m.store == nil {
		return
	}
	pctx, cancel := m.persistContext(ctx)
	defer cancel()
	if err := m.store.Delete(pctx, CollectionKey(tenantID), id); err != nil {
		m.metrics.persistError("delete")
		m.log.Warn("delete timer projection failed", logx.String("tenant", tenantID), logx.String("timer_id", id), logx.Err(err))
	}
}

// persistContext detaches store writes from the caller's cancellation; the
// in-memory state has already moved on.
func (m *Manager) persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(context.WithoutCancel(ctx), m.cfg.PersistTimeout)
}

func (m *Manager) countLocked() int {
	n := 0
	for _, byID := range m.live {
		n += len(byID)
	}
	return n
}

// TimerEvent is the payload of timer.* bus events.
type TimerEvent struct {
	Tenant  string
	TimerID string
	Name    string
	OwnerID string
	Status  timer.Status
}

// TenantEvent is the payload of tenant.* bus events.
type TenantEvent struct {
	Tenant string
	Count  int
	Report *RecoveryReport
}

func (m *Manager) publish(typ, tenantID string, t *timer.Timer) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{
		Type: typ,
		Time: m.clk.Now(),
		Data: TimerEvent{
			Tenant:  tenantID,
			TimerID: t.ID(),
			Name:    t.Name(),
			OwnerID: t.OwnerID(),
			Status:  t.Status(),
		},
	})
}

func (m *Manager) publishTenant(typ, tenantID string, count int) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: typ, Time: m.clk.Now(), Data: TenantEvent{Tenant: tenantID, Count: count}})
}
