package timer

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"guildtimer/internal/clock"
	logx "guildtimer/pkg/logx"
)

// Config describes a timer to build with New.
type Config struct {
	// ID is generated when empty.
	ID       string
	Name     string
	OwnerID  string
	Kind     Kind
	Duration time.Duration
	// Remaining seeds the countdown (recovery). Nil means Duration.
	Remaining *time.Duration
	Callback  Callback

	Clock   clock.Clock
	Effects EffectRunner
	Logger  logx.Logger
	// Observer receives committed transitions (persistence, metrics).
	Observer Observer
	// CallbackTimeout bounds the context passed to Callback. 0 disables it.
	CallbackTimeout time.Duration
}

// Timer is a countdown state machine:
//
//	initialized -> running -> {paused -> running}* -> completed
//	completed -> initialized only via Reset
//
// Every running period owns exactly one deferred completion. Pause, Reset and
// Cancel bump the generation so a deferred completion that already left the
// clock's queue is ignored when it finally runs.
type Timer struct {
	id       string
	name     string
	ownerID  string
	kind     Kind
	duration time.Duration

	clk             clock.Clock
	effects         EffectRunner
	log             logx.Logger
	observer        Observer
	callback        Callback
	callbackTimeout time.Duration

	mu          sync.Mutex
	status      Status
	remaining   time.Duration
	startedAt   time.Time
	completedAt time.Time
	pending     clock.Stopper
	gen         uint64
	done        chan struct{}
	periodic    []*periodicEffect
	dead        bool
}

type periodicEffect struct {
	every time.Duration
	fn    func(t *Timer)
	stop  func()
}

func New(cfg Config) *Timer {
	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}
	kind := cfg.Kind
	if kind != KindInterval {
		kind = KindCountdown
	}
	duration := cfg.Duration
	if duration < 0 {
		duration = 0
	}
	remaining := duration
	if cfg.Remaining != nil {
		remaining = clampDuration(*cfg.Remaining, 0, duration)
	}
	clk := clock.OrReal(cfg.Clock)
	effects := cfg.Effects
	if effects == nil {
		effects = NewClockEffects(clk)
	}
	log := cfg.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Timer{
		id:              id,
		name:            cfg.Name,
		ownerID:         cfg.OwnerID,
		kind:            kind,
		duration:        duration,
		clk:             clk,
		effects:         effects,
		log:             log.With(logx.String("timer_id", id), logx.String("timer", cfg.Name)),
		observer:        cfg.Observer,
		callback:        cfg.Callback,
		callbackTimeout: cfg.CallbackTimeout,
		status:          StatusInitialized,
		remaining:       remaining,
		done:            make(chan struct{}),
	}
}

func (t *Timer) ID() string              { return t.id }
func (t *Timer) Name() string            { return t.name }
func (t *Timer) OwnerID() string         { return t.ownerID }
func (t *Timer) Kind() Kind              { return t.kind }
func (t *Timer) Duration() time.Duration { return t.duration }

func (t *Timer) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Remaining returns the live remainder, accounting for time spent running
// since the last start.
func (t *Timer) Remaining() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusRunning {
		return t.remaining
	}
	return clampDuration(t.remaining-t.clk.Now().Sub(t.startedAt), 0, t.duration)
}

func (t *Timer) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		ID:          t.id,
		Name:        t.name,
		OwnerID:     t.ownerID,
		Kind:        t.kind,
		Status:      t.status,
		Duration:    t.duration,
		Remaining:   t.remaining,
		StartedAt:   t.startedAt,
		CompletedAt: t.completedAt,
	}
}

// Cancelled reports whether Cancel has been called.
func (t *Timer) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dead
}

// Start arms the timer from initialized or paused. The returned channel is
// closed once the completion for this cycle has run its callback, or when
// the timer is cancelled.
func (t *Timer) Start() (<-chan struct{}, bool) {
	t.mu.Lock()
	if t.dead || (t.status != StatusInitialized && t.status != StatusPaused) {
		t.mu.Unlock()
		return nil, false
	}
	done := t.startLocked()
	t.mu.Unlock()

	t.notify(EventStarted)
	return done, true
}

func (t *Timer) startLocked() chan struct{} {
	t.status = StatusRunning
	t.startedAt = t.clk.Now()
	if t.done == nil {
		t.done = make(chan struct{})
	}
	t.gen++
	gen := t.gen
	t.pending = t.clk.AfterFunc(t.remaining, func() { t.fire(gen) })
	t.armEffectsLocked()
	return t.done
}

// Pause stops the countdown and commits the elapsed time. A timer whose
// time has already run out completes instead, and Pause returns false.
func (t *Timer) Pause() bool {
	t.mu.Lock()
	if t.dead || t.status != StatusRunning {
		t.mu.Unlock()
		return false
	}
	if t.remaining-t.clk.Now().Sub(t.startedAt) <= 0 {
		cb, done := t.completeLocked()
		t.mu.Unlock()
		t.finish(cb, done)
		return false
	}
	t.stopPendingLocked()
	elapsed := t.clk.Now().Sub(t.startedAt)
	t.remaining = clampDuration(t.remaining-elapsed, 0, t.duration)
	t.status = StatusPaused
	t.disarmEffectsLocked()
	t.mu.Unlock()

	t.notify(EventPaused)
	return true
}

func (t *Timer) Resume() bool {
	t.mu.Lock()
	if t.dead || t.status != StatusPaused {
		t.mu.Unlock()
		return false
	}
	t.startLocked()
	t.mu.Unlock()

	t.notify(EventStarted)
	return true
}

// Complete finishes a running timer immediately and runs its callback.
func (t *Timer) Complete() bool {
	t.mu.Lock()
	if t.dead || t.status != StatusRunning {
		t.mu.Unlock()
		return false
	}
	cb, done := t.completeLocked()
	t.mu.Unlock()

	t.finish(cb, done)
	return true
}

// Reset returns the timer to initialized with its full duration, dropping
// the pending completion and every periodic effect.
func (t *Timer) Reset() bool {
	t.mu.Lock()
	if t.dead {
		t.mu.Unlock()
		return false
	}
	t.stopPendingLocked()
	t.clearEffectsLocked()
	t.remaining = t.duration
	t.startedAt = time.Time{}
	t.completedAt = time.Time{}
	t.status = StatusInitialized
	if t.done == nil {
		t.done = make(chan struct{})
	}
	t.mu.Unlock()

	t.notify(EventReset)
	return true
}

// Cancel tears the timer down for good. It returns false if the timer was
// already cancelled.
func (t *Timer) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dead {
		return false
	}
	t.dead = true
	t.stopPendingLocked()
	t.clearEffectsLocked()
	if t.done != nil {
		close(t.done)
		t.done = nil
	}
	return true
}

// AddPeriodicEffect registers fn to run every interval while the timer is
// running. Only interval timers accept effects.
func (t *Timer) AddPeriodicEffect(every time.Duration, fn func(t *Timer)) bool {
	if fn == nil || every <= 0 || t.kind != KindInterval {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dead {
		return false
	}
	e := &periodicEffect{every: every, fn: fn}
	t.periodic = append(t.periodic, e)
	if t.status == StatusRunning {
		t.armLocked(e)
	}
	return true
}

func (t *Timer) ClearPeriodicEffects() {
	t.mu.Lock()
	t.clearEffectsLocked()
	t.mu.Unlock()
}

// PeriodicEffects reports how many effects are registered.
func (t *Timer) PeriodicEffects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.periodic)
}

func (t *Timer) fire(gen uint64) {
	t.mu.Lock()
	if t.dead || t.gen != gen || t.status != StatusRunning {
		t.mu.Unlock()
		t.log.Trace("stale timer fire ignored")
		return
	}
	cb, done := t.completeLocked()
	t.mu.Unlock()

	t.finish(cb, done)
}

func (t *Timer) completeLocked() (Callback, chan struct{}) {
	t.stopPendingLocked()
	t.disarmEffectsLocked()
	t.status = StatusCompleted
	t.completedAt = t.clk.Now()
	t.remaining = 0
	done := t.done
	t.done = nil
	return t.callback, done
}

func (t *Timer) finish(cb Callback, done chan struct{}) {
	t.notify(EventCompleted)
	t.invoke(cb)
	if done != nil {
		close(done)
	}
}

func (t *Timer) invoke(cb Callback) {
	if cb == nil {
		return
	}
	ctx := context.Background()
	if t.callbackTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.callbackTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("timer callback panicked",
				logx.String("owner", t.ownerID),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
			t.notify(EventCallbackFailed)
		}
	}()
	if err := cb(ctx, t); err != nil {
		t.log.Error("timer callback failed",
			logx.String("owner", t.ownerID),
			logx.Duration("duration", t.duration),
			logx.Err(err),
		)
		t.notify(EventCallbackFailed)
	}
}

func (t *Timer) notify(ev Event) {
	if t.observer != nil {
		t.observer(t, ev)
	}
}

func (t *Timer) stopPendingLocked() {
	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
	t.gen++
}

func (t *Timer) armEffectsLocked() {
	for _, e := range t.periodic {
		if e.stop == nil {
			t.armLocked(e)
		}
	}
}

func (t *Timer) armLocked(e *periodicEffect) {
	fn := e.fn
	e.stop = t.effects.Every(e.every, func() { t.runEffect(fn) })
}

func (t *Timer) disarmEffectsLocked() {
	for _, e := range t.periodic {
		if e.stop != nil {
			e.stop()
			e.stop = nil
		}
	}
}

func (t *Timer) clearEffectsLocked() {
	t.disarmEffectsLocked()
	t.periodic = nil
}

func (t *Timer) runEffect(fn func(*Timer)) {
	t.mu.Lock()
	live := !t.dead && t.status == StatusRunning
	t.mu.Unlock()
	if !live {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			t.log.Warn("periodic effect panicked", logx.String("panic", fmt.Sprint(r)))
		}
	}()
	fn(t)
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
