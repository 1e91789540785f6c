package timer

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"guildtimer/internal/clock"
)

// EffectRunner schedules repeating in-process work. Effects are never
// persisted; the returned stop func releases the schedule.
type EffectRunner interface {
	Every(every time.Duration, fn func()) (stop func())
}

// CronEffects runs periodic effects on a shared cron scheduler. cron's
// constant-delay schedules have one second resolution, so shorter
// intervals are rounded up.
type CronEffects struct {
	c *cron.Cron
}

func NewCronEffects(c *cron.Cron) *CronEffects {
	return &CronEffects{c: c}
}

func (e *CronEffects) Every(every time.Duration, fn func()) func() {
	id := e.c.Schedule(cron.Every(every), cron.FuncJob(fn))
	var once sync.Once
	return func() {
		once.Do(func() { e.c.Remove(id) })
	}
}

// ClockEffects re-arms a clock.AfterFunc after each tick. It is the default
// runner and follows fake clocks in tests.
type ClockEffects struct {
	clk clock.Clock
}

func NewClockEffects(clk clock.Clock) *ClockEffects {
	return &ClockEffects{clk: clock.OrReal(clk)}
}

func (e *ClockEffects) Every(every time.Duration, fn func()) func() {
	var (
		mu      sync.Mutex
		stopped bool
		cur     clock.Stopper
		tick    func()
	)
	tick = func() {
		mu.Lock()
		if stopped {
			mu.Unlock()
			return
		}
		cur = e.clk.AfterFunc(every, tick)
		mu.Unlock()
		fn()
	}

	mu.Lock()
	cur = e.clk.AfterFunc(every, tick)
	mu.Unlock()

	return func() {
		mu.Lock()
		defer mu.Unlock()
		stopped = true
		if cur != nil {
			cur.Stop()
		}
	}
}
