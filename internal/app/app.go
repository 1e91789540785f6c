package app

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"

	"guildtimer/internal/callbacks"
	"guildtimer/internal/config"
	"guildtimer/internal/eventbus"
	"guildtimer/internal/opsapi"
	"guildtimer/internal/runtime/supervisor"
	"guildtimer/internal/scheduler"
	"guildtimer/internal/storage"
	"guildtimer/internal/timer"
	"guildtimer/internal/transport/telegram"
	logx "guildtimer/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.MemBus
	store storage.Store
	reg   *prometheus.Registry
	cron  *cron.Cron

	tg    *telegram.Client // nil without a bot token
	sched *scheduler.Manager
	cbs   *callbacks.Handlers
	ops   *opsapi.Server // nil when disabled
}

type Option func(*options)

type options struct {
	rent callbacks.RentCollector
}

// WithRentCollector enables room rent timers.
func WithRentCollector(rc callbacks.RentCollector) Option {
	return func(o *options) { o.rent = rc }
}

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// logx.New applies immediately; start with alerts off until the target
	// is set so Apply does not warn about a missing channel.
	logCfg := mapLogging(cfg)
	bootCfg := logCfg
	bootCfg.Alerts.Enabled = false
	logSvc, log := logx.New(bootCfg, nil)
	appLog := log.With(logx.String("comp", "app"))

	var tg *telegram.Client
	if tc, ok, err := mapTelegram(cfg); err != nil {
		return nil, err
	} else if ok {
		tg, err = telegram.New(tc, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
		logSvc.SetSender(tg)
	} else {
		appLog.Warn("telegram.token is empty; reminders and room rent are unavailable")
	}
	target, err := mapAlertTarget(cfg)
	if err != nil {
		return nil, err
	}
	logSvc.SetAlertTarget(target)
	logSvc.Apply(logCfg)

	var store storage.Store
	if sc, ok, err := mapStorage(cfg); err != nil {
		return nil, err
	} else if ok {
		store, err = storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		appLog.Info("storage enabled", logx.String("driver", sc.Driver))
	} else {
		appLog.Warn("storage disabled; timers will not survive a restart")
	}

	schedCfg, err := mapScheduler(cfg)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	cr := cron.New()
	bus := eventbus.New()
	sched := scheduler.New(schedCfg, store, log, bus,
		scheduler.WithEffects(timer.NewCronEffects(cr)),
		scheduler.WithMetrics(scheduler.NewMetrics(reg)),
	)

	a := &App{
		cfgm:  cfgm,
		log:   appLog,
		logs:  logSvc,
		bus:   bus,
		store: store,
		reg:   reg,
		cron:  cr,
		tg:    tg,
		sched: sched,
	}

	if tg != nil {
		a.cbs = callbacks.New(tg, o.rent, log)
		if err := a.cbs.Register(sched); err != nil {
			return nil, fmt.Errorf("register callbacks: %w", err)
		}
	}
	return a, nil
}

func (a *App) Scheduler() *scheduler.Manager { return a.sched }

// Callbacks is nil when no bot token is configured.
func (a *App) Callbacks() *callbacks.Handlers { return a.cbs }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validateReload)

	oc, opsEnabled, err := mapOps(a.cfgm.Get())
	if err != nil {
		return err
	}
	if opsEnabled {
		if err := oc.Check(); err != nil {
			return err
		}
	}

	a.cron.Start()
	a.recoverBootTenants(a.sup.Context())

	if opsEnabled {
		a.ops = opsapi.New(oc, a.sched, a.reg, a.sup, a.log.With(logx.String("comp", "ops")))
		a.sup.GoRestart("ops.http", a.ops.Run,
			supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		)
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		a.logEvents(c, events)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.Int("tenants", len(a.sched.Tenants())),
		logx.Bool("ops", a.ops != nil),
		logx.Bool("telegram", a.tg != nil),
	)
	return nil
}

// recoverBootTenants initializes every configured tenant before the app
// reports ready. A failed tenant is logged and left for a later
// initialize call.
func (a *App) recoverBootTenants(ctx context.Context) {
	for _, tenant := range bootTenants(a.cfgm.Get()) {
		rep := a.sched.InitializeTenant(ctx, tenant)
		if rep.Err != nil {
			a.log.Error("boot recovery failed", logx.String("tenant", tenant), logx.Err(rep.Err))
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	// Timers are cancelled in memory only; their projections stay in the
	// store for the next boot.
	a.step(ctx, "scheduler", time.Second, func(context.Context) error {
		a.sched.Shutdown()
		return nil
	})
	a.step(ctx, "cron", 2*time.Second, func(c context.Context) error {
		select {
		case <-a.cron.Stop().Done():
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	a.step(ctx, "supervisor", 6*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step bounded by limit and the caller's deadline.
// A step that overruns is logged and left running.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}
