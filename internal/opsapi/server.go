// Package opsapi serves the operator HTTP API: health, Prometheus metrics,
// per-tenant timer inspection, recovery and cancellation, and optional
// pprof.
package opsapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"guildtimer/internal/runtime/supervisor"
	"guildtimer/internal/scheduler"
	"guildtimer/internal/timer"
	logx "guildtimer/pkg/logx"
)

const DefaultAddr = "127.0.0.1:8089"

type Config struct {
	Addr string
	// Token, when set, is required as "Authorization: Bearer <token>" on
	// every route except /healthz.
	Token string
	Pprof bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Check rejects a non-loopback address without a token.
func (c Config) Check() error {
	addr := strings.TrimSpace(c.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	if strings.TrimSpace(c.Token) == "" && !isLoopbackAddr(addr) {
		return fmt.Errorf("ops api: non-loopback addr %q requires a token", addr)
	}
	return nil
}

// Scheduler is the part of scheduler.Manager the API drives.
type Scheduler interface {
	Tenants() []string
	Recovered(tenantID string) bool
	GetTimersForTenant(tenantID string) []*timer.Timer
	Descriptor(tenantID, id string) (scheduler.Descriptor, bool)
	InitializeTenant(ctx context.Context, tenantID string) scheduler.RecoveryReport
	CancelTimer(ctx context.Context, tenantID, id string) bool
	CancelAllForTenant(ctx context.Context, tenantID string) int
}

// HealthSource reports background task state for /healthz.
type HealthSource interface {
	Snapshot() supervisor.Snapshot
}

type Server struct {
	cfg      Config
	sched    Scheduler
	gatherer prometheus.Gatherer
	health   HealthSource
	log      logx.Logger
}

// New builds the API. gatherer and health may be nil.
func New(cfg Config, sched Scheduler, gatherer prometheus.Gatherer, health HealthSource, log logx.Logger) *Server {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultAddr
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, sched: sched, gatherer: gatherer, health: health, log: log}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(s.cfg.Token))

		if s.gatherer != nil {
			r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
		}
		if s.cfg.Pprof {
			r.Mount("/debug", middleware.Profiler())
		}

		r.Get("/tenants", s.handleTenants)
		r.Route("/tenants/{tenant}", func(r chi.Router) {
			r.Post("/initialize", s.handleInitialize)
			r.Get("/timers", s.handleListTimers)
			r.Delete("/timers", s.handleCancelAll)
			r.Delete("/timers/{id}", s.handleCancel)
		})
	})
	return r
}

// Run listens and serves until ctx is done. It refuses a non-loopback
// address without a token.
func (s *Server) Run(ctx context.Context) error {
	if err := s.cfg.Check(); err != nil {
		s.log.Error("ops api refused to start", logx.Err(err))
		return err
	}
	addr := strings.TrimSpace(s.cfg.Addr)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	srv := &http.Server{
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	s.log.Info("ops api started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", s.cfg.Token != ""),
		logx.Bool("pprof", s.cfg.Pprof),
	)
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		<-stopped
		s.log.Info("ops api stopped")
		return context.Canceled
	}
	_ = srv.Close()
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("ops api exited unexpectedly")
	}
	return err
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("ops request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
		)
	})
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
