package opsapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"guildtimer/internal/clock"
	"guildtimer/internal/runtime/supervisor"
	"guildtimer/internal/scheduler"
	"guildtimer/internal/storage"
	"guildtimer/internal/timer"
	logx "guildtimer/pkg/logx"
)

type env struct {
	mgr   *scheduler.Manager
	store storage.Store
	srv   *httptest.Server
}

func newEnv(t *testing.T, cfg Config, health HealthSource) *env {
	t.Helper()
	reg := prometheus.NewRegistry()
	store := storage.NewMemory()
	mgr := scheduler.New(scheduler.Config{}, store, logx.Nop(), nil,
		scheduler.WithClock(clock.NewFake(time.Time{})),
		scheduler.WithMetrics(scheduler.NewMetrics(reg)),
	)
	t.Cleanup(mgr.Shutdown)

	srv := httptest.NewServer(New(cfg, mgr, reg, health, logx.Nop()).Router())
	t.Cleanup(srv.Close)
	return &env{mgr: mgr, store: store, srv: srv}
}

func (e *env) do(t *testing.T, method, path, token string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func (e *env) create(t *testing.T, tenant, name string) *timer.Timer {
	t.Helper()
	tm, err := e.mgr.CreateTimer(context.Background(), tenant, scheduler.TimerOptions{
		Name:     name,
		OwnerID:  "U1",
		Duration: 10 * time.Minute,
		Callback: func(context.Context, *timer.Timer) error { return nil },
	})
	if err != nil {
		t.Fatal(err)
	}
	return tm
}

func TestListAndCancelTimers(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{}, nil)
	a := e.create(t, "G1", "egg")
	e.create(t, "G1", "tea")
	e.create(t, "G2", "other")

	var list struct {
		Tenant string      `json:"tenant"`
		Timers []timerView `json:"timers"`
	}
	if code := e.do(t, http.MethodGet, "/tenants/G1/timers", "", &list); code != http.StatusOK {
		t.Fatalf("list status %d", code)
	}
	if len(list.Timers) != 2 || list.Timers[0].ID != a.ID() || list.Timers[0].Name != "egg" {
		t.Fatalf("list = %+v", list.Timers)
	}
	if list.Timers[0].Status != timer.StatusInitialized || list.Timers[0].DurationMS != 600000 {
		t.Fatalf("view = %+v", list.Timers[0])
	}
	if list.Timers[0].Descriptor != scheduler.DescriptorNone {
		t.Fatalf("descriptor = %q", list.Timers[0].Descriptor)
	}

	if code := e.do(t, http.MethodDelete, "/tenants/G1/timers/"+a.ID(), "", nil); code != http.StatusOK {
		t.Fatalf("cancel status %d", code)
	}
	if code := e.do(t, http.MethodDelete, "/tenants/G1/timers/"+a.ID(), "", nil); code != http.StatusNotFound {
		t.Fatalf("second cancel status %d", code)
	}

	var all map[string]int
	if code := e.do(t, http.MethodDelete, "/tenants/G1/timers", "", &all); code != http.StatusOK || all["cancelled"] != 1 {
		t.Fatalf("cancel all: %d %v", code, all)
	}
	if got := len(e.mgr.GetTimersForTenant("G2")); got != 1 {
		t.Fatalf("other tenant lost timers: %d", got)
	}
}

func TestInitializeTenant(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{}, nil)
	b, _ := json.Marshal(scheduler.Projection{
		ID:               "old",
		TenantID:         "G1",
		Name:             "egg",
		OwnerID:          "U1",
		Kind:             timer.KindCountdown,
		Status:           timer.StatusPaused,
		DurationMinutes:  10,
		RemainingMinutes: 4,
		Callback:         scheduler.NoneDescriptor(),
	})
	if err := e.store.Set(context.Background(), scheduler.CollectionKey("G1"), "old", b); err != nil {
		t.Fatal(err)
	}

	var out struct {
		Report scheduler.RecoveryReport `json:"report"`
	}
	if code := e.do(t, http.MethodPost, "/tenants/G1/initialize", "", &out); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if out.Report.Loaded != 1 || out.Report.Restored != 1 || out.Report.Started != 0 {
		t.Fatalf("report = %+v", out.Report)
	}

	var tenants struct {
		Tenants []tenantView `json:"tenants"`
	}
	e.do(t, http.MethodGet, "/tenants", "", &tenants)
	if len(tenants.Tenants) != 1 || !tenants.Tenants[0].Recovered || tenants.Tenants[0].Timers != 1 {
		t.Fatalf("tenants = %+v", tenants.Tenants)
	}
}

func TestTokenRequired(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{Token: "s3cret"}, nil)

	if code := e.do(t, http.MethodGet, "/tenants", "", nil); code != http.StatusUnauthorized {
		t.Fatalf("no token: %d", code)
	}
	if code := e.do(t, http.MethodGet, "/tenants", "wrong", nil); code != http.StatusUnauthorized {
		t.Fatalf("wrong token: %d", code)
	}
	if code := e.do(t, http.MethodGet, "/tenants", "s3cret", nil); code != http.StatusOK {
		t.Fatalf("good token: %d", code)
	}
	if code := e.do(t, http.MethodGet, "/healthz", "", nil); code != http.StatusOK {
		t.Fatalf("healthz should be open: %d", code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{}, nil)
	e.create(t, "G1", "egg")

	resp, err := e.srv.Client().Get(e.srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), "guildtimer_timers_created_total 1") {
		t.Fatalf("metrics output missing created counter:\n%s", body)
	}
}

func TestHealthReportsDegraded(t *testing.T) {
	t.Parallel()
	sup := supervisor.New(context.Background())
	sup.Go("watch", func(context.Context) error { return context.DeadlineExceeded })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = sup.Wait(ctx)

	e := newEnv(t, Config{}, sup)
	if code := e.do(t, http.MethodGet, "/healthz", "", nil); code != http.StatusServiceUnavailable {
		t.Fatalf("status %d", code)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:8089": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":8089":          false,
		"0.0.0.0:8089":   false,
		"10.0.0.5:80":    false,
		"nonsense":       false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddr(addr); got != want {
			t.Errorf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestRunRefusesPublicBindWithoutToken(t *testing.T) {
	s := New(Config{Addr: "0.0.0.0:0"}, nil, nil, nil, logx.Nop())
	if err := s.Run(context.Background()); err == nil {
		t.Fatal("want error")
	}
}
