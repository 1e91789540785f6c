package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"guildtimer/internal/clock"
	"guildtimer/internal/eventbus"
	"guildtimer/internal/storage"
	"guildtimer/internal/timer"
	logx "guildtimer/pkg/logx"
)

type fixture struct {
	clk     *clock.Fake
	store   storage.Store
	metrics *Metrics
	mgr     *Manager
}

func newFixture(t *testing.T, store storage.Store, opts ...Option) *fixture {
	t.Helper()
	if store == nil {
		store = storage.NewMemory()
	}
	clk := clock.NewFake(time.Time{})
	mt := NewMetrics(prometheus.NewRegistry())
	opts = append([]Option{WithClock(clk), WithMetrics(mt)}, opts...)
	return &fixture{
		clk:     clk,
		store:   store,
		metrics: mt,
		mgr:     New(Config{}, store, logx.Nop(), nil, opts...),
	}
}

func (f *fixture) projection(t *testing.T, tenantID, id string) (Projection, bool) {
	t.Helper()
	b, ok, err := f.store.Get(context.Background(), CollectionKey(tenantID), id)
	if err != nil {
		t.Fatalf("store get: %v", err)
	}
	if !ok {
		return Projection{}, false
	}
	p, err := decodeProjection(b)
	if err != nil {
		t.Fatalf("decode stored projection: %v", err)
	}
	return p, true
}

func (f *fixture) seed(t *testing.T, p Projection) {
	t.Helper()
	b, err := encodeProjection(p)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := f.store.Set(context.Background(), CollectionKey(p.TenantID), p.ID, b); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func (f *fixture) stored(t *testing.T, tenantID string) map[string][]byte {
	t.Helper()
	all, err := f.store.GetAll(context.Background(), CollectionKey(tenantID))
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	return all
}

func counting(n *atomic.Int32) timer.Callback {
	return func(context.Context, *timer.Timer) error {
		n.Add(1)
		return nil
	}
}

func TestCreateTimerPersistsEachTransition(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	var fired atomic.Int32

	tm, err := f.mgr.CreateTimer(ctx, "G1", TimerOptions{
		Name:     "reminder:C1:water plants",
		OwnerID:  "C1",
		Duration: 10 * time.Minute,
		Callback: counting(&fired),
	})
	if err != nil {
		t.Fatalf("CreateTimer: %v", err)
	}
	if tm.Status() != timer.StatusInitialized {
		t.Fatalf("status = %s, want initialized (no auto start)", tm.Status())
	}

	p, ok := f.projection(t, "G1", tm.ID())
	if !ok {
		t.Fatal("projection not persisted on create")
	}
	want := Projection{
		ID:               tm.ID(),
		TenantID:         "G1",
		Name:             "reminder:C1:water plants",
		OwnerID:          "C1",
		Kind:             timer.KindCountdown,
		Status:           timer.StatusInitialized,
		DurationMinutes:  10,
		RemainingMinutes: 10,
		Callback:         ReminderDescriptor("C1", "water plants"),
	}
	if diff := cmp.Diff(want, p); diff != "" {
		t.Fatalf("projection after create (-want +got):\n%s", diff)
	}

	startedAt := f.clk.Now()
	if _, ok := tm.Start(); !ok {
		t.Fatal("Start() = false")
	}
	p, _ = f.projection(t, "G1", tm.ID())
	want.Status = timer.StatusRunning
	want.StartedAt = &startedAt
	if diff := cmp.Diff(want, p); diff != "" {
		t.Fatalf("projection after start (-want +got):\n%s", diff)
	}

	f.clk.Advance(4 * time.Minute)
	if !tm.Pause() {
		t.Fatal("Pause() = false")
	}
	p, _ = f.projection(t, "G1", tm.ID())
	if p.Status != timer.StatusPaused || p.Remaining() != 6*time.Minute {
		t.Fatalf("projection after pause = %s/%v, want paused/6m", p.Status, p.Remaining())
	}

	if !tm.Resume() {
		t.Fatal("Resume() = false")
	}
	f.clk.Advance(6 * time.Minute)
	if fired.Load() != 1 {
		t.Fatalf("callback calls = %d, want 1", fired.Load())
	}
	p, _ = f.projection(t, "G1", tm.ID())
	if p.Status != timer.StatusCompleted || p.RemainingMinutes != 0 {
		t.Fatalf("projection after completion = %+v", p)
	}
	if got := testutil.ToFloat64(f.metrics.Fired); got != 1 {
		t.Fatalf("fired metric = %v, want 1", got)
	}
}

func TestCreateTimerRejectsBadInput(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.mgr.CreateTimer(ctx, " ", TimerOptions{Name: "x", Duration: time.Minute}); err == nil {
		t.Fatal("expected error for empty tenant")
	}
	if _, err := f.mgr.CreateTimer(ctx, "G1", TimerOptions{Name: "x"}); err == nil {
		t.Fatal("expected error for zero duration")
	}
	bad := Descriptor{Kind: "lottery"}
	_, err := f.mgr.CreateTimer(ctx, "G1", TimerOptions{Name: "x", Duration: time.Minute, Descriptor: &bad})
	if !errors.Is(err, ErrUnknownDescriptor) {
		t.Fatalf("err = %v, want ErrUnknownDescriptor", err)
	}
	// reminder descriptor without a registered factory and no callback
	if _, err := f.mgr.CreateTimer(ctx, "G1", TimerOptions{Name: "reminder:C1:x", Duration: time.Minute}); !errors.Is(err, ErrUnknownDescriptor) {
		t.Fatalf("err = %v, want ErrUnknownDescriptor", err)
	}
	if n := len(f.mgr.GetTimersForTenant("G1")); n != 0 {
		t.Fatalf("live timers after failed creates = %d, want 0", n)
	}
}

func TestCreateTimerBuildsCallbackFromFactory(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	var got Rebuild
	var fired atomic.Int32
	err := f.mgr.RegisterFactory(DescriptorRoomRent, func(_ context.Context, r Rebuild) (timer.Callback, error) {
		got = r
		return counting(&fired), nil
	})
	if err != nil {
		t.Fatalf("RegisterFactory: %v", err)
	}
	if err := f.mgr.RegisterFactory("lottery", noneFactory); !errors.Is(err, ErrUnknownDescriptor) {
		t.Fatalf("RegisterFactory(lottery) = %v, want ErrUnknownDescriptor", err)
	}

	tm, err := f.mgr.CreateTimer(context.Background(), "G1", TimerOptions{
		Name:     RoomName("C9"),
		OwnerID:  "U1",
		Duration: time.Hour,
	})
	if err != nil {
		t.Fatalf("CreateTimer: %v", err)
	}
	if got.TenantID != "G1" || got.Descriptor.Kind != DescriptorRoomRent || got.OwnerID != "U1" {
		t.Fatalf("factory got %+v", got)
	}
	tm.Start()
	f.clk.Advance(time.Hour)
	if fired.Load() != 1 {
		t.Fatalf("factory callback calls = %d, want 1", fired.Load())
	}
}

func TestTenantIDIsTrimmedEverywhere(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	tm, err := f.mgr.CreateTimer(ctx, " G1", TimerOptions{Name: "n", OwnerID: "U1", Duration: time.Minute})
	if err != nil {
		t.Fatalf("CreateTimer: %v", err)
	}
	if _, ok := f.mgr.GetTimer(" G1", tm.ID()); !ok {
		t.Fatal("GetTimer with the padded tenant id missed")
	}
	if n := len(f.mgr.GetTimersForOwner("G1 ", "U1")); n != 1 {
		t.Fatalf("GetTimersForOwner = %d timers, want 1", n)
	}
	if !f.mgr.ResetTimer(ctx, " G1 ", tm.ID()) {
		t.Fatal("ResetTimer with the padded tenant id = false")
	}
	if !f.mgr.CancelTimer(ctx, " G1", tm.ID()) {
		t.Fatal("CancelTimer with the padded tenant id = false")
	}
	if n := len(f.mgr.GetTimersForTenant("G1")); n != 0 {
		t.Fatalf("live timers = %d after cancel", n)
	}
}

func TestCancelTimerIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	var fired atomic.Int32

	tm, _ := f.mgr.CreateTimer(ctx, "G1", TimerOptions{Name: "n", OwnerID: "U1", Duration: 5 * time.Minute, Callback: counting(&fired)})
	tm.Start()

	if !f.mgr.CancelTimer(ctx, "G1", tm.ID()) {
		t.Fatal("first CancelTimer = false, want true")
	}
	if f.mgr.CancelTimer(ctx, "G1", tm.ID()) {
		t.Fatal("second CancelTimer = true, want false")
	}
	if f.mgr.CancelTimer(ctx, "G1", "does-not-exist") {
		t.Fatal("CancelTimer on unknown id = true")
	}
	if _, ok := f.mgr.GetTimer("G1", tm.ID()); ok {
		t.Fatal("timer still live after cancel")
	}
	if _, ok := f.projection(t, "G1", tm.ID()); ok {
		t.Fatal("projection left behind after cancel")
	}

	f.clk.Advance(time.Hour)
	if fired.Load() != 0 {
		t.Fatalf("cancelled timer fired %d times", fired.Load())
	}
	if got := testutil.ToFloat64(f.metrics.Cancelled); got != 1 {
		t.Fatalf("cancelled metric = %v, want 1", got)
	}
}

func TestCancelTimerRemovesStrayProjection(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.seed(t, Projection{ID: "stray", TenantID: "G1", Status: timer.StatusPaused, DurationMinutes: 5, RemainingMinutes: 5, Callback: NoneDescriptor()})

	if f.mgr.CancelTimer(context.Background(), "G1", "stray") {
		t.Fatal("CancelTimer reported a live timer for a stray projection")
	}
	if _, ok := f.projection(t, "G1", "stray"); ok {
		t.Fatal("stray projection not deleted")
	}
}

func TestCallbackMayCancelItself(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	var tm *timer.Timer
	tm, _ = f.mgr.CreateTimer(ctx, "G1", TimerOptions{
		Name:     "one-shot",
		Duration: time.Minute,
		Callback: func(ctx context.Context, self *timer.Timer) error {
			f.mgr.CancelTimer(ctx, "G1", self.ID())
			return nil
		},
	})
	done, _ := tm.Start()
	f.clk.Advance(time.Minute)

	select {
	case <-done:
	default:
		t.Fatal("completion did not finish")
	}
	if _, ok := f.mgr.GetTimer("G1", tm.ID()); ok {
		t.Fatal("self-cancelled timer still live")
	}
	if all := f.stored(t, "G1"); len(all) != 0 {
		t.Fatalf("store not empty after self-cancel: %v", all)
	}
}

func TestResetTimerRearms(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	var fired atomic.Int32

	var tm *timer.Timer
	tm, _ = f.mgr.CreateTimer(ctx, "G1", TimerOptions{
		Name:     "rent",
		Duration: 10 * time.Minute,
		Callback: func(ctx context.Context, self *timer.Timer) error {
			fired.Add(1)
			if !f.mgr.ResetTimer(ctx, "G1", self.ID()) {
				t.Error("ResetTimer from callback = false")
			}
			return nil
		},
	})
	tm.Start()

	f.clk.Advance(10 * time.Minute)
	f.clk.Advance(10 * time.Minute)
	f.clk.Advance(10 * time.Minute)
	if fired.Load() != 3 {
		t.Fatalf("recurring callback calls = %d, want 3", fired.Load())
	}
	if tm.Status() != timer.StatusRunning {
		t.Fatalf("status = %s, want running", tm.Status())
	}
	p, _ := f.projection(t, "G1", tm.ID())
	if p.Status != timer.StatusRunning || p.Remaining() != 10*time.Minute {
		t.Fatalf("projection after reset = %s/%v", p.Status, p.Remaining())
	}

	if f.mgr.ResetTimer(ctx, "G1", "missing") {
		t.Fatal("ResetTimer on unknown id = true")
	}
}

func TestCancelAllForTenantLeavesOtherTenants(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	for _, tenant := range []string{"G1", "G1", "G1", "G2"} {
		tm, err := f.mgr.CreateTimer(ctx, tenant, TimerOptions{Name: "t", OwnerID: "U1", Duration: time.Hour})
		if err != nil {
			t.Fatalf("CreateTimer: %v", err)
		}
		tm.Start()
	}
	f.mgr.InitializeTenant(ctx, "G1")
	if !f.mgr.Recovered("G1") {
		t.Fatal("G1 not marked recovered")
	}

	if n := f.mgr.CancelAllForTenant(ctx, "G1"); n != 3 {
		t.Fatalf("CancelAllForTenant = %d, want 3", n)
	}
	if n := len(f.mgr.GetTimersForTenant("G1")); n != 0 {
		t.Fatalf("G1 live timers = %d, want 0", n)
	}
	if all := f.stored(t, "G1"); len(all) != 0 {
		t.Fatalf("G1 collection not empty: %v", all)
	}
	if f.mgr.Recovered("G1") {
		t.Fatal("recovered marker survived CancelAllForTenant")
	}
	if n := len(f.mgr.GetTimersForTenant("G2")); n != 1 {
		t.Fatalf("G2 live timers = %d, want 1", n)
	}
	if all := f.stored(t, "G2"); len(all) != 1 {
		t.Fatalf("G2 collection = %v, want 1 entry", all)
	}
	if got := testutil.ToFloat64(f.metrics.Active); got != 1 {
		t.Fatalf("active gauge = %v, want 1", got)
	}
}

func TestLookupsByOwnerAndTenant(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	a, _ := f.mgr.CreateTimer(ctx, "G1", TimerOptions{Name: "a", OwnerID: "U1", Duration: time.Minute})
	b, _ := f.mgr.CreateTimer(ctx, "G1", TimerOptions{Name: "b", OwnerID: "U2", Duration: time.Minute})
	c, _ := f.mgr.CreateTimer(ctx, "G1", TimerOptions{Name: "c", OwnerID: "U1", Duration: time.Minute})
	_, _ = f.mgr.CreateTimer(ctx, "G2", TimerOptions{Name: "d", OwnerID: "U1", Duration: time.Minute})

	ids := func(ts []*timer.Timer) []string {
		out := make([]string, 0, len(ts))
		for _, t := range ts {
			out = append(out, t.ID())
		}
		return out
	}
	if diff := cmp.Diff([]string{a.ID(), b.ID(), c.ID()}, ids(f.mgr.GetTimersForTenant("G1"))); diff != "" {
		t.Fatalf("GetTimersForTenant (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{a.ID(), c.ID()}, ids(f.mgr.GetTimersForOwner("G1", "U1"))); diff != "" {
		t.Fatalf("GetTimersForOwner (-want +got):\n%s", diff)
	}
	if got, ok := f.mgr.GetTimer("G1", b.ID()); !ok || got != b {
		t.Fatal("GetTimer did not return the live timer")
	}
	if _, ok := f.mgr.GetTimer("G2", b.ID()); ok {
		t.Fatal("GetTimer crossed tenants")
	}
	if diff := cmp.Diff([]string{"G1", "G2"}, f.mgr.Tenants()); diff != "" {
		t.Fatalf("Tenants (-want +got):\n%s", diff)
	}
}

type flakyStore struct {
	storage.Store
	failSet    atomic.Bool
	failGetAll atomic.Bool
}

var errBoom = errors.New("boom")

func (s *flakyStore) Set(ctx context.Context, collection, field string, value []byte) error {
	if s.failSet.Load() {
		return errBoom
	}
	return s.Store.Set(ctx, collection, field, value)
}

func (s *flakyStore) GetAll(ctx context.Context, collection string) (map[string][]byte, error) {
	if s.failGetAll.Load() {
		return nil, errBoom
	}
	return s.Store.GetAll(ctx, collection)
}

func TestPersistFailureKeepsTimerRunning(t *testing.T) {
	t.Parallel()
	st := &flakyStore{Store: storage.NewMemory()}
	st.failSet.Store(true)
	f := newFixture(t, st)
	var fired atomic.Int32

	tm, err := f.mgr.CreateTimer(context.Background(), "G1", TimerOptions{Name: "n", Duration: time.Minute, Callback: counting(&fired)})
	if err != nil {
		t.Fatalf("CreateTimer with failing store: %v", err)
	}
	tm.Start()
	f.clk.Advance(time.Minute)

	if fired.Load() != 1 {
		t.Fatalf("callback calls = %d, want 1", fired.Load())
	}
	// create, start, complete
	if got := testutil.ToFloat64(f.metrics.PersistErrors.WithLabelValues("set")); got != 3 {
		t.Fatalf("persist error metric = %v, want 3", got)
	}
}

func TestNilStoreDisablesPersistence(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(time.Time{})
	mgr := New(Config{}, nil, logx.Nop(), nil, WithClock(clk))
	var fired atomic.Int32

	tm, err := mgr.CreateTimer(context.Background(), "G1", TimerOptions{Name: "n", Duration: time.Minute, Callback: counting(&fired)})
	if err != nil {
		t.Fatalf("CreateTimer: %v", err)
	}
	tm.Start()
	clk.Advance(time.Minute)
	if fired.Load() != 1 {
		t.Fatalf("callback calls = %d, want 1", fired.Load())
	}
	if rep := mgr.InitializeTenant(context.Background(), "G1"); rep.Err != nil || !mgr.Recovered("G1") {
		t.Fatalf("InitializeTenant without store = %+v", rep)
	}
}

func TestManagerPublishesLifecycleEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	clk := clock.NewFake(time.Time{})
	mgr := New(Config{}, storage.NewMemory(), logx.Nop(), bus, WithClock(clk))
	ctx := context.Background()
	tm, _ := mgr.CreateTimer(ctx, "G1", TimerOptions{Name: "n", Duration: time.Minute})
	tm.Start()
	clk.Advance(time.Minute)
	mgr.CancelTimer(ctx, "G1", tm.ID())

	var got []string
	for len(ch) > 0 {
		ev := <-ch
		got = append(got, ev.Type)
		if te, ok := ev.Data.(TimerEvent); !ok || te.Tenant != "G1" || te.TimerID != tm.ID() {
			t.Fatalf("unexpected payload %#v", ev.Data)
		}
	}
	want := []string{eventbus.TimerCreated, eventbus.TimerStarted, eventbus.TimerCompleted, eventbus.TimerCancelled}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("events (-want +got):\n%s", diff)
	}
}

func TestShutdownKeepsProjections(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	var fired atomic.Int32
	tm, _ := f.mgr.CreateTimer(context.Background(), "G1", TimerOptions{Name: "n", Duration: time.Minute, Callback: counting(&fired)})
	tm.Start()

	f.mgr.Shutdown()
	f.clk.Advance(time.Hour)

	if fired.Load() != 0 {
		t.Fatal("timer fired after shutdown")
	}
	if len(f.mgr.GetTimersForTenant("G1")) != 0 {
		t.Fatal("live timers after shutdown")
	}
	p, ok := f.projection(t, "G1", tm.ID())
	if !ok || p.Status != timer.StatusRunning {
		t.Fatalf("projection after shutdown = %+v ok=%v, want running", p, ok)
	}
}

func TestConcurrentCreateAndCancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tm, err := f.mgr.CreateTimer(ctx, "G1", TimerOptions{Name: "n", Duration: time.Minute})
			if err != nil {
				t.Error(err)
				return
			}
			tm.Start()
			f.mgr.CancelTimer(ctx, "G1", tm.ID())
		}()
	}
	wg.Wait()

	if n := len(f.mgr.GetTimersForTenant("G1")); n != 0 {
		t.Fatalf("live timers = %d, want 0", n)
	}
	if all := f.stored(t, "G1"); len(all) != 0 {
		t.Fatalf("stored projections = %d, want 0", len(all))
	}
}
