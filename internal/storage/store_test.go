package storage

import (
	"context"
	"path/filepath"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"

	logx "guildtimer/pkg/logx"
)

func openBackends(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()

	file, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "timers.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open file store: %v", err)
	}
	sqlite, err := Open(Config{Driver: "sqlite", Path: filepath.Join(dir, "timers.sqlite")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	stores := map[string]Store{
		"memory": NewMemory(),
		"file":   file,
		"sqlite": sqlite,
		"redis":  NewRedis(rdb, "gt:", logx.Nop()),
	}
	t.Cleanup(func() {
		for _, s := range stores {
			_ = s.Close()
		}
	})
	return stores
}

func TestStoreContract(t *testing.T) {
	ctx := context.Background()
	for name, st := range openBackends(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			if _, ok, err := st.Get(ctx, "G1:activeTimers", "missing"); err != nil || ok {
				t.Fatalf("Get(missing) = ok=%v err=%v, want ok=false", ok, err)
			}

			if err := st.Set(ctx, "G1:activeTimers", "t1", []byte(`{"a":1}`)); err != nil {
				t.Fatalf("Set: %v", err)
			}
			if err := st.Set(ctx, "G1:activeTimers", "t2", []byte(`{"b":2}`)); err != nil {
				t.Fatalf("Set: %v", err)
			}
			if err := st.Set(ctx, "G2:activeTimers", "t3", []byte(`{"c":3}`)); err != nil {
				t.Fatalf("Set: %v", err)
			}
			// overwrite
			if err := st.Set(ctx, "G1:activeTimers", "t1", []byte(`{"a":10}`)); err != nil {
				t.Fatalf("Set overwrite: %v", err)
			}

			v, ok, err := st.Get(ctx, "G1:activeTimers", "t1")
			if err != nil || !ok || string(v) != `{"a":10}` {
				t.Fatalf("Get(t1) = %q ok=%v err=%v", v, ok, err)
			}

			all, err := st.GetAll(ctx, "G1:activeTimers")
			if err != nil {
				t.Fatalf("GetAll: %v", err)
			}
			want := map[string][]byte{"t1": []byte(`{"a":10}`), "t2": []byte(`{"b":2}`)}
			if diff := cmp.Diff(want, all); diff != "" {
				t.Fatalf("GetAll mismatch (-want +got):\n%s", diff)
			}

			if err := st.Delete(ctx, "G1:activeTimers", "t2"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if err := st.Delete(ctx, "G1:activeTimers", "t2"); err != nil {
				t.Fatalf("Delete twice: %v", err)
			}
			if _, ok, _ := st.Get(ctx, "G1:activeTimers", "t2"); ok {
				t.Fatal("t2 still present after Delete")
			}

			if err := st.DeleteCollection(ctx, "G1:activeTimers"); err != nil {
				t.Fatalf("DeleteCollection: %v", err)
			}
			all, err = st.GetAll(ctx, "G1:activeTimers")
			if err != nil || len(all) != 0 {
				t.Fatalf("GetAll after DeleteCollection = %v err=%v", all, err)
			}
			if err := st.DeleteCollection(ctx, "G1:activeTimers"); err != nil {
				t.Fatalf("DeleteCollection twice: %v", err)
			}

			other, err := st.GetAll(ctx, "G2:activeTimers")
			if err != nil || len(other) != 1 {
				t.Fatalf("other tenant affected: %v err=%v", other, err)
			}
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "timers.db")
	cfg := Config{Driver: "file", Path: path}

	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	fs := st.(*fileStore)
	fs.compactEvery = 2 // exercise snapshot + journal together

	_ = st.Set(ctx, "G1:activeTimers", "a", []byte("1"))
	_ = st.Set(ctx, "G1:activeTimers", "b", []byte("2"))
	_ = st.Set(ctx, "G1:activeTimers", "c", []byte("3"))
	_ = st.Delete(ctx, "G1:activeTimers", "a")
	_ = st.Set(ctx, "G9:activeTimers", "z", []byte("9"))
	_ = st.DeleteCollection(ctx, "G9:activeTimers")
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st2, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()

	all, err := st2.GetAll(ctx, "G1:activeTimers")
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	want := map[string][]byte{"b": []byte("2"), "c": []byte("3")}
	if diff := cmp.Diff(want, all); diff != "" {
		t.Fatalf("state after reopen (-want +got):\n%s", diff)
	}
	if gone, _ := st2.GetAll(ctx, "G9:activeTimers"); len(gone) != 0 {
		t.Fatalf("dropped collection came back: %v", gone)
	}
}

func TestFileStoreCompactionKeepsTriggeringWrite(t *testing.T) {
	ctx := context.Background()
	cfg := Config{Driver: "file", Path: filepath.Join(t.TempDir(), "timers.db")}

	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	st.(*fileStore).compactEvery = 2

	if err := st.Set(ctx, "G1:activeTimers", "a", []byte("1")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	// Second write compacts; the delete must be in the snapshot.
	if err := st.Delete(ctx, "G1:activeTimers", "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st2, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	all, err := st2.GetAll(ctx, "G1:activeTimers")
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("deleted field came back: %v", all)
	}
}

func TestOpenDriverSwitch(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "none"}, logx.Nop())
	if err != nil || st != nil {
		t.Fatalf("Open(none) = %v, %v; want nil, nil", st, err)
	}
	if _, err := Open(Config{Driver: "etcd"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("expected error for file driver without path")
	}
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatal("expected error for redis driver without addr")
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("expected error for postgres driver without dsn")
	}
	if _, err := Open(Config{Driver: "postgres", DSN: "postgres://bad%zz"}, logx.Nop()); err == nil {
		t.Fatal("expected error for malformed postgres dsn")
	}
}

func TestClosedMemoryStore(t *testing.T) {
	t.Parallel()
	st := NewMemory()
	_ = st.Close()
	if err := st.Set(context.Background(), "c", "f", nil); err != ErrClosed {
		t.Fatalf("Set on closed store = %v, want ErrClosed", err)
	}
}
