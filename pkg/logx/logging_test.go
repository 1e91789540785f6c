package logx

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"guildtimer/internal/transport"
)

type recordSender struct {
	mu   sync.Mutex
	sent []string
	to   []transport.ChannelRef
}

func (r *recordSender) SendText(_ context.Context, to transport.ChannelRef, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, text)
	r.to = append(r.to, to)
	return transport.MessageRef{ChatID: to.ChatID}, nil
}

func (r *recordSender) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

func TestFormatAlertJSON(t *testing.T) {
	got := formatAlertJSON([]byte(`{"level":"error","time":"x","message":"persist failed","tenant":"G1","err":"boom"}`))
	want := "[ERROR] persist failed\n- err=boom\n- tenant=G1"
	if got != want {
		t.Fatalf("got %q\nwant %q", got, want)
	}

	if got := formatAlertJSON([]byte("not json\n")); got != "not json" {
		t.Fatalf("raw fallback = %q", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("abcdefghijklmnop", 12); got != "abcdefghi..." {
		t.Fatalf("got %q", got)
	}
	if got := truncate("abc", 0); got != "abc" {
		t.Fatalf("got %q", got)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := parseLevel(in, zerolog.InfoLevel); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestAlertSinkForwardsWarnings(t *testing.T) {
	rs := &recordSender{}
	svc, log := New(Config{
		Level:  "debug",
		Alerts: AlertConfig{Enabled: true, MinLevel: "warn", RatePerSec: 100},
	}, rs)
	t.Cleanup(func() { _ = svc.Close() })
	target := transport.ChannelRef{ChatID: -1001, ThreadID: 7}
	svc.SetAlertTarget(target)

	log.Info("timer created")
	log.Warn("projection dropped", String("reason", "expired"))

	deadline := time.Now().Add(2 * time.Second)
	for len(rs.messages()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	msgs := rs.messages()
	if len(msgs) != 1 {
		t.Fatalf("want 1 alert, got %d: %q", len(msgs), msgs)
	}
	if !strings.HasPrefix(msgs[0], "[WARN] projection dropped") || !strings.Contains(msgs[0], "- reason=expired") {
		t.Fatalf("alert = %q", msgs[0])
	}
	if rs.to[0] != target {
		t.Fatalf("alert sent to %v", rs.to[0])
	}
}

func TestNopAndWith(t *testing.T) {
	var zero Logger
	if !zero.IsZero() {
		t.Fatal("zero Logger should report IsZero")
	}
	l := Nop().With(String("tenant", "G1"))
	if l.IsZero() {
		t.Fatal("Nop logger is not zero")
	}
	l.Error("ignored")
}
