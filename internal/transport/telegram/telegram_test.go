package telegram

import (
	"errors"
	"strings"
	"testing"

	tele "gopkg.in/telebot.v4"

	logx "guildtimer/pkg/logx"
)

func TestSplitTelegramText(t *testing.T) {
	t.Parallel()

	if got := splitTelegramText("short", 10, ""); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short text split = %q", got)
	}

	long := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	got := splitTelegramText(long, 10, "")
	if len(got) != 2 || got[0] != strings.Repeat("a", 8) || got[1] != strings.Repeat("b", 8) {
		t.Fatalf("newline split = %q", got)
	}

	html := "abcdefgh<b>x</b>"
	got = splitTelegramText(html, 10, "HTML")
	if len(got) != 2 || got[0] != "abcdefgh" {
		t.Fatalf("html split = %q, want first chunk to stop before the tag", got)
	}
	if strings.Join(got, "") != html {
		t.Fatalf("html split lost text: %q", got)
	}

	for _, chunk := range splitTelegramText(strings.Repeat("x", 25), 10, "") {
		if len([]rune(chunk)) > 10 {
			t.Fatalf("chunk over limit: %d", len(chunk))
		}
	}
}

func TestIsNotFound(t *testing.T) {
	t.Parallel()
	cases := []struct {
		err  error
		want bool
	}{
		{tele.ErrChatNotFound, true},
		{errors.New("telegram: Bad Request: message thread not found (400)"), true},
		{errors.New("telegram: Bad Request: TOPIC_ID_INVALID (400)"), true},
		{errors.New("telegram: Forbidden: bot was blocked by the user (403)"), false},
	}
	for _, tc := range cases {
		if got := isNotFound(tc.err); got != tc.want {
			t.Errorf("isNotFound(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Token: " "}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty token")
	}
}
