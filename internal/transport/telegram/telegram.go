package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	kit "guildtimer/internal/transport"
	logx "guildtimer/pkg/logx"
)

type Config struct {
	Token string
	// URL overrides the Bot API endpoint (local bot API server, tests).
	URL string
	// Offline skips the getMe handshake in New.
	Offline bool
	// RatePerSec caps outgoing API calls. Zero means 20/s.
	RatePerSec int
	// Timeout bounds each HTTP request to the Bot API.
	Timeout time.Duration
}

// Client resolves and posts into Telegram chats and forum topics. It only
// calls the Bot API; it never polls for updates.
type Client struct {
	bot     *tele.Bot
	log     logx.Logger
	limiter *rate.Limiter
}

var _ kit.Resolver = (*Client)(nil)

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.URL,
		Offline: cfg.Offline,
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 20
	}
	return &Client{
		bot:     b,
		log:     log.With(logx.String("comp", "telegram")),
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}, nil
}

func (c *Client) SendText(ctx context.Context, to kit.ChannelRef, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}

	chunks := splitTelegramText(text, telegramTextLimit, opt.ParseMode)
	if len(chunks) == 0 {
		chunks = []string{""}
	}

	chat := &tele.Chat{ID: to.ChatID}

	var first kit.MessageRef
	for i, chunk := range chunks {
		if err := c.wait(ctx); err != nil {
			return first, err
		}
		msg, err := c.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			if isNotFound(err) {
				err = fmt.Errorf("%w: %s: %v", kit.ErrChannelNotFound, to, err)
			}
			return first, err
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// FetchChannel looks the chat up. Forum topics cannot be queried on their
// own, so a topic ref resolves through its parent chat.
func (c *Client) FetchChannel(ctx context.Context, ref kit.ChannelRef) (kit.Channel, error) {
	if err := c.wait(ctx); err != nil {
		return kit.Channel{}, err
	}
	chat, err := c.bot.ChatByID(ref.ChatID)
	if err != nil {
		if isNotFound(err) {
			return kit.Channel{}, fmt.Errorf("%w: %s", kit.ErrChannelNotFound, ref)
		}
		return kit.Channel{}, fmt.Errorf("get chat %d: %w", ref.ChatID, err)
	}
	title := chat.Title
	if title == "" {
		title = strings.TrimSpace(chat.FirstName + " " + chat.LastName)
	}
	if ref.ThreadID != 0 {
		title += " #" + strconv.Itoa(ref.ThreadID)
	}
	return kit.Channel{Ref: ref, Title: title, Topic: ref.ThreadID != 0}, nil
}

// DeleteChannel removes a forum topic. Whole chats are never deleted.
func (c *Client) DeleteChannel(ctx context.Context, ref kit.ChannelRef) error {
	if ref.ThreadID == 0 {
		return fmt.Errorf("refusing to delete whole chat %d", ref.ChatID)
	}
	if err := c.wait(ctx); err != nil {
		return err
	}
	err := c.bot.DeleteTopic(&tele.Chat{ID: ref.ChatID}, &tele.Topic{ThreadID: ref.ThreadID})
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: %s", kit.ErrChannelNotFound, ref)
		}
		return fmt.Errorf("delete topic %s: %w", ref, err)
	}
	c.log.Info("topic deleted", logx.String("channel", ref.String()))
	return nil
}

func (c *Client) wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.limiter.Wait(ctx)
}

func isNotFound(err error) bool {
	if errors.Is(err, tele.ErrChatNotFound) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "chat not found") ||
		strings.Contains(msg, "thread not found") ||
		strings.Contains(msg, "topic_id_invalid")
}

const telegramTextLimit = 4000

// splitTelegramText splits long messages into chunks that are safe to send to Telegram.
// It prefers newline boundaries and (best-effort) avoids splitting inside HTML tags when ParseMode is HTML.
func splitTelegramText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))

		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		if strings.EqualFold(parseMode, "HTML") && end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))

		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
