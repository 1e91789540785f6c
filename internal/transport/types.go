package transport

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrChannelNotFound is returned by resolvers when the referenced channel no
// longer exists or is not reachable by the bot.
var ErrChannelNotFound = errors.New("channel not found")

// ChannelRef addresses a chat, optionally narrowed to a forum topic.
//
// Text form: "<chatID>" or "<chatID>/<threadID>".
type ChannelRef struct {
	ChatID   int64
	ThreadID int
}

func (r ChannelRef) IsZero() bool { return r.ChatID == 0 && r.ThreadID == 0 }

func (r ChannelRef) String() string {
	if r.ThreadID != 0 {
		return strconv.FormatInt(r.ChatID, 10) + "/" + strconv.Itoa(r.ThreadID)
	}
	return strconv.FormatInt(r.ChatID, 10)
}

func ParseChannelRef(s string) (ChannelRef, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ChannelRef{}, errors.New("empty channel ref")
	}
	chatPart, threadPart, hasThread := strings.Cut(s, "/")
	chatID, err := strconv.ParseInt(strings.TrimSpace(chatPart), 10, 64)
	if err != nil {
		return ChannelRef{}, fmt.Errorf("invalid chat id %q: %w", chatPart, err)
	}
	ref := ChannelRef{ChatID: chatID}
	if hasThread {
		tid, err := strconv.Atoi(strings.TrimSpace(threadPart))
		if err != nil || tid <= 0 {
			return ChannelRef{}, fmt.Errorf("invalid thread id %q", threadPart)
		}
		ref.ThreadID = tid
	}
	return ref, nil
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Channel is what a resolver knows about a live channel.
type Channel struct {
	Ref   ChannelRef
	Title string
	// Topic is true when Ref points at a forum topic rather than a whole chat.
	Topic bool
}

type Sender interface {
	SendText(ctx context.Context, to ChannelRef, text string, opt *SendOptions) (MessageRef, error)
}

// Resolver gives timer callbacks access to external channels.
type Resolver interface {
	Sender
	FetchChannel(ctx context.Context, ref ChannelRef) (Channel, error)
	DeleteChannel(ctx context.Context, ref ChannelRef) error
}
