package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"guildtimer/internal/timer"
)

var (
	// ErrResourceMissing is returned by factories when the external resource
	// a callback needs (a channel, a room) no longer exists.
	ErrResourceMissing = errors.New("callback resource missing")
	// ErrUnknownDescriptor is returned for descriptor kinds outside the
	// closed set.
	ErrUnknownDescriptor = errors.New("unknown callback descriptor")
)

// DescriptorKind tags which factory rebuilds a persisted callback.
type DescriptorKind string

const (
	DescriptorNone     DescriptorKind = "none"
	DescriptorRoomRent DescriptorKind = "roomRent"
	DescriptorReminder DescriptorKind = "reminder"
)

func (k DescriptorKind) Valid() bool {
	switch k {
	case DescriptorNone, DescriptorRoomRent, DescriptorReminder:
		return true
	}
	return false
}

// Timer name prefixes double as descriptor tags.
const (
	roomPrefix     = "room:"
	reminderPrefix = "reminder:"
)

// Descriptor is the persisted stand-in for a callback: a kind plus the
// minimal data its factory needs.
type Descriptor struct {
	Kind DescriptorKind  `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

type ReminderData struct {
	ChannelID string `json:"channel_id"`
	Text      string `json:"text"`
}

type RoomRentData struct {
	ChannelID string `json:"channel_id"`
}

func NoneDescriptor() Descriptor { return Descriptor{Kind: DescriptorNone} }

func ReminderDescriptor(channelID, text string) Descriptor {
	b, _ := json.Marshal(ReminderData{ChannelID: channelID, Text: text})
	return Descriptor{Kind: DescriptorReminder, Data: b}
}

func RoomRentDescriptor(channelID string) Descriptor {
	b, _ := json.Marshal(RoomRentData{ChannelID: channelID})
	return Descriptor{Kind: DescriptorRoomRent, Data: b}
}

func ReminderName(channelID, text string) string { return reminderPrefix + channelID + ":" + text }

func RoomName(channelID string) string { return roomPrefix + channelID }

// ParseReminderName splits "reminder:<channelId>:<text>". The text may
// itself contain colons.
func ParseReminderName(name string) (channelID, text string, ok bool) {
	rest, found := strings.CutPrefix(name, reminderPrefix)
	if !found {
		return "", "", false
	}
	channelID, text, found = strings.Cut(rest, ":")
	if !found || channelID == "" {
		return "", "", false
	}
	return channelID, text, true
}

// ParseRoomName extracts the channel id from "room:<channelId>".
func ParseRoomName(name string) (string, bool) {
	id, found := strings.CutPrefix(name, roomPrefix)
	if !found || id == "" {
		return "", false
	}
	return id, true
}

// InferDescriptor derives a descriptor from a structured timer name.
func InferDescriptor(name string) Descriptor {
	if ch, text, ok := ParseReminderName(name); ok {
		return ReminderDescriptor(ch, text)
	}
	if ch, ok := ParseRoomName(name); ok {
		return RoomRentDescriptor(ch)
	}
	return NoneDescriptor()
}

// Reminder decodes reminder data, falling back to the timer name for
// fields the stored data lacks.
func (d Descriptor) Reminder(name string) (ReminderData, error) {
	var out ReminderData
	if len(d.Data) > 0 {
		if err := json.Unmarshal(d.Data, &out); err != nil {
			return ReminderData{}, fmt.Errorf("decode reminder data: %w", err)
		}
	}
	if out.ChannelID == "" || out.Text == "" {
		if ch, text, ok := ParseReminderName(name); ok {
			if out.ChannelID == "" {
				out.ChannelID = ch
			}
			if out.Text == "" {
				out.Text = text
			}
		}
	}
	if out.ChannelID == "" {
		return ReminderData{}, errors.New("reminder descriptor has no channel")
	}
	return out, nil
}

// RoomRent decodes room rent data, falling back to the timer name.
func (d Descriptor) RoomRent(name string) (RoomRentData, error) {
	var out RoomRentData
	if len(d.Data) > 0 {
		if err := json.Unmarshal(d.Data, &out); err != nil {
			return RoomRentData{}, fmt.Errorf("decode room rent data: %w", err)
		}
	}
	if out.ChannelID == "" {
		if ch, ok := ParseRoomName(name); ok {
			out.ChannelID = ch
		}
	}
	if out.ChannelID == "" {
		return RoomRentData{}, errors.New("room rent descriptor has no channel")
	}
	return out, nil
}

// Rebuild is what a factory gets to reconstruct a callback.
type Rebuild struct {
	TenantID   string
	Name       string
	OwnerID    string
	Kind       timer.Kind
	Duration   time.Duration
	Descriptor Descriptor
}

// Factory turns a descriptor back into a live callback. It may resolve
// external resources and returns ErrResourceMissing when they are gone.
type Factory func(ctx context.Context, r Rebuild) (timer.Callback, error)

func noneFactory(context.Context, Rebuild) (timer.Callback, error) { return nil, nil }
