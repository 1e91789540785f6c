package callbacks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"guildtimer/internal/scheduler"
	"guildtimer/internal/timer"
	"guildtimer/internal/transport"
	logx "guildtimer/pkg/logx"
)

// RentCollector charges a room owner for the next rent period. paid is false
// when the owner cannot cover it.
type RentCollector interface {
	CollectRent(ctx context.Context, tenantID, channelID, ownerID string) (paid bool, err error)
}

// Scheduler is the part of the timer manager the callbacks drive.
type Scheduler interface {
	RegisterFactory(kind scheduler.DescriptorKind, f scheduler.Factory) error
	CreateTimer(ctx context.Context, tenantID string, opts scheduler.TimerOptions) (*timer.Timer, error)
	CancelTimer(ctx context.Context, tenantID, id string) bool
	ResetTimer(ctx context.Context, tenantID, id string) bool
}

// Handlers builds the reminder and room rent callbacks.
type Handlers struct {
	resolver transport.Resolver
	rent     RentCollector
	log      logx.Logger
	sched    Scheduler
}

func New(resolver transport.Resolver, rent RentCollector, log logx.Logger) *Handlers {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Handlers{
		resolver: resolver,
		rent:     rent,
		log:      log.With(logx.String("comp", "callbacks")),
	}
}

// Register installs the reminder and room rent factories on s. Room rent is
// skipped when no RentCollector is configured, so persisted rooms are dropped
// on recovery rather than left without a way to charge.
func (h *Handlers) Register(s Scheduler) error {
	h.sched = s
	if err := s.RegisterFactory(scheduler.DescriptorReminder, h.reminder); err != nil {
		return fmt.Errorf("register reminder factory: %w", err)
	}
	if h.rent == nil {
		return nil
	}
	if err := s.RegisterFactory(scheduler.DescriptorRoomRent, h.roomRent); err != nil {
		return fmt.Errorf("register room rent factory: %w", err)
	}
	return nil
}

// ScheduleReminder creates and starts a one-shot reminder owned by the
// channel it posts to.
func (h *Handlers) ScheduleReminder(ctx context.Context, tenantID, channelID, text string, after time.Duration) (*timer.Timer, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("reminder text is required")
	}
	desc := scheduler.ReminderDescriptor(channelID, text)
	t, err := h.sched.CreateTimer(ctx, tenantID, scheduler.TimerOptions{
		Name:       scheduler.ReminderName(channelID, text),
		OwnerID:    channelID,
		Duration:   after,
		Descriptor: &desc,
	})
	if err != nil {
		return nil, err
	}
	t.Start()
	return t, nil
}

// ScheduleRoomRent creates and starts the recurring rent timer of a room.
func (h *Handlers) ScheduleRoomRent(ctx context.Context, tenantID, channelID, ownerID string, period time.Duration) (*timer.Timer, error) {
	desc := scheduler.RoomRentDescriptor(channelID)
	t, err := h.sched.CreateTimer(ctx, tenantID, scheduler.TimerOptions{
		Name:       scheduler.RoomName(channelID),
		OwnerID:    ownerID,
		Duration:   period,
		Descriptor: &desc,
	})
	if err != nil {
		return nil, err
	}
	t.Start()
	return t, nil
}

func (h *Handlers) reminder(ctx context.Context, r scheduler.Rebuild) (timer.Callback, error) {
	data, err := r.Descriptor.Reminder(r.Name)
	if err != nil {
		return nil, err
	}
	ref, err := h.resolve(ctx, data.ChannelID)
	if err != nil {
		return nil, err
	}
	tenantID := r.TenantID
	return func(ctx context.Context, t *timer.Timer) error {
		defer h.sched.CancelTimer(ctx, tenantID, t.ID())
		if _, err := h.resolver.SendText(ctx, ref, "Reminder: "+data.Text, nil); err != nil {
			return fmt.Errorf("send reminder to %s: %w", data.ChannelID, err)
		}
		return nil
	}, nil
}

func (h *Handlers) roomRent(ctx context.Context, r scheduler.Rebuild) (timer.Callback, error) {
	data, err := r.Descriptor.RoomRent(r.Name)
	if err != nil {
		return nil, err
	}
	ref, err := h.resolve(ctx, data.ChannelID)
	if err != nil {
		return nil, err
	}
	tenantID := r.TenantID
	return func(ctx context.Context, t *timer.Timer) error {
		return h.collect(ctx, tenantID, data.ChannelID, ref, t)
	}, nil
}

func (h *Handlers) collect(ctx context.Context, tenantID, channelID string, ref transport.ChannelRef, t *timer.Timer) error {
	log := h.log.With(
		logx.String("tenant", tenantID),
		logx.String("room", channelID),
		logx.String("owner", t.OwnerID()),
	)

	ch, err := h.resolver.FetchChannel(ctx, ref)
	if errors.Is(err, transport.ErrChannelNotFound) {
		log.Info("room is gone, stopping rent")
		h.sched.CancelTimer(ctx, tenantID, t.ID())
		return nil
	}
	if err != nil {
		// Try again next period.
		h.sched.ResetTimer(ctx, tenantID, t.ID())
		return fmt.Errorf("fetch room %s: %w", channelID, err)
	}

	paid, err := h.rent.CollectRent(ctx, tenantID, channelID, t.OwnerID())
	if err != nil {
		h.sched.ResetTimer(ctx, tenantID, t.ID())
		return fmt.Errorf("collect rent for %s: %w", channelID, err)
	}
	if paid {
		log.Debug("rent collected")
		h.sched.ResetTimer(ctx, tenantID, t.ID())
		return nil
	}

	log.Info("rent unpaid, closing room")
	h.sched.CancelTimer(ctx, tenantID, t.ID())
	title := ch.Title
	if title == "" {
		title = "this room"
	}
	_, sendErr := h.resolver.SendText(ctx, ref, fmt.Sprintf("Rent for %s could not be paid. The room is being closed.", title), nil)
	delErr := h.resolver.DeleteChannel(ctx, ref)
	if errors.Is(delErr, transport.ErrChannelNotFound) {
		delErr = nil
	}
	return errors.Join(sendErr, delErr)
}

// resolve parses a stored channel id and checks that the channel still
// exists. Anything that makes the channel unusable is ErrResourceMissing.
func (h *Handlers) resolve(ctx context.Context, channelID string) (transport.ChannelRef, error) {
	ref, err := transport.ParseChannelRef(channelID)
	if err != nil {
		return transport.ChannelRef{}, fmt.Errorf("%w: %v", scheduler.ErrResourceMissing, err)
	}
	if _, err := h.resolver.FetchChannel(ctx, ref); err != nil {
		if errors.Is(err, transport.ErrChannelNotFound) {
			return transport.ChannelRef{}, fmt.Errorf("%w: channel %s", scheduler.ErrResourceMissing, channelID)
		}
		return transport.ChannelRef{}, fmt.Errorf("fetch channel %s: %w", channelID, err)
	}
	return ref, nil
}
