package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"guildtimer/internal/timer"
)

// CollectionKey is the store collection holding a tenant's timers.
func CollectionKey(tenantID string) string { return tenantID + ":activeTimers" }

// Projection is the persisted shape of a timer. Field = timer id.
type Projection struct {
	ID               string       `json:"id"`
	TenantID         string       `json:"tenant_id"`
	Name             string       `json:"name"`
	OwnerID          string       `json:"owner_id"`
	Kind             timer.Kind   `json:"kind"`
	Status           timer.Status `json:"status"`
	DurationMinutes  float64      `json:"duration_minutes"`
	RemainingMinutes float64      `json:"remaining_minutes"`
	StartedAt        *time.Time   `json:"started_at,omitempty"`
	Callback         Descriptor   `json:"callback"`
}

func project(tenantID string, snap timer.Snapshot, desc Descriptor) Projection {
	p := Projection{
		ID:               snap.ID,
		TenantID:         tenantID,
		Name:             snap.Name,
		OwnerID:          snap.OwnerID,
		Kind:             snap.Kind,
		Status:           snap.Status,
		DurationMinutes:  snap.Duration.Minutes(),
		RemainingMinutes: snap.Remaining.Minutes(),
		Callback:         desc,
	}
	if !snap.StartedAt.IsZero() {
		at := snap.StartedAt.UTC()
		p.StartedAt = &at
	}
	return p
}

func (p Projection) Duration() time.Duration { return minutes(p.DurationMinutes) }

func (p Projection) Remaining() time.Duration { return minutes(p.RemainingMinutes) }

// EffectiveRemaining is the time left at now: a running projection has
// been counting down since StartedAt, anything else is frozen.
func (p Projection) EffectiveRemaining(now time.Time) time.Duration {
	rem := p.Remaining()
	if p.Status == timer.StatusRunning && p.StartedAt != nil {
		if elapsed := now.Sub(*p.StartedAt); elapsed > 0 {
			rem -= elapsed
		}
	}
	if rem < 0 {
		return 0
	}
	return rem
}

func (p Projection) Validate() error {
	if !p.Status.Valid() {
		return fmt.Errorf("invalid status %q", p.Status)
	}
	if !minutesInRange(p.DurationMinutes) || p.DurationMinutes < 0 {
		return errors.New("invalid duration")
	}
	if !minutesInRange(p.RemainingMinutes) {
		return errors.New("invalid remaining time")
	}
	return nil
}

// maxMinutes is the largest minute count a time.Duration can hold.
const maxMinutes = float64(math.MaxInt64 / int64(time.Minute))

func minutesInRange(m float64) bool {
	return !math.IsNaN(m) && !math.IsInf(m, 0) && math.Abs(m) <= maxMinutes
}

func encodeProjection(p Projection) ([]byte, error) {
	return json.Marshal(p)
}

func decodeProjection(b []byte) (Projection, error) {
	var p Projection
	if err := json.Unmarshal(b, &p); err != nil {
		return Projection{}, fmt.Errorf("decode projection: %w", err)
	}
	if p.Callback.Kind == "" {
		p.Callback.Kind = DescriptorNone
	}
	if err := p.Validate(); err != nil {
		return Projection{}, fmt.Errorf("decode projection: %w", err)
	}
	return p, nil
}

func minutes(m float64) time.Duration {
	return time.Duration(math.Round(m * float64(time.Minute)))
}
