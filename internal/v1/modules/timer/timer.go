// Package timer implements the single-timer-per-room countdown/stopwatch
// state machine, including the absolute-time-anchored countdown expiry
// broadcast and optional ready-check (spec.md §4.8).
package timer

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/meetcore/signaling/internal/v1/config"
	"github.com/meetcore/signaling/internal/v1/module"
	"github.com/meetcore/signaling/internal/v1/roomcoord"
	"github.com/meetcore/signaling/internal/v1/wire"
)

const Namespace = "timer"

type Kind string

const (
	KindCountdown Kind = "countdown"
	KindStopwatch Kind = "stopwatch"
)

const (
	StopReasonByModerator = "by_moderator"
	StopReasonExpired     = "expired"
	StopReasonCreatorLeft = "creator_left"
)

// Timer is the single outstanding timer for a room.
type Timer struct {
	ID                int64           `json:"timer_id"`
	Kind              Kind            `json:"kind"`
	Title             string          `json:"title,omitempty"`
	Style             string          `json:"style,omitempty"`
	StartedAt         time.Time       `json:"started_at"`
	EndsAt            *time.Time      `json:"ends_at,omitempty"`
	ReadyCheckEnabled bool            `json:"ready_check_enabled"`
	Ready             map[string]bool `json:"ready"`
	CreatorID         string          `json:"creator_id"`
}

const currentTimerSuffix = "current"

// PublishFunc lets the timer module emit an out-of-band broadcast once a
// countdown expires, without any client action driving it. The runner
// wires this to the room's handle/bus at startup.
type PublishFunc func(ctx context.Context, roomID string, event module.Event)

type Module struct {
	store    *roomcoord.Store
	limits   config.DurationLimits
	publish  PublishFunc

	mu      sync.Mutex
	cancels map[string]context.CancelFunc // roomID -> cancel for its pending expiry goroutine
}

func New(store *roomcoord.Store, limits config.DurationLimits, publish PublishFunc) *Module {
	return &Module{store: store, limits: limits, publish: publish, cancels: make(map[string]context.CancelFunc)}
}

func (m *Module) Name() string { return Namespace }

func (m *Module) InitRoom(ctx context.Context, roomID string) error { return nil }

func (m *Module) BuildJoinSuccessFragment(ctx context.Context, roomID string, p *roomcoord.Participant) (any, error) {
	t, found, err := m.current(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !found {
		return map[string]any{"current_timer": nil}, nil
	}
	return map[string]any{"current_timer": t}, nil
}

func (m *Module) OnParticipantJoined(ctx context.Context, roomID string, p *roomcoord.Participant) ([]module.Event, error) {
	return nil, nil
}

// OnParticipantLeft stops a running timer with kind=creator_left when its
// creator disconnects (spec.md §4.8 / example 3).
func (m *Module) OnParticipantLeft(ctx context.Context, roomID string, p *roomcoord.Participant) ([]module.Event, error) {
	t, found, err := m.current(ctx, roomID)
	if err != nil || !found || t.CreatorID != p.ParticipantID {
		return nil, err
	}
	return m.stop(ctx, roomID, t, StopReasonCreatorLeft), nil
}

func (m *Module) current(ctx context.Context, roomID string) (*Timer, bool, error) {
	var t Timer
	found, err := m.store.GetModuleRoomState(ctx, roomID, Namespace, currentTimerSuffix, &t)
	if err != nil || !found {
		return nil, found, err
	}
	return &t, true, nil
}

type startPayload struct {
	Kind             Kind   `json:"kind"`
	Duration         string `json:"duration,omitempty"`
	Title            string `json:"title,omitempty"`
	Style            string `json:"style,omitempty"`
	EnableReadyCheck bool   `json:"enable_ready_check,omitempty"`
}

type readyStatusPayload struct {
	Ready bool `json:"ready"`
}

func (m *Module) HandleCommand(ctx context.Context, roomID string, p *roomcoord.Participant, action string, payload json.RawMessage) module.Result {
	switch action {
	case "start":
		return m.handleStart(ctx, roomID, p, payload)
	case "stop":
		return m.handleStop(ctx, roomID, p)
	case "update_ready_status":
		return m.handleUpdateReadyStatus(ctx, roomID, p, payload)
	default:
		return module.Err(wire.ErrUnknownAction)
	}
}

func (m *Module) handleStart(ctx context.Context, roomID string, p *roomcoord.Participant, payload json.RawMessage) module.Result {
	if p.Role != roomcoord.RoleModerator {
		return module.Err(wire.ErrInsufficientPermissions)
	}
	var req startPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return module.Err(wire.ErrUnknownAction)
	}

	_, found, err := m.current(ctx, roomID)
	if err != nil {
		return module.Err(wire.ErrUpstreamUnavailable)
	}
	if found {
		return module.Err(wire.ErrTimerAlreadyRunning)
	}

	var dur time.Duration
	if req.Kind == KindCountdown {
		parsed, err := time.ParseDuration(req.Duration)
		if err != nil || parsed < m.limits.Min || parsed > m.limits.Max {
			return module.Err(wire.ErrInvalidDuration)
		}
		dur = parsed
	}

	id, err := m.store.IncrModuleCounter(ctx, roomID, Namespace, "timer_id")
	if err != nil {
		return module.Err(wire.ErrUpstreamUnavailable)
	}

	now := time.Now().UTC()
	t := Timer{
		ID:                id,
		Kind:              req.Kind,
		Title:             req.Title,
		Style:             req.Style,
		StartedAt:         now,
		ReadyCheckEnabled: req.EnableReadyCheck,
		Ready:             make(map[string]bool),
		CreatorID:         p.ParticipantID,
	}
	if req.Kind == KindCountdown {
		endsAt := now.Add(dur)
		t.EndsAt = &endsAt
		m.scheduleExpiry(roomID, id, dur)
	}

	if err := m.store.SetModuleRoomState(ctx, roomID, Namespace, currentTimerSuffix, t); err != nil {
		return module.Err(wire.ErrUpstreamUnavailable)
	}

	return module.Emit(module.Event{Target: module.TargetRoom, Message: "started", Payload: t})
}

// scheduleExpiry fires a stopped{kind:expired} broadcast when a countdown's
// ends_at is reached, anchored to absolute time so the wall-clock delay
// stays correct even under scheduler jitter (spec.md §4.8).
func (m *Module) scheduleExpiry(roomID string, timerID int64, dur time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	if prev, ok := m.cancels[roomID]; ok {
		prev()
	}
	m.cancels[roomID] = cancel
	m.mu.Unlock()

	go func() {
		timer := time.NewTimer(dur)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		// stop cancels this goroutine's own context, so the store and
		// publish calls below run on a context that outlives that cancel.
		ctx := context.WithoutCancel(ctx)
		current, found, err := m.current(ctx, roomID)
		if err != nil || !found || current.ID != timerID {
			return
		}
		events := m.stop(ctx, roomID, current, StopReasonExpired)
		if m.publish == nil {
			return
		}
		for _, ev := range events {
			m.publish(ctx, roomID, ev)
		}
	}()
}

func (m *Module) handleStop(ctx context.Context, roomID string, p *roomcoord.Participant) module.Result {
	if p.Role != roomcoord.RoleModerator {
		return module.Err(wire.ErrInsufficientPermissions)
	}
	t, found, err := m.current(ctx, roomID)
	if err != nil {
		return module.Err(wire.ErrUpstreamUnavailable)
	}
	if !found {
		return module.Emit()
	}
	return module.Emit(m.stop(ctx, roomID, t, StopReasonByModerator)...)
}

func (m *Module) stop(ctx context.Context, roomID string, t *Timer, reason string) []module.Event {
	m.mu.Lock()
	if cancel, ok := m.cancels[roomID]; ok {
		cancel()
		delete(m.cancels, roomID)
	}
	m.mu.Unlock()

	_ = m.store.DeleteModuleRoomState(ctx, roomID, Namespace, currentTimerSuffix)
	return []module.Event{{
		Target:  module.TargetRoom,
		Message: "stopped",
		Payload: map[string]any{"timer_id": t.ID, "kind": reason},
	}}
}

func (m *Module) handleUpdateReadyStatus(ctx context.Context, roomID string, p *roomcoord.Participant, payload json.RawMessage) module.Result {
	t, found, err := m.current(ctx, roomID)
	if err != nil {
		return module.Err(wire.ErrUpstreamUnavailable)
	}
	if !found || !t.ReadyCheckEnabled {
		return module.Err(wire.ErrUnknownAction)
	}
	var req readyStatusPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return module.Err(wire.ErrUnknownAction)
	}

	t.Ready[p.ParticipantID] = req.Ready
	if err := m.store.SetModuleRoomState(ctx, roomID, Namespace, currentTimerSuffix, *t); err != nil {
		return module.Err(wire.ErrUpstreamUnavailable)
	}

	return module.Emit(module.Event{
		Target:  module.TargetRoom,
		Message: "update",
		Payload: map[string]any{"participant_id": p.ParticipantID, "ready": req.Ready},
	})
}

func (m *Module) OnEvent(ctx context.Context, roomID string, p *roomcoord.Participant, event string, payload json.RawMessage) (bool, error) {
	return true, nil
}

func (m *Module) DestroyRoom(ctx context.Context, roomID string) error {
	m.mu.Lock()
	if cancel, ok := m.cancels[roomID]; ok {
		cancel()
		delete(m.cancels, roomID)
	}
	m.mu.Unlock()
	return nil
}
