// Package moderation implements room-flag and membership moderation:
// kick/ban, waiting-room toggles, raise-hands toggles, and waiting-room
// accept (spec.md §4.5).
package moderation

import (
	"context"
	"encoding/json"

	"github.com/meetcore/signaling/internal/v1/module"
	"github.com/meetcore/signaling/internal/v1/roomcoord"
	"github.com/meetcore/signaling/internal/v1/wire"
)

const Namespace = "moderation"

type Module struct {
	store *roomcoord.Store
}

func New(store *roomcoord.Store) *Module {
	return &Module{store: store}
}

func (m *Module) Name() string { return Namespace }

func (m *Module) InitRoom(ctx context.Context, roomID string) error { return nil }

func (m *Module) BuildJoinSuccessFragment(ctx context.Context, roomID string, p *roomcoord.Participant) (any, error) {
	flags, err := m.store.GetFlags(ctx, roomID, false)
	if err != nil {
		return nil, err
	}
	return flags, nil
}

func (m *Module) OnParticipantJoined(ctx context.Context, roomID string, p *roomcoord.Participant) ([]module.Event, error) {
	return nil, nil
}

func (m *Module) OnParticipantLeft(ctx context.Context, roomID string, p *roomcoord.Participant) ([]module.Event, error) {
	return nil, nil
}

type targetPayload struct {
	ParticipantID string `json:"participant_id"`
}

func requireModerator(p *roomcoord.Participant) *module.Result {
	if p.Role != roomcoord.RoleModerator {
		r := module.Err(wire.ErrInsufficientPermissions)
		return &r
	}
	return nil
}

func (m *Module) HandleCommand(ctx context.Context, roomID string, p *roomcoord.Participant, action string, payload json.RawMessage) module.Result {
	switch action {
	case "kick":
		return m.handleKick(ctx, roomID, p, payload)
	case "ban":
		return m.handleBan(ctx, roomID, p, payload)
	case "enable_waiting_room":
		return m.toggleFlag(ctx, roomID, p, func(f *roomcoord.RoomFlags) { f.WaitingRoomEnabled = true })
	case "disable_waiting_room":
		return m.toggleFlag(ctx, roomID, p, func(f *roomcoord.RoomFlags) { f.WaitingRoomEnabled = false })
	case "enable_raise_hands":
		return m.toggleFlag(ctx, roomID, p, func(f *roomcoord.RoomFlags) { f.RaiseHandsEnabled = true })
	case "disable_raise_hands":
		return m.handleDisableRaiseHands(ctx, roomID, p)
	case "accept":
		return m.handleAccept(ctx, roomID, p, payload)
	case "reset_raised_hands":
		return m.handleResetRaisedHands(ctx, roomID, p)
	default:
		return module.Err(wire.ErrUnknownAction)
	}
}

func (m *Module) handleKick(ctx context.Context, roomID string, p *roomcoord.Participant, payload json.RawMessage) module.Result {
	if r := requireModerator(p); r != nil {
		return *r
	}
	var req targetPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return module.Err(wire.ErrUnknownAction)
	}
	return module.Emit(module.Event{
		Target:  module.TargetParticipant,
		To:      req.ParticipantID,
		Message: "kicked",
		Payload: map[string]string{},
	})
}

func (m *Module) handleBan(ctx context.Context, roomID string, p *roomcoord.Participant, payload json.RawMessage) module.Result {
	if r := requireModerator(p); r != nil {
		return *r
	}
	var req targetPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return module.Err(wire.ErrUnknownAction)
	}
	target, err := m.store.GetParticipant(ctx, roomID, req.ParticipantID)
	if err != nil {
		return module.Err(wire.ErrUpstreamUnavailable)
	}
	if target == nil {
		return module.Err(wire.ErrInvalidParticipantSelection)
	}
	if target.ParticipationKind != roomcoord.ParticipationUser {
		return module.Err(wire.ErrCannotBanGuest)
	}
	if err := m.store.BanUser(ctx, roomID, target.UserID); err != nil {
		return module.Err(wire.ErrUpstreamUnavailable)
	}
	return module.Emit(module.Event{
		Target:  module.TargetParticipant,
		To:      target.ParticipantID,
		Message: "banned",
		Payload: map[string]string{},
	})
}

func (m *Module) toggleFlag(ctx context.Context, roomID string, p *roomcoord.Participant, mutate func(*roomcoord.RoomFlags)) module.Result {
	if r := requireModerator(p); r != nil {
		return *r
	}
	flags, err := m.store.GetFlags(ctx, roomID, false)
	if err != nil {
		return module.Err(wire.ErrUpstreamUnavailable)
	}
	mutate(&flags)
	if err := m.store.SetFlags(ctx, roomID, flags); err != nil {
		return module.Err(wire.ErrUpstreamUnavailable)
	}
	return module.Emit(module.Event{Target: module.TargetRoom, Message: "flags_updated", Payload: flags})
}

// clearRaisedHands lowers every currently raised hand in the room, emitting
// an `update` per affected participant. Shared by handleDisableRaiseHands
// (which also turns the feature off) and handleResetRaisedHands (which
// leaves it on, so participants can immediately raise hands again).
func (m *Module) clearRaisedHands(ctx context.Context, roomID string) ([]module.Event, error) {
	roster, err := m.store.Roster(ctx, roomID)
	if err != nil {
		return nil, err
	}

	var events []module.Event
	for _, id := range roster {
		target, err := m.store.GetParticipant(ctx, roomID, id)
		if err != nil || target == nil || !target.HandIsUp {
			continue
		}
		target.HandIsUp = false
		_ = m.store.SaveParticipant(ctx, roomID, target)
		events = append(events, module.Event{
			Target:  module.TargetRoom,
			Message: "update",
			Payload: map[string]any{"participant_id": id, "hand_is_up": false},
		})
	}
	return events, nil
}

// handleDisableRaiseHands forcibly lowers every raised hand, turns the
// raise-hands feature off, and emits `flags_updated` plus an `update` per
// affected participant, per spec.md §4.5.
func (m *Module) handleDisableRaiseHands(ctx context.Context, roomID string, p *roomcoord.Participant) module.Result {
	if r := requireModerator(p); r != nil {
		return *r
	}
	flags, err := m.store.GetFlags(ctx, roomID, false)
	if err != nil {
		return module.Err(wire.ErrUpstreamUnavailable)
	}
	flags.RaiseHandsEnabled = false
	if err := m.store.SetFlags(ctx, roomID, flags); err != nil {
		return module.Err(wire.ErrUpstreamUnavailable)
	}

	cleared, err := m.clearRaisedHands(ctx, roomID)
	if err != nil {
		return module.Err(wire.ErrUpstreamUnavailable)
	}

	events := append([]module.Event{{Target: module.TargetRoom, Message: "flags_updated", Payload: flags}}, cleared...)
	return module.Emit(events...)
}

// handleResetRaisedHands lowers every currently raised hand without
// touching the RaiseHandsEnabled flag and without emitting `flags_updated`
// — unlike disable_raise_hands, the feature stays enabled, so participants
// can raise their hands again immediately (spec.md §4.5 names these as two
// distinct commands).
func (m *Module) handleResetRaisedHands(ctx context.Context, roomID string, p *roomcoord.Participant) module.Result {
	if r := requireModerator(p); r != nil {
		return *r
	}
	events, err := m.clearRaisedHands(ctx, roomID)
	if err != nil {
		return module.Err(wire.ErrUpstreamUnavailable)
	}
	return module.Emit(events...)
}

func (m *Module) handleAccept(ctx context.Context, roomID string, p *roomcoord.Participant, payload json.RawMessage) module.Result {
	if r := requireModerator(p); r != nil {
		return *r
	}
	var req targetPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return module.Err(wire.ErrUnknownAction)
	}
	target, err := m.store.GetParticipant(ctx, roomID, req.ParticipantID)
	if err != nil {
		return module.Err(wire.ErrUpstreamUnavailable)
	}
	if target == nil {
		return module.Err(wire.ErrInvalidParticipantSelection)
	}

	target.WaitingRoomState = roomcoord.WaitingStateAccepted
	if err := m.store.SaveParticipant(ctx, roomID, target); err != nil {
		return module.Err(wire.ErrUpstreamUnavailable)
	}

	// The moving from waiting_roster to roster itself happens in the
	// runner's join protocol once the accepted participant sends
	// `enter_room`; here we only flip state and notify.
	return module.Emit(module.Event{
		Target:  module.TargetParticipant,
		To:      target.ParticipantID,
		Message: "accepted",
		Payload: map[string]string{},
	})
}

func (m *Module) OnEvent(ctx context.Context, roomID string, p *roomcoord.Participant, event string, payload json.RawMessage) (bool, error) {
	return true, nil
}

func (m *Module) DestroyRoom(ctx context.Context, roomID string) error { return nil }
