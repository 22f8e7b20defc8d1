// Package control implements the foundational module: roster snapshot,
// joined/left events, roles, hand-raise state, and display-name updates
// (spec.md §4.4). Waiting-room transitions are driven by the runner and
// the moderation module, not here. Every other module assumes control has already run.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/meetcore/signaling/internal/v1/module"
	"github.com/meetcore/signaling/internal/v1/roomcoord"
	"github.com/meetcore/signaling/internal/v1/wire"
)

const Namespace = "control"

// Module is the control feature module.
type Module struct {
	store *roomcoord.Store
}

// New builds the control module over a room-state store.
func New(store *roomcoord.Store) *Module {
	return &Module{store: store}
}

func (m *Module) Name() string { return Namespace }

func (m *Module) InitRoom(ctx context.Context, roomID string) error { return nil }

// BuildJoinSuccessFragment supplies the roster, flags, and self record so
// the client can render the room without a second round-trip.
func (m *Module) BuildJoinSuccessFragment(ctx context.Context, roomID string, p *roomcoord.Participant) (any, error) {
	roster, err := m.store.Roster(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("control join fragment: roster: %w", err)
	}
	flags, err := m.store.GetFlags(ctx, roomID, false)
	if err != nil {
		return nil, fmt.Errorf("control join fragment: flags: %w", err)
	}
	return joinFragment{
		Self:   p,
		Roster: roster,
		Flags:  flags,
	}, nil
}

type joinFragment struct {
	Self   *roomcoord.Participant `json:"self"`
	Roster []string               `json:"roster"`
	Flags  roomcoord.RoomFlags    `json:"flags"`
}

func (m *Module) OnParticipantJoined(ctx context.Context, roomID string, p *roomcoord.Participant) ([]module.Event, error) {
	return []module.Event{{
		Target:  module.TargetRoomExceptSelf,
		Message: "joined",
		Payload: p,
	}}, nil
}

func (m *Module) OnParticipantLeft(ctx context.Context, roomID string, p *roomcoord.Participant) ([]module.Event, error) {
	return []module.Event{{
		Target:  module.TargetRoomExceptSelf,
		Message: "left",
		Payload: map[string]string{"participant_id": p.ParticipantID},
	}}, nil
}

type raiseHandPayload struct{}

type roleChangePayload struct {
	ParticipantID string `json:"participant_id"`
}

type displayNamePayload struct {
	DisplayName string `json:"display_name"`
}

// HandleCommand dispatches control-namespaced actions. `join` and
// `enter_room` are handled by the runner's join protocol directly (they
// drive state transitions, not ordinary in-room commands) — this handler
// covers raise_hand/lower_hand/grant_moderator_role/revoke_moderator_role
// and set_display_name.
func (m *Module) HandleCommand(ctx context.Context, roomID string, p *roomcoord.Participant, action string, payload json.RawMessage) module.Result {
	switch action {
	case "raise_hand", "lower_hand":
		return m.handleHandRaise(ctx, roomID, p, action == "raise_hand")
	case "grant_moderator_role":
		return m.handleRoleChange(ctx, roomID, p, payload, roomcoord.RoleModerator)
	case "revoke_moderator_role":
		return m.handleRoleChange(ctx, roomID, p, payload, roomcoord.RoleUser)
	case "set_display_name":
		return m.handleSetDisplayName(ctx, roomID, p, payload)
	default:
		return module.Err(wire.ErrUnknownAction)
	}
}

func (m *Module) handleHandRaise(ctx context.Context, roomID string, p *roomcoord.Participant, up bool) module.Result {
	flags, err := m.store.GetFlags(ctx, roomID, false)
	if err != nil {
		return module.Err(wire.ErrUpstreamUnavailable)
	}
	if !flags.RaiseHandsEnabled {
		return module.Emit() // no-op per spec.md §4.4
	}

	now := time.Now().UTC()
	p.HandIsUp = up
	p.HandUpdatedAt = &now
	if err := m.store.SaveParticipant(ctx, roomID, p); err != nil {
		return module.Err(wire.ErrUpstreamUnavailable)
	}

	return module.Emit(module.Event{
		Target:  module.TargetRoom,
		Message: "update",
		Payload: map[string]any{"participant_id": p.ParticipantID, "hand_is_up": up},
	})
}

func (m *Module) handleRoleChange(ctx context.Context, roomID string, actor *roomcoord.Participant, payload json.RawMessage, newRole roomcoord.Role) module.Result {
	if actor.Role != roomcoord.RoleModerator {
		return module.Err(wire.ErrInsufficientPermissions)
	}

	var req roleChangePayload
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

	meta, err := m.store.GetMeta(ctx, roomID)
	if err == nil && meta != nil && meta.CreatorID != "" && meta.CreatorID == target.UserID && newRole != roomcoord.RoleModerator {
		return module.Err(wire.ErrInsufficientPermissions) // cannot revoke moderator from the room's creator
	}

	target.Role = newRole
	if err := m.store.SaveParticipant(ctx, roomID, target); err != nil {
		return module.Err(wire.ErrUpstreamUnavailable)
	}

	return module.Emit(
		module.Event{Target: module.TargetParticipant, To: target.ParticipantID, Message: "role_updated", Payload: target},
		module.Event{Target: module.TargetRoomExceptSelf, Message: "update", Payload: map[string]any{"participant_id": target.ParticipantID, "role": newRole}},
	)
}

func (m *Module) handleSetDisplayName(ctx context.Context, roomID string, p *roomcoord.Participant, payload json.RawMessage) module.Result {
	var req displayNamePayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return module.Err(wire.ErrUnknownAction)
	}
	p.DisplayName = strings.TrimSpace(req.DisplayName)
	if err := m.store.SaveParticipant(ctx, roomID, p); err != nil {
		return module.Err(wire.ErrUpstreamUnavailable)
	}
	return module.Emit(module.Event{
		Target:  module.TargetRoom,
		Message: "update",
		Payload: map[string]any{"participant_id": p.ParticipantID, "display_name": p.DisplayName},
	})
}

func (m *Module) OnEvent(ctx context.Context, roomID string, p *roomcoord.Participant, event string, payload json.RawMessage) (bool, error) {
	return true, nil
}

func (m *Module) DestroyRoom(ctx context.Context, roomID string) error { return nil }
