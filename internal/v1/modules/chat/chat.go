// Package chat implements global/group/private messaging with a
// persisted per-scope history and last-seen bookkeeping so clients can
// resume unread counts across reconnects (spec.md §4.6).
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/meetcore/signaling/internal/v1/module"
	"github.com/meetcore/signaling/internal/v1/roomcoord"
	"github.com/meetcore/signaling/internal/v1/wire"
)

const Namespace = "chat"

// Scope is the audience of a chat message.
type Scope string

const (
	ScopeGlobal  Scope = "global"
	ScopeGroup   Scope = "group"
	ScopePrivate Scope = "private"
)

const historyLimit = 200

// Message is one persisted chat entry.
type Message struct {
	ID        int64     `json:"id"`
	Scope     Scope     `json:"scope"`
	GroupID   string    `json:"group_id,omitempty"`
	SenderID  string    `json:"sender_id"`
	TargetID  string    `json:"target_id,omitempty"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

type history struct {
	Messages []Message `json:"messages"`
}

type Module struct {
	store          *roomcoord.Store
	maxMessageSize int
}

func New(store *roomcoord.Store, maxMessageSize int) *Module {
	return &Module{store: store, maxMessageSize: maxMessageSize}
}

func (m *Module) Name() string { return Namespace }

func (m *Module) InitRoom(ctx context.Context, roomID string) error { return nil }

type joinFragment struct {
	GlobalHistory []Message `json:"global_history"`
}

func (m *Module) BuildJoinSuccessFragment(ctx context.Context, roomID string, p *roomcoord.Participant) (any, error) {
	var h history
	if _, err := m.store.GetModuleRoomState(ctx, roomID, Namespace, historySuffix(ScopeGlobal, ""), &h); err != nil {
		return nil, err
	}
	return joinFragment{GlobalHistory: h.Messages}, nil
}

func (m *Module) OnParticipantJoined(ctx context.Context, roomID string, p *roomcoord.Participant) ([]module.Event, error) {
	return nil, nil
}

func (m *Module) OnParticipantLeft(ctx context.Context, roomID string, p *roomcoord.Participant) ([]module.Event, error) {
	return nil, nil
}

func historySuffix(scope Scope, groupID string) string {
	if scope == ScopeGroup {
		return fmt.Sprintf("history:group:%s", groupID)
	}
	return fmt.Sprintf("history:%s", scope)
}

type sendMessagePayload struct {
	Scope   Scope  `json:"scope"`
	GroupID string `json:"group_id,omitempty"`
	Target  string `json:"target_id,omitempty"`
	Text    string `json:"text"`
}

type lastSeenPayload struct {
	Scope   Scope  `json:"scope"`
	GroupID string `json:"group_id,omitempty"`
}

func (m *Module) HandleCommand(ctx context.Context, roomID string, p *roomcoord.Participant, action string, payload json.RawMessage) module.Result {
	switch action {
	case "send_message":
		return m.handleSend(ctx, roomID, p, payload)
	case "enable_chat":
		return m.toggleChat(ctx, roomID, p, true)
	case "disable_chat":
		return m.toggleChat(ctx, roomID, p, false)
	case "clear_history":
		return m.handleClearHistory(ctx, roomID, p)
	case "set_last_seen_timestamp":
		return m.handleSetLastSeen(ctx, roomID, p, payload)
	default:
		return module.Err(wire.ErrUnknownAction)
	}
}

func (m *Module) handleSend(ctx context.Context, roomID string, p *roomcoord.Participant, payload json.RawMessage) module.Result {
	var req sendMessagePayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return module.Err(wire.ErrUnknownAction)
	}
	if len(req.Text) == 0 || len(req.Text) > m.maxMessageSize {
		return module.Err(wire.ErrUnknownAction)
	}

	flags, err := m.store.GetFlags(ctx, roomID, false)
	if err != nil {
		return module.Err(wire.ErrUpstreamUnavailable)
	}
	if !flags.ChatEnabled {
		return module.Err(wire.ErrChatDisabled)
	}

	id, err := m.store.IncrModuleCounter(ctx, roomID, Namespace, "message_id")
	if err != nil {
		return module.Err(wire.ErrUpstreamUnavailable)
	}

	msg := Message{
		ID:        id,
		Scope:     req.Scope,
		GroupID:   req.GroupID,
		SenderID:  p.ParticipantID,
		TargetID:  req.Target,
		Text:      req.Text,
		CreatedAt: time.Now().UTC(),
	}

	var target module.Target
	var to string
	switch req.Scope {
	case ScopePrivate:
		target = module.TargetParticipant
		to = req.Target
	case ScopeGroup:
		target = module.TargetGroup
		to = req.GroupID
	default:
		target = module.TargetRoom
	}

	if req.Scope != ScopePrivate {
		if err := m.appendHistory(ctx, roomID, historySuffix(req.Scope, req.GroupID), msg); err != nil {
			return module.Err(wire.ErrUpstreamUnavailable)
		}
	}

	events := []module.Event{{Target: target, To: to, Message: "message_sent", Payload: msg}}
	if req.Scope == ScopePrivate {
		// Private messages are delivered to the recipient only; echo to the
		// sender separately so their own client renders the sent message.
		events = append(events, module.Event{Target: module.TargetSelf, Message: "message_sent", Payload: msg})
	}
	return module.Emit(events...)
}

func (m *Module) appendHistory(ctx context.Context, roomID, suffix string, msg Message) error {
	var h history
	if _, err := m.store.GetModuleRoomState(ctx, roomID, Namespace, suffix, &h); err != nil {
		return err
	}
	h.Messages = append(h.Messages, msg)
	if len(h.Messages) > historyLimit {
		h.Messages = h.Messages[len(h.Messages)-historyLimit:]
	}
	return m.store.SetModuleRoomState(ctx, roomID, Namespace, suffix, h)
}

func (m *Module) toggleChat(ctx context.Context, roomID string, p *roomcoord.Participant, enabled bool) module.Result {
	if p.Role != roomcoord.RoleModerator {
		return module.Err(wire.ErrInsufficientPermissions)
	}
	flags, err := m.store.GetFlags(ctx, roomID, false)
	if err != nil {
		return module.Err(wire.ErrUpstreamUnavailable)
	}
	flags.ChatEnabled = enabled
	if err := m.store.SetFlags(ctx, roomID, flags); err != nil {
		return module.Err(wire.ErrUpstreamUnavailable)
	}
	return module.Emit(module.Event{Target: module.TargetRoom, Message: "flags_updated", Payload: flags})
}

func (m *Module) handleClearHistory(ctx context.Context, roomID string, p *roomcoord.Participant) module.Result {
	if p.Role != roomcoord.RoleModerator {
		return module.Err(wire.ErrInsufficientPermissions)
	}
	if err := m.store.DeleteModuleRoomState(ctx, roomID, Namespace, historySuffix(ScopeGlobal, "")); err != nil {
		return module.Err(wire.ErrUpstreamUnavailable)
	}
	return module.Emit(module.Event{Target: module.TargetRoom, Message: "history_cleared", Payload: map[string]string{"scope": string(ScopeGlobal)}})
}

func (m *Module) handleSetLastSeen(ctx context.Context, roomID string, p *roomcoord.Participant, payload json.RawMessage) module.Result {
	var req lastSeenPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return module.Err(wire.ErrUnknownAction)
	}
	now := time.Now().UTC()
	switch req.Scope {
	case ScopeGroup:
		if p.LastSeenGroup == nil {
			p.LastSeenGroup = make(map[string]time.Time)
		}
		p.LastSeenGroup[req.GroupID] = now
	case ScopePrivate:
		if p.LastSeenPrivate == nil {
			p.LastSeenPrivate = make(map[string]time.Time)
		}
		p.LastSeenPrivate[req.GroupID] = now
	default:
		p.LastSeenGlobal = &now
	}
	if err := m.store.SaveParticipant(ctx, roomID, p); err != nil {
		return module.Err(wire.ErrUpstreamUnavailable)
	}
	return module.Emit()
}

func (m *Module) OnEvent(ctx context.Context, roomID string, p *roomcoord.Participant, event string, payload json.RawMessage) (bool, error) {
	return true, nil
}

func (m *Module) DestroyRoom(ctx context.Context, roomID string) error { return nil }
