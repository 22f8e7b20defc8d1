package roomcoord

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/meetcore/signaling/internal/v1/bus"
	k8sset "k8s.io/utils/set"
)

// Store is the KV-backed persistence layer for one process's view of room
// state. All keys are namespaced by room id per spec.md §4.2.
type Store struct {
	bus *bus.Service
}

// NewStore wraps a bus.Service as a room-state store.
func NewStore(b *bus.Service) *Store {
	return &Store{bus: b}
}

// ControlTTL is the liveness TTL for a participant's control record; the
// runner refreshes it on a shorter cadence (ControlHeartbeat) so a crashed
// process's participants expire rather than linger forever (spec.md §2.3).
const (
	ControlTTL       = 45 * time.Second
	ControlHeartbeat = 15 * time.Second
)

func rosterKey(roomID string) string        { return fmt.Sprintf("room:%s:roster", roomID) }
func waitingRosterKey(roomID string) string { return fmt.Sprintf("room:%s:waiting_roster", roomID) }
func bannedKey(roomID string) string        { return fmt.Sprintf("room:%s:banned_users", roomID) }
func flagsKey(roomID string) string         { return fmt.Sprintf("room:%s:flags", roomID) }
func metaKey(roomID string) string          { return fmt.Sprintf("room:%s:meta", roomID) }
func controlKey(roomID, participantID string) string {
	return fmt.Sprintf("room:%s:participant:%s:control", roomID, participantID)
}
func moduleParticipantKey(roomID, participantID, module string) string {
	return fmt.Sprintf("room:%s:participant:%s:module:%s", roomID, participantID, module)
}
func moduleRoomKey(roomID, module, suffix string) string {
	return fmt.Sprintf("room:%s:module:%s:%s", roomID, module, suffix)
}

// AddToRoster adds a participant id to the in-room set.
func (s *Store) AddToRoster(ctx context.Context, roomID, participantID string) error {
	return s.bus.SetAdd(ctx, rosterKey(roomID), participantID)
}

// RemoveFromRoster removes a participant id from the in-room set.
func (s *Store) RemoveFromRoster(ctx context.Context, roomID, participantID string) error {
	return s.bus.SetRem(ctx, rosterKey(roomID), participantID)
}

// Roster returns the current in-room participant ids.
func (s *Store) Roster(ctx context.Context, roomID string) ([]string, error) {
	return s.bus.SetMembers(ctx, rosterKey(roomID))
}

// AddToWaiting adds a participant id to the waiting-room set.
func (s *Store) AddToWaiting(ctx context.Context, roomID, participantID string) error {
	return s.bus.SetAdd(ctx, waitingRosterKey(roomID), participantID)
}

// RemoveFromWaiting removes a participant id from the waiting-room set.
func (s *Store) RemoveFromWaiting(ctx context.Context, roomID, participantID string) error {
	return s.bus.SetRem(ctx, waitingRosterKey(roomID), participantID)
}

// WaitingRoster returns the current waiting-room participant ids.
func (s *Store) WaitingRoster(ctx context.Context, roomID string) ([]string, error) {
	return s.bus.SetMembers(ctx, waitingRosterKey(roomID))
}

// MembershipDisjoint checks the invariant that a participant appears in at
// most one of roster/waiting_roster (spec.md §8).
func (s *Store) MembershipDisjoint(ctx context.Context, roomID string) (bool, error) {
	roster, err := s.Roster(ctx, roomID)
	if err != nil {
		return false, err
	}
	waiting, err := s.WaitingRoster(ctx, roomID)
	if err != nil {
		return false, err
	}
	rs := k8sset.New(roster...)
	ws := k8sset.New(waiting...)
	return rs.Intersection(ws).Len() == 0, nil
}

// BanUser adds a user id to the room's permanent-for-the-room-instance ban set.
func (s *Store) BanUser(ctx context.Context, roomID, userID string) error {
	return s.bus.SetAdd(ctx, bannedKey(roomID), userID)
}

// IsBanned reports whether a user id is banned in this room instance.
func (s *Store) IsBanned(ctx context.Context, roomID, userID string) (bool, error) {
	banned, err := s.bus.SetMembers(ctx, bannedKey(roomID))
	if err != nil {
		return false, err
	}
	for _, id := range banned {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

// SaveParticipant writes a participant's control record with the liveness TTL.
func (s *Store) SaveParticipant(ctx context.Context, roomID string, p *Participant) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal participant: %w", err)
	}
	return s.bus.Set(ctx, controlKey(roomID, p.ParticipantID), string(data), ControlTTL)
}

// GetParticipant reads a participant's control record, or (nil, nil) if absent.
func (s *Store) GetParticipant(ctx context.Context, roomID, participantID string) (*Participant, error) {
	raw, err := s.bus.Get(ctx, controlKey(roomID, participantID))
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}
	var p Participant
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("unmarshal participant: %w", err)
	}
	return &p, nil
}

// RefreshParticipantTTL extends a participant's control-record liveness window.
func (s *Store) RefreshParticipantTTL(ctx context.Context, roomID, participantID string) error {
	return s.bus.Expire(ctx, controlKey(roomID, participantID), ControlTTL)
}

// DeleteParticipant removes a participant's control record entirely.
func (s *Store) DeleteParticipant(ctx context.Context, roomID, participantID string) error {
	return s.bus.Del(ctx, controlKey(roomID, participantID))
}

// GetFlags reads the room's moderation flags, seeding defaults on first read.
func (s *Store) GetFlags(ctx context.Context, roomID string, waitingRoomDefault bool) (RoomFlags, error) {
	raw, err := s.bus.Get(ctx, flagsKey(roomID))
	if err != nil {
		return RoomFlags{}, err
	}
	if raw == "" {
		flags := DefaultRoomFlags(waitingRoomDefault)
		if err := s.SetFlags(ctx, roomID, flags); err != nil {
			return RoomFlags{}, err
		}
		return flags, nil
	}
	var flags RoomFlags
	if err := json.Unmarshal([]byte(raw), &flags); err != nil {
		return RoomFlags{}, fmt.Errorf("unmarshal room flags: %w", err)
	}
	return flags, nil
}

// SetFlags persists the room's moderation flags.
func (s *Store) SetFlags(ctx context.Context, roomID string, flags RoomFlags) error {
	data, err := json.Marshal(flags)
	if err != nil {
		return fmt.Errorf("marshal room flags: %w", err)
	}
	return s.bus.Set(ctx, flagsKey(roomID), string(data), 0)
}

// GetMeta reads a room's static metadata, or nil if the room hasn't been seeded yet.
func (s *Store) GetMeta(ctx context.Context, roomID string) (*RoomMeta, error) {
	raw, err := s.bus.Get(ctx, metaKey(roomID))
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}
	var meta RoomMeta
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal room meta: %w", err)
	}
	return &meta, nil
}

// SetMeta persists a room's static metadata.
func (s *Store) SetMeta(ctx context.Context, roomID string, meta RoomMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal room meta: %w", err)
	}
	return s.bus.Set(ctx, metaKey(roomID), string(data), 0)
}

// GetModuleRoomState reads a per-module room-wide snapshot (e.g. current_poll) into v.
// Returns false if the key doesn't exist.
func (s *Store) GetModuleRoomState(ctx context.Context, roomID, module, suffix string, v any) (bool, error) {
	raw, err := s.bus.Get(ctx, moduleRoomKey(roomID, module, suffix))
	if err != nil {
		return false, err
	}
	if raw == "" {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, fmt.Errorf("unmarshal module state %s/%s: %w", module, suffix, err)
	}
	return true, nil
}

// SetModuleRoomState writes a per-module room-wide snapshot.
func (s *Store) SetModuleRoomState(ctx context.Context, roomID, module, suffix string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal module state %s/%s: %w", module, suffix, err)
	}
	return s.bus.Set(ctx, moduleRoomKey(roomID, module, suffix), string(data), 0)
}

// DeleteModuleRoomState removes a per-module room-wide snapshot.
func (s *Store) DeleteModuleRoomState(ctx context.Context, roomID, module, suffix string) error {
	return s.bus.Del(ctx, moduleRoomKey(roomID, module, suffix))
}

// GetModuleParticipantState reads a per-module per-participant snapshot into v.
func (s *Store) GetModuleParticipantState(ctx context.Context, roomID, participantID, module string, v any) (bool, error) {
	raw, err := s.bus.Get(ctx, moduleParticipantKey(roomID, participantID, module))
	if err != nil {
		return false, err
	}
	if raw == "" {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, fmt.Errorf("unmarshal module participant state: %w", err)
	}
	return true, nil
}

// SetModuleParticipantState writes a per-module per-participant snapshot.
func (s *Store) SetModuleParticipantState(ctx context.Context, roomID, participantID, module string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal module participant state: %w", err)
	}
	return s.bus.Set(ctx, moduleParticipantKey(roomID, participantID, module), string(data), 0)
}

// IncrModuleCounter atomically increments a per-room module counter (e.g. a
// monotonic sequence for poll/timer ids).
func (s *Store) IncrModuleCounter(ctx context.Context, roomID, module, name string) (int64, error) {
	return s.bus.Incr(ctx, moduleRoomKey(roomID, module, "counter:"+name))
}
