// Package roomcoord owns the cross-process room state: roster, roles,
// moderation flags, and per-module snapshots, stored in Redis and fanned
// out over Redis pub/sub so that runners in any controller process observe
// the same room.
package roomcoord

import "time"

// Role is a participant's permission level within a room.
type Role string

const (
	RoleGuest     Role = "guest"
	RoleUser      Role = "user"
	RoleModerator Role = "moderator"
)

// ParticipationKind distinguishes how a participant joined.
type ParticipationKind string

const (
	ParticipationUser  ParticipationKind = "user"
	ParticipationGuest ParticipationKind = "guest"
	ParticipationSIP   ParticipationKind = "sip"
)

// WaitingRoomState tracks a participant's position relative to the waiting room.
type WaitingRoomState string

const (
	WaitingStateNone     WaitingRoomState = "none"
	WaitingStateWaiting  WaitingRoomState = "waiting"
	WaitingStateAccepted WaitingRoomState = "accepted"
)

// RecordingState is the room-wide recording status.
type RecordingState string

const (
	RecordingNone         RecordingState = "none"
	RecordingInitializing RecordingState = "initializing"
	RecordingActive       RecordingState = "recording"
)

// Participant is the control record for one session, scoped to one room.
type Participant struct {
	ParticipantID      string            `json:"participant_id"`
	UserID             string            `json:"user_id"`
	Role               Role              `json:"role"`
	DisplayName        string            `json:"display_name"`
	ParticipationKind  ParticipationKind `json:"participation_kind"`
	JoinedAt           time.Time         `json:"joined_at"`
	LeftAt             *time.Time        `json:"left_at,omitempty"`
	HandIsUp           bool              `json:"hand_is_up"`
	HandUpdatedAt      *time.Time        `json:"hand_updated_at,omitempty"`
	WaitingRoomState   WaitingRoomState  `json:"waiting_room_state"`
	Groups             []string          `json:"groups,omitempty"`
	LastSeenGlobal     *time.Time        `json:"last_seen_global,omitempty"`
	LastSeenGroup      map[string]time.Time `json:"last_seen_group,omitempty"`
	LastSeenPrivate    map[string]time.Time `json:"last_seen_private,omitempty"`
	RecordingConsent   bool              `json:"recording_consent"`
}

// RoomFlags holds the moderator-controlled toggles for a room.
type RoomFlags struct {
	WaitingRoomEnabled bool           `json:"waiting_room_enabled"`
	RaiseHandsEnabled  bool           `json:"raise_hands_enabled"`
	ChatEnabled        bool           `json:"chat_enabled"`
	Recording          RecordingState `json:"recording"`
	RecordingID        string         `json:"recording_id,omitempty"`
}

// RoomMeta is the static/policy part of a room, set at creation and mostly read-only.
type RoomMeta struct {
	RoomID      string        `json:"room_id"`
	TenantID    string        `json:"tenant_id"`
	Tariff      string        `json:"tariff"`
	ClosesAt    *time.Time    `json:"closes_at,omitempty"`
	CreatorID   string        `json:"creator_id"`
	ParticipantLimit int      `json:"participant_limit,omitempty"`
}

// DefaultRoomFlags returns a room's flags before any moderator has touched them.
func DefaultRoomFlags(waitingRoomDefault bool) RoomFlags {
	return RoomFlags{
		WaitingRoomEnabled: waitingRoomDefault,
		RaiseHandsEnabled:  true,
		ChatEnabled:        true,
		Recording:          RecordingNone,
	}
}
