package control

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/meetcore/signaling/internal/v1/bus"
	"github.com/meetcore/signaling/internal/v1/module"
	"github.com/meetcore/signaling/internal/v1/roomcoord"
	"github.com/meetcore/signaling/internal/v1/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestModule(t *testing.T) (*Module, *roomcoord.Store, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	svc, err := bus.NewService(mr.Addr(), "")
	require.NoError(t, err)
	store := roomcoord.NewStore(svc)
	return New(store), store, mr
}

func TestBuildJoinSuccessFragment(t *testing.T) {
	m, store, mr := newTestModule(t)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, store.AddToRoster(ctx, "room-1", "p1"))
	self := &roomcoord.Participant{ParticipantID: "p1", Role: roomcoord.RoleUser}

	frag, err := m.BuildJoinSuccessFragment(ctx, "room-1", self)
	require.NoError(t, err)

	jf, ok := frag.(joinFragment)
	require.True(t, ok)
	assert.Equal(t, []string{"p1"}, jf.Roster)
	assert.Equal(t, self, jf.Self)
	assert.True(t, jf.Flags.RaiseHandsEnabled)
}

func TestOnParticipantJoinedAndLeft(t *testing.T) {
	m, _, mr := newTestModule(t)
	defer mr.Close()
	ctx := context.Background()
	p := &roomcoord.Participant{ParticipantID: "p1"}

	joinedEvents, err := m.OnParticipantJoined(ctx, "room-1", p)
	require.NoError(t, err)
	require.Len(t, joinedEvents, 1)
	assert.Equal(t, "joined", joinedEvents[0].Message)
	assert.Equal(t, module.TargetRoomExceptSelf, joinedEvents[0].Target)

	leftEvents, err := m.OnParticipantLeft(ctx, "room-1", p)
	require.NoError(t, err)
	require.Len(t, leftEvents, 1)
	assert.Equal(t, "left", leftEvents[0].Message)
}

func TestHandleHandRaiseNoopWhenDisabled(t *testing.T) {
	m, store, mr := newTestModule(t)
	defer mr.Close()
	ctx := context.Background()

	flags := roomcoord.DefaultRoomFlags(false)
	flags.RaiseHandsEnabled = false
	require.NoError(t, store.SetFlags(ctx, "room-1", flags))

	p := &roomcoord.Participant{ParticipantID: "p1"}
	result := m.HandleCommand(ctx, "room-1", p, "raise_hand", json.RawMessage(`{}`))
	assert.Empty(t, result.Err)
	assert.Empty(t, result.Events)
	assert.False(t, p.HandIsUp)
}

func TestHandleHandRaiseEnabled(t *testing.T) {
	m, store, mr := newTestModule(t)
	defer mr.Close()
	ctx := context.Background()
	require.NoError(t, store.SetFlags(ctx, "room-1", roomcoord.DefaultRoomFlags(false)))

	p := &roomcoord.Participant{ParticipantID: "p1"}
	result := m.HandleCommand(ctx, "room-1", p, "raise_hand", json.RawMessage(`{}`))
	require.Empty(t, result.Err)
	require.Len(t, result.Events, 1)
	assert.Equal(t, module.TargetRoom, result.Events[0].Target)
	assert.True(t, p.HandIsUp)
	assert.NotNil(t, p.HandUpdatedAt)
}

func TestHandleRoleChangeRequiresModerator(t *testing.T) {
	m, _, mr := newTestModule(t)
	defer mr.Close()
	ctx := context.Background()

	actor := &roomcoord.Participant{ParticipantID: "p1", Role: roomcoord.RoleUser}
	payload, _ := json.Marshal(roleChangePayload{ParticipantID: "p2"})
	result := m.HandleCommand(ctx, "room-1", actor, "grant_moderator_role", payload)
	assert.Equal(t, wire.ErrInsufficientPermissions, result.Err)
}

func TestHandleRoleChangeProtectsCreator(t *testing.T) {
	m, store, mr := newTestModule(t)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, store.SetMeta(ctx, "room-1", roomcoord.RoomMeta{RoomID: "room-1", CreatorID: "creator"}))
	creator := &roomcoord.Participant{ParticipantID: "creator", UserID: "creator", Role: roomcoord.RoleModerator, JoinedAt: time.Now().UTC()}
	require.NoError(t, store.SaveParticipant(ctx, "room-1", creator))

	actor := &roomcoord.Participant{ParticipantID: "actor", Role: roomcoord.RoleModerator}
	payload, _ := json.Marshal(roleChangePayload{ParticipantID: "creator"})
	result := m.HandleCommand(ctx, "room-1", actor, "revoke_moderator_role", payload)
	assert.Equal(t, wire.ErrInsufficientPermissions, result.Err)
}

func TestHandleRoleChangeGrantsModerator(t *testing.T) {
	m, store, mr := newTestModule(t)
	defer mr.Close()
	ctx := context.Background()

	target := &roomcoord.Participant{ParticipantID: "p2", Role: roomcoord.RoleUser, JoinedAt: time.Now().UTC()}
	require.NoError(t, store.SaveParticipant(ctx, "room-1", target))

	actor := &roomcoord.Participant{ParticipantID: "p1", Role: roomcoord.RoleModerator}
	payload, _ := json.Marshal(roleChangePayload{ParticipantID: "p2"})
	result := m.HandleCommand(ctx, "room-1", actor, "grant_moderator_role", payload)
	require.Empty(t, result.Err)
	require.Len(t, result.Events, 2)

	got, err := store.GetParticipant(ctx, "room-1", "p2")
	require.NoError(t, err)
	assert.Equal(t, roomcoord.RoleModerator, got.Role)
}

func TestHandleSetDisplayNameTrims(t *testing.T) {
	m, store, mr := newTestModule(t)
	defer mr.Close()
	ctx := context.Background()

	p := &roomcoord.Participant{ParticipantID: "p1", JoinedAt: time.Now().UTC()}
	payload, _ := json.Marshal(displayNamePayload{DisplayName: "  Alice  "})
	result := m.HandleCommand(ctx, "room-1", p, "set_display_name", payload)
	require.Empty(t, result.Err)
	assert.Equal(t, "Alice", p.DisplayName)

	got, err := store.GetParticipant(ctx, "room-1", "p1")
	require.NoError(t, err)
	assert.Equal(t, "Alice", got.DisplayName)
}

func TestHandleUnknownAction(t *testing.T) {
	m, _, mr := newTestModule(t)
	defer mr.Close()
	ctx := context.Background()

	p := &roomcoord.Participant{ParticipantID: "p1"}
	result := m.HandleCommand(ctx, "room-1", p, "not_a_real_action", json.RawMessage(`{}`))
	assert.Equal(t, wire.ErrUnknownAction, result.Err)
}
