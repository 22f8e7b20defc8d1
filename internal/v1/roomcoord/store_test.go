package roomcoord

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/meetcore/signaling/internal/v1/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	svc, err := bus.NewService(mr.Addr(), "")
	require.NoError(t, err)
	return NewStore(svc), mr
}

func TestRosterMembership(t *testing.T) {
	store, mr := newTestStore(t)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, store.AddToRoster(ctx, "room-1", "p1"))
	require.NoError(t, store.AddToWaiting(ctx, "room-1", "p2"))

	disjoint, err := store.MembershipDisjoint(ctx, "room-1")
	require.NoError(t, err)
	assert.True(t, disjoint)

	roster, err := store.Roster(ctx, "room-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"p1"}, roster)

	// Violate the invariant on purpose and check it's detected.
	require.NoError(t, store.AddToRoster(ctx, "room-1", "p2"))
	disjoint, err = store.MembershipDisjoint(ctx, "room-1")
	require.NoError(t, err)
	assert.False(t, disjoint)
}

func TestParticipantRoundTrip(t *testing.T) {
	store, mr := newTestStore(t)
	defer mr.Close()
	ctx := context.Background()

	p := &Participant{
		ParticipantID: "p1",
		UserID:        "u1",
		Role:          RoleUser,
		DisplayName:   "Alice",
		JoinedAt:      time.Now().UTC(),
	}
	require.NoError(t, store.SaveParticipant(ctx, "room-1", p))

	got, err := store.GetParticipant(ctx, "room-1", "p1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Alice", got.DisplayName)

	missing, err := store.GetParticipant(ctx, "room-1", "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, store.RefreshParticipantTTL(ctx, "room-1", "p1"))
	require.NoError(t, store.DeleteParticipant(ctx, "room-1", "p1"))

	gone, err := store.GetParticipant(ctx, "room-1", "p1")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestBanning(t *testing.T) {
	store, mr := newTestStore(t)
	defer mr.Close()
	ctx := context.Background()

	banned, err := store.IsBanned(ctx, "room-1", "u1")
	require.NoError(t, err)
	assert.False(t, banned)

	require.NoError(t, store.BanUser(ctx, "room-1", "u1"))

	banned, err = store.IsBanned(ctx, "room-1", "u1")
	require.NoError(t, err)
	assert.True(t, banned)
}

func TestFlagsDefaultsAndPersist(t *testing.T) {
	store, mr := newTestStore(t)
	defer mr.Close()
	ctx := context.Background()

	flags, err := store.GetFlags(ctx, "room-1", true)
	require.NoError(t, err)
	assert.True(t, flags.WaitingRoomEnabled)
	assert.True(t, flags.RaiseHandsEnabled)
	assert.True(t, flags.ChatEnabled)

	flags.ChatEnabled = false
	require.NoError(t, store.SetFlags(ctx, "room-1", flags))

	got, err := store.GetFlags(ctx, "room-1", true)
	require.NoError(t, err)
	assert.False(t, got.ChatEnabled)
}

func TestModuleStateRoundTrip(t *testing.T) {
	store, mr := newTestStore(t)
	defer mr.Close()
	ctx := context.Background()

	type pollState struct {
		Topic string `json:"topic"`
	}

	found, err := store.GetModuleRoomState(ctx, "room-1", "poll", "current", &pollState{})
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.SetModuleRoomState(ctx, "room-1", "poll", "current", pollState{Topic: "Yes?"}))

	var got pollState
	found, err = store.GetModuleRoomState(ctx, "room-1", "poll", "current", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "Yes?", got.Topic)

	require.NoError(t, store.DeleteModuleRoomState(ctx, "room-1", "poll", "current"))
	found, err = store.GetModuleRoomState(ctx, "room-1", "poll", "current", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestIncrModuleCounter(t *testing.T) {
	store, mr := newTestStore(t)
	defer mr.Close()
	ctx := context.Background()

	n1, err := store.IncrModuleCounter(ctx, "room-1", "poll", "id")
	require.NoError(t, err)
	n2, err := store.IncrModuleCounter(ctx, "room-1", "poll", "id")
	require.NoError(t, err)
	assert.Equal(t, n1+1, n2)
}
