package whiteboard

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/meetcore/signaling/internal/v1/bus"
	"github.com/meetcore/signaling/internal/v1/lock"
	"github.com/meetcore/signaling/internal/v1/roomcoord"
	"github.com/meetcore/signaling/internal/v1/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSpace struct {
	createErr error
	url       string
	pdf       string
	calls     int
}

func (f *fakeSpace) CreateSpace(ctx context.Context, roomID string) (string, error) {
	f.calls++
	if f.createErr != nil {
		return "", f.createErr
	}
	return f.url, nil
}

func (f *fakeSpace) ExportPDF(ctx context.Context, spaceID string) (io.Reader, error) {
	return strings.NewReader(f.pdf), nil
}

type fakeAssets struct {
	url string
}

func (f *fakeAssets) PutAsset(ctx context.Context, key string, r io.Reader) (string, error) {
	return f.url, nil
}

func newTestModule(t *testing.T, space *fakeSpace, assets *fakeAssets) (*Module, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	svc, err := bus.NewService(mr.Addr(), "")
	require.NoError(t, err)
	store := roomcoord.NewStore(svc)
	locker := lock.New(svc, time.Second)
	return New(store, locker, space, assets), mr
}

func TestInitializeRequiresModerator(t *testing.T) {
	m, mr := newTestModule(t, &fakeSpace{}, &fakeAssets{})
	defer mr.Close()
	ctx := context.Background()

	actor := &roomcoord.Participant{ParticipantID: "p1", Role: roomcoord.RoleUser}
	result := m.HandleCommand(ctx, "room-1", actor, "initialize", nil)
	assert.Equal(t, wire.ErrInsufficientPermissions, result.Err)
}

func TestInitializeCreatesSpace(t *testing.T) {
	space := &fakeSpace{url: "https://whiteboard.example/space/abc"}
	m, mr := newTestModule(t, space, &fakeAssets{})
	defer mr.Close()
	ctx := context.Background()

	actor := &roomcoord.Participant{ParticipantID: "p1", Role: roomcoord.RoleModerator}
	result := m.HandleCommand(ctx, "room-1", actor, "initialize", nil)
	require.Empty(t, result.Err)
	require.Len(t, result.Events, 1)
	assert.Equal(t, "space_url", result.Events[0].Message)
	assert.Equal(t, 1, space.calls)
}

func TestInitializeRejectsWhenAlreadyReady(t *testing.T) {
	space := &fakeSpace{url: "https://whiteboard.example/space/abc"}
	m, mr := newTestModule(t, space, &fakeAssets{})
	defer mr.Close()
	ctx := context.Background()

	actor := &roomcoord.Participant{ParticipantID: "p1", Role: roomcoord.RoleModerator}
	require.Empty(t, m.HandleCommand(ctx, "room-1", actor, "initialize", nil).Err)

	result := m.HandleCommand(ctx, "room-1", actor, "initialize", nil)
	assert.Equal(t, wire.ErrAlreadyInitialized, result.Err)
	assert.Equal(t, 1, space.calls, "second initialize must not re-create the space")
}

func TestInitializeSurfacesInitializationFailed(t *testing.T) {
	space := &fakeSpace{createErr: errors.New("whiteboard unreachable")}
	m, mr := newTestModule(t, space, &fakeAssets{})
	defer mr.Close()
	ctx := context.Background()

	actor := &roomcoord.Participant{ParticipantID: "p1", Role: roomcoord.RoleModerator}
	result := m.HandleCommand(ctx, "room-1", actor, "initialize", nil)
	assert.Equal(t, wire.ErrInitializationFailed, result.Err)

	state, found, err := m.load(ctx, "room-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, statusUninitialized, state.Status, "failed init must reset to uninitialized for retry")
}

func TestGeneratePDFRequiresReadyState(t *testing.T) {
	m, mr := newTestModule(t, &fakeSpace{}, &fakeAssets{})
	defer mr.Close()
	ctx := context.Background()

	actor := &roomcoord.Participant{ParticipantID: "p1", Role: roomcoord.RoleModerator}
	result := m.HandleCommand(ctx, "room-1", actor, "generate_pdf", nil)
	assert.Equal(t, wire.ErrNotInitialized, result.Err)
}

func TestGeneratePDFUploadsAndBroadcasts(t *testing.T) {
	space := &fakeSpace{url: "https://whiteboard.example/space/abc", pdf: "pdf-bytes"}
	assets := &fakeAssets{url: "https://assets.example/room-1/whiteboard.pdf"}
	m, mr := newTestModule(t, space, assets)
	defer mr.Close()
	ctx := context.Background()

	actor := &roomcoord.Participant{ParticipantID: "p1", Role: roomcoord.RoleModerator}
	require.Empty(t, m.HandleCommand(ctx, "room-1", actor, "initialize", nil).Err)

	result := m.HandleCommand(ctx, "room-1", actor, "generate_pdf", nil)
	require.Empty(t, result.Err)
	require.Len(t, result.Events, 1)
	assert.Equal(t, "pdf_url", result.Events[0].Message)
	payload, ok := result.Events[0].Payload.(map[string]string)
	require.True(t, ok)
	assert.Equal(t, assets.url, payload["url"])
}

func TestUnknownAction(t *testing.T) {
	m, mr := newTestModule(t, &fakeSpace{}, &fakeAssets{})
	defer mr.Close()
	ctx := context.Background()

	actor := &roomcoord.Participant{ParticipantID: "p1", Role: roomcoord.RoleModerator}
	result := m.HandleCommand(ctx, "room-1", actor, "bogus", nil)
	assert.Equal(t, wire.ErrUnknownAction, result.Err)
}
