// Package whiteboard implements the whiteboard module: a shared whiteboard
// space per room, created by an explicit moderator `initialize` command, and
// PDF export (spec.md §4.10).
package whiteboard

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/meetcore/signaling/internal/v1/lock"
	"github.com/meetcore/signaling/internal/v1/module"
	"github.com/meetcore/signaling/internal/v1/roomcoord"
	"github.com/meetcore/signaling/internal/v1/wire"
)

const Namespace = "whiteboard"

// SpaceClient is the narrow contract this module needs from an external
// whiteboard service; backed in production by pkg/whiteboard.
type SpaceClient interface {
	CreateSpace(ctx context.Context, roomID string) (spaceURL string, err error)
	ExportPDF(ctx context.Context, spaceID string) (io.Reader, error)
}

// AssetStore is the narrow contract this module needs to persist a
// generated PDF and hand back a downloadable link; backed by pkg/objectstore.
type AssetStore interface {
	PutAsset(ctx context.Context, key string, r io.Reader) (signedURL string, err error)
}

type status string

const (
	statusUninitialized status = "uninitialized"
	statusInitializing  status = "initializing"
	statusReady         status = "ready"
)

type spaceState struct {
	Status   status `json:"status"`
	SpaceURL string `json:"space_url,omitempty"`
}

const stateSuffix = "state"

type Module struct {
	store  *roomcoord.Store
	locker *lock.Locker
	space  SpaceClient
	assets AssetStore
}

func New(store *roomcoord.Store, locker *lock.Locker, space SpaceClient, assets AssetStore) *Module {
	return &Module{store: store, locker: locker, space: space, assets: assets}
}

func (m *Module) Name() string { return Namespace }

func (m *Module) InitRoom(ctx context.Context, roomID string) error { return nil }

func (m *Module) BuildJoinSuccessFragment(ctx context.Context, roomID string, p *roomcoord.Participant) (any, error) {
	state, found, err := m.load(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !found {
		state = &spaceState{Status: statusUninitialized}
	}
	return map[string]any{"status": state.Status}, nil
}

func (m *Module) OnParticipantJoined(ctx context.Context, roomID string, p *roomcoord.Participant) ([]module.Event, error) {
	return nil, nil
}

func (m *Module) OnParticipantLeft(ctx context.Context, roomID string, p *roomcoord.Participant) ([]module.Event, error) {
	return nil, nil
}

func (m *Module) load(ctx context.Context, roomID string) (*spaceState, bool, error) {
	var s spaceState
	found, err := m.store.GetModuleRoomState(ctx, roomID, Namespace, stateSuffix, &s)
	if err != nil || !found {
		return nil, found, err
	}
	return &s, true, nil
}

func (m *Module) save(ctx context.Context, roomID string, s *spaceState) error {
	return m.store.SetModuleRoomState(ctx, roomID, Namespace, stateSuffix, s)
}

func (m *Module) HandleCommand(ctx context.Context, roomID string, p *roomcoord.Participant, action string, payload json.RawMessage) module.Result {
	switch action {
	case "initialize":
		return m.handleInitialize(ctx, roomID, p)
	case "generate_pdf":
		return m.handleGeneratePDF(ctx, roomID, p)
	default:
		return module.Err(wire.ErrUnknownAction)
	}
}

// handleInitialize is the explicit, moderator-driven counterpart to
// protocol's lazy first-writer-triggers-init: spec.md §4.10 names
// already_initialized as a distinct error, so unlike protocol this module
// requires an explicit command rather than initializing on first select_writer.
func (m *Module) handleInitialize(ctx context.Context, roomID string, p *roomcoord.Participant) module.Result {
	if p.Role != roomcoord.RoleModerator {
		return module.Err(wire.ErrInsufficientPermissions)
	}

	state, found, err := m.load(ctx, roomID)
	if err != nil {
		return module.Err(wire.ErrUpstreamUnavailable)
	}
	if found {
		switch state.Status {
		case statusReady:
			return module.Err(wire.ErrAlreadyInitialized)
		case statusInitializing:
			return module.Err(wire.ErrCurrentlyInitializing)
		}
	}

	var result *spaceState
	var kind string
	lockErr := m.locker.WithLock(ctx, roomID, func(ctx context.Context) error {
		state, found, err := m.load(ctx, roomID)
		if err != nil {
			kind = wire.ErrUpstreamUnavailable
			return nil
		}
		if found {
			switch state.Status {
			case statusReady:
				kind = wire.ErrAlreadyInitialized
				return nil
			case statusInitializing:
				kind = wire.ErrCurrentlyInitializing
				return nil
			}
		}

		initializing := &spaceState{Status: statusInitializing}
		if err := m.save(ctx, roomID, initializing); err != nil {
			kind = wire.ErrUpstreamUnavailable
			return nil
		}

		spaceURL, err := m.space.CreateSpace(ctx, roomID)
		if err != nil {
			_ = m.save(ctx, roomID, &spaceState{Status: statusUninitialized})
			kind = wire.ErrInitializationFailed
			return nil
		}

		ready := &spaceState{Status: statusReady, SpaceURL: spaceURL}
		if err := m.save(ctx, roomID, ready); err != nil {
			kind = wire.ErrUpstreamUnavailable
			return nil
		}
		result = ready
		return nil
	})
	if lockErr != nil {
		return module.Err(wire.ErrUpstreamUnavailable)
	}
	if kind != "" {
		return module.Err(kind)
	}

	return module.Emit(module.Event{
		Target:  module.TargetRoom,
		Message: "space_url",
		Payload: map[string]string{"url": result.SpaceURL},
	})
}

func (m *Module) handleGeneratePDF(ctx context.Context, roomID string, p *roomcoord.Participant) module.Result {
	if p.Role != roomcoord.RoleModerator {
		return module.Err(wire.ErrInsufficientPermissions)
	}
	state, found, err := m.load(ctx, roomID)
	if err != nil {
		return module.Err(wire.ErrUpstreamUnavailable)
	}
	if !found || state.Status != statusReady {
		return module.Err(wire.ErrNotInitialized)
	}

	content, err := m.space.ExportPDF(ctx, state.SpaceURL)
	if err != nil {
		return module.Err(wire.ErrUpstreamUnavailable)
	}

	assetKey := fmt.Sprintf("rooms/%s/whiteboard.pdf", roomID)
	url, err := m.assets.PutAsset(ctx, assetKey, content)
	if err != nil {
		return module.Err(wire.ErrUpstreamUnavailable)
	}

	return module.Emit(module.Event{
		Target:  module.TargetRoom,
		Message: "pdf_url",
		Payload: map[string]string{"url": url},
	})
}

func (m *Module) OnEvent(ctx context.Context, roomID string, p *roomcoord.Participant, event string, payload json.RawMessage) (bool, error) {
	return true, nil
}

func (m *Module) DestroyRoom(ctx context.Context, roomID string) error {
	return m.store.DeleteModuleRoomState(ctx, roomID, Namespace, stateSuffix)
}
