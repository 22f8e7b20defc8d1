// Package protocol implements the collaborative-document module: a lazily
// initialized Etherpad-backed pad per room, writer selection, and PDF
// export (spec.md §4.9).
package protocol

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

const Namespace = "protocol"

// PadClient is the narrow contract this module needs from an external
// collaborative-pad service; backed in production by pkg/etherpad.
type PadClient interface {
	CreatePad(ctx context.Context, roomID string) (groupID, padID string, err error)
	CreateSession(ctx context.Context, groupID, userID string) (sessionID string, err error)
	ExportPDF(ctx context.Context, padID string) (io.Reader, error)
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

type docState struct {
	Status  status          `json:"status"`
	GroupID string          `json:"group_id,omitempty"`
	PadID   string          `json:"pad_id,omitempty"`
	Writers map[string]bool `json:"writers,omitempty"`
}

const stateSuffix = "state"

type Module struct {
	store  *roomcoord.Store
	locker *lock.Locker
	pad    PadClient
	assets AssetStore
}

func New(store *roomcoord.Store, locker *lock.Locker, pad PadClient, assets AssetStore) *Module {
	return &Module{store: store, locker: locker, pad: pad, assets: assets}
}

func (m *Module) Name() string { return Namespace }

func (m *Module) InitRoom(ctx context.Context, roomID string) error { return nil }

func (m *Module) BuildJoinSuccessFragment(ctx context.Context, roomID string, p *roomcoord.Participant) (any, error) {
	state, found, err := m.load(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !found {
		state = &docState{Status: statusUninitialized}
	}
	return map[string]any{"status": state.Status}, nil
}

func (m *Module) OnParticipantJoined(ctx context.Context, roomID string, p *roomcoord.Participant) ([]module.Event, error) {
	return nil, nil
}

func (m *Module) OnParticipantLeft(ctx context.Context, roomID string, p *roomcoord.Participant) ([]module.Event, error) {
	return nil, nil
}

func (m *Module) load(ctx context.Context, roomID string) (*docState, bool, error) {
	var s docState
	found, err := m.store.GetModuleRoomState(ctx, roomID, Namespace, stateSuffix, &s)
	if err != nil || !found {
		return nil, found, err
	}
	return &s, true, nil
}

func (m *Module) save(ctx context.Context, roomID string, s *docState) error {
	return m.store.SetModuleRoomState(ctx, roomID, Namespace, stateSuffix, s)
}

type selectWriterPayload struct {
	ParticipantID string `json:"participant_id"`
}

func (m *Module) HandleCommand(ctx context.Context, roomID string, p *roomcoord.Participant, action string, payload json.RawMessage) module.Result {
	switch action {
	case "select_writer":
		return m.handleSelectWriter(ctx, roomID, p, payload, true)
	case "deselect_writer":
		return m.handleSelectWriter(ctx, roomID, p, payload, false)
	case "generate_pdf":
		return m.handleGeneratePDF(ctx, roomID, p)
	default:
		return module.Err(wire.ErrUnknownAction)
	}
}

// ensureInitialized returns the room's ready doc state, lazily creating the
// pad under the room lock on first use. A concurrent caller that finds init
// already underway gets currently_initializing rather than blocking.
func (m *Module) ensureInitialized(ctx context.Context, roomID string) (*docState, string) {
	state, found, err := m.load(ctx, roomID)
	if err != nil {
		return nil, wire.ErrUpstreamUnavailable
	}
	if found {
		switch state.Status {
		case statusReady:
			return state, ""
		case statusInitializing:
			return nil, wire.ErrCurrentlyInitializing
		}
	}

	var result *docState
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
				result = state
				return nil
			case statusInitializing:
				kind = wire.ErrCurrentlyInitializing
				return nil
			}
		}

		initializing := &docState{Status: statusInitializing}
		if err := m.save(ctx, roomID, initializing); err != nil {
			kind = wire.ErrUpstreamUnavailable
			return nil
		}

		groupID, padID, err := m.pad.CreatePad(ctx, roomID)
		if err != nil {
			_ = m.save(ctx, roomID, &docState{Status: statusUninitialized})
			kind = wire.ErrFailedInitialization
			return nil
		}

		ready := &docState{Status: statusReady, GroupID: groupID, PadID: padID, Writers: make(map[string]bool)}
		if err := m.save(ctx, roomID, ready); err != nil {
			kind = wire.ErrUpstreamUnavailable
			return nil
		}
		result = ready
		return nil
	})
	if lockErr != nil {
		return nil, wire.ErrUpstreamUnavailable
	}
	return result, kind
}

func (m *Module) handleSelectWriter(ctx context.Context, roomID string, p *roomcoord.Participant, payload json.RawMessage, writer bool) module.Result {
	if p.Role != roomcoord.RoleModerator {
		return module.Err(wire.ErrInsufficientPermissions)
	}
	var req selectWriterPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return module.Err(wire.ErrUnknownAction)
	}

	state, kind := m.ensureInitialized(ctx, roomID)
	if kind != "" {
		return module.Err(kind)
	}

	target, err := m.store.GetParticipant(ctx, roomID, req.ParticipantID)
	if err != nil {
		return module.Err(wire.ErrUpstreamUnavailable)
	}
	if target == nil {
		return module.Err(wire.ErrInvalidParticipantSelection)
	}

	if writer {
		state.Writers[req.ParticipantID] = true
	} else {
		delete(state.Writers, req.ParticipantID)
	}
	if err := m.save(ctx, roomID, state); err != nil {
		return module.Err(wire.ErrUpstreamUnavailable)
	}

	sessionID, err := m.pad.CreateSession(ctx, state.GroupID, req.ParticipantID)
	if err != nil {
		return module.Err(wire.ErrUpstreamUnavailable)
	}

	url := fmt.Sprintf("%s?sessionID=%s&mode=%s", state.PadID, sessionID, readWriteMode(writer))
	return module.Emit(module.Event{
		Target:  module.TargetParticipant,
		To:      req.ParticipantID,
		Message: urlMessageName(writer),
		Payload: map[string]string{"url": url},
	})
}

func readWriteMode(writer bool) string {
	if writer {
		return "write"
	}
	return "read"
}

func urlMessageName(writer bool) string {
	if writer {
		return "write_url"
	}
	return "read_url"
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

	content, err := m.pad.ExportPDF(ctx, state.PadID)
	if err != nil {
		return module.Err(wire.ErrUpstreamUnavailable)
	}

	assetKey := fmt.Sprintf("rooms/%s/protocol.pdf", roomID)
	url, err := m.assets.PutAsset(ctx, assetKey, content)
	if err != nil {
		return module.Err(wire.ErrUpstreamUnavailable)
	}

	return module.Emit(module.Event{
		Target:  module.TargetRoom,
		Message: "pdf_asset",
		Payload: map[string]string{"asset_id": assetKey, "url": url},
	})
}

func (m *Module) OnEvent(ctx context.Context, roomID string, p *roomcoord.Participant, event string, payload json.RawMessage) (bool, error) {
	return true, nil
}

func (m *Module) DestroyRoom(ctx context.Context, roomID string) error {
	return m.store.DeleteModuleRoomState(ctx, roomID, Namespace, stateSuffix)
}
