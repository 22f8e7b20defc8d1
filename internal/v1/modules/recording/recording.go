// Package recording implements the recording-consent module: moderator
// start/stop of a room recording and per-participant consent tracking
// (spec.md §4.11). The actual capture/encoding is done by an external
// recorder worker this module only notifies over a message queue.
package recording

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/meetcore/signaling/internal/v1/module"
	"github.com/meetcore/signaling/internal/v1/roomcoord"
	"github.com/meetcore/signaling/internal/v1/wire"
)

const Namespace = "recording"

// Queue is the narrow contract this module needs to notify the external
// recorder worker; backed by pkg/broker.
type Queue interface {
	Publish(ctx context.Context, subject string, payload []byte) error
}

type Module struct {
	store *roomcoord.Store
	queue Queue
}

func New(store *roomcoord.Store, queue Queue) *Module {
	return &Module{store: store, queue: queue}
}

func (m *Module) Name() string { return Namespace }

func (m *Module) InitRoom(ctx context.Context, roomID string) error { return nil }

func (m *Module) BuildJoinSuccessFragment(ctx context.Context, roomID string, p *roomcoord.Participant) (any, error) {
	flags, err := m.store.GetFlags(ctx, roomID, false)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"status":       flags.Recording,
		"recording_id": flags.RecordingID,
		"consent":      p.RecordingConsent,
	}, nil
}

func (m *Module) OnParticipantJoined(ctx context.Context, roomID string, p *roomcoord.Participant) ([]module.Event, error) {
	return nil, nil
}

func (m *Module) OnParticipantLeft(ctx context.Context, roomID string, p *roomcoord.Participant) ([]module.Event, error) {
	return nil, nil
}

type consentPayload struct {
	Consent bool `json:"consent"`
}

func (m *Module) HandleCommand(ctx context.Context, roomID string, p *roomcoord.Participant, action string, payload json.RawMessage) module.Result {
	switch action {
	case "start":
		return m.handleStart(ctx, roomID, p)
	case "stop":
		return m.handleStop(ctx, roomID, p)
	case "set_consent":
		return m.handleSetConsent(ctx, roomID, p, payload)
	default:
		return module.Err(wire.ErrUnknownAction)
	}
}

func (m *Module) handleStart(ctx context.Context, roomID string, p *roomcoord.Participant) module.Result {
	if p.Role != roomcoord.RoleModerator {
		return module.Err(wire.ErrInsufficientPermissions)
	}

	flags, err := m.store.GetFlags(ctx, roomID, false)
	if err != nil {
		return module.Err(wire.ErrUpstreamUnavailable)
	}
	if flags.Recording != roomcoord.RecordingNone {
		return module.Err(wire.ErrAlreadyRecording)
	}

	counter, err := m.store.IncrModuleCounter(ctx, roomID, Namespace, "recording_id")
	if err != nil {
		return module.Err(wire.ErrUpstreamUnavailable)
	}
	id := fmt.Sprintf("%s-%d", roomID, counter)

	flags.Recording = roomcoord.RecordingActive
	flags.RecordingID = id
	if err := m.store.SetFlags(ctx, roomID, flags); err != nil {
		return module.Err(wire.ErrUpstreamUnavailable)
	}

	if m.queue != nil {
		notice, _ := json.Marshal(map[string]string{"room_id": roomID, "recording_id": id, "action": "start"})
		_ = m.queue.Publish(ctx, "recorder.control", notice)
	}

	return module.Emit(module.Event{
		Target:  module.TargetRoom,
		Message: "started",
		Payload: map[string]string{"recording_id": id},
	})
}

func (m *Module) handleStop(ctx context.Context, roomID string, p *roomcoord.Participant) module.Result {
	if p.Role != roomcoord.RoleModerator {
		return module.Err(wire.ErrInsufficientPermissions)
	}

	flags, err := m.store.GetFlags(ctx, roomID, false)
	if err != nil {
		return module.Err(wire.ErrUpstreamUnavailable)
	}
	if flags.Recording != roomcoord.RecordingActive {
		return module.Err(wire.ErrInvalidRecordingID)
	}

	id := flags.RecordingID
	flags.Recording = roomcoord.RecordingNone
	flags.RecordingID = ""
	if err := m.store.SetFlags(ctx, roomID, flags); err != nil {
		return module.Err(wire.ErrUpstreamUnavailable)
	}

	if m.queue != nil {
		notice, _ := json.Marshal(map[string]string{"room_id": roomID, "recording_id": id, "action": "stop"})
		_ = m.queue.Publish(ctx, "recorder.control", notice)
	}

	return module.Emit(module.Event{
		Target:  module.TargetRoom,
		Message: "stopped",
		Payload: map[string]string{"recording_id": id},
	})
}

// handleSetConsent always succeeds: spec.md §4.11 says set_consent is "any,
// always accepted". The recorder worker is responsible for honoring consent
// when deciding which streams to capture.
func (m *Module) handleSetConsent(ctx context.Context, roomID string, p *roomcoord.Participant, payload json.RawMessage) module.Result {
	var req consentPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return module.Err(wire.ErrUnknownAction)
	}

	p.RecordingConsent = req.Consent
	if err := m.store.SaveParticipant(ctx, roomID, p); err != nil {
		return module.Err(wire.ErrUpstreamUnavailable)
	}

	return module.Emit(module.Event{
		Target:  module.TargetModerators,
		Message: "consent_updated",
		Payload: map[string]any{"participant_id": p.ParticipantID, "consent": req.Consent},
	})
}

func (m *Module) OnEvent(ctx context.Context, roomID string, p *roomcoord.Participant, event string, payload json.RawMessage) (bool, error) {
	return true, nil
}

func (m *Module) DestroyRoom(ctx context.Context, roomID string) error {
	flags, err := m.store.GetFlags(ctx, roomID, false)
	if err != nil || flags.Recording == roomcoord.RecordingNone {
		return err
	}
	flags.Recording = roomcoord.RecordingNone
	flags.RecordingID = ""
	return m.store.SetFlags(ctx, roomID, flags)
}
