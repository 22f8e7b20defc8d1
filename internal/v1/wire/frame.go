// Package wire defines the JSON frame types exchanged between a runner
// and its client, plus the error-kind taxonomy from the wire protocol.
package wire

import (
	"encoding/json"
	"time"
)

// InboundFrame is a client-to-runner message. Every inbound frame names a
// module namespace and an action within that namespace.
type InboundFrame struct {
	Namespace string          `json:"namespace"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload"`
}

// OutboundFrame is a runner-to-client message. The timestamp is always
// server-issued at the moment of send.
type OutboundFrame struct {
	Namespace string `json:"namespace"`
	Timestamp string `json:"timestamp"`
	Message   string `json:"message"`
	Payload   any    `json:"payload"`
}

// NewOutbound stamps the current time and returns a ready-to-marshal frame.
func NewOutbound(namespace, message string, payload any) OutboundFrame {
	return OutboundFrame{
		Namespace: namespace,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Message:   message,
		Payload:   payload,
	}
}

// ErrorPayload is the payload shape for every module `error` frame.
type ErrorPayload struct {
	Kind string `json:"kind"`
	Text string `json:"text,omitempty"`
}

// NewError builds an outbound error frame scoped to a module namespace.
func NewError(namespace, kind string, text string) OutboundFrame {
	return NewOutbound(namespace, "error", ErrorPayload{Kind: kind, Text: text})
}

// Error kinds from spec.md §6/§7. Modules return these as the Kind of an Err result.
const (
	ErrInsufficientPermissions     = "insufficient_permissions"
	ErrChatDisabled                = "chat_disabled"
	ErrCannotBanGuest              = "cannot_ban_guest"
	ErrInvalidChoiceCount          = "invalid_choice_count"
	ErrInvalidChoiceDescription    = "invalid_choice_description"
	ErrInvalidTopicLength          = "invalid_topic_length"
	ErrInvalidDuration             = "invalid_duration"
	ErrStillRunning                = "still_running"
	ErrInvalidPollID               = "invalid_poll_id"
	ErrInvalidChoiceID             = "invalid_choice_id"
	ErrVotedAlready                = "voted_already"
	ErrTimerAlreadyRunning         = "timer_already_running"
	ErrAlreadyRecording            = "already_recording"
	ErrInvalidRecordingID          = "invalid_recording_id"
	ErrCurrentlyInitializing       = "currently_initializing"
	ErrFailedInitialization        = "failed_initialization"
	ErrNotInitialized              = "not_initialized"
	ErrAlreadyInitialized          = "already_initialized"
	ErrInitializationFailed        = "initialization_failed"
	ErrInvalidParticipantSelection = "invalid_participant_selection"
	ErrUnknownAction               = "unknown_action"
	ErrUpstreamUnavailable         = "upstream_unavailable"
)

// Protocol-level close reasons (fatal session errors, §7).
const (
	CloseReasonProtocolError = "protocol_error"
	CloseReasonBanned        = "banned"
	CloseReasonKicked        = "kicked"
	CloseReasonRoomDestroyed = "room_destroyed"
)
