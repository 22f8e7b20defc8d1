// Package module defines the uniform contract every feature module
// implements (spec.md §4.3) and the fixed-order registry that wires
// built-in modules together at startup.
package module

import (
	"context"
	"encoding/json"

	"github.com/meetcore/signaling/internal/v1/roomcoord"
)

// Result is what a command handler returns: either a set of events to emit
// or a single error kind. Never both.
type Result struct {
	Events []Event
	Err    string // error kind from wire.Err*, empty if Events is the result
}

// Emit builds a successful Result carrying one or more events.
func Emit(events ...Event) Result { return Result{Events: events} }

// Err builds a failed Result carrying an error kind.
func Err(kind string) Result { return Result{Err: kind} }

// Target selects which participants receive an Event.
type Target int

const (
	// TargetSelf delivers only to the participant who issued the command.
	TargetSelf Target = iota
	// TargetRoomExceptSelf delivers to every other in-room participant.
	TargetRoomExceptSelf
	// TargetRoom delivers to every in-room participant, including self.
	TargetRoom
	// TargetModerators delivers only to moderators.
	TargetModerators
	// TargetParticipant delivers to one specific participant named by To.
	TargetParticipant
	// TargetGroup delivers to every participant whose Groups contains To.
	TargetGroup
)

// Event is one outbound message a module wants delivered somewhere.
type Event struct {
	Target  Target
	To      string // participant_id for TargetParticipant, group id for TargetGroup
	Message string
	Payload any
}

// Module is the contract every feature module implements (spec.md §4.3).
type Module interface {
	// Name is the stable wire namespace for this module (e.g. "chat").
	Name() string

	// InitRoom runs under the room lock whenever a participant enters a
	// room whose roster is empty: the first entry, and again after everyone
	// has left and DestroyRoom has run (runner.enterRoom calls it before
	// adding to the roster). Most modules are no-ops here; protocol/
	// whiteboard defer their real initialization to the first command
	// instead (lazy init, §9), since that's when they actually know what
	// asset/session id to create.
	InitRoom(ctx context.Context, roomID string) error

	// BuildJoinSuccessFragment supplies this module's slice of the
	// `join_success` payload for a newly joining participant.
	BuildJoinSuccessFragment(ctx context.Context, roomID string, p *roomcoord.Participant) (any, error)

	// OnParticipantJoined/OnParticipantLeft are optional hooks; either may
	// return events to publish (e.g. withdrawing a raised hand on leave).
	OnParticipantJoined(ctx context.Context, roomID string, p *roomcoord.Participant) ([]Event, error)
	OnParticipantLeft(ctx context.Context, roomID string, p *roomcoord.Participant) ([]Event, error)

	// HandleCommand is the main entry point for an inbound action addressed
	// to this module's namespace.
	HandleCommand(ctx context.Context, roomID string, p *roomcoord.Participant, action string, payload json.RawMessage) Result

	// OnEvent lets a runner apply an inbound pub/sub event to its local
	// per-module cache before forwarding (or not) to the transport.
	OnEvent(ctx context.Context, roomID string, p *roomcoord.Participant, event string, payload json.RawMessage) (forward bool, err error)

	// DestroyRoom runs when the last participant leaves; module-defined
	// cleanup such as deleting an etherpad pad or expiring KV keys.
	DestroyRoom(ctx context.Context, roomID string) error
}

// Registry is the closed, tagged-variant set of modules wired into the
// signaling core at startup (spec.md §9 — no reflection-based plugin
// loading). Registration order matters: "control" is always first so that
// later modules' OnParticipantLeft hooks can rely on identity/roster state
// still being valid.
type Registry struct {
	ordered []Module
	byName  map[string]Module
}

// NewRegistry builds a Registry from an ordered module list. It panics if
// "control" is missing or not first — that is a startup-configuration bug,
// not a runtime condition to recover from.
func NewRegistry(modules ...Module) *Registry {
	if len(modules) == 0 || modules[0].Name() != "control" {
		panic("module.NewRegistry: control module must be registered first")
	}
	r := &Registry{
		ordered: make([]Module, 0, len(modules)),
		byName:  make(map[string]Module, len(modules)),
	}
	for _, m := range modules {
		if _, exists := r.byName[m.Name()]; exists {
			panic("module.NewRegistry: duplicate module name " + m.Name())
		}
		r.ordered = append(r.ordered, m)
		r.byName[m.Name()] = m
	}
	return r
}

// Ordered returns modules in registration order.
func (r *Registry) Ordered() []Module { return r.ordered }

// Lookup returns the module for a wire namespace, or (nil, false) if unknown.
func (r *Registry) Lookup(namespace string) (Module, bool) {
	m, ok := r.byName[namespace]
	return m, ok
}
