package runner

import (
	"context"
	"encoding/json"

	"github.com/meetcore/signaling/internal/v1/bus"
	"github.com/meetcore/signaling/internal/v1/logging"
	"github.com/meetcore/signaling/internal/v1/module"
	"github.com/meetcore/signaling/internal/v1/roomcoord"
	"go.uber.org/zap"
)

// envelope is what actually travels as a bus.PubSubPayload's Payload for a
// module event: it carries enough of module.Event's addressing for a
// receiving runner to decide, from nothing but its own local identity,
// whether the event is meant for it. roomcoord.Handle only dedups and
// excludes the sender (see Handle.dispatch) — per-participant/per-role/
// per-group targeting is resolved here, by each receiving runner, not by
// the shared room handle.
type envelope struct {
	Target  module.Target   `json:"target"`
	To      string          `json:"to,omitempty"`
	Message string          `json:"message"`
	Payload json.RawMessage `json:"payload"`
}

func encodeEnvelope(ev module.Event) (envelope, error) {
	raw, err := json.Marshal(ev.Payload)
	if err != nil {
		return envelope{}, err
	}
	return envelope{Target: ev.Target, To: ev.To, Message: ev.Message, Payload: raw}, nil
}

// PublishEvent publishes a module event with no runner driving it, for the
// rare case a module needs to broadcast outside any participant's command
// (e.g. the timer module's countdown-expiry goroutine). It does the same
// encode-then-publish work as Runner.publishEnvelope, minus the local
// self-delivery a runner would otherwise perform on TargetRoom for its own
// acting participant — there is no acting participant here.
func PublishEvent(ctx context.Context, b *bus.Service, roomID, namespace string, ev module.Event) {
	env, err := encodeEnvelope(ev)
	if err != nil {
		logging.Warn(ctx, "runner: encode envelope failed", zap.String("room_id", roomID), zap.Error(err))
		return
	}
	if ev.Target == module.TargetModerators {
		if err := b.PublishModerators(ctx, roomID, namespace, env, ""); err != nil {
			logging.Warn(ctx, "runner: publish to moderators failed", zap.Error(err))
		}
		return
	}
	if err := b.Publish(ctx, roomID, namespace, env, "", nil); err != nil {
		logging.Warn(ctx, "runner: publish failed", zap.Error(err))
	}
}

// addressedToMe reports whether this runner's own participant should
// receive an envelope published by someone else. TargetSelf never appears
// here: a module emits it for the acting participant only, and the runner
// that ran the command delivers it directly without publishing at all.
func (r *Runner) addressedToMe(env envelope) bool {
	switch env.Target {
	case module.TargetRoom, module.TargetRoomExceptSelf:
		return true
	case module.TargetModerators:
		return r.participant.Role == roomcoord.RoleModerator
	case module.TargetParticipant:
		return env.To == r.participant.ParticipantID
	case module.TargetGroup:
		for _, g := range r.participant.Groups {
			if g == env.To {
				return true
			}
		}
		return false
	default:
		return false
	}
}
