// Package runner drives one participant's session through its lifecycle
// (spec.md §4.1): the join protocol, command dispatch to the module
// registry, and the ordered delivery of outbound events. It is the
// JSON-framed, cooperative-task-per-session counterpart to the teacher's
// session.Client, which did the same job over a binary protobuf wire.
package runner

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/meetcore/signaling/internal/v1/bus"
	"github.com/meetcore/signaling/internal/v1/lock"
	"github.com/meetcore/signaling/internal/v1/logging"
	"github.com/meetcore/signaling/internal/v1/metrics"
	"github.com/meetcore/signaling/internal/v1/module"
	"github.com/meetcore/signaling/internal/v1/roomcoord"
	"github.com/meetcore/signaling/internal/v1/tracing"
	"github.com/meetcore/signaling/internal/v1/wire"
	"go.uber.org/zap"
)

type state int

const (
	stateConnecting state = iota
	stateWaiting
	stateInRoom
	stateTerminating
)

func (s state) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateWaiting:
		return "waiting"
	case stateInRoom:
		return "in_room"
	default:
		return "terminating"
	}
}

// Identity is the already-authenticated caller info the HTTP layer hands to
// a new runner; auth/JWT validation happens upstream of this package.
type Identity struct {
	UserID            string
	DisplayNameHint   string
	ParticipationKind roomcoord.ParticipationKind
	// PreAccepted bypasses the waiting room (e.g. an invite link already
	// vetted by the caller). Moderators always bypass regardless of this.
	PreAccepted bool
}

// Deps are the shared collaborators every runner needs; one Deps is built
// once at startup and handed to every connection.
type Deps struct {
	Store                   *roomcoord.Store
	Bus                     *bus.Service
	Rooms                   *roomcoord.Registry
	Locker                  *lock.Locker
	Modules                 *module.Registry
	DefaultParticipantLimit int // 0 = unlimited, overridden by RoomMeta.ParticipantLimit
}

// Runner owns one transport connection end to end. It is not safe for
// concurrent use: its state is touched only from the goroutine running
// eventLoop, per spec.md §5's cooperative single-task-per-session model —
// readPump and writePump only ever move bytes across channels.
type Runner struct {
	conn     Conn
	roomID   string
	identity Identity
	deps     Deps

	send    chan wire.OutboundFrame
	inbound chan wire.InboundFrame

	state       state
	participant *roomcoord.Participant

	handle   *roomcoord.Handle
	delivery chan roomcoord.Delivery
}

// New builds a runner for one freshly-upgraded connection. roomID is taken
// from the upgrade route; the runner does not itself validate that the room
// exists (absence surfaces as empty state, not an error — a room is implicit
// in its KV keys, per spec.md §4.2).
func New(conn Conn, roomID string, identity Identity, deps Deps) *Runner {
	return &Runner{
		conn:     conn,
		roomID:   roomID,
		identity: identity,
		deps:     deps,
		send:     make(chan wire.OutboundFrame, 64),
		inbound:  make(chan wire.InboundFrame, 16),
		state:    stateConnecting,
	}
}

// Run drives the session until the transport closes or a fatal condition
// terminates it. It always returns after fully cleaning up room membership.
func (r *Runner) Run(ctx context.Context) {
	metrics.IncConnection()
	defer metrics.DecConnection()

	r.handle = r.deps.Rooms.Acquire(ctx, r.roomID)

	ctx = logging.WithRoom(ctx, r.roomID)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); r.writePump() }()
	go func() { defer wg.Done(); defer cancel(); r.readPump() }()

	r.eventLoop(ctx)

	close(r.send)
	wg.Wait()

	cleanupCtx, cancelCleanup := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancelCleanup()
	r.cleanup(cleanupCtx)
}

// readPump is the session's single reader; it blocks on the transport and
// has no notion of room state. Mirrors the teacher's client.go readPump.
func (r *Runner) readPump() {
	defer close(r.inbound)
	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame wire.InboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue // malformed frame from this client; drop and keep reading
		}
		r.inbound <- frame
	}
}

// writePump is the session's single writer; it serializes every outbound
// frame (join replies, module events, errors) in the order they were
// enqueued. Mirrors the teacher's client.go writePump, swapping the binary
// protobuf marshal for JSON.
func (r *Runner) writePump() {
	for frame := range r.send {
		data, err := json.Marshal(frame)
		if err != nil {
			logging.Error(context.Background(), "runner: marshal outbound frame failed", zap.Error(err))
			continue
		}
		_ = r.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := r.conn.WriteMessage(wsTextMessage, data); err != nil {
			return
		}
	}
	_ = r.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = r.conn.WriteMessage(wsCloseMessage, nil)
}

// sendNow enqueues an outbound frame without blocking; a session whose
// client has stopped reading must not be allowed to stall the rest of the
// room, so a full buffer drops the frame (logged) rather than blocking.
func (r *Runner) sendNow(frame wire.OutboundFrame) {
	select {
	case r.send <- frame:
	default:
		logging.Warn(context.Background(), "runner: outbound buffer full, dropping frame",
			zap.String("room_id", r.roomID), zap.String("namespace", frame.Namespace), zap.String("message", frame.Message))
	}
}

// eventLoop runs the join protocol against the first inbound frame, then
// alternates between inbound commands and pub/sub deliveries until the
// session ends. This single goroutine is the only place that ever touches
// r.participant/r.state, so no locking is needed around them.
func (r *Runner) eventLoop(ctx context.Context) {
	first, ok := <-r.inbound
	if !ok {
		return
	}

	terminate, closeReason := r.joinProtocol(ctx, first)
	if terminate {
		if closeReason != "" {
			r.sendNow(wire.NewError("control", closeReason, ""))
		}
		return
	}
	if r.participant != nil {
		ctx = logging.WithParticipant(ctx, r.participant.ParticipantID)
	}

	heartbeat := time.NewTicker(roomcoord.ControlHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := r.deps.Store.RefreshParticipantTTL(ctx, r.roomID, r.participant.ParticipantID); err != nil {
				logging.Warn(ctx, "runner: control record refresh failed", zap.Error(err))
			}
		case frame, ok := <-r.inbound:
			if !ok {
				return
			}
			r.handleFrame(ctx, frame)
			if r.state == stateTerminating {
				return
			}
		case d, ok := <-r.delivery:
			if !ok {
				return
			}
			if r.handleDelivery(ctx, d) {
				return
			}
		}
	}
}

// handleFrame dispatches one inbound command once the session is InRoom (or
// Waiting, where only enter_room is meaningful).
func (r *Runner) handleFrame(ctx context.Context, frame wire.InboundFrame) {
	if r.state == stateWaiting {
		if frame.Namespace == "control" && frame.Action == "enter_room" {
			r.handleEnterRoomFromWaiting(ctx)
		}
		return
	}

	if frame.Namespace == "control" && frame.Action == "enter_room" {
		return // no-op once already in the room, per spec.md §4.1's state table
	}

	mod, ok := r.deps.Modules.Lookup(frame.Namespace)
	if !ok {
		r.sendNow(wire.NewError(frame.Namespace, wire.ErrUnknownAction, ""))
		return
	}

	spanCtx, span := tracing.StartRoomSpan(ctx, "signaling/runner", frame.Namespace+"."+frame.Action, r.roomID, r.participant.ParticipantID)
	start := time.Now()
	result := mod.HandleCommand(spanCtx, r.roomID, r.participant, frame.Action, frame.Payload)
	span.End()
	metrics.ModuleDispatchDuration.WithLabelValues(frame.Namespace, frame.Action).Observe(time.Since(start).Seconds())

	if result.Err != "" {
		metrics.ModuleDispatchErrors.WithLabelValues(frame.Namespace, result.Err).Inc()
		r.sendNow(wire.NewError(frame.Namespace, result.Err, ""))
		return
	}
	r.deliverLocally(ctx, frame.Namespace, result.Events)
}

// handleEnterRoomFromWaiting admits a previously-waiting, moderator-accepted
// participant. It re-reads the control record rather than trusting the
// runner's local copy, since moderation.accept ran in (possibly) another
// process.
func (r *Runner) handleEnterRoomFromWaiting(ctx context.Context) {
	current, err := r.deps.Store.GetParticipant(ctx, r.roomID, r.participant.ParticipantID)
	if err != nil || current == nil || current.WaitingRoomState != roomcoord.WaitingStateAccepted {
		r.sendNow(wire.NewOutbound("control", "in_waiting_room", r.participant))
		return
	}
	r.participant = current
	_ = r.deps.Store.RemoveFromWaiting(ctx, r.roomID, r.participant.ParticipantID)

	terminate, closeReason := r.enterRoom(ctx)
	if terminate {
		if closeReason != "" {
			r.sendNow(wire.NewError("control", closeReason, ""))
		}
		r.state = stateTerminating
	}
}

func (r *Runner) cleanup(ctx context.Context) {
	defer func() {
		if r.participant != nil && r.handle != nil {
			r.handle.Detach(r.participant.ParticipantID)
		}
		if r.handle != nil {
			r.deps.Rooms.ReleaseIfEmpty(r.roomID)
		}
		_ = r.conn.Close()
	}()

	if r.participant == nil {
		return // disconnected before completing the join protocol
	}

	if r.state == stateWaiting {
		_ = r.deps.Store.RemoveFromWaiting(ctx, r.roomID, r.participant.ParticipantID)
		_ = r.deps.Store.DeleteParticipant(ctx, r.roomID, r.participant.ParticipantID)
		return
	}

	_ = r.deps.Locker.WithLock(ctx, r.roomID, func(ctx context.Context) error {
		for _, mod := range r.deps.Modules.Ordered() {
			events, err := mod.OnParticipantLeft(ctx, r.roomID, r.participant)
			if err != nil {
				logging.Warn(ctx, "runner: module OnParticipantLeft failed", zap.String("module", mod.Name()), zap.Error(err))
				continue
			}
			r.deliverLocally(ctx, mod.Name(), events)
		}

		if err := r.deps.Store.RemoveFromRoster(ctx, r.roomID, r.participant.ParticipantID); err != nil {
			return err
		}

		roster, err := r.deps.Store.Roster(ctx, r.roomID)
		if err == nil && len(roster) == 0 {
			for _, mod := range r.deps.Modules.Ordered() {
				if err := mod.DestroyRoom(ctx, r.roomID); err != nil {
					logging.Warn(ctx, "runner: module DestroyRoom failed", zap.String("module", mod.Name()), zap.Error(err))
				}
			}
		}
		return nil
	})

	_ = r.deps.Store.DeleteParticipant(ctx, r.roomID, r.participant.ParticipantID)
}

// deliverLocally routes a module's emitted events: self-targeted events go
// straight to this session's own outbound stream, everything else is
// published for every other runner (local or cross-process) to self-filter
// on receipt — see envelope.go for why that filtering lives on the
// receiving side rather than in roomcoord.Handle.
func (r *Runner) deliverLocally(ctx context.Context, namespace string, events []module.Event) {
	for _, ev := range events {
		switch ev.Target {
		case module.TargetSelf:
			r.sendNow(wire.NewOutbound(namespace, ev.Message, ev.Payload))
		case module.TargetRoom:
			r.sendNow(wire.NewOutbound(namespace, ev.Message, ev.Payload))
			r.publishEnvelope(ctx, namespace, ev)
		default: // TargetRoomExceptSelf, TargetModerators, TargetParticipant, TargetGroup
			r.publishEnvelope(ctx, namespace, ev)
		}
	}
}

func (r *Runner) publishEnvelope(ctx context.Context, namespace string, ev module.Event) {
	env, err := encodeEnvelope(ev)
	if err != nil {
		logging.Warn(ctx, "runner: encode envelope failed", zap.Error(err))
		return
	}
	senderID := r.participant.ParticipantID
	if ev.Target == module.TargetModerators {
		if err := r.deps.Bus.PublishModerators(ctx, r.roomID, namespace, env, senderID); err != nil {
			logging.Warn(ctx, "runner: publish to moderators failed", zap.Error(err))
		}
		return
	}
	if err := r.deps.Bus.Publish(ctx, r.roomID, namespace, env, senderID, nil); err != nil {
		logging.Warn(ctx, "runner: publish failed", zap.Error(err))
	}
}

// handleDelivery applies an inbound pub/sub event published by another
// session. It reports whether this session must now terminate (a kick/ban
// targeted at this participant).
func (r *Runner) handleDelivery(ctx context.Context, d roomcoord.Delivery) bool {
	var env envelope
	if err := json.Unmarshal(d.Payload, &env); err != nil {
		return false
	}
	if !r.addressedToMe(env) {
		return false
	}

	forward := true
	if mod, ok := r.deps.Modules.Lookup(d.Event); ok {
		fw, err := mod.OnEvent(ctx, r.roomID, r.participant, env.Message, env.Payload)
		if err == nil {
			forward = fw
		}
	}

	r.applySelfSideEffects(env)

	if forward {
		var payload any
		if len(env.Payload) > 0 {
			payload = json.RawMessage(env.Payload)
		}
		r.sendNow(wire.NewOutbound(d.Event, env.Message, payload))
	}

	if env.Target == module.TargetParticipant && env.To == r.participant.ParticipantID {
		switch env.Message {
		case "kicked", "banned":
			return true
		}
	}
	return false
}

// applySelfSideEffects keeps this runner's local participant snapshot
// consistent with control-plane changes another session made on our
// behalf (role grants, waiting-room acceptance) without a KV round trip.
func (r *Runner) applySelfSideEffects(env envelope) {
	if env.Target != module.TargetParticipant || env.To != r.participant.ParticipantID {
		return
	}
	switch env.Message {
	case "role_updated":
		var updated roomcoord.Participant
		if err := json.Unmarshal(env.Payload, &updated); err == nil {
			r.participant = &updated
		}
	case "accepted":
		r.participant.WaitingRoomState = roomcoord.WaitingStateAccepted
	}
}

// computeRole derives the effective role for a newly joining participant.
// The room creator always enters as moderator; everyone else starts as a
// plain user (guests get RoleGuest), and later grant_moderator_role
// promotions go through the control module like any other change.
func (r *Runner) computeRole(meta *roomcoord.RoomMeta) roomcoord.Role {
	if r.identity.ParticipationKind == roomcoord.ParticipationGuest {
		return roomcoord.RoleGuest
	}
	if meta != nil && meta.CreatorID != "" && meta.CreatorID == r.identity.UserID {
		return roomcoord.RoleModerator
	}
	return roomcoord.RoleUser
}

type joinPayload struct {
	DisplayName string `json:"display_name"`
}

// joinProtocol implements spec.md §4.1's five join steps.
func (r *Runner) joinProtocol(ctx context.Context, first wire.InboundFrame) (terminate bool, closeReason string) {
	// Step 1: first frame must be join.
	if first.Namespace != "control" || first.Action != "join" {
		return true, wire.CloseReasonProtocolError
	}
	var req joinPayload
	if err := json.Unmarshal(first.Payload, &req); err != nil {
		return true, wire.CloseReasonProtocolError
	}

	meta, err := r.deps.Store.GetMeta(ctx, r.roomID)
	if err != nil {
		return true, wire.CloseReasonProtocolError
	}
	role := r.computeRole(meta)

	// Step 2: tariff participant limit.
	limit := r.deps.DefaultParticipantLimit
	if meta != nil && meta.ParticipantLimit > 0 {
		limit = meta.ParticipantLimit
	}
	if limit > 0 {
		roster, err := r.deps.Store.Roster(ctx, r.roomID)
		if err == nil && len(roster) >= limit {
			r.sendNow(wire.NewOutbound("control", "join_blocked", map[string]string{"reason": "participant_limit_reached"}))
			return true, ""
		}
	}

	// Step 3: ban check (guests have no stable user id, so they're never banned by one).
	if r.identity.ParticipationKind != roomcoord.ParticipationGuest {
		banned, err := r.deps.Store.IsBanned(ctx, r.roomID, r.identity.UserID)
		if err == nil && banned {
			return true, wire.CloseReasonBanned
		}
	}

	displayName := strings.TrimSpace(req.DisplayName)
	if displayName == "" {
		displayName = r.identity.DisplayNameHint
	}

	r.participant = &roomcoord.Participant{
		ParticipantID:     uuid.NewString(),
		UserID:            r.identity.UserID,
		Role:              role,
		DisplayName:       displayName,
		ParticipationKind: r.identity.ParticipationKind,
		JoinedAt:          time.Now().UTC(),
		WaitingRoomState:  roomcoord.WaitingStateNone,
	}
	r.delivery = r.handle.Attach(r.participant.ParticipantID, r.participant.Role)

	flags, err := r.deps.Store.GetFlags(ctx, r.roomID, false)
	if err != nil {
		return true, wire.CloseReasonProtocolError
	}

	// Step 4: waiting room.
	if flags.WaitingRoomEnabled && role != roomcoord.RoleModerator && !r.identity.PreAccepted {
		r.participant.WaitingRoomState = roomcoord.WaitingStateWaiting
		if err := r.deps.Store.SaveParticipant(ctx, r.roomID, r.participant); err != nil {
			return true, wire.CloseReasonProtocolError
		}
		if err := r.deps.Store.AddToWaiting(ctx, r.roomID, r.participant.ParticipantID); err != nil {
			return true, wire.CloseReasonProtocolError
		}
		r.publishEnvelope(ctx, "control", module.Event{
			Target:  module.TargetModerators,
			Message: "joined_waiting_room",
			Payload: r.participant,
		})
		r.state = stateWaiting
		r.sendNow(wire.NewOutbound("control", "in_waiting_room", r.participant))
		metrics.RunnerStateTransitions.WithLabelValues(stateConnecting.String(), stateWaiting.String()).Inc()
		return false, ""
	}

	// Step 5: direct entry.
	return r.enterRoom(ctx)
}

// enterRoom performs the locked admission sequence shared by direct entry
// and a waiting participant's enter_room once accepted: roster mutation,
// join_success assembly, and the joined broadcast, all under the room lock.
func (r *Runner) enterRoom(ctx context.Context) (terminate bool, closeReason string) {
	fragments := make(map[string]any, len(r.deps.Modules.Ordered()))

	err := r.deps.Locker.WithLock(ctx, r.roomID, func(ctx context.Context) error {
		roster, err := r.deps.Store.Roster(ctx, r.roomID)
		if err != nil {
			return err
		}
		if len(roster) == 0 {
			// First participant into an empty room, under the room lock:
			// run each module's room setup before anything else.
			for _, mod := range r.deps.Modules.Ordered() {
				if err := mod.InitRoom(ctx, r.roomID); err != nil {
					return err
				}
			}
		}

		r.participant.WaitingRoomState = roomcoord.WaitingStateAccepted
		if err := r.deps.Store.SaveParticipant(ctx, r.roomID, r.participant); err != nil {
			return err
		}
		if err := r.deps.Store.AddToRoster(ctx, r.roomID, r.participant.ParticipantID); err != nil {
			return err
		}

		for _, mod := range r.deps.Modules.Ordered() {
			frag, err := mod.BuildJoinSuccessFragment(ctx, r.roomID, r.participant)
			if err != nil {
				return err
			}
			fragments[mod.Name()] = frag
		}

		for _, mod := range r.deps.Modules.Ordered() {
			events, err := mod.OnParticipantJoined(ctx, r.roomID, r.participant)
			if err != nil {
				return err
			}
			r.deliverLocally(ctx, mod.Name(), events)
		}
		return nil
	})
	if err != nil {
		return true, wire.CloseReasonProtocolError
	}

	r.state = stateInRoom
	r.sendNow(wire.NewOutbound("control", "join_success", fragments))
	metrics.RunnerStateTransitions.WithLabelValues(stateConnecting.String(), stateInRoom.String()).Inc()
	return false, ""
}
