// Package poll implements the idle -> running -> finished poll lifecycle:
// moderator-created polls with bounded choice counts/descriptions and
// duration, one vote per participant, live tallies, and expiry-driven
// completion (spec.md §4.7).
package poll

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/meetcore/signaling/internal/v1/config"
	"github.com/meetcore/signaling/internal/v1/module"
	"github.com/meetcore/signaling/internal/v1/roomcoord"
	"github.com/meetcore/signaling/internal/v1/wire"
)

const Namespace = "poll"

type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateFinished State = "finished"
)

type Choice struct {
	ID          int64  `json:"id"`
	Description string `json:"description"`
	Votes       int    `json:"votes"`
}

// Poll is the single outstanding poll for a room; rooms have at most one
// (spec.md §3).
type Poll struct {
	ID        int64            `json:"poll_id"`
	State     State            `json:"state"`
	Topic     string           `json:"topic"`
	Choices   []Choice         `json:"choices"`
	Live      bool             `json:"live"`
	CreatedAt time.Time        `json:"created_at"`
	EndsAt    time.Time        `json:"ends_at"`
	Voters    map[string]int64 `json:"voted_by"` // participant_id -> choice_id
}

const currentPollSuffix = "current"

// PublishFunc lets the poll module emit an out-of-band `done` broadcast once
// a poll's duration expires, without any participant action driving it (same
// shape as timer.PublishFunc — the runner wires this to the room's
// handle/bus at startup).
type PublishFunc func(ctx context.Context, roomID string, event module.Event)

type Module struct {
	store        *roomcoord.Store
	choiceLimits config.ChoiceLimits
	duration     config.DurationLimits
	publish      PublishFunc

	mu      sync.Mutex
	cancels map[string]context.CancelFunc // roomID -> cancel for its pending expiry goroutine
}

func New(store *roomcoord.Store, choiceLimits config.ChoiceLimits, duration config.DurationLimits, publish PublishFunc) *Module {
	return &Module{
		store:        store,
		choiceLimits: choiceLimits,
		duration:     duration,
		publish:      publish,
		cancels:      make(map[string]context.CancelFunc),
	}
}

func (m *Module) Name() string { return Namespace }

func (m *Module) InitRoom(ctx context.Context, roomID string) error { return nil }

func (m *Module) BuildJoinSuccessFragment(ctx context.Context, roomID string, p *roomcoord.Participant) (any, error) {
	poll, found, err := m.current(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !found {
		return map[string]any{"current_poll": nil}, nil
	}
	poll = m.expireIfDue(ctx, roomID, poll)
	return map[string]any{"current_poll": poll}, nil
}

func (m *Module) OnParticipantJoined(ctx context.Context, roomID string, p *roomcoord.Participant) ([]module.Event, error) {
	return nil, nil
}

func (m *Module) OnParticipantLeft(ctx context.Context, roomID string, p *roomcoord.Participant) ([]module.Event, error) {
	return nil, nil
}

func (m *Module) current(ctx context.Context, roomID string) (*Poll, bool, error) {
	var p Poll
	found, err := m.store.GetModuleRoomState(ctx, roomID, Namespace, currentPollSuffix, &p)
	if err != nil || !found {
		return nil, found, err
	}
	return &p, true, nil
}

// expireIfDue is a safety net for a running poll whose end time has already
// passed by the time it's next read or voted on (e.g. this process restarted
// mid-countdown and lost its scheduleExpiry goroutine) — the normal path to
// `done` is scheduleExpiry's proactive broadcast, not this lazy flip.
func (m *Module) expireIfDue(ctx context.Context, roomID string, p *Poll) *Poll {
	if p.State == StateRunning && time.Now().UTC().After(p.EndsAt) {
		p.State = StateFinished
		_ = m.store.SetModuleRoomState(ctx, roomID, Namespace, currentPollSuffix, p)
	}
	return p
}

// scheduleExpiry fires a `done` broadcast with the final tally when a poll's
// duration elapses, anchored to absolute time like timer.scheduleExpiry, so
// every participant observes completion (spec.md §4.7) without needing to
// read or vote again after the countdown ends.
func (m *Module) scheduleExpiry(roomID string, pollID int64, dur time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	if prev, ok := m.cancels[roomID]; ok {
		prev()
	}
	m.cancels[roomID] = cancel
	m.mu.Unlock()

	go func() {
		timer := time.NewTimer(dur)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		// finish cancels this goroutine's own context, so the store and
		// publish calls below run on a context that outlives that cancel.
		ctx := context.WithoutCancel(ctx)
		current, found, err := m.current(ctx, roomID)
		if err != nil || !found || current.ID != pollID || current.State != StateRunning {
			return
		}
		result := m.finish(ctx, roomID, current)
		if m.publish == nil || result.Err != "" {
			return
		}
		for _, ev := range result.Events {
			m.publish(ctx, roomID, ev)
		}
	}()
}

type startPayload struct {
	Topic    string   `json:"topic"`
	Choices  []string `json:"choices"`
	Live     bool     `json:"live"`
	Duration string   `json:"duration"`
}

type votePayload struct {
	PollID   int64 `json:"poll_id"`
	ChoiceID int64 `json:"choice_id"`
}

func (m *Module) HandleCommand(ctx context.Context, roomID string, p *roomcoord.Participant, action string, payload json.RawMessage) module.Result {
	switch action {
	case "start":
		return m.handleStart(ctx, roomID, p, payload)
	case "vote":
		return m.handleVote(ctx, roomID, p, payload)
	case "finish":
		return m.handleFinish(ctx, roomID, p)
	default:
		return module.Err(wire.ErrUnknownAction)
	}
}

func (m *Module) handleStart(ctx context.Context, roomID string, p *roomcoord.Participant, payload json.RawMessage) module.Result {
	if p.Role != roomcoord.RoleModerator {
		return module.Err(wire.ErrInsufficientPermissions)
	}
	var req startPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return module.Err(wire.ErrUnknownAction)
	}

	if len(req.Topic) < m.choiceLimits.DescMin || len(req.Topic) > m.choiceLimits.DescMax {
		return module.Err(wire.ErrInvalidTopicLength)
	}
	if len(req.Choices) < m.choiceLimits.Min || len(req.Choices) > m.choiceLimits.Max {
		return module.Err(wire.ErrInvalidChoiceCount)
	}
	for _, c := range req.Choices {
		if len(c) < m.choiceLimits.DescMin || len(c) > m.choiceLimits.DescMax {
			return module.Err(wire.ErrInvalidChoiceDescription)
		}
	}

	dur, err := time.ParseDuration(req.Duration)
	if err != nil || dur < m.duration.Min || dur > m.duration.Max {
		return module.Err(wire.ErrInvalidDuration)
	}

	existing, found, err := m.current(ctx, roomID)
	if err != nil {
		return module.Err(wire.ErrUpstreamUnavailable)
	}
	if found {
		existing = m.expireIfDue(ctx, roomID, existing)
		if existing.State == StateRunning {
			return module.Err(wire.ErrStillRunning)
		}
	}

	id, err := m.store.IncrModuleCounter(ctx, roomID, Namespace, "poll_id")
	if err != nil {
		return module.Err(wire.ErrUpstreamUnavailable)
	}

	choices := make([]Choice, len(req.Choices))
	for i, c := range req.Choices {
		cid, err := m.store.IncrModuleCounter(ctx, roomID, Namespace, "choice_id")
		if err != nil {
			return module.Err(wire.ErrUpstreamUnavailable)
		}
		choices[i] = Choice{ID: cid, Description: c}
	}

	now := time.Now().UTC()
	newPoll := Poll{
		ID:        id,
		State:     StateRunning,
		Topic:     req.Topic,
		Choices:   choices,
		Live:      req.Live,
		CreatedAt: now,
		EndsAt:    now.Add(dur),
		Voters:    make(map[string]int64),
	}
	if err := m.store.SetModuleRoomState(ctx, roomID, Namespace, currentPollSuffix, newPoll); err != nil {
		return module.Err(wire.ErrUpstreamUnavailable)
	}
	m.scheduleExpiry(roomID, id, dur)

	return module.Emit(module.Event{Target: module.TargetRoom, Message: "started", Payload: newPoll})
}

func (m *Module) handleVote(ctx context.Context, roomID string, p *roomcoord.Participant, payload json.RawMessage) module.Result {
	var req votePayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return module.Err(wire.ErrUnknownAction)
	}

	poll, found, err := m.current(ctx, roomID)
	if err != nil {
		return module.Err(wire.ErrUpstreamUnavailable)
	}
	if !found || poll.ID != req.PollID {
		return module.Err(wire.ErrInvalidPollID)
	}
	poll = m.expireIfDue(ctx, roomID, poll)
	if poll.State != StateRunning {
		return module.Err(wire.ErrInvalidPollID)
	}
	if _, voted := poll.Voters[p.ParticipantID]; voted {
		return module.Err(wire.ErrVotedAlready)
	}

	idx := -1
	for i, c := range poll.Choices {
		if c.ID == req.ChoiceID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return module.Err(wire.ErrInvalidChoiceID)
	}

	poll.Choices[idx].Votes++
	poll.Voters[p.ParticipantID] = req.ChoiceID
	if err := m.store.SetModuleRoomState(ctx, roomID, Namespace, currentPollSuffix, poll); err != nil {
		return module.Err(wire.ErrUpstreamUnavailable)
	}

	if !poll.Live {
		return module.Emit()
	}
	return module.Emit(module.Event{Target: module.TargetRoom, Message: "live_update", Payload: poll})
}

// handleFinish ends the poll, publishes the final tally, and resets state to
// idle so a new poll can start (spec.md §4.7).
func (m *Module) handleFinish(ctx context.Context, roomID string, p *roomcoord.Participant) module.Result {
	if p.Role != roomcoord.RoleModerator {
		return module.Err(wire.ErrInsufficientPermissions)
	}
	poll, found, err := m.current(ctx, roomID)
	if err != nil {
		return module.Err(wire.ErrUpstreamUnavailable)
	}
	if !found {
		return module.Err(wire.ErrInvalidPollID)
	}
	return m.finish(ctx, roomID, poll)
}

func (m *Module) finish(ctx context.Context, roomID string, poll *Poll) module.Result {
	m.mu.Lock()
	if cancel, ok := m.cancels[roomID]; ok {
		cancel()
		delete(m.cancels, roomID)
	}
	m.mu.Unlock()

	poll.State = StateFinished
	done := *poll
	if err := m.store.DeleteModuleRoomState(ctx, roomID, Namespace, currentPollSuffix); err != nil {
		return module.Err(wire.ErrUpstreamUnavailable)
	}
	return module.Emit(module.Event{Target: module.TargetRoom, Message: "done", Payload: done})
}

func (m *Module) OnEvent(ctx context.Context, roomID string, p *roomcoord.Participant, event string, payload json.RawMessage) (bool, error) {
	return true, nil
}

func (m *Module) DestroyRoom(ctx context.Context, roomID string) error {
	m.mu.Lock()
	if cancel, ok := m.cancels[roomID]; ok {
		cancel()
		delete(m.cancels, roomID)
	}
	m.mu.Unlock()
	return nil
}
