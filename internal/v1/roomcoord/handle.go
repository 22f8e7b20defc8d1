package roomcoord

import (
	"context"
	"sync"

	"github.com/meetcore/signaling/internal/v1/bus"
	"github.com/meetcore/signaling/internal/v1/metrics"
)

// Delivery is a fanned-out pub/sub message handed to a local runner.
type Delivery = bus.PubSubPayload

// Handle is the in-process representative of one room: it owns the Redis
// pub/sub subscription for the room and multiplexes inbound messages to the
// local runners currently attached, per spec.md §4.2. Cross-session
// coordination happens only through the shared KV store and pub/sub — the
// mutex here protects only the local subscriber bookkeeping (spec.md §5).
type Handle struct {
	roomID string
	bus    *bus.Service

	mu          sync.Mutex
	subscribers map[string]chan Delivery // participant_id -> local inbox
	seenNonces  map[string]struct{}      // recent dedup window
	nonceOrder  []string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

const nonceWindowSize = 4096

// NewHandle creates a room handle and starts its Redis subscription. The
// handle fans out to local runners only; it never mutates KV state itself.
func NewHandle(ctx context.Context, roomID string, b *bus.Service) *Handle {
	hctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		roomID:      roomID,
		bus:         b,
		subscribers: make(map[string]chan Delivery),
		seenNonces:  make(map[string]struct{}),
		cancel:      cancel,
	}

	b.SubscribeModerators(hctx, roomID, &h.wg, h.dispatch)
	metrics.ActiveRooms.Inc()
	return h
}

// Attach registers a local runner's inbox for this room. The returned
// channel receives every Delivery this handle decides the participant
// should see; the caller is responsible for draining it.
func (h *Handle) Attach(participantID string, role Role) chan Delivery {
	ch := make(chan Delivery, 64)
	h.mu.Lock()
	h.subscribers[participantID] = ch
	h.mu.Unlock()
	return ch
}

// Detach removes a local runner's inbox. Safe to call more than once.
func (h *Handle) Detach(participantID string) {
	h.mu.Lock()
	ch, ok := h.subscribers[participantID]
	if ok {
		delete(h.subscribers, participantID)
	}
	h.mu.Unlock()
	if ok {
		close(ch)
	}
}

// LocalParticipantCount reports how many local runners are currently attached.
func (h *Handle) LocalParticipantCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// dispatch is invoked once per pub/sub message, from the bus subscription
// goroutine; it drops already-seen nonces and excludes the sender, then
// fans out to every other currently attached local inbox. Per-participant,
// per-role, and per-group targeting is not decided here — it's resolved by
// each receiving runner against the envelope it unmarshals from Payload
// (see runner.addressedToMe), since only the runner knows the attached
// participant's role and group memberships.
func (h *Handle) dispatch(p Delivery) {
	h.mu.Lock()
	if p.Nonce != "" {
		if _, seen := h.seenNonces[p.Nonce]; seen {
			h.mu.Unlock()
			return
		}
		h.rememberNonceLocked(p.Nonce)
	}

	targets := make([]chan Delivery, 0, len(h.subscribers))
	for id, ch := range h.subscribers {
		if id == p.SenderID {
			continue // never echo a publication back to its own sender
		}
		targets = append(targets, ch)
	}
	h.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- p:
		default:
			// A slow/stuck runner must not block the room's fan-out for
			// everyone else; it will simply miss this one publication.
		}
	}
}

func (h *Handle) rememberNonceLocked(nonce string) {
	h.seenNonces[nonce] = struct{}{}
	h.nonceOrder = append(h.nonceOrder, nonce)
	if len(h.nonceOrder) > nonceWindowSize {
		oldest := h.nonceOrder[0]
		h.nonceOrder = h.nonceOrder[1:]
		delete(h.seenNonces, oldest)
	}
}

// Close tears down the room handle's subscription and local inboxes. Called
// when the last local participant leaves this process's view of the room.
func (h *Handle) Close() {
	h.cancel()
	h.wg.Wait()

	h.mu.Lock()
	for id, ch := range h.subscribers {
		delete(h.subscribers, id)
		close(ch)
	}
	h.mu.Unlock()

	metrics.ActiveRooms.Dec()
}
