package roomcoord

import (
	"context"
	"sync"

	"github.com/meetcore/signaling/internal/v1/bus"
)

// Registry is the in-process index from room-id to room handle (spec.md
// §2/§5: "an index of room handles protected by a short-lived mutex for
// subscribe/unsubscribe bookkeeping" — not a shared mutable room map).
type Registry struct {
	bus *bus.Service

	mu      sync.Mutex
	handles map[string]*Handle
}

// NewRegistry builds an empty room-handle registry bound to a KV/pub-sub service.
func NewRegistry(b *bus.Service) *Registry {
	return &Registry{bus: b, handles: make(map[string]*Handle)}
}

// Acquire returns the existing handle for a room, creating one (and its
// Redis subscription) on first use in this process. The handle is shared by
// every participant who joins this room on this process, and can outlive the
// caller that happened to create it, so its subscription is rooted in
// context.Background() rather than ctx: if ctx belonged to the first caller's
// connection and that connection later hung up, cancelling ctx must not tear
// down the subscription for everyone else still attached. The handle's
// actual lifetime is governed by Close, called from ReleaseIfEmpty once the
// last local participant has left.
func (r *Registry) Acquire(ctx context.Context, roomID string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.handles[roomID]; ok {
		return h
	}
	h := NewHandle(context.Background(), roomID, r.bus)
	r.handles[roomID] = h
	return h
}

// ReleaseIfEmpty closes and removes a room's handle once it has no more
// locally-attached participants, so the process stops paying for a Redis
// subscription to a room nobody here cares about anymore.
func (r *Registry) ReleaseIfEmpty(roomID string) {
	r.mu.Lock()
	h, ok := r.handles[roomID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if h.LocalParticipantCount() > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.handles, roomID)
	r.mu.Unlock()

	h.Close()
}

// Count reports the number of rooms this process currently holds a handle for.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}
