// Package lock implements a redlock-style single-instance distributed lock
// over the shared KV store, used to serialize room-scoped critical sections
// (roster mutation, module init) per spec.md §4.2/§6.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/meetcore/signaling/internal/v1/bus"
	"github.com/meetcore/signaling/internal/v1/metrics"
)

// releaseScript deletes the key only if its value still matches our nonce,
// so a lock holder that outlives its lease can never release a lock someone
// else has since acquired.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// extendScript refreshes the TTL only if we still own the key.
const extendScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`

// Lock represents one successful acquisition of a room-scoped critical section.
type Lock struct {
	key   string
	nonce string
	bus   *bus.Service
	lease time.Duration
}

// Locker acquires and releases room locks against the shared KV store.
type Locker struct {
	bus   *bus.Service
	lease time.Duration
}

// New builds a Locker with the given default lease duration.
func New(b *bus.Service, lease time.Duration) *Locker {
	if lease <= 0 {
		lease = 10 * time.Second
	}
	return &Locker{bus: b, lease: lease}
}

// roomLockKey is the conceptual `room:lock` key from spec.md §4.2, namespaced per room.
func roomLockKey(roomID string) string {
	return fmt.Sprintf("room:%s:lock", roomID)
}

// Acquire blocks (with backoff) until the room lock is held or ctx is done.
// Callers must keep the held critical section short: no unbounded I/O while
// holding the lock, per spec.md §5.
func (l *Locker) Acquire(ctx context.Context, roomID string) (*Lock, error) {
	key := roomLockKey(roomID)
	nonce := uuid.NewString()

	backoff := 10 * time.Millisecond
	const maxBackoff = 200 * time.Millisecond

	for {
		ok, err := l.bus.SetNX(ctx, key, nonce, l.lease)
		if err != nil {
			return nil, fmt.Errorf("acquire room lock %q: %w", roomID, err)
		}
		if ok {
			return &Lock{key: key, nonce: nonce, bus: l.bus, lease: l.lease}, nil
		}

		metrics.RoomLockContention.WithLabelValues(roomID).Inc()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}

// Release drops the lock if we still hold it. A no-op (not an error) if the
// lease already expired and someone else has since acquired the key.
func (l *Lock) Release(ctx context.Context) error {
	_, err := l.bus.Eval(ctx, releaseScript, []string{l.key}, l.nonce)
	if err != nil {
		return fmt.Errorf("release room lock: %w", err)
	}
	return nil
}

// Extend refreshes the lease; callers performing a long-running (but still
// bounded) critical section call this instead of acquiring a fresh lock.
func (l *Lock) Extend(ctx context.Context, lease time.Duration) error {
	if lease <= 0 {
		lease = l.lease
	}
	_, err := l.bus.Eval(ctx, extendScript, []string{l.key}, l.nonce, lease.Milliseconds())
	if err != nil {
		return fmt.Errorf("extend room lock: %w", err)
	}
	return nil
}

// WithLock acquires the room lock, runs fn, and always releases afterward.
func (l *Locker) WithLock(ctx context.Context, roomID string, fn func(ctx context.Context) error) error {
	lk, err := l.Acquire(ctx, roomID)
	if err != nil {
		return err
	}
	defer func() { _ = lk.Release(context.WithoutCancel(ctx)) }()
	return fn(ctx)
}
