package lock

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/meetcore/signaling/internal/v1/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T) (*Locker, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	svc, err := bus.NewService(mr.Addr(), "")
	require.NoError(t, err)

	return New(svc, time.Second), mr
}

func TestAcquireRelease(t *testing.T) {
	locker, mr := newTestLocker(t)
	defer mr.Close()

	ctx := context.Background()
	lk, err := locker.Acquire(ctx, "room-1")
	require.NoError(t, err)
	require.NotNil(t, lk)

	require.NoError(t, lk.Release(ctx))

	// Should be able to acquire again immediately after release.
	lk2, err := locker.Acquire(ctx, "room-1")
	require.NoError(t, err)
	require.NoError(t, lk2.Release(ctx))
}

func TestAcquireContention(t *testing.T) {
	locker, mr := newTestLocker(t)
	defer mr.Close()

	ctx := context.Background()
	lk1, err := locker.Acquire(ctx, "room-2")
	require.NoError(t, err)

	ctx2, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = locker.Acquire(ctx2, "room-2")
	assert.Error(t, err, "second acquire should time out while first holder still owns the lock")

	require.NoError(t, lk1.Release(ctx))
}

func TestReleaseIsNonceScoped(t *testing.T) {
	locker, mr := newTestLocker(t)
	defer mr.Close()

	ctx := context.Background()
	lk1, err := locker.Acquire(ctx, "room-3")
	require.NoError(t, err)

	// Simulate the lease expiring and someone else acquiring the lock.
	mr.FastForward(2 * time.Second)
	lk2, err := locker.Acquire(ctx, "room-3")
	require.NoError(t, err)

	// The original holder's release must not disturb lk2's ownership.
	require.NoError(t, lk1.Release(ctx))

	require.NoError(t, lk2.Release(ctx))
}

func TestWithLockSerializesAccess(t *testing.T) {
	locker, mr := newTestLocker(t)
	defer mr.Close()

	var counter int64
	ctx := context.Background()

	done := make(chan struct{}, 5)
	for i := 0; i < 5; i++ {
		go func() {
			_ = locker.WithLock(ctx, "room-4", func(ctx context.Context) error {
				atomic.AddInt64(&counter, 1)
				time.Sleep(5 * time.Millisecond)
				return nil
			})
			done <- struct{}{}
		}()
	}
	for i := 0; i < 5; i++ {
		<-done
	}

	assert.Equal(t, int64(5), atomic.LoadInt64(&counter))
}
