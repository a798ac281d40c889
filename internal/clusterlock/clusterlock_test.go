package clusterlock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithLockLocalSerializesCallers(t *testing.T) {
	l := New(nil)
	l.LockDir = t.TempDir()

	var mu sync.Mutex
	inside := 0
	maxSeen := 0

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			err := l.WithLock(context.Background(), "mystore", false, time.Second, func() error {
				mu.Lock()
				inside++
				if inside > maxSeen {
					maxSeen = inside
				}
				mu.Unlock()

				time.Sleep(5 * time.Millisecond)

				mu.Lock()
				inside--
				mu.Unlock()

				return nil
			})
			assert.NoError(t, err)
		}()
	}

	wg.Wait()
	assert.Equal(t, 1, maxSeen, "only one caller should be inside the critical section at a time")
}

func TestWithLockSharedRequiresCluster(t *testing.T) {
	l := New(nil)

	err := l.WithLock(context.Background(), "mystore", true, time.Second, func() error {
		t.Fatal("fn should not run without a cluster locker")
		return nil
	})
	require.Error(t, err)
}

func TestWithLockSharedUsesClusterLocker(t *testing.T) {
	l := New(NewInProcess())

	ran := false
	err := l.WithLock(context.Background(), "mystore", true, time.Second, func() error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestWithLockPropagatesFnError(t *testing.T) {
	l := New(nil)
	l.LockDir = t.TempDir()

	boom := assert.AnError
	err := l.WithLock(context.Background(), "mystore", false, time.Second, func() error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
}

// TestWithLockLocalRecoversAfterTimeout exercises the contention path
// where one caller holds the local lock long enough that a second caller
// times out waiting for it. Once the holder releases, a third caller must
// still be able to acquire the lock normally — a wedged mutex here would
// hang this test until it is killed by the test binary's own timeout.
func TestWithLockLocalRecoversAfterTimeout(t *testing.T) {
	l := New(nil)
	l.LockDir = t.TempDir()

	holderReleased := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()

		err := l.WithLock(context.Background(), "mystore", false, time.Second, func() error {
			<-holderReleased
			return nil
		})
		assert.NoError(t, err)
	}()

	// Give the holder goroutine time to actually acquire the lock before
	// the contending call below races it.
	time.Sleep(20 * time.Millisecond)

	err := l.WithLock(context.Background(), "mystore", false, 30*time.Millisecond, func() error {
		t.Fatal("fn should not run: the lock is held by another goroutine")
		return nil
	})
	assert.ErrorIs(t, err, ErrTimeout)

	close(holderReleased)
	wg.Wait()

	ran := false
	require.NoError(t, l.WithLock(context.Background(), "mystore", false, time.Second, func() error {
		ran = true
		return nil
	}))
	assert.True(t, ran, "lock must be acquirable again after a prior timeout")
}
