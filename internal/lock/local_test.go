package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutex(t *testing.T) {
	t.Run("serializes holders of the same key", func(t *testing.T) {
		m := NewKeyedMutex()
		var inside, maxInside int32
		var wg sync.WaitGroup

		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, release, err := m.Acquire(context.Background(), "auction:a-1:bids")
				if !assert.NoError(t, err) {
					return
				}
				n := atomic.AddInt32(&inside, 1)
				for {
					cur := atomic.LoadInt32(&maxInside)
					if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				release()
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), maxInside)
		assert.Empty(t, m.slots, "released keys are forgotten")
	})

	t.Run("different keys do not block each other", func(t *testing.T) {
		m := NewKeyedMutex()
		_, release, err := m.Acquire(context.Background(), "a")
		require.NoError(t, err)
		defer release()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_, other, err := m.Acquire(ctx, "b")
		require.NoError(t, err)
		other()
	})

	t.Run("acquire honours context cancellation", func(t *testing.T) {
		m := NewKeyedMutex()
		_, release, err := m.Acquire(context.Background(), "a")
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, _, err = m.Acquire(ctx, "a")
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		release()
		release() // double release is a no-op
		assert.Empty(t, m.slots)
	})

	t.Run("held context ends on release", func(t *testing.T) {
		m := NewKeyedMutex()
		held, release, err := m.Acquire(context.Background(), "a")
		require.NoError(t, err)
		assert.NoError(t, held.Err())

		release()
		assert.ErrorIs(t, held.Err(), context.Canceled)
	})
}
