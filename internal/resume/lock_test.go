package resume

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockRegistry_OnePerConversation(t *testing.T) {
	r := NewLockRegistry()

	h, ok := r.Acquire("c1", "m1")
	require.True(t, ok)
	assert.True(t, h.Held())

	_, ok = r.Acquire("c1", "m2")
	assert.False(t, ok, "second acquire on the same conversation must fail")

	other, ok := r.Acquire("c2", "m1")
	require.True(t, ok, "other conversations are independent")
	other.Release()

	entry, ok := r.Peek("c1")
	require.True(t, ok)
	assert.Equal(t, "m1", entry.MessageID)

	h.Release()
	_, ok = r.Peek("c1")
	assert.False(t, ok)
	assert.Equal(t, 1, r.Releases("c1"))
}

func TestLockHandle_ReleaseIsIdempotent(t *testing.T) {
	r := NewLockRegistry()
	h, ok := r.Acquire("c1", "m1")
	require.True(t, ok)

	h.Release()
	h.Release()
	assert.Equal(t, 1, r.Releases("c1"))
	assert.False(t, h.Held())
}

func TestLockHandle_StaleReleaseKeepsNewOwner(t *testing.T) {
	r := NewLockRegistry()
	stale, ok := r.Acquire("c1", "m1")
	require.True(t, ok)

	// Forced release, then a new owner takes over.
	r.Release("c1")
	fresh, ok := r.Acquire("c1", "m2")
	require.True(t, ok)

	assert.False(t, stale.Held())
	stale.Release()
	assert.True(t, fresh.Held(), "a stale handle must not release the new owner")

	fresh.Release()
	assert.Equal(t, 2, r.Releases("c1"))
}

func TestLockRegistry_TryLock(t *testing.T) {
	r := NewLockRegistry()
	release, ok := r.TryLock("c1", "m1")
	require.True(t, ok)

	_, ok = r.TryLock("c1", "m1")
	assert.False(t, ok)

	release()
	_, ok = r.Peek("c1")
	assert.False(t, ok)
}

func TestLockRegistry_ConcurrentAcquire(t *testing.T) {
	r := NewLockRegistry()
	var won int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, ok := r.Acquire("c1", "m1"); ok {
				atomic.AddInt32(&won, 1)
			}
		}()
	}
	close(start)
	wg.Wait()
	assert.EqualValues(t, 1, won)
}
