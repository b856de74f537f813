package event

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitGroup(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for events")
	}
}

func TestBus_Subscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var received Event
	var wg sync.WaitGroup
	wg.Add(1)

	unsub := bus.Subscribe(PermissionUpdated, func(e Event) {
		received = e
		wg.Done()
	})
	defer unsub()

	bus.Publish(Event{Type: PermissionUpdated, Data: PermissionUpdatedData{ConversationID: "c1", PendingCount: 2}})
	waitGroup(t, &wg)

	assert.Equal(t, PermissionUpdated, received.Type)
	data, ok := received.Data.(PermissionUpdatedData)
	require.True(t, ok)
	assert.Equal(t, 2, data.PendingCount)
}

func TestBus_SubscribeAll(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var count int32
	var wg sync.WaitGroup
	wg.Add(3)

	unsub := bus.SubscribeAll(func(e Event) {
		atomic.AddInt32(&count, 1)
		wg.Done()
	})
	defer unsub()

	bus.Publish(Event{Type: PermissionRequired})
	bus.Publish(Event{Type: MessageUpdated})
	bus.Publish(Event{Type: ConversationStatus})
	waitGroup(t, &wg)

	assert.EqualValues(t, 3, atomic.LoadInt32(&count))
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var count int32
	unsub := bus.Subscribe(MessageUpdated, func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	bus.Publish(Event{Type: MessageUpdated})
	require.Eventually(t, func() bool { return atomic.LoadInt32(&count) == 1 }, time.Second, 5*time.Millisecond)
	unsub()
	bus.Publish(Event{Type: MessageUpdated})
	time.Sleep(20 * time.Millisecond)

	assert.EqualValues(t, 1, atomic.LoadInt32(&count))
}

func TestBus_Stream(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := bus.Stream(ctx)
	require.NoError(t, err)

	bus.Publish(Event{Type: ConversationStatus, Data: ConversationStatusData{ConversationID: "c1", Status: "idle"}})

	select {
	case payload := <-stream:
		var got struct {
			Type EventType              `json:"type"`
			Data ConversationStatusData `json:"data"`
		}
		require.NoError(t, json.Unmarshal(payload, &got))
		assert.Equal(t, ConversationStatus, got.Type)
		assert.Equal(t, "c1", got.Data.ConversationID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for streamed event")
	}
}

func TestBus_ClosedIsInert(t *testing.T) {
	bus := NewBus()
	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())

	var called int32
	unsub := bus.Subscribe(MessageUpdated, func(e Event) { atomic.StoreInt32(&called, 1) })
	unsub()
	bus.Publish(Event{Type: MessageUpdated})
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&called))
}
