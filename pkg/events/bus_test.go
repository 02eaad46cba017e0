package events

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/taskhub/taskhub/pkg/models"
)

func TestBus_DeliversToSubscribers(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	got := make(chan *DomainEvent, 1)
	bus.Subscribe(TypeTaskCompleted, func(_ context.Context, e *DomainEvent) error {
		got <- e
		return nil
	})

	bus.Publish(context.Background(), NewEvent(TypeTaskCompleted, models.JSONMap{"task_id": "t1"}))

	select {
	case e := <-got:
		assert.Equal(t, "t1", e.Data["task_id"])
	case <-time.After(time.Second):
		t.Fatal("handler never received the event")
	}
}

func TestBus_TypeIsolation(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	var other atomic.Int32
	bus.Subscribe(TypeTaskDeleted, func(_ context.Context, _ *DomainEvent) error {
		other.Add(1)
		return nil
	})

	bus.Publish(context.Background(), NewEvent(TypeTaskCreated, nil))
	bus.Close()

	assert.Zero(t, other.Load())
}

func TestBus_WildcardReceivesEverything(t *testing.T) {
	bus := NewBus(nil)

	var count atomic.Int32
	bus.Subscribe("*", func(_ context.Context, _ *DomainEvent) error {
		count.Add(1)
		return nil
	})

	bus.Publish(context.Background(), NewEvent(TypeTaskCreated, nil))
	bus.Publish(context.Background(), NewEvent(TypeContextUpdated, nil))
	bus.Close()

	assert.Equal(t, int32(2), count.Load())
}

func TestBus_CloseWaitsForInflightHandlers(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := NewBus(nil)

	var finished atomic.Bool
	bus.Subscribe(TypeTaskCreated, func(_ context.Context, _ *DomainEvent) error {
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return nil
	})

	bus.Publish(context.Background(), NewEvent(TypeTaskCreated, nil))
	bus.Close()

	assert.True(t, finished.Load(), "Close returned before the handler finished")
}

func TestBus_PublishAfterCloseIsDropped(t *testing.T) {
	bus := NewBus(nil)

	got := make(chan struct{}, 1)
	bus.Subscribe(TypeTaskCreated, func(_ context.Context, _ *DomainEvent) error {
		got <- struct{}{}
		return nil
	})
	bus.Close()

	bus.Publish(context.Background(), NewEvent(TypeTaskCreated, nil))

	select {
	case <-got:
		t.Fatal("closed bus still dispatched an event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_HandlerPanicDoesNotCrashPublisher(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := NewBus(nil)

	ok := make(chan struct{}, 1)
	bus.Subscribe(TypeTaskCreated, func(_ context.Context, _ *DomainEvent) error {
		panic("boom")
	})
	bus.Subscribe(TypeTaskCreated, func(_ context.Context, _ *DomainEvent) error {
		ok <- struct{}{}
		return nil
	})

	require.NotPanics(t, func() {
		bus.Publish(context.Background(), NewEvent(TypeTaskCreated, nil))
		bus.Close()
	})

	select {
	case <-ok:
	case <-time.After(time.Second):
		t.Fatal("healthy handler starved by a panicking one")
	}
}
