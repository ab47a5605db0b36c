package services

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEventBus_PubSub(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	bus := NewEventBus(logger)

	itemID := "item-123"

	ch, unsub := bus.Subscribe(itemID)
	defer unsub()

	event := Event{
		ItemID:    itemID,
		Type:      EventTypeStep,
		Data:      `{"sub_task":"filter"}`,
		Timestamp: time.Now().Unix(),
	}
	bus.Publish(event)

	select {
	case received := <-ch:
		assert.Equal(t, event.ItemID, received.ItemID)
		assert.Equal(t, event.Data, received.Data)
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestEventBus_PublishNoSubscriber(t *testing.T) {
	bus := NewEventBus(slog.New(slog.NewTextHandler(os.Stdout, nil)))

	// Publishing with no subscriber should not panic
	bus.Publish(Event{ItemID: "no-such-item", Type: EventTypeTerminal, Data: "{}", Timestamp: time.Now().UnixMilli()})
}

func TestEventBus_Unsubscribe(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	bus := NewEventBus(logger)

	ch, unsub := bus.Subscribe("item-456")
	unsub()

	bus.Publish(Event{ItemID: "item-456", Type: EventTypeRetry, Data: "should not receive"})

	_, ok := <-ch
	assert.False(t, ok, "channel must be closed after unsubscribe")
}

func TestEventBus_MultipleSubscribers(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	bus := NewEventBus(logger)
	itemID := "item-multi"

	ch1, unsub1 := bus.Subscribe(itemID)
	defer unsub1()
	ch2, unsub2 := bus.Subscribe(itemID)
	defer unsub2()

	bus.Publish(Event{ItemID: itemID, Data: "broadcast"})

	timeout := time.After(1 * time.Second)
	got1 := false
	got2 := false

	for i := 0; i < 2; i++ {
		select {
		case <-ch1:
			got1 = true
		case <-ch2:
			got2 = true
		case <-timeout:
			t.Fatal("timeout")
		}
	}

	assert.True(t, got1)
	assert.True(t, got2)
}

func TestEventBus_GlobalSubscriber(t *testing.T) {
	bus := NewEventBus(slog.New(slog.NewTextHandler(os.Stdout, nil)))

	globalCh, unsub := bus.SubscribeGlobal()
	defer unsub()

	bus.Publish(Event{ItemID: "item-abc", Type: EventTypeClaimed, Data: `{}`, Timestamp: time.Now().UnixMilli()})

	select {
	case evt := <-globalCh:
		assert.Equal(t, "item-abc", evt.ItemID)
		assert.Equal(t, EventTypeClaimed, evt.Type)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for global event")
	}
}

func TestEventBus_GlobalUnsubscribe(t *testing.T) {
	bus := NewEventBus(slog.New(slog.NewTextHandler(os.Stdout, nil)))

	ch, unsub := bus.SubscribeGlobal()
	unsub()

	_, ok := <-ch
	assert.False(t, ok)
}
