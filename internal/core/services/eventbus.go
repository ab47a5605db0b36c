package services

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/manthysbr/jobpipe/internal/core/domain"
)

type EventType string

const (
	EventTypeClaimed  EventType = "claimed"
	EventTypeStep     EventType = "step"     // a sub-task committed and the item advanced
	EventTypeRetry    EventType = "retry"    // returned to pending after a failure
	EventTypeTerminal EventType = "terminal" // success, failed, skipped, filtered, cancelled
	EventTypeCreated  EventType = "created"
	EventTypeSnapshot EventType = "snapshot" // current state, sent when a stream opens
)

type Event struct {
	ItemID    string
	Type      EventType
	Data      string // JSON payload
	Timestamp int64
}

// globalKey collects subscribers that want every item's events.
const globalKey = "__all__"

type EventBus struct {
	logger *slog.Logger
	mu     sync.RWMutex
	subs   map[string][]chan Event // Key: ItemID
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		logger: logger,
		subs:   make(map[string][]chan Event),
	}
}

// Subscribe returns a channel that receives events for a specific item
func (b *EventBus) Subscribe(itemID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 100) // Buffer to prevent blocking publisher
	b.subs[itemID] = append(b.subs[itemID], ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subscribers := b.subs[itemID]
		for i, sub := range subscribers {
			if sub == ch {
				close(ch)
				b.subs[itemID] = append(subscribers[:i], subscribers[i+1:]...)
				break
			}
		}
		if len(b.subs[itemID]) == 0 {
			delete(b.subs, itemID)
		}
	}

	return ch, unsub
}

// SubscribeGlobal receives events for every item.
func (b *EventBus) SubscribeGlobal() (<-chan Event, func()) {
	return b.Subscribe(globalKey)
}

// Publish sends an event to the item's subscribers and to global subscribers.
func (b *EventBus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	b.deliver(b.subs[e.ItemID], e)
	if e.ItemID != globalKey {
		b.deliver(b.subs[globalKey], e)
	}
}

func (b *EventBus) deliver(subscribers []chan Event, e Event) {
	for _, ch := range subscribers {
		select {
		case ch <- e:
		default:
			// If channel is full, drop event to prevent blocking the pipeline
			b.logger.Warn("event bus channel full, dropping event", "item_id", e.ItemID)
		}
	}
}

// ItemEvent builds the status event published for item.
func ItemEvent(item *domain.WorkItem, t EventType, message string) Event {
	payload := map[string]any{
		"item_id":     item.ID,
		"item_type":   item.Type,
		"status":      item.Status,
		"retry_count": item.RetryCount,
	}
	if item.SubTask != nil {
		payload["sub_task"] = *item.SubTask
	}
	if message != "" {
		payload["message"] = message
	}
	data, _ := json.Marshal(payload)
	return Event{
		ItemID:    string(item.ID),
		Type:      t,
		Data:      string(data),
		Timestamp: time.Now().UnixMilli(),
	}
}
