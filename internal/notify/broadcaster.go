package notify

import (
	"context"
	"sync"
	"time"
)

const (
	// EventFeedChanged signals that the notification feed or unread count
	// changed and connected UI clients should refresh their badge/list.
	EventFeedChanged = "feed-changed"
	// EventRecordsChanged signals that a cached collection changed.
	EventRecordsChanged = "records-changed"
)

// Message is one fan-out payload delivered to every connected UI client.
type Message struct {
	EventType   string
	Table       string
	RecipientID string
	UnreadCount int64
	Timestamp   time.Time
}

// Broadcaster fans messages out to every connected UI client of this agent.
// A read-mark in one client becomes visible in its siblings through this
// in-process path without a network round trip; cross-device propagation
// rides the live backend subscription instead.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Message
}

// NewBroadcaster returns an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[int64]*subscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a stream torn down when ctx ends or the returned
// cancel func runs.
func (b *Broadcaster) Subscribe(ctx context.Context) (<-chan Message, func()) {
	sub := &subscriber{
		id:     b.nextSequence(),
		stream: make(chan Message, b.bufferSize),
	}
	b.register(sub)
	cleanup := func() {
		b.unregister(sub.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish delivers the message to every subscriber. Slow subscribers drop
// messages rather than block the publisher; a dropped hint only delays a
// refresh until the next one.
func (b *Broadcaster) Publish(message Message) {
	if message.EventType == "" {
		return
	}
	b.mu.RLock()
	copies := make([]*subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		copies = append(copies, sub)
	}
	b.mu.RUnlock()
	for _, sub := range copies {
		select {
		case sub.stream <- message:
		default:
		}
	}
}

// SubscriberCount reports how many streams are currently registered.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *Broadcaster) nextSequence() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	return b.nextID
}

func (b *Broadcaster) register(sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[sub.id] = sub
}

func (b *Broadcaster) unregister(subscriberID int64) {
	b.mu.Lock()
	delete(b.subscribers, subscriberID)
	b.mu.Unlock()
}
