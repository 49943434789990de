// Package notify carries structured events from the protocol core to the
// UI layer and provides replay-latest observable cells for shared state
// such as the current account.
package notify

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// EventKind classifies a user-facing notification event.
type EventKind uint8

const (
	PairingSucceeded EventKind = iota
	PairingFailed
	NewMessage
)

func (k EventKind) String() string {
	switch k {
	case PairingSucceeded:
		return "pairing_succeeded"
	case PairingFailed:
		return "pairing_failed"
	case NewMessage:
		return "new_message"
	default:
		return "unknown"
	}
}

// Event is one notification, carrying enough identifying data for the UI
// to route a click-through.
type Event struct {
	Kind           EventKind
	AccountID      string
	ContactID      string
	PeerID         string
	ConversationID string
}

// Bus fans events out to subscribers. Publishing never blocks: when a
// subscriber's buffer is full its oldest event is dropped to make room.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// subscriberBuffer is the per-subscriber channel capacity.
const subscriberBuffer = 32

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a new subscriber. The returned cancel function
// removes the subscription and closes its channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "Publish",
		"kind":       e.Kind.String(),
		"account_id": e.AccountID,
		"contact_id": e.ContactID,
	}).Debug("Publishing notification event")

	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Buffer full: drop the oldest so the newest lands.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- e:
			default:
			}
		}
	}
}
