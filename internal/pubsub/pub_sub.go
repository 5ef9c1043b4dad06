package pubsub

import (
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// EventType identifies the kind of event subscribers listen for. Packages
// using the bus declare their own constants of this type.
type EventType int

// SubscriptionOptions configures how the bus delivers events to one subscriber.
type SubscriptionOptions struct {
	// IsBlocking makes the bus block on a full subscriber channel instead of
	// dropping the event. Blocking delivery stalls the whole bus behind a
	// slow subscriber, so most subscribers leave this false.
	IsBlocking bool
}

// SubscriberID identifies a single subscription and is required to unsubscribe.
type SubscriberID uint64

var nextSubscriberID uint64

// Event is a typed event. Each instantiation of Event[T] is a distinct
// concrete type, so a channel of *Event[T] only ever carries payloads of T.
type Event[T any] struct {
	Type    EventType
	Payload T
}

func NewEvent[T any](eventType EventType, payload T) *Event[T] {
	return &Event[T]{
		Type:    eventType,
		Payload: payload,
	}
}

// subscriber is the type-erased registry entry for one subscription.
//
// The registry has to hold channels of different element types in one map,
// which Go's type system does not allow directly. Instead of the channels
// themselves we store closures with a homogeneous signature; each closure
// captures its own typed channel and performs the single type assertion
// from any back to T at send time.
type subscriber struct {
	// sendFunc asserts the payload to T and sends *Event[T] on the captured
	// channel. Returns false when the payload type mismatches or the channel
	// is full in non-blocking mode.
	sendFunc func(eventType EventType, payload any) bool

	// closeFunc closes the captured channel on unsubscribe.
	closeFunc func()

	Options    SubscriptionOptions
	NumDropped uint64
}

// Bus implements a thread-safe publish-subscribe broker. A single run()
// goroutine fans published events out to every subscriber registered for
// the event's type.
type Bus struct {
	mu sync.RWMutex
	wg sync.WaitGroup

	// registry maps an EventType to the subscribers listening for it.
	registry map[EventType]map[SubscriberID]*subscriber

	// publishChan decouples Publish from the run() broadcast loop. The
	// buffer lets Publish return immediately while run() is still fanning
	// out a previous event, and holds in-flight events for draining during
	// GracefulShutdown.
	publishChan chan struct {
		eventType EventType
		payload   any
	}

	shuttingDown atomic.Bool
}

// Subscribe registers ch to receive events of eventType. The caller creates
// the channel and so controls its buffer size. Returns a SubscriberID for
// unsubscribing.
//
// Subscribe and Publish are free functions because Go methods cannot declare
// their own type parameters; a generic top-level function taking the bus as
// its first argument is the standard workaround (compare slices.Sort).
func Subscribe[T any](b *Bus, eventType EventType, ch chan *Event[T], opts SubscriptionOptions) SubscriberID {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := SubscriberID(atomic.AddUint64(&nextSubscriberID, 1))

	sub := &subscriber{
		Options: opts,
		sendFunc: func(evType EventType, payload any) bool {
			typedPayload, ok := payload.(T)
			if !ok {
				log.Warnf("pubsub: type mismatch for event %v, expected %T, got %T",
					evType, *new(T), payload)
				return false
			}

			event := &Event[T]{
				Type:    evType,
				Payload: typedPayload,
			}

			if opts.IsBlocking {
				ch <- event
				return true
			}
			select {
			case ch <- event:
				return true
			default:
				// Full channel of a non-blocking subscriber: drop rather
				// than stall the bus.
				return false
			}
		},
		closeFunc: func() {
			close(ch)
		},
	}

	if _, ok := b.registry[eventType]; !ok {
		b.registry[eventType] = make(map[SubscriberID]*subscriber)
	}
	b.registry[eventType][id] = sub
	return id
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(eventType EventType, id SubscriberID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subscribers, ok := b.registry[eventType]
	if !ok {
		return
	}
	sub, ok := subscribers[id]
	if !ok {
		return
	}
	delete(subscribers, id)
	sub.closeFunc()
	if len(subscribers) == 0 {
		delete(b.registry, eventType)
	}
	log.Debugf("pubsub: unsubscribed %d from event type %v", id, eventType)
}

// Publish enqueues an event for broadcast. It never blocks on subscribers
// and drops the event with a warning when the bus is shutting down.
func Publish[T any](b *Bus, event *Event[T]) {
	// The read lock closes a shutdown race: the publish channel can only be
	// closed under the write lock, so holding the read lock guarantees the
	// send below cannot hit a closed channel.
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.shuttingDown.Load() {
		log.Warnf("pubsub: dropping event %v, bus is shutting down", event.Type)
		return
	}

	b.publishChan <- struct {
		eventType EventType
		payload   any
	}{
		eventType: event.Type,
		payload:   event.Payload,
	}
}

// ForceShutdown stops accepting publishes immediately and returns without
// waiting for the broadcast loop to drain.
func (b *Bus) ForceShutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.shuttingDown.Load() {
		return
	}
	b.shuttingDown.Store(true)
	close(b.publishChan)
}

// GracefulShutdown rejects new publishes, drains buffered events, and waits
// for the broadcast goroutine to exit.
func (b *Bus) GracefulShutdown() {
	b.mu.Lock()
	if b.shuttingDown.Load() {
		b.mu.Unlock()
		b.wg.Wait()
		return
	}
	b.shuttingDown.Store(true)
	close(b.publishChan)
	// Unlock before waiting: run() takes the read lock per event.
	b.mu.Unlock()

	b.wg.Wait()
	log.Debug("pubsub: bus drained and stopped")
}

// run is the broadcast loop. It exits once publishChan is closed and drained.
func (b *Bus) run() {
	defer b.wg.Done()

	for msg := range b.publishChan {
		b.mu.RLock()

		subscribers, ok := b.registry[msg.eventType]
		if !ok || len(subscribers) == 0 {
			// A dead event usually means a component published before its
			// consumer subscribed, or after it unsubscribed.
			log.Warnf("pubsub: event %v published with no subscribers", msg.eventType)
			b.mu.RUnlock()
			continue
		}

		for id, sub := range subscribers {
			sent := sub.sendFunc(msg.eventType, msg.payload)
			if !sent && !sub.Options.IsBlocking {
				atomic.AddUint64(&sub.NumDropped, 1)
				log.Warnf("pubsub: dropped event %v for subscriber %d (channel full), total dropped %d",
					msg.eventType, id, atomic.LoadUint64(&sub.NumDropped))
			}
		}

		b.mu.RUnlock()
	}
}

// NewBus creates a started bus. Callers must eventually stop it with
// GracefulShutdown or ForceShutdown.
func NewBus() *Bus {
	b := &Bus{
		registry: make(map[EventType]map[SubscriberID]*subscriber),
		publishChan: make(chan struct {
			eventType EventType
			payload   any
		}, 100),
	}
	b.wg.Add(1)
	go b.run()
	return b
}
