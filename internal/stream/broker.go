// ABOUTME: StreamBroker manages live callback subscriptions for one client
// ABOUTME: Topic-keyed fan-out with an independent ordered delivery queue per subscription

package stream

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/converge/internal/store"
)

// queueSize is the per-subscription event buffer. A subscription whose
// callback falls this far behind starts dropping events rather than
// blocking other subscriptions.
const queueSize = 64

// Topics a subscription can attach to. Message topics are split by kind
// so "all messages" and "all group messages" subscriptions select exactly
// the delivery set they asked for.
const (
	TopicGroups         = "groups"
	TopicContainers     = "containers"
	TopicDirectMessages = "messages/direct"
	TopicGroupMessages  = "messages/groups"
)

// GroupTopic is the per-group message topic.
func GroupTopic(groupID string) string {
	return "messages/group/" + groupID
}

// Event is one delivery to a subscription callback. Exactly one of Group,
// Conversation, Message is the primary payload.
type Event struct {
	Group        *store.Group
	Conversation *store.Conversation
	Message      *store.Message
}

// Callback receives events for one subscription, in publish order.
// A callback may block without affecting other subscriptions.
type Callback func(Event)

// Subscription is a live, cancellable attachment of a callback to one or
// more topics. Cancel is terminal and idempotent: it stops future
// dispatch but never interrupts a delivery already handed to the callback.
type Subscription struct {
	id     string
	topics map[string]bool
	queue  chan Event
	done   chan struct{}
	once   sync.Once
	broker *Broker
}

// Cancel detaches the subscription. Safe to call multiple times; events
// published after cancellation are not delivered. The queue channel is
// never closed so a concurrent Publish can never hit a closed channel.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.broker.remove(s.id)
		close(s.done)
	})
}

// Broker is the per-client subscription table. Publishing walks the
// matching subscriptions and enqueues onto each one's private queue; a
// dedicated goroutine per subscription invokes the callback in order.
type Broker struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool
	logger *slog.Logger
}

// New creates a broker. Pass nil logger for default.
func New(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		subs:   make(map[string]*Subscription),
		logger: logger.With("component", "broker"),
	}
}

// Subscribe attaches cb to the given topics and starts its delivery
// goroutine. The returned subscription is live until cancelled or the
// broker is closed.
func (b *Broker) Subscribe(cb Callback, topics ...string) *Subscription {
	sub := &Subscription{
		id:     uuid.New().String(),
		topics: make(map[string]bool, len(topics)),
		queue:  make(chan Event, queueSize),
		done:   make(chan struct{}),
		broker: b,
	}
	for _, t := range topics {
		sub.topics[t] = true
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.Cancel()
		return sub
	}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go b.deliver(sub, cb)

	b.logger.Debug("subscription added", "sub_id", sub.id, "topics", topics)
	return sub
}

// Publish dispatches an event to every subscription attached to at least
// one of the topics. Each matching subscription receives the event once.
// Non-blocking: a full queue drops the event for that subscription only.
func (b *Broker) Publish(ev Event, topics ...string) {
	b.mu.RLock()
	var targets []*Subscription
	for _, sub := range b.subs {
		for _, t := range topics {
			if sub.topics[t] {
				targets = append(targets, sub)
				break
			}
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.queue <- ev:
		default:
			b.logger.Debug("dropped event for slow subscription", "sub_id", sub.id)
		}
	}
}

// Close cancels every subscription. Used at client teardown.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
	b.logger.Debug("broker closed")
}

// remove drops a subscription from the table. Called from Cancel.
func (b *Broker) remove(id string) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// deliver drains a subscription's queue into its callback until the
// subscription is cancelled. A panicking callback loses that one delivery
// but the subscription and the broker keep going.
func (b *Broker) deliver(sub *Subscription, cb Callback) {
	for {
		select {
		case <-sub.done:
			return
		case ev := <-sub.queue:
			b.invoke(sub, cb, ev)
		}
	}
}

func (b *Broker) invoke(sub *Subscription, cb Callback, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscription callback panicked", "sub_id", sub.id, "panic", r)
		}
	}()
	cb(ev)
}
