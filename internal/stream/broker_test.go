// ABOUTME: Tests for the stream broker - topic fan-out, ordering and cancellation
// ABOUTME: Covers idempotent terminal cancel and panic isolation

package stream

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/converge/internal/store"
)

// settle waits out the asynchronous delivery goroutines.
const settle = 50 * time.Millisecond

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) callback(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func TestPublishReachesMatchingTopics(t *testing.T) {
	b := New(nil)
	defer b.Close()

	var groups, messages recorder
	b.Subscribe(groups.callback, TopicGroups)
	b.Subscribe(messages.callback, TopicGroupMessages)

	b.Publish(Event{Group: &store.Group{ID: "g1"}}, TopicGroups, TopicContainers)
	time.Sleep(settle)

	assert.Equal(t, 1, groups.count())
	assert.Equal(t, 0, messages.count())
}

func TestPublishDeliversOncePerSubscription(t *testing.T) {
	b := New(nil)
	defer b.Close()

	var rec recorder
	b.Subscribe(rec.callback, TopicGroups, TopicContainers)

	// Both topics match the one subscription; it still gets one delivery.
	b.Publish(Event{Group: &store.Group{ID: "g1"}}, TopicGroups, TopicContainers)
	time.Sleep(settle)

	assert.Equal(t, 1, rec.count())
}

func TestDeliveryOrder(t *testing.T) {
	b := New(nil)
	defer b.Close()

	var rec recorder
	b.Subscribe(rec.callback, TopicGroupMessages)

	for i := 0; i < 10; i++ {
		b.Publish(Event{Message: &store.Message{Seq: int64(i)}}, TopicGroupMessages)
	}
	time.Sleep(settle)

	events := rec.snapshot()
	require.Len(t, events, 10)
	for i, ev := range events {
		assert.Equal(t, int64(i), ev.Message.Seq)
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	b := New(nil)
	defer b.Close()

	var rec recorder
	sub := b.Subscribe(rec.callback, TopicGroups)

	b.Publish(Event{Group: &store.Group{ID: "g1"}}, TopicGroups)
	time.Sleep(settle)
	require.Equal(t, 1, rec.count())

	sub.Cancel()
	b.Publish(Event{Group: &store.Group{ID: "g2"}}, TopicGroups)
	time.Sleep(settle)

	assert.Equal(t, 1, rec.count())
}

func TestCancelIdempotent(t *testing.T) {
	b := New(nil)
	defer b.Close()

	sub := b.Subscribe(func(Event) {}, TopicGroups)
	sub.Cancel()
	sub.Cancel()
	sub.Cancel()
}

func TestPerGroupTopicIsolation(t *testing.T) {
	b := New(nil)
	defer b.Close()

	var g1, g2 recorder
	b.Subscribe(g1.callback, GroupTopic("g1"))
	b.Subscribe(g2.callback, GroupTopic("g2"))

	b.Publish(Event{Message: &store.Message{ConvoKey: "g1"}}, GroupTopic("g1"))
	time.Sleep(settle)

	assert.Equal(t, 1, g1.count())
	assert.Equal(t, 0, g2.count())
}

func TestCallbackPanicDoesNotKillSubscription(t *testing.T) {
	b := New(nil)
	defer b.Close()

	var rec recorder
	first := true
	b.Subscribe(func(ev Event) {
		if first {
			first = false
			panic("boom")
		}
		rec.callback(ev)
	}, TopicGroups)

	b.Publish(Event{Group: &store.Group{ID: "g1"}}, TopicGroups)
	b.Publish(Event{Group: &store.Group{ID: "g2"}}, TopicGroups)
	time.Sleep(settle)

	assert.Equal(t, 1, rec.count())
}

func TestCloseCancelsEverything(t *testing.T) {
	b := New(nil)

	var rec recorder
	b.Subscribe(rec.callback, TopicGroups)
	b.Close()

	b.Publish(Event{Group: &store.Group{ID: "g1"}}, TopicGroups)
	time.Sleep(settle)
	assert.Equal(t, 0, rec.count())

	// Subscribing after close yields an inert subscription.
	sub := b.Subscribe(rec.callback, TopicGroups)
	sub.Cancel()
}
