package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscriberReceivesInOrder(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var mu sync.Mutex
	var got []string
	sub := bus.Subscribe(func(e Event) {
		mu.Lock()
		got = append(got, e.(PageEvent).PageID)
		mu.Unlock()
	}, KindPageCreated)
	defer bus.Unsubscribe(sub)

	for _, id := range []string{"p1", "p2", "p3"} {
		bus.Publish(PageEvent{K: KindPageCreated, PageID: id})
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"p1", "p2", "p3"}, got)
}

func TestKindFiltering(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var mu sync.Mutex
	var kinds []Kind
	sub := bus.Subscribe(func(e Event) {
		mu.Lock()
		kinds = append(kinds, e.Kind())
		mu.Unlock()
	}, KindBrowserLaunched)
	defer bus.Unsubscribe(sub)

	bus.Publish(PageEvent{K: KindPageCreated, PageID: "p1"})
	bus.Publish(BrowserEvent{K: KindBrowserLaunched, BrowserID: "b1"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(kinds) == 1
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Kind{KindBrowserLaunched}, kinds)
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	var mu sync.Mutex
	var got []string

	sub := bus.SubscribeBuffered(func(e Event) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		mu.Lock()
		got = append(got, e.(PageEvent).PageID)
		mu.Unlock()
	}, 2, KindPageCreated)

	// First event occupies the handler; the queue holds two more.
	bus.Publish(PageEvent{K: KindPageCreated, PageID: "p0"})
	<-started

	for _, id := range []string{"p1", "p2", "p3", "p4"} {
		bus.Publish(PageEvent{K: KindPageCreated, PageID: id})
	}

	close(release)
	bus.Unsubscribe(sub) // waits for the queue to drain

	assert.EqualValues(t, 2, sub.Dropped())

	mu.Lock()
	defer mu.Unlock()
	// p1 and p2 were pushed out by p3 and p4.
	assert.Equal(t, []string{"p0", "p3", "p4"}, got)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var mu sync.Mutex
	count := 0
	sub := bus.Subscribe(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	bus.Publish(PageEvent{K: KindPageCreated, PageID: "p1"})
	bus.Unsubscribe(sub)
	bus.Publish(PageEvent{K: KindPageCreated, PageID: "p2"})

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestCloseIsIdempotentAndStopsSubscribers(t *testing.T) {
	bus := NewBus()

	sub := bus.Subscribe(func(Event) {})
	bus.Close()
	bus.Close() // must not panic

	// Publishing and subscribing after Close are no-ops.
	bus.Publish(PageEvent{K: KindPageCreated, PageID: "p1"})
	dead := bus.Subscribe(func(Event) {})
	bus.Unsubscribe(dead)
	bus.Unsubscribe(sub)
}
