package events

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// DefaultQueueSize is the per-subscriber queue capacity.
const DefaultQueueSize = 256

// Handler receives events for one subscriber. Handlers run on a dedicated
// goroutine per subscriber and see events in publish order.
type Handler func(Event)

// Bus is the in-process pub/sub hub. A slow subscriber never stalls a
// publisher: its queue overflows by dropping the oldest event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

type subscriber struct {
	kinds   map[Kind]struct{} // nil means all kinds
	handler Handler

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Event // ring buffer
	head    int
	length  int
	stopped bool
	dropped atomic.Int64
	done    chan struct{}
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Subscription identifies one subscriber for Unsubscribe and stats.
type Subscription struct {
	bus *Bus
	id  int
	sub *subscriber
}

// Subscribe registers handler for the given kinds (all kinds when empty).
// The queue size is DefaultQueueSize; use SubscribeBuffered to override.
func (b *Bus) Subscribe(handler Handler, kinds ...Kind) *Subscription {
	return b.SubscribeBuffered(handler, DefaultQueueSize, kinds...)
}

// SubscribeBuffered registers handler with an explicit queue capacity.
func (b *Bus) SubscribeBuffered(handler Handler, queueSize int, kinds ...Kind) *Subscription {
	if queueSize < 1 {
		queueSize = DefaultQueueSize
	}

	sub := &subscriber{
		handler: handler,
		queue:   make([]Event, queueSize),
		done:    make(chan struct{}),
	}
	sub.cond = sync.NewCond(&sub.mu)
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]struct{}, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = struct{}{}
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.done)
		return &Subscription{bus: b, id: -1, sub: sub}
	}
	b.nextID++
	id := b.nextID
	b.subs[id] = sub
	b.mu.Unlock()

	go sub.run()

	return &Subscription{bus: b, id: id, sub: sub}
}

// Publish delivers e to every matching subscriber without blocking.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.kinds != nil {
			if _, ok := sub.kinds[e.Kind()]; !ok {
				continue
			}
		}
		sub.enqueue(e)
	}
}

// Unsubscribe removes the subscriber and waits for its queue to drain.
func (b *Bus) Unsubscribe(s *Subscription) {
	if s == nil || s.id < 0 {
		return
	}
	b.mu.Lock()
	sub, ok := b.subs[s.id]
	if ok {
		delete(b.subs, s.id)
	}
	b.mu.Unlock()

	if ok {
		sub.stop()
		<-sub.done
	}
}

// Dropped reports how many events this subscriber lost to overflow.
func (s *Subscription) Dropped() int64 {
	return s.sub.dropped.Load()
}

// Close stops all subscribers after their queues drain.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[int]*subscriber)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
		<-sub.done
	}
}

// enqueue appends e, dropping the oldest queued event when full.
func (s *subscriber) enqueue(e Event) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if s.length == len(s.queue) {
		// drop-oldest overflow policy
		s.head = (s.head + 1) % len(s.queue)
		s.length--
		if n := s.dropped.Add(1); n == 1 || n%100 == 0 {
			log.Warn().Int64("dropped", n).Str("kind", string(e.Kind())).Msg("Event subscriber queue overflow")
		}
	}
	s.queue[(s.head+s.length)%len(s.queue)] = e
	s.length++
	s.mu.Unlock()
	s.cond.Signal()
}

func (s *subscriber) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for s.length == 0 && !s.stopped {
			s.cond.Wait()
		}
		if s.length == 0 && s.stopped {
			s.mu.Unlock()
			return
		}
		e := s.queue[s.head]
		s.queue[s.head] = nil
		s.head = (s.head + 1) % len(s.queue)
		s.length--
		s.mu.Unlock()

		s.handler(e)
	}
}

func (s *subscriber) stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.cond.Signal()
}
