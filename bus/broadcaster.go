package bus

import (
	"sync"

	"github.com/petal-labs/runrelay/runtime"
)

// DefaultReplaySize is the number of events a Broadcaster retains for late
// subscribers when no size is configured.
const DefaultReplaySize = 50

// BroadcasterConfig configures a Broadcaster.
type BroadcasterConfig struct {
	// ReplaySize is how many of the most recent events are replayed to new
	// subscribers (default: 50).
	ReplaySize int

	// InitialSeq is the sequence number already used by earlier history for
	// this run. The first published event gets InitialSeq+1.
	InitialSeq uint64
}

// Broadcaster is a bounded-history pub/sub for a single run's events.
//
// Publish never blocks on subscribers: each subscriber owns an unbounded
// queue drained by its own goroutine. A subscriber registered at any point
// receives the retained history followed by every later event, without gaps
// or duplicates. Complete is terminal.
type Broadcaster struct {
	mu        sync.Mutex
	ring      []runtime.Event
	head      int // index of the oldest retained event
	size      int // number of retained events
	seq       uint64
	subs      map[*broadcastSub]struct{}
	completed bool
}

// NewBroadcaster creates a Broadcaster with the given configuration.
func NewBroadcaster(config BroadcasterConfig) *Broadcaster {
	replay := config.ReplaySize
	if replay <= 0 {
		replay = DefaultReplaySize
	}
	return &Broadcaster{
		ring: make([]runtime.Event, replay),
		seq:  config.InitialSeq,
		subs: make(map[*broadcastSub]struct{}),
	}
}

// Publish assigns the next sequence number to the event, retains it for
// replay and queues it for every current subscriber. It returns the event as
// published and false if the broadcaster has already completed, in which case
// the event is dropped.
func (b *Broadcaster) Publish(event runtime.Event) (runtime.Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.completed {
		return event, false
	}

	b.seq++
	event.Seq = b.seq

	if b.size < len(b.ring) {
		b.ring[(b.head+b.size)%len(b.ring)] = event
		b.size++
	} else {
		b.ring[b.head] = event
		b.head = (b.head + 1) % len(b.ring)
	}

	for sub := range b.subs {
		sub.enqueue(event)
	}
	return event, true
}

// Subscribe registers a new subscriber. The retained history is queued before
// any live event. Subscribing to a completed broadcaster yields the history
// followed by channel close.
func (b *Broadcaster) Subscribe() Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := newBroadcastSub(b)
	sub.queue = b.historyLocked()
	if b.completed {
		sub.ended = true
	} else {
		b.subs[sub] = struct{}{}
	}
	go sub.run()
	return sub
}

// Complete marks the broadcaster finished. Subscribers drain their queued
// events and then observe channel close. Calling Complete again is a no-op.
func (b *Broadcaster) Complete() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.completed {
		return
	}
	b.completed = true
	for sub := range b.subs {
		sub.finish()
	}
	b.subs = make(map[*broadcastSub]struct{})
}

// Completed reports whether Complete has been called.
func (b *Broadcaster) Completed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.completed
}

// History returns a copy of the retained events, oldest first.
func (b *Broadcaster) History() []runtime.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.historyLocked()
}

// LastSeq returns the sequence number of the most recently published event.
func (b *Broadcaster) LastSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// SubscriberCount returns the number of live subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broadcaster) historyLocked() []runtime.Event {
	out := make([]runtime.Event, 0, b.size)
	for i := 0; i < b.size; i++ {
		out = append(out, b.ring[(b.head+i)%len(b.ring)])
	}
	return out
}

func (b *Broadcaster) remove(sub *broadcastSub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, sub)
}

// broadcastSub is one subscriber of a Broadcaster.
type broadcastSub struct {
	owner *Broadcaster
	out   chan runtime.Event
	wake  chan struct{}
	stop  chan struct{}

	mu    sync.Mutex
	queue []runtime.Event
	ended bool

	closeOnce sync.Once
}

func newBroadcastSub(owner *Broadcaster) *broadcastSub {
	return &broadcastSub{
		owner: owner,
		out:   make(chan runtime.Event),
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
	}
}

// Events returns the delivery channel.
func (s *broadcastSub) Events() <-chan runtime.Event {
	return s.out
}

// Close unsubscribes and stops the delivery goroutine. Pending events are
// discarded. Close is idempotent.
func (s *broadcastSub) Close() error {
	s.closeOnce.Do(func() {
		s.owner.remove(s)
		close(s.stop)
	})
	return nil
}

func (s *broadcastSub) enqueue(event runtime.Event) {
	s.mu.Lock()
	s.queue = append(s.queue, event)
	s.mu.Unlock()
	s.signal()
}

func (s *broadcastSub) finish() {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
	s.signal()
}

func (s *broadcastSub) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// run delivers queued events in order until the queue is drained after
// completion or the subscription is closed.
func (s *broadcastSub) run() {
	defer close(s.out)

	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			ended := s.ended
			s.mu.Unlock()
			if ended {
				return
			}
			select {
			case <-s.wake:
				continue
			case <-s.stop:
				return
			}
		}
		event := s.queue[0]
		s.queue[0] = runtime.Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- event:
		case <-s.stop:
			return
		}
	}
}

// Compile-time interface check.
var _ Subscription = (*broadcastSub)(nil)
