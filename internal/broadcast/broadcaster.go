package broadcast

import (
	"sync"

	"github.com/akylbek/payment-system/auction-settlement/internal/interfaces"
	"github.com/akylbek/payment-system/auction-settlement/internal/metrics"
	"github.com/akylbek/payment-system/auction-settlement/internal/models"
)

const DefaultBuffer = 64

// Broadcaster fans auction events out to live subscribers.
// Delivery is best-effort: a full subscriber queue drops its oldest event, and Publish never blocks.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	sinks  []interfaces.EventSink
	buffer int
}

func New(buffer int, sinks ...interfaces.EventSink) *Broadcaster {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Broadcaster{
		subs:   make(map[string]map[*Subscription]struct{}),
		sinks:  sinks,
		buffer: buffer,
	}
}

// Subscription is one subscriber connection to an auction's events.
type Subscription struct {
	auctionID string
	owner     *Broadcaster
	ch        chan models.Event

	mu      sync.Mutex
	closed  bool
	seen    bool
	lastSeq int64
	dropped int64
	once    sync.Once
}

func (b *Broadcaster) Subscribe(auctionID string) *Subscription {
	s := &Subscription{
		auctionID: auctionID,
		owner:     b,
		ch:        make(chan models.Event, b.buffer),
	}

	b.mu.Lock()
	if b.subs[auctionID] == nil {
		b.subs[auctionID] = make(map[*Subscription]struct{})
	}
	b.subs[auctionID][s] = struct{}{}
	b.mu.Unlock()

	metrics.BroadcastSubscribers.Inc()
	return s
}

// Publish enqueues event for every subscriber of its auction and forwards it to the sinks.
func (b *Broadcaster) Publish(event models.Event) {
	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.subs[event.AuctionID]))
	for s := range b.subs[event.AuctionID] {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		s.offer(event)
	}
	for _, sink := range b.sinks {
		sink.Forward(event)
	}
}

// SubscriberCount returns the number of open subscriptions for auctionID.
func (b *Broadcaster) SubscriberCount(auctionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[auctionID])
}

func (b *Broadcaster) remove(s *Subscription) {
	b.mu.Lock()
	delete(b.subs[s.auctionID], s)
	if len(b.subs[s.auctionID]) == 0 {
		delete(b.subs, s.auctionID)
	}
	b.mu.Unlock()
}

// Events is closed when the subscription is closed.
func (s *Subscription) Events() <-chan models.Event {
	return s.ch
}

func (s *Subscription) AuctionID() string {
	return s.auctionID
}

// Dropped reports how many events this subscriber lost to overflow or reordering.
func (s *Subscription) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.owner.remove(s)
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
		metrics.BroadcastSubscribers.Dec()
	})
}

func (s *Subscription) offer(event models.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	// Sequence numbers never go backwards on one connection.
	if s.seen && event.SequenceNumber < s.lastSeq {
		s.drop()
		return
	}
	s.seen = true
	s.lastSeq = event.SequenceNumber

	for {
		select {
		case s.ch <- event:
			return
		default:
		}
		select {
		case <-s.ch:
			s.drop()
		default:
		}
	}
}

func (s *Subscription) drop() {
	s.dropped++
	metrics.BroadcastDroppedTotal.Inc()
}
