package notify

import (
	"sync"

	"github.com/google/uuid"

	"github.com/crestdesk/notify/internal/realtime"
)

const subscriptionBuffer = 32

// Subscription is a cancellable handle on a user's live notification feed.
// Events arrive on a buffered channel; Cancel closes it and releases the
// underlying connection.
type Subscription struct {
	userID uuid.UUID
	cancel func()

	mu     sync.Mutex
	events chan realtime.Event
	closed bool
	once   sync.Once
}

func newSubscription(userID uuid.UUID, cancel func()) *Subscription {
	return &Subscription{
		userID: userID,
		events: make(chan realtime.Event, subscriptionBuffer),
		cancel: cancel,
	}
}

// Events yields live change events until the subscription is cancelled.
func (s *Subscription) Events() <-chan realtime.Event {
	return s.events
}

// UserID returns the owning user.
func (s *Subscription) UserID() uuid.UUID {
	return s.userID
}

// Cancel tears down the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.mu.Lock()
		s.closed = true
		close(s.events)
		s.mu.Unlock()
	})
}

// forward hands an event to the consumer without blocking. A full buffer
// drops the event; the consumer can always re-read from the store.
func (s *Subscription) forward(event realtime.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	select {
	case s.events <- event:
		return true
	default:
		return false
	}
}

// subscriptionSet tracks at most one live subscription per user.
type subscriptionSet struct {
	mu   sync.Mutex
	byID map[uuid.UUID]*Subscription
}

func newSubscriptionSet() *subscriptionSet {
	return &subscriptionSet{byID: make(map[uuid.UUID]*Subscription)}
}

func (set *subscriptionSet) get(userID uuid.UUID) (*Subscription, bool) {
	set.mu.Lock()
	defer set.mu.Unlock()
	sub, ok := set.byID[userID]
	return sub, ok
}

// putIfAbsent registers the subscription unless one already exists, in which
// case the existing one is returned and raced is true.
func (set *subscriptionSet) putIfAbsent(userID uuid.UUID, sub *Subscription) (*Subscription, bool) {
	set.mu.Lock()
	defer set.mu.Unlock()
	if existing, ok := set.byID[userID]; ok {
		return existing, true
	}
	set.byID[userID] = sub
	return sub, false
}

func (set *subscriptionSet) remove(userID uuid.UUID) {
	set.mu.Lock()
	defer set.mu.Unlock()
	delete(set.byID, userID)
}

func (set *subscriptionSet) all() []*Subscription {
	set.mu.Lock()
	defer set.mu.Unlock()
	subs := make([]*Subscription, 0, len(set.byID))
	for _, sub := range set.byID {
		subs = append(subs, sub)
	}
	return subs
}
