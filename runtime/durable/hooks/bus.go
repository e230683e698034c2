package hooks

import (
	"context"
	"errors"
	"sync"
)

type (
	// Bus fans out lifecycle events to registered subscribers.
	//
	// Events are delivered synchronously in the publisher's goroutine, in
	// registration order, and delivery stops at the first subscriber error.
	Bus interface {
		// Publish delivers event to every registered subscriber.
		Publish(ctx context.Context, event Event) error
		// Register adds sub to the bus. Close the returned Subscription to
		// unregister it.
		Register(sub Subscriber) (Subscription, error)
	}

	// Subscriber reacts to published events. HandleEvent should only return
	// an error when the failure must be surfaced to the publisher.
	Subscriber interface {
		HandleEvent(ctx context.Context, event Event) error
	}

	// SubscriberFunc adapts a function to Subscriber.
	SubscriberFunc func(ctx context.Context, event Event) error

	// Subscription is an active registration on a Bus. Close is idempotent.
	Subscription interface {
		Close() error
	}

	bus struct {
		mu   sync.RWMutex
		subs []*subscription
	}

	subscription struct {
		bus  *bus
		sub  Subscriber
		once sync.Once
	}
)

// NewBus returns an in-memory Bus.
//
//	bus := hooks.NewBus()
//	s, _ := bus.Register(hooks.SubscriberFunc(func(ctx context.Context, e hooks.Event) error {
//	    log.Printf("%s %s", e.Type, e.Step)
//	    return nil
//	}))
//	defer s.Close()
func NewBus() Bus {
	return &bus{}
}

// HandleEvent implements Subscriber.
func (f SubscriberFunc) HandleEvent(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Publish delivers event to a snapshot of the current subscribers, so
// registrations made while publishing only see later events.
func (b *bus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	subs := make([]Subscriber, len(b.subs))
	for i, s := range b.subs {
		subs[i] = s.sub
	}
	b.mu.RUnlock()
	for _, sub := range subs {
		if err := sub.HandleEvent(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

func (b *bus) Register(sub Subscriber) (Subscription, error) {
	if sub == nil {
		return nil, errors.New("subscriber is required")
	}
	s := &subscription{bus: b, sub: sub}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()
	return s, nil
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		for i, other := range s.bus.subs {
			if other == s {
				s.bus.subs = append(s.bus.subs[:i:i], s.bus.subs[i+1:]...)
				break
			}
		}
	})
	return nil
}
