// Package bus provides event distribution and persistence for guided flow
// sessions. Components publish flow events as they happen; subscribers
// (SSE streams, observability handlers, analytics) receive them without
// coupling to the emitter.
package bus

import "github.com/guidedflow/guidedflow"

// EventBus distributes events to subscribers.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(event guidedflow.Event)

	// Subscribe registers a subscriber for a specific session.
	// Returns a Subscription that must be closed when done.
	Subscribe(sessionID string) Subscription

	// SubscribeAll registers a subscriber that receives events from all
	// sessions. Returns a Subscription that must be closed when done.
	SubscribeAll() Subscription

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription receives events.
type Subscription interface {
	// Events returns a channel of events for this subscription.
	Events() <-chan guidedflow.Event

	// Close unsubscribes and releases resources.
	Close() error
}
