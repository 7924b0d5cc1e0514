package billsync

import "time"

// Event is a verified processor notification.
// Implementations are CheckoutCompleted, SubscriptionUpdated, SubscriptionDeleted and UnknownEvent.
type Event interface {
	Header() EventHeader
	isEvent()
}

// EventHeader holds the fields every processor event carries.
type EventHeader struct {
	ID      string
	Type    string
	Created time.Time
}

func (h EventHeader) Header() EventHeader { return h }

// CheckoutCompleted is emitted when a checkout session finishes.
// Status is empty when the processor payload did not include the subscription.
type CheckoutCompleted struct {
	EventHeader
	UserID         string
	CustomerID     string
	SubscriptionID string
	Status         Status
}

// SubscriptionUpdated covers subscription creation and updates.
type SubscriptionUpdated struct {
	EventHeader
	UserID            string
	CustomerID        string
	SubscriptionID    string
	Status            Status
	CancelAtPeriodEnd bool
}

// SubscriptionDeleted is emitted when a subscription ends.
type SubscriptionDeleted struct {
	EventHeader
	UserID         string
	CustomerID     string
	SubscriptionID string
}

// UnknownEvent is any event type the engine does not act on.
type UnknownEvent struct {
	EventHeader
}

func (CheckoutCompleted) isEvent()   {}
func (SubscriptionUpdated) isEvent() {}
func (SubscriptionDeleted) isEvent() {}
func (UnknownEvent) isEvent()        {}
