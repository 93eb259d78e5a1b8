// Package modkit uses the Observer pattern for lifecycle event fan-out.
// Events use the CloudEvents specification for a standardized envelope and
// interoperability with external systems.
package modkit

import (
	"context"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// Observer defines the interface for objects that want to be notified of
// module lifecycle events. Observers register with a Subject (the Registry)
// and are invoked synchronously in registration order; a failing or
// panicking observer never prevents later observers from running.
type Observer interface {
	// OnEvent is called when an event the observer subscribed to occurs.
	// Observers should handle events quickly since delivery is synchronous
	// with the emitting registry operation.
	OnEvent(ctx context.Context, event cloudevents.Event) error

	// ObserverID returns a unique identifier for this observer, used for
	// registration tracking and unsubscription.
	ObserverID() string
}

// Subject defines the interface for event emitters. The Registry implements
// Subject; the Loader emits through the Registry.
type Subject interface {
	// RegisterObserver adds an observer to receive notifications.
	// Observers can filter events by type; an empty eventTypes list means
	// all events. Re-registering the same observer ID replaces the
	// previous registration.
	RegisterObserver(observer Observer, eventTypes ...string) error

	// UnregisterObserver removes an observer. Idempotent; unknown
	// observers are ignored.
	UnregisterObserver(observer Observer) error

	// NotifyObservers delivers an event to all interested observers in
	// registration order.
	NotifyObservers(ctx context.Context, event cloudevents.Event) error

	// GetObservers returns information about registered observers, for
	// debugging and monitoring.
	GetObservers() []ObserverInfo
}

// ObserverInfo describes a registered observer.
type ObserverInfo struct {
	// ID is the unique identifier of the observer
	ID string `json:"id"`

	// EventTypes are the event types this observer is subscribed to.
	// Empty means all events.
	EventTypes []string `json:"eventTypes"`

	// RegisteredAt indicates when the observer was registered
	RegisteredAt time.Time `json:"registeredAt"`
}

// Event type constants for the finite set of lifecycle events the core
// emits. Following the CloudEvents specification these use reverse domain
// notation.
const (
	EventTypeModuleRegistered    = "com.vigilboard.module.registered"
	EventTypeModuleUnregistered  = "com.vigilboard.module.unregistered"
	EventTypeModuleToggled       = "com.vigilboard.module.toggled"
	EventTypeModuleReloaded      = "com.vigilboard.module.reloaded"
	EventTypeModuleReloadFailed  = "com.vigilboard.module.reloadfailed"
	EventTypeDirectoryWatchError = "com.vigilboard.watch.error"
)

// FunctionalObserver provides a simple way to create observers from
// functions, without defining full structs.
type FunctionalObserver struct {
	id      string
	handler func(ctx context.Context, event cloudevents.Event) error
}

// NewFunctionalObserver creates an observer that delegates to the provided
// handler function.
func NewFunctionalObserver(id string, handler func(ctx context.Context, event cloudevents.Event) error) Observer {
	return &FunctionalObserver{
		id:      id,
		handler: handler,
	}
}

// OnEvent implements the Observer interface by calling the handler function.
func (f *FunctionalObserver) OnEvent(ctx context.Context, event cloudevents.Event) error {
	return f.handler(ctx, event)
}

// ObserverID implements the Observer interface by returning the observer ID.
func (f *FunctionalObserver) ObserverID() string {
	return f.id
}
