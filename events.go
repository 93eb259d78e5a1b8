// CloudEvents construction and the payload types carried by lifecycle
// events.
package modkit

import (
	"fmt"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// CloudEvent is an alias for the CloudEvents Event type for convenience.
type CloudEvent = cloudevents.Event

// NewCloudEvent creates a CloudEvent with the given type, source and JSON
// payload. Extension attributes are set from metadata.
func NewCloudEvent(eventType, source string, data interface{}, metadata map[string]interface{}) cloudevents.Event {
	event := cloudevents.NewEvent()

	event.SetID(generateEventID())
	event.SetSource(source)
	event.SetType(eventType)
	event.SetTime(time.Now())
	event.SetSpecVersion(cloudevents.VersionV1)

	if data != nil {
		_ = event.SetData(cloudevents.ApplicationJSON, data)
	}

	for key, value := range metadata {
		event.SetExtension(key, value)
	}

	return event
}

// generateEventID generates a unique identifier using UUIDv7, which embeds
// timestamp information for time-ordered uniqueness.
func generateEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Fallback to v4 if v7 fails for any reason
		id = uuid.New()
	}
	return id.String()
}

// ValidateCloudEvent validates that an event conforms to the CloudEvents
// specification before fan-out.
func ValidateCloudEvent(event cloudevents.Event) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("CloudEvent validation failed: %w", err)
	}
	return nil
}

// Sources identifying which component produced a lifecycle event.
const (
	eventSourceRegistry = "registry"
	eventSourceLoader   = "loader"
	eventSourceWatcher  = "watcher"
)

// The lifecycle event set is finite, so each payload shape gets its own
// constructor and emit sites cannot pair an event type with the wrong
// payload.

// newModuleEvent builds the envelope for the registered, unregistered and
// toggled family, which shares one payload shape.
func newModuleEvent(eventType string, payload ModuleEventPayload) cloudevents.Event {
	return NewCloudEvent(eventType, eventSourceRegistry, payload, nil)
}

func newReloadEvent(payload ReloadEventPayload) cloudevents.Event {
	return NewCloudEvent(EventTypeModuleReloaded, eventSourceLoader, payload, nil)
}

func newReloadFailedEvent(payload ReloadFailedPayload) cloudevents.Event {
	return NewCloudEvent(EventTypeModuleReloadFailed, eventSourceLoader, payload, nil)
}

func newWatchErrorEvent(payload WatchErrorPayload) cloudevents.Event {
	return NewCloudEvent(EventTypeDirectoryWatchError, eventSourceWatcher, payload, nil)
}

// ModuleEventPayload is the data carried by module.registered,
// module.unregistered and module.toggled events.
type ModuleEventPayload struct {
	ModuleID string `json:"moduleId"`
	Version  string `json:"version,omitempty"`
	Enabled  bool   `json:"enabled"`
}

// ReloadEventPayload is the data carried by module.reloaded events.
// OldModuleID and OldVersion describe the identity that was replaced; a
// definition file may change its declared id across a reload.
type ReloadEventPayload struct {
	ModuleID    string `json:"moduleId"`
	OldModuleID string `json:"oldModuleId,omitempty"`
	Path        string `json:"path"`
	OldVersion  string `json:"oldVersion,omitempty"`
	NewVersion  string `json:"newVersion,omitempty"`
}

// ReloadFailedPayload is the data carried by module.reloadfailed events.
// After such an event the module is absent from the registry until the
// backing file loads successfully again.
type ReloadFailedPayload struct {
	ModuleID string `json:"moduleId"`
	Path     string `json:"path"`
	Error    string `json:"error"`
}

// WatchErrorPayload is the data carried by watch.error events, reported
// when the OS-level notification stream degrades.
type WatchErrorPayload struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}
