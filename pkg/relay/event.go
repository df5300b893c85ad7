// Copyright 2024-2026 Aiku AI

package relay

// Event is one of CreateEvent, UpdateEvent or DeleteEvent.
type Event interface {
	isEvent()
	// MessageID returns the internal ID of the message the event refers to.
	MessageID() uint64
}

// CreateEvent announces a new message.
type CreateEvent struct {
	Message *Message
}

// UpdateEvent replaces the content of a previously relayed message.
type UpdateEvent struct {
	ID      uint64
	Content string
}

// DeleteEvent removes a previously relayed message.
type DeleteEvent struct {
	ID uint64
}

func (CreateEvent) isEvent() {}
func (UpdateEvent) isEvent() {}
func (DeleteEvent) isEvent() {}

func (e CreateEvent) MessageID() uint64 { return e.Message.ID }
func (e UpdateEvent) MessageID() uint64 { return e.ID }
func (e DeleteEvent) MessageID() uint64 { return e.ID }

// EventKind returns a short name for logging and metrics labels.
func EventKind(evt Event) string {
	switch evt.(type) {
	case CreateEvent:
		return "create"
	case UpdateEvent:
		return "update"
	case DeleteEvent:
		return "delete"
	default:
		return "unknown"
	}
}
