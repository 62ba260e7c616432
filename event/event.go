// Package event carries the in-memory representation of a domain event
// between an aggregate mutation and the transactional outbox write.
package event

// Event is an immutable business notification. Aggregates accumulate these
// while mutating; services enqueue them to the outbox inside the same
// transaction that persists the mutation.
type Event struct {
	Topic   string
	Payload map[string]any
}

// New builds an event for the given topic.
func New(topic string, payload map[string]any) Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return Event{Topic: topic, Payload: payload}
}
