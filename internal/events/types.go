// Package events provides the subjects used on the nerve event bus.
//
// Every engine event is published under "events.<event_type>" so that the IPC
// server, the WebSocket gateway, and any external NATS consumer can subscribe
// with a single wildcard.
package events

// SubjectPrefix is the root token for engine event subjects.
const SubjectPrefix = "events"

// BuildEventSubject creates the bus subject for one event type.
func BuildEventSubject(eventType string) string {
	return SubjectPrefix + "." + eventType
}

// WildcardSubject subscribes to every engine event.
func WildcardSubject() string {
	return SubjectPrefix + ".>"
}
