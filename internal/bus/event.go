package bus

import "time"

// Event kinds published across the app. Subscribers filter by prefix,
// e.g. "session." matches every session event.
const (
	KindSessionStateChanged = "session.state_changed"
	KindSessionFailed       = "session.failed"
	KindSessionSendFailed   = "session.send_failed"
	KindLiveStateChanged    = "live.state_changed"
	KindTimelineChanged     = "timeline.changed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind    string
	At      time.Time
	Payload any
}
