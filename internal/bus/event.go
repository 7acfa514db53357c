package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds. Subscribers filter by the namespace before the dot.
const (
	TimelineChanged = "timeline.changed"
	TimelineUnseen  = "timeline.unseen"
	TimelineTyping  = "timeline.typing"

	SyncLoaded   = "sync.loaded"
	SyncOffline  = "sync.offline"
	SyncResumed  = "sync.resumed"
	SyncPageDone = "sync.page_loaded"

	SendQueued = "send.queued"
	SendFailed = "send.failed"
	SendAcked  = "send.acked"

	PushStatusChanged = "push.status_changed"
)

// Changed is the payload of TimelineChanged.
type Changed struct {
	ConversationID string
	Added          int
	Updated        int
}
