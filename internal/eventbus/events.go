package eventbus

import "time"

// Type names an event kind. Only the constants below are published.
type Type string

func (t Type) String() string { return string(t) }

// Producers and payloads:
//   - TypeKeyChanged:   kvstore watcher, KeyChange payload
//   - TypeRefreshed:    alerts engine after every completed cycle, RefreshInfo payload
//   - TypeNovel:        alerts engine novelty transitions, NoveltySignal payload
//   - TypeNotifySent/TypeNotifyFailed/TypeNotifyDropped: outbound notifier
const (
	TypeKeyChanged Type = "kv.changed"
	TypeRefreshed  Type = "alerts.refreshed"
	TypeNovel      Type = "alerts.novel"

	TypeNotifySent    Type = "notify.sent"
	TypeNotifyFailed  Type = "notify.failed"
	TypeNotifyDropped Type = "notify.dropped"
)

// KeyChange reports that another process (or another component in this one)
// wrote a persisted key. It is an invalidation hint, never a mutation.
type KeyChange struct {
	Key string
	At  time.Time
}

// RefreshInfo summarizes one reconciliation cycle.
type RefreshInfo struct {
	Reason      string
	Flagged     int
	Resolved    int
	UnreadCount int
	Stale       bool
	Took        time.Duration
}

// NoveltySignal reports a novelty state transition (on or auto-revert).
type NoveltySignal struct {
	Novel       bool
	UnreadCount int
	Flagged     int
}

// NotifyEvent reports outbound notification pipeline activity.
type NotifyEvent struct {
	Key   string
	At    time.Time
	Error string
}
