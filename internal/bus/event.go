package bus

import "time"

// Event is one change notification.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Notification kinds. Subscribers usually filter on the prefix up to and
// including the dot.
const (
	ConnStateChanged = "conn.state_changed"

	MessageUpserted   = "message.upserted"
	MessageReplaced   = "message.replaced"
	MessageRemoved    = "message.removed"
	MessageSendFailed = "message.send_failed"
	MessageSendAck    = "message.send_ack"

	ChatUpserted  = "chat.upserted"
	ChatActivated = "chat.activated"

	TypingChanged   = "typing.changed"
	PresenceChanged = "presence.changed"
	UnreadChanged   = "unread.changed"
)
