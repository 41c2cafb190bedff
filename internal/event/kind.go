package event

// Kind names a frame type on the real-time connection.
type Kind string

// Inbound kinds.
const (
	KindNewMessage      Kind = "new_message"
	KindMessageStatus   Kind = "message_status"
	KindMessageReaction Kind = "message_reaction"
	KindMessageEdited   Kind = "message_edited"
	KindMessageDeleted  Kind = "message_deleted"
	KindTypingStart     Kind = "typing_start"
	KindTypingStop      Kind = "typing_stop"
	KindUserOnline      Kind = "user_online"
	KindUserOffline     Kind = "user_offline"
	KindPong            Kind = "pong"
	KindError           Kind = "error"
)

// Outbound kinds. Typing start/stop are shared with the inbound set.
const (
	KindPing      Kind = "ping"
	KindJoinChat  Kind = "user_join_chat"
	KindLeaveChat Kind = "user_leave_chat"
)

// InboundKinds lists every kind Decode understands.
var InboundKinds = []Kind{
	KindNewMessage,
	KindMessageStatus,
	KindMessageReaction,
	KindMessageEdited,
	KindMessageDeleted,
	KindTypingStart,
	KindTypingStop,
	KindUserOnline,
	KindUserOffline,
	KindPong,
	KindError,
}
