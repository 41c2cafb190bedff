package event

import (
	"time"

	"github.com/matheus3301/chatsync/internal/model"
)

// Inbound is the closed set of events the server pushes to the client.
// Consumers dispatch with a type switch over the concrete types below.
type Inbound interface {
	Kind() Kind
	inbound()
}

// MessageNew carries a full message record, either a broadcast from
// another participant or the echo of one of our own sends.
type MessageNew struct {
	Message *model.Message
}

// MessageStatus reports a delivery or read receipt by UserID.
type MessageStatus struct {
	MessageID string
	ChatID    string
	UserID    string
	Status    model.Status
	At        time.Time
}

// MessageReaction sets or clears UserID's reaction. At is the time the
// reaction was made, not when it arrived.
type MessageReaction struct {
	MessageID string
	ChatID    string
	UserID    string
	Value     string
	Removed   bool
	At        time.Time
}

type MessageEdited struct {
	MessageID string
	ChatID    string
	Content   string
	EditedAt  time.Time
}

// MessageDeleted is a deletion. When ForEveryone is false only UserID's
// view is affected.
type MessageDeleted struct {
	MessageID   string
	ChatID      string
	UserID      string
	ForEveryone bool
	At          time.Time
}

type Typing struct {
	ChatID   string
	UserID   string
	IsTyping bool
}

type Presence struct {
	UserID   string
	Online   bool
	LastSeen time.Time
}

// Pong acknowledges a liveness probe.
type Pong struct {
	RequestID string
	At        time.Time
}

type ServerError struct {
	Code    string
	Message string
}

func (MessageNew) Kind() Kind      { return KindNewMessage }
func (MessageStatus) Kind() Kind   { return KindMessageStatus }
func (MessageReaction) Kind() Kind { return KindMessageReaction }
func (MessageEdited) Kind() Kind   { return KindMessageEdited }
func (MessageDeleted) Kind() Kind  { return KindMessageDeleted }
func (Pong) Kind() Kind            { return KindPong }
func (ServerError) Kind() Kind     { return KindError }

func (t Typing) Kind() Kind {
	if t.IsTyping {
		return KindTypingStart
	}
	return KindTypingStop
}

func (p Presence) Kind() Kind {
	if p.Online {
		return KindUserOnline
	}
	return KindUserOffline
}

func (MessageNew) inbound()      {}
func (MessageStatus) inbound()   {}
func (MessageReaction) inbound() {}
func (MessageEdited) inbound()   {}
func (MessageDeleted) inbound()  {}
func (Typing) inbound()          {}
func (Presence) inbound()        {}
func (Pong) inbound()            {}
func (ServerError) inbound()     {}

// MessageID returns the message an event refers to, or "" for events
// that are not about a single message.
func MessageID(ev Inbound) string {
	switch e := ev.(type) {
	case MessageNew:
		return e.Message.ID
	case MessageStatus:
		return e.MessageID
	case MessageReaction:
		return e.MessageID
	case MessageEdited:
		return e.MessageID
	case MessageDeleted:
		return e.MessageID
	}
	return ""
}
