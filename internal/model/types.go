package model

import (
	"sort"
	"time"
)

// MessageType is the kind of content a message carries.
type MessageType string

const (
	TypeText     MessageType = "text"
	TypeImage    MessageType = "image"
	TypeVideo    MessageType = "video"
	TypeAudio    MessageType = "audio"
	TypeFile     MessageType = "file"
	TypeLocation MessageType = "location"
	TypeContact  MessageType = "contact"
)

// IsMedia reports whether the type needs a media reference.
func (t MessageType) IsMedia() bool {
	switch t {
	case TypeImage, TypeVideo, TypeAudio, TypeFile:
		return true
	}
	return false
}

// Status is the delivery status of a message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// rank orders statuses along pending < sent < delivered < read.
// Failed sits with pending: a later confirmation may still advance it.
func (s Status) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

// Advance returns the later of s and to. Status never regresses.
func (s Status) Advance(to Status) Status {
	if to.rank() > s.rank() {
		return to
	}
	if to == StatusFailed && s == StatusPending {
		return StatusFailed
	}
	return s
}

// Deletion marks how a message was removed.
type Deletion string

const (
	DeletionNone       Deletion = ""
	DeletedForSelf     Deletion = "self"
	DeletedForEveryone Deletion = "everyone"
)

func (d Deletion) rank() int {
	switch d {
	case DeletedForSelf:
		return 1
	case DeletedForEveryone:
		return 2
	}
	return 0
}

// Max returns the stronger of two deletion marks.
func (d Deletion) Max(o Deletion) Deletion {
	if o.rank() > d.rank() {
		return o
	}
	return d
}

// Reaction is one user's reaction. An empty Value records a removal so
// that last-writer-wins ordering survives unreact.
type Reaction struct {
	UserID string    `json:"userId"`
	Value  string    `json:"value"`
	At     time.Time `json:"at"`
}

// Message is the canonical record of one logical chat message.
type Message struct {
	ID          string               `json:"id"`
	ClientID    string               `json:"clientId,omitempty"`
	ChatID      string               `json:"chatId"`
	SenderID    string               `json:"senderId"`
	Type        MessageType          `json:"type"`
	Content     string               `json:"content"`
	MediaURL    string               `json:"mediaUrl,omitempty"`
	FileName    string               `json:"fileName,omitempty"`
	ReplyToID   string               `json:"replyToId,omitempty"`
	CreatedAt   time.Time            `json:"createdAt"`
	Status      Status               `json:"status"`
	EditedAt    time.Time            `json:"editedAt,omitzero"`
	Deletion    Deletion             `json:"deletion,omitempty"`
	Reactions   map[string]Reaction  `json:"reactions,omitempty"`
	ReadBy      map[string]time.Time `json:"readBy,omitempty"`
	DeliveredTo map[string]time.Time `json:"deliveredTo,omitempty"`
	// Retryable is false once a send failed validation.
	Retryable bool `json:"retryable,omitempty"`
}

// Confirmed reports whether the record carries a server-assigned id.
func (m *Message) Confirmed() bool {
	return m.ClientID == "" || m.ID != m.ClientID
}

// Tombstoned reports whether the message was deleted for everyone.
func (m *Message) Tombstoned() bool {
	return m.Deletion == DeletedForEveryone
}

// IsReadBy reports whether userID appears in the read set.
func (m *Message) IsReadBy(userID string) bool {
	_, ok := m.ReadBy[userID]
	return ok
}

// ActiveReactions returns the non-removed reactions ordered by user id.
func (m *Message) ActiveReactions() []Reaction {
	out := make([]Reaction, 0, len(m.Reactions))
	for _, r := range m.Reactions {
		if r.Value != "" {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Clone returns a deep copy safe to hand to other goroutines.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.Reactions != nil {
		c.Reactions = make(map[string]Reaction, len(m.Reactions))
		for k, v := range m.Reactions {
			c.Reactions[k] = v
		}
	}
	c.ReadBy = cloneTimes(m.ReadBy)
	c.DeliveredTo = cloneTimes(m.DeliveredTo)
	return &c
}

func cloneTimes(in map[string]time.Time) map[string]time.Time {
	if in == nil {
		return nil
	}
	out := make(map[string]time.Time, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Less orders messages by creation time, then id.
func Less(a, b *Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Chat is a conversation. UnreadCount and TypingUserIDs are derived
// by the engine and never persisted as truth.
type Chat struct {
	ID             string   `json:"id"`
	Name           string   `json:"name,omitempty"`
	ParticipantIDs []string `json:"participantIds,omitempty"`
	LastMessageID  string   `json:"lastMessageId,omitempty"`
	IsMuted        bool     `json:"isMuted"`
	UnreadCount    int      `json:"unreadCount"`
	TypingUserIDs  []string `json:"typingUserIds,omitempty"`
}

// SendRequest is the payload of a send, retained for retries.
type SendRequest struct {
	ClientID  string      `json:"clientId"`
	ChatID    string      `json:"chatId"`
	Type      MessageType `json:"type"`
	Content   string      `json:"content,omitempty"`
	MediaURL  string      `json:"mediaUrl,omitempty"`
	FileName  string      `json:"fileName,omitempty"`
	ReplyToID string      `json:"replyToId,omitempty"`
}
