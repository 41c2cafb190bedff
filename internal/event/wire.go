package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/model"
)

var (
	// ErrUnknownKind is returned by Decode for a kind outside InboundKinds.
	ErrUnknownKind = errors.New("unknown event kind")
	// ErrMalformed wraps every payload that cannot be turned into an event.
	ErrMalformed = errors.New("malformed event payload")
)

// Envelope is the frame layout on the wire: {"type": ..., "payload": ...}.
type Envelope struct {
	Type    Kind            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EncodeFrame marshals an outbound frame.
func EncodeFrame(kind Kind, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return json.Marshal(Envelope{Type: kind, Payload: raw})
}

// DecodeFrame splits a frame into its kind and raw payload.
func DecodeFrame(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return env, nil
}

// Receipt is one entry of readBy or deliveredTo.
type Receipt struct {
	UserID      string    `json:"userId"`
	ReadAt      time.Time `json:"readAt,omitzero"`
	DeliveredAt time.Time `json:"deliveredAt,omitzero"`
}

// WireReaction is a reaction as the server encodes it.
type WireReaction struct {
	UserID   string    `json:"userId"`
	Reaction string    `json:"reaction"`
	AddedAt  time.Time `json:"addedAt"`
}

// WireMessage is the server's message document. It is shared by the
// real-time feed and the request/response API.
type WireMessage struct {
	ID          string         `json:"id"`
	ClientID    string         `json:"clientId,omitempty"`
	ChatID      string         `json:"chatId"`
	SenderID    string         `json:"senderId"`
	Type        string         `json:"type"`
	Content     string         `json:"content"`
	MediaURL    string         `json:"mediaUrl,omitempty"`
	FileName    string         `json:"fileName,omitempty"`
	ReplyToID   string         `json:"replyToId,omitempty"`
	Status      string         `json:"status"`
	DeliveredTo []Receipt      `json:"deliveredTo"`
	ReadBy      []Receipt      `json:"readBy"`
	Reactions   []WireReaction `json:"reactions"`
	EditedAt    *time.Time     `json:"editedAt,omitempty"`
	DeletedFor  []string       `json:"deletedFor,omitempty"`
	IsDeleted   bool           `json:"isDeleted"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// ToModel converts the document for the viewer self. deletedFor only
// matters when it names the viewer.
func (w *WireMessage) ToModel(self string) *model.Message {
	m := &model.Message{
		ID:        w.ID,
		ClientID:  w.ClientID,
		ChatID:    w.ChatID,
		SenderID:  w.SenderID,
		Type:      model.MessageType(w.Type),
		Content:   w.Content,
		MediaURL:  w.MediaURL,
		FileName:  w.FileName,
		ReplyToID: w.ReplyToID,
		CreatedAt: w.CreatedAt,
		Status:    model.StatusSent.Advance(model.Status(w.Status)),
	}
	if m.Type == "" {
		m.Type = model.TypeText
	}
	if w.EditedAt != nil {
		m.EditedAt = *w.EditedAt
	}
	for _, r := range w.ReadBy {
		if m.ReadBy == nil {
			m.ReadBy = make(map[string]time.Time, len(w.ReadBy))
		}
		m.ReadBy[r.UserID] = r.ReadAt
	}
	for _, r := range w.DeliveredTo {
		if m.DeliveredTo == nil {
			m.DeliveredTo = make(map[string]time.Time, len(w.DeliveredTo))
		}
		m.DeliveredTo[r.UserID] = r.DeliveredAt
	}
	for _, r := range w.Reactions {
		if m.Reactions == nil {
			m.Reactions = make(map[string]model.Reaction, len(w.Reactions))
		}
		m.Reactions[r.UserID] = model.Reaction{UserID: r.UserID, Value: r.Reaction, At: r.AddedAt}
	}
	for _, u := range w.DeletedFor {
		if u == self {
			m.Deletion = model.DeletedForSelf
		}
	}
	if w.IsDeleted {
		m.Deletion = model.DeletedForEveryone
		m.Content = ""
		m.MediaURL = ""
	}
	return m
}

type newMessagePayload struct {
	Message *WireMessage `json:"message"`
	ChatID  string       `json:"chatId"`
}

type statusPayload struct {
	MessageID string    `json:"messageId"`
	ChatID    string    `json:"chatId"`
	Status    string    `json:"status"`
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

type reactionPayload struct {
	MessageID string    `json:"messageId"`
	ChatID    string    `json:"chatId"`
	UserID    string    `json:"userId"`
	Reaction  string    `json:"reaction"`
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
}

type editedPayload struct {
	MessageID string    `json:"messageId"`
	ChatID    string    `json:"chatId"`
	Content   string    `json:"content"`
	EditedAt  time.Time `json:"editedAt"`
}

type deletedPayload struct {
	MessageID   string    `json:"messageId"`
	ChatID      string    `json:"chatId"`
	UserID      string    `json:"userId"`
	ForEveryone bool      `json:"forEveryone"`
	Timestamp   time.Time `json:"timestamp"`
}

type typingPayload struct {
	ChatID   string `json:"chatId"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

type userStatusPayload struct {
	UserID   string     `json:"userId"`
	IsOnline bool       `json:"isOnline"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

type pongPayload struct {
	RequestID string `json:"requestId"`
	Timestamp int64  `json:"timestamp"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// Decode turns a raw payload of the given kind into a typed event.
// self is the local user, used to interpret per-viewer deletion.
func Decode(kind Kind, payload []byte, self string) (Inbound, error) {
	switch kind {
	case KindNewMessage:
		var p newMessagePayload
		if err := unmarshal(kind, payload, &p); err != nil {
			return nil, err
		}
		if p.Message == nil || p.Message.ID == "" {
			return nil, missing(kind, "message.id")
		}
		if p.Message.ChatID == "" {
			p.Message.ChatID = p.ChatID
		}
		if p.Message.ChatID == "" {
			return nil, missing(kind, "chatId")
		}
		return MessageNew{Message: p.Message.ToModel(self)}, nil

	case KindMessageStatus:
		var p statusPayload
		if err := unmarshal(kind, payload, &p); err != nil {
			return nil, err
		}
		if p.MessageID == "" {
			return nil, missing(kind, "messageId")
		}
		st := model.Status(p.Status)
		if st != model.StatusSent && st != model.StatusDelivered && st != model.StatusRead {
			return nil, fmt.Errorf("%w: %s: status %q", ErrMalformed, kind, p.Status)
		}
		return MessageStatus{MessageID: p.MessageID, ChatID: p.ChatID, UserID: p.UserID, Status: st, At: p.Timestamp}, nil

	case KindMessageReaction:
		var p reactionPayload
		if err := unmarshal(kind, payload, &p); err != nil {
			return nil, err
		}
		if p.MessageID == "" || p.UserID == "" {
			return nil, missing(kind, "messageId/userId")
		}
		removed := p.Action == "remove"
		if !removed && p.Reaction == "" {
			return nil, missing(kind, "reaction")
		}
		ev := MessageReaction{MessageID: p.MessageID, ChatID: p.ChatID, UserID: p.UserID, Removed: removed, At: p.Timestamp}
		if !removed {
			ev.Value = p.Reaction
		}
		return ev, nil

	case KindMessageEdited:
		var p editedPayload
		if err := unmarshal(kind, payload, &p); err != nil {
			return nil, err
		}
		if p.MessageID == "" || p.EditedAt.IsZero() {
			return nil, missing(kind, "messageId/editedAt")
		}
		return MessageEdited{MessageID: p.MessageID, ChatID: p.ChatID, Content: p.Content, EditedAt: p.EditedAt}, nil

	case KindMessageDeleted:
		var p deletedPayload
		if err := unmarshal(kind, payload, &p); err != nil {
			return nil, err
		}
		if p.MessageID == "" {
			return nil, missing(kind, "messageId")
		}
		return MessageDeleted{MessageID: p.MessageID, ChatID: p.ChatID, UserID: p.UserID, ForEveryone: p.ForEveryone, At: p.Timestamp}, nil

	case KindTypingStart, KindTypingStop:
		var p typingPayload
		if err := unmarshal(kind, payload, &p); err != nil {
			return nil, err
		}
		if p.ChatID == "" || p.UserID == "" {
			return nil, missing(kind, "chatId/userId")
		}
		return Typing{ChatID: p.ChatID, UserID: p.UserID, IsTyping: kind == KindTypingStart}, nil

	case KindUserOnline, KindUserOffline:
		var p userStatusPayload
		if err := unmarshal(kind, payload, &p); err != nil {
			return nil, err
		}
		if p.UserID == "" {
			return nil, missing(kind, "userId")
		}
		ev := Presence{UserID: p.UserID, Online: kind == KindUserOnline}
		if p.LastSeen != nil {
			ev.LastSeen = *p.LastSeen
		}
		return ev, nil

	case KindPong:
		var p pongPayload
		if len(payload) > 0 {
			if err := unmarshal(kind, payload, &p); err != nil {
				return nil, err
			}
		}
		ev := Pong{RequestID: p.RequestID}
		if p.Timestamp > 0 {
			ev.At = time.UnixMilli(p.Timestamp)
		}
		return ev, nil

	case KindError:
		var p errorPayload
		if err := unmarshal(kind, payload, &p); err != nil {
			return nil, err
		}
		msg := p.Message
		if msg == "" {
			msg = p.Error
		}
		return ServerError{Code: p.Code, Message: msg}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

func unmarshal(kind Kind, payload []byte, v any) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: %s: empty payload", ErrMalformed, kind)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, kind, err)
	}
	return nil
}

func missing(kind Kind, field string) error {
	return fmt.Errorf("%w: %s: missing %s", ErrMalformed, kind, field)
}
