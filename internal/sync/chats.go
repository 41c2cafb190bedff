package sync

import (
	"sort"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/model"
)

// UpsertChat records chat metadata. LastMessageID and the derived fields
// stay owned by the store.
func (s *Store) UpsertChat(chat model.Chat) {
	c := s.chats[chat.ID]
	if c == nil {
		c = &model.Chat{ID: chat.ID, LastMessageID: s.latestIn(chat.ID)}
		s.chats[chat.ID] = c
	}
	c.Name = chat.Name
	c.ParticipantIDs = append([]string(nil), chat.ParticipantIDs...)
	c.IsMuted = chat.IsMuted
	s.emitChat(c)
}

// SetMuted toggles the mute flag, creating the chat if unknown.
func (s *Store) SetMuted(chatID string, muted bool) {
	c := s.chat(chatID)
	if c.IsMuted == muted {
		return
	}
	c.IsMuted = muted
	s.emitChat(c)
}

// Chat returns a copy of the chat.
func (s *Store) Chat(chatID string) (model.Chat, bool) {
	c := s.chats[chatID]
	if c == nil {
		return model.Chat{}, false
	}
	return copyChat(c), true
}

// Chats returns every chat, most recent activity first.
func (s *Store) Chats() []model.Chat {
	out := make([]model.Chat, 0, len(s.chats))
	for _, c := range s.chats {
		out = append(out, copyChat(c))
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := s.messages[out[i].LastMessageID], s.messages[out[j].LastMessageID]
		switch {
		case a == nil && b == nil:
			return out[i].ID < out[j].ID
		case a == nil:
			return false
		case b == nil:
			return true
		}
		return model.Less(b, a)
	})
	return out
}

// IsMuted reports the chat's mute flag.
func (s *Store) IsMuted(chatID string) bool {
	c := s.chats[chatID]
	return c != nil && c.IsMuted
}

func (s *Store) chat(chatID string) *model.Chat {
	c := s.chats[chatID]
	if c == nil {
		c = &model.Chat{ID: chatID}
		s.chats[chatID] = c
	}
	return c
}

// touchChat creates the chat on first sight and advances LastMessageID.
func (s *Store) touchChat(m *model.Message) {
	c, known := s.chats[m.ChatID]
	if !known {
		c = s.chat(m.ChatID)
	}
	last := s.messages[c.LastMessageID]
	if last != nil && !model.Less(last, m) {
		if !known {
			s.emitChat(c)
		}
		return
	}
	c.LastMessageID = m.ID
	s.emitChat(c)
}

func (s *Store) emitChat(c *model.Chat) {
	s.bus.Emit(bus.ChatUpserted, copyChat(c))
}

func copyChat(c *model.Chat) model.Chat {
	out := *c
	out.ParticipantIDs = append([]string(nil), c.ParticipantIDs...)
	out.TypingUserIDs = append([]string(nil), c.TypingUserIDs...)
	return out
}
