package sync

import (
	"context"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/model"
)

// Activation is published when the active chat changes.
type Activation struct {
	Prev    string
	Current string
}

// ActiveChat is the chat whose history is being loaded, if any.
func (s *Store) ActiveChat() string { return s.active }

// SetActiveChat switches the active chat and loads its newest page. The
// previous chat's in-flight load is cancelled and any response that
// still arrives for it is discarded. An empty chatID clears the active
// chat.
func (s *Store) SetActiveChat(chatID string) (Activation, <-chan error) {
	act := Activation{Prev: s.active, Current: chatID}
	if chatID == s.active {
		return act, settled(nil)
	}
	s.cancelLoad()
	s.active = chatID
	s.bus.Emit(bus.ChatActivated, act)
	if chatID == "" {
		return act, settled(nil)
	}
	s.chat(chatID)
	_, seen := s.cursors[chatID]
	return act, s.load(chatID, "", !seen)
}

// LoadOlder fetches the page after the stored cursor of the active chat.
// It yields nil without a request once history is exhausted.
func (s *Store) LoadOlder(chatID string) (<-chan error, error) {
	if chatID == "" || chatID != s.active {
		return nil, ErrNotActive
	}
	cursor, ok := s.cursors[chatID]
	if ok && cursor == "" {
		return settled(nil), nil
	}
	s.cancelLoad()
	return s.load(chatID, cursor, !ok), nil
}

// RefreshActive refetches the newest page of the active chat, merging
// whatever was missed while offline. The stored cursor is kept.
func (s *Store) RefreshActive() <-chan error {
	if s.active == "" {
		return settled(nil)
	}
	s.cancelLoad()
	_, seen := s.cursors[s.active]
	return s.load(s.active, "", !seen)
}

func (s *Store) cancelLoad() {
	if s.loadCancel != nil {
		s.loadCancel()
		s.loadCancel = nil
	}
}

// load fetches one page. The response only applies if it is still the
// latest load and its chat is still active.
func (s *Store) load(chatID, cursor string, keepCursor bool) <-chan error {
	s.loadSeq++
	seq := s.loadSeq
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.RequestTimeout)
	s.loadCancel = cancel

	done := make(chan error, 1)
	go func() {
		page, err := s.api.FetchMessages(ctx, chatID, cursor, s.cfg.PageSize)
		cancel()
		posted := s.q.Post(func() {
			if seq != s.loadSeq || chatID != s.active {
				s.metrics.DroppedEvent("stale")
				s.logger.Debug("stale history response discarded", zap.String("chat_id", chatID))
				done <- context.Canceled
				return
			}
			s.loadCancel = nil
			if err != nil {
				s.logger.Warn("load history", zap.String("chat_id", chatID), zap.Error(err))
				done <- err
				return
			}
			for _, m := range page.Messages {
				if m.ChatID == "" {
					m.ChatID = chatID
				}
				s.merge(m)
			}
			if keepCursor || cursor != "" {
				s.cursors[chatID] = page.Next
			}
			s.logger.Debug("history page merged", zap.String("chat_id", chatID), zap.Int("messages", len(page.Messages)))
			done <- nil
		})
		if !posted {
			done <- context.Canceled
		}
	}()
	return done
}

// Hydrate seeds the store from a persisted snapshot without emitting
// change notifications. Pending sends are queued again; failed ones stay
// failed.
func (s *Store) Hydrate(chats []model.Chat, msgs []*model.Message) {
	for i := range chats {
		c := chats[i]
		c.ParticipantIDs = append([]string(nil), c.ParticipantIDs...)
		c.UnreadCount = 0
		c.TypingUserIDs = nil
		s.chats[c.ID] = &c
	}
	for _, m := range msgs {
		if _, ok := s.messages[m.ID]; ok {
			continue
		}
		m = m.Clone()
		s.messages[m.ID] = m
		ids := s.byChat[m.ChatID]
		if ids == nil {
			ids = make(map[string]struct{})
			s.byChat[m.ChatID] = ids
		}
		ids[m.ID] = struct{}{}
		if c := s.chats[m.ChatID]; c == nil {
			s.chats[m.ChatID] = &model.Chat{ID: m.ChatID}
		}
		if m.Confirmed() {
			if m.ClientID != "" {
				s.aliases[m.ClientID] = m.ID
			}
			continue
		}
		s.unconfirmed[m.ID] = struct{}{}
		if m.Status == model.StatusPending {
			s.outbox.Enqueue(m.ID, requestOf(m), m.CreatedAt)
		}
	}
	for id, c := range s.chats {
		if c.LastMessageID == "" || s.messages[c.LastMessageID] == nil {
			c.LastMessageID = s.latestIn(id)
		}
	}
	s.logger.Info("store hydrated", zap.Int("chats", len(chats)), zap.Int("messages", len(msgs)))
}
