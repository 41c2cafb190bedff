package sync

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/model"
)

// The action methods apply their effect locally before the request
// completes. The returned channel yields the request's error once; a
// failed request reverts the local effect unless something newer
// touched the record meanwhile.

// Edit replaces the content of a text message the local user sent.
func (s *Store) Edit(id, content string) (<-chan error, error) {
	m, err := s.target(id)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	switch {
	case m.SenderID != s.cfg.Self, m.Type != model.TypeText:
		return nil, ErrNotEditable
	case m.Tombstoned():
		return nil, ErrDeleted
	case now.Sub(m.CreatedAt) > model.ModifyWindow:
		return nil, ErrNotEditable
	case strings.TrimSpace(content) == "":
		return nil, model.ErrInvalidContent
	}
	revert := s.revertFn(m.Clone())
	applyEdit(m, content, now)
	s.changed(Upserted, m, "")

	msgID := m.ID
	var confirmed *model.Message
	return s.async(func(ctx context.Context) error {
		var err error
		confirmed, err = s.api.EditMessage(ctx, msgID, content)
		return err
	}, func(err error) {
		if err != nil {
			revert(err)
			return
		}
		if confirmed != nil && confirmed.ID == msgID {
			if cur := s.messages[msgID]; cur != nil && mergeInto(cur, confirmed) {
				s.changed(Upserted, cur, "")
			}
		}
	}), nil
}

// Delete removes a message for everyone or hides it for the local user.
// Deleting a failed send that never reached the server drops it.
func (s *Store) Delete(id string, forEveryone bool) (<-chan error, error) {
	m := s.lookup(id)
	if m == nil {
		return nil, ErrNotFound
	}
	if !m.Confirmed() {
		if m.Status != model.StatusFailed {
			return nil, ErrUnconfirmed
		}
		s.outbox.Remove(m.ID)
		s.remove(m.ID)
		s.changed(Removed, m, "")
		s.logger.Debug("failed send discarded", zap.String("temp_id", m.ID))
		return settled(nil), nil
	}

	mark := model.DeletedForSelf
	if forEveryone {
		switch {
		case m.SenderID != s.cfg.Self:
			return nil, ErrNotDeletable
		case s.clock.Now().Sub(m.CreatedAt) > model.ModifyWindow:
			return nil, ErrNotDeletable
		}
		mark = model.DeletedForEveryone
	}
	if m.Deletion.Max(mark) == m.Deletion {
		return settled(nil), nil
	}
	revert := s.revertFn(m.Clone())
	deleteMark(m, mark)
	s.changed(Upserted, m, "")

	msgID := m.ID
	return s.async(func(ctx context.Context) error {
		return s.api.DeleteMessage(ctx, msgID, forEveryone)
	}, revert), nil
}

// React sets the local user's reaction, replacing any previous one.
func (s *Store) React(id, value string) (<-chan error, error) {
	if strings.TrimSpace(value) == "" {
		return nil, model.ErrInvalidContent
	}
	m, err := s.target(id)
	if err != nil {
		return nil, err
	}
	if m.Tombstoned() {
		return nil, ErrDeleted
	}
	if cur, ok := m.Reactions[s.cfg.Self]; ok && cur.Value == value {
		return settled(nil), nil
	}
	revert := s.revertFn(m.Clone())
	setReaction(m, model.Reaction{UserID: s.cfg.Self, Value: value, At: s.reactionTime(m)})
	s.changed(Upserted, m, "")

	msgID := m.ID
	return s.async(func(ctx context.Context) error {
		return s.api.AddReaction(ctx, msgID, value)
	}, revert), nil
}

// Unreact removes the local user's reaction. The removal is kept as a
// timestamped empty reaction so an older add arriving late loses.
func (s *Store) Unreact(id string) (<-chan error, error) {
	m, err := s.target(id)
	if err != nil {
		return nil, err
	}
	cur, ok := m.Reactions[s.cfg.Self]
	if !ok || cur.Value == "" {
		return settled(nil), nil
	}
	revert := s.revertFn(m.Clone())
	setReaction(m, model.Reaction{UserID: s.cfg.Self, At: s.reactionTime(m)})
	s.changed(Upserted, m, "")

	msgID := m.ID
	return s.async(func(ctx context.Context) error {
		return s.api.RemoveReaction(ctx, msgID)
	}, revert), nil
}

// reactionTime is now, nudged past the stored reaction so a local
// change always wins over the one it replaces.
func (s *Store) reactionTime(m *model.Message) time.Time {
	now := s.clock.Now()
	if cur, ok := m.Reactions[s.cfg.Self]; ok && !now.After(cur.At) {
		now = cur.At.Add(time.Millisecond)
	}
	return now
}

// MarkRead adds the local user to the message's read set. Marking an
// already read message, or one the local user sent, is a no-op.
func (s *Store) MarkRead(id string) (<-chan error, error) {
	m, err := s.target(id)
	if err != nil {
		return nil, err
	}
	if !s.unread(m) {
		return settled(nil), nil
	}
	return s.markRead([]*model.Message{m}), nil
}

// MarkChatRead marks every unread message of the chat in one request and
// returns how many were newly marked.
func (s *Store) MarkChatRead(chatID string) (int, <-chan error) {
	var batch []*model.Message
	s.Each(chatID, func(m *model.Message) {
		if s.unread(m) {
			batch = append(batch, m)
		}
	})
	if len(batch) == 0 {
		return 0, settled(nil)
	}
	return len(batch), s.markRead(batch)
}

// unread reports whether m counts against the local user.
func (s *Store) unread(m *model.Message) bool {
	return m.Confirmed() && m.SenderID != s.cfg.Self && !m.Tombstoned() && !m.IsReadBy(s.cfg.Self)
}

func (s *Store) markRead(batch []*model.Message) <-chan error {
	now := s.clock.Now()
	ids := make([]string, 0, len(batch))
	for _, m := range batch {
		addReceipt(&m.ReadBy, s.cfg.Self, now)
		s.changed(Upserted, m, "")
		ids = append(ids, m.ID)
	}
	return s.async(func(ctx context.Context) error {
		return s.api.MarkRead(ctx, ids)
	}, func(err error) {
		if err == nil {
			return
		}
		// Receipts only grow, so the local mark stays and the ids are
		// resent by FlushReads.
		for _, id := range ids {
			s.unsentReads[id] = struct{}{}
		}
		s.logger.Warn("mark read failed", zap.Int("messages", len(ids)), zap.Error(err))
	})
}

// FlushReads resends read receipts whose request failed.
func (s *Store) FlushReads() <-chan error {
	if len(s.unsentReads) == 0 {
		return settled(nil)
	}
	ids := make([]string, 0, len(s.unsentReads))
	for id := range s.unsentReads {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	clear(s.unsentReads)
	return s.async(func(ctx context.Context) error {
		return s.api.MarkRead(ctx, ids)
	}, func(err error) {
		if err == nil {
			return
		}
		for _, id := range ids {
			s.unsentReads[id] = struct{}{}
		}
	})
}

// target resolves a message that local actions may address.
func (s *Store) target(id string) (*model.Message, error) {
	m := s.lookup(id)
	if m == nil {
		return nil, ErrNotFound
	}
	if !m.Confirmed() {
		return nil, ErrUnconfirmed
	}
	return m, nil
}
