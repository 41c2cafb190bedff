package sync

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chatapi"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/outbox"
)

// TempPrefix starts every client-generated id.
const TempPrefix = "tmp-"

// Media references an uploaded attachment.
type Media struct {
	Type     model.MessageType
	URL      string
	FileName string
}

// SendText inserts a pending text message and queues its confirmation.
func (s *Store) SendText(chatID, content, replyTo string) (*model.Message, error) {
	return s.send(model.SendRequest{ChatID: chatID, Type: model.TypeText, Content: content, ReplyToID: replyTo})
}

// SendMedia inserts a pending media message. content is an optional
// caption.
func (s *Store) SendMedia(chatID string, media Media, content string) (*model.Message, error) {
	if media.Type == "" {
		media.Type = model.TypeFile
	}
	return s.send(model.SendRequest{
		ChatID:   chatID,
		Type:     media.Type,
		Content:  content,
		MediaURL: media.URL,
		FileName: media.FileName,
	})
}

func (s *Store) send(req model.SendRequest) (*model.Message, error) {
	if err := model.ValidateSend(req); err != nil {
		return nil, err
	}
	tempID := TempPrefix + uuid.NewString()
	req.ClientID = tempID
	m := &model.Message{
		ID:        tempID,
		ClientID:  tempID,
		ChatID:    req.ChatID,
		SenderID:  s.cfg.Self,
		Type:      req.Type,
		Content:   req.Content,
		MediaURL:  req.MediaURL,
		FileName:  req.FileName,
		ReplyToID: req.ReplyToID,
		CreatedAt: s.clock.Now(),
		Status:    model.StatusPending,
		Retryable: true,
	}
	s.insert(m)
	s.changed(Upserted, m, "")
	s.outbox.Enqueue(tempID, req, m.CreatedAt)
	return m.Clone(), nil
}

// Retry requeues a failed send under its temporary id.
func (s *Store) Retry(id string) error {
	m := s.lookup(id)
	switch {
	case m == nil:
		return ErrNotFound
	case m.Confirmed() || m.Status != model.StatusFailed:
		return ErrNotRetryable
	case !m.Retryable:
		return ErrNotRetryable
	}
	// A manual retry is the one place status moves back to pending.
	m.Status = model.StatusPending
	s.changed(Upserted, m, "")
	s.outbox.Enqueue(m.ID, requestOf(m), m.CreatedAt)
	return nil
}

func requestOf(m *model.Message) model.SendRequest {
	return model.SendRequest{
		ClientID:  m.ClientID,
		ChatID:    m.ChatID,
		Type:      m.Type,
		Content:   m.Content,
		MediaURL:  m.MediaURL,
		FileName:  m.FileName,
		ReplyToID: m.ReplyToID,
	}
}

// settle receives outbox results on the queue.
func (s *Store) settle(r outbox.Result) {
	if r.Message != nil && r.Message.ID == "" {
		// A confirmation without a server id cannot be merged; the
		// record would stay pending with nothing left to drive it.
		if r.Orphan {
			return
		}
		s.outbox.Remove(r.TempID)
		r = outbox.Result{
			TempID:    r.TempID,
			Err:       fmt.Errorf("send %s: %w: no message id", r.TempID, chatapi.ErrMalformedResponse),
			Final:     true,
			Retryable: true,
		}
	}
	if r.Message != nil {
		if r.Message.ClientID == "" {
			r.Message.ClientID = r.TempID
		}
		if r.Orphan {
			s.logger.Debug("late send response", zap.String("temp_id", r.TempID), zap.String("id", r.Message.ID))
		}
		s.merge(r.Message)
		return
	}
	if !r.Final {
		return
	}
	m := s.messages[r.TempID]
	if m == nil || m.Confirmed() {
		return
	}
	m.Status = m.Status.Advance(model.StatusFailed)
	m.Retryable = r.Retryable
	var ve *chatapi.ValidationError
	if errors.As(r.Err, &ve) {
		m.Retryable = false
	}
	s.changed(Upserted, m, "")
	s.bus.Emit(bus.MessageSendFailed, &SendFailure{TempID: r.TempID, ChatID: m.ChatID, Err: r.Err, Retryable: m.Retryable})
}

// correlate finds the unconfirmed local record an inbound message
// confirms: exactly through the echoed client id, otherwise by sender,
// chat, type and content within the correlation window, oldest first.
func (s *Store) correlate(in *model.Message) *model.Message {
	if in.ClientID != "" {
		if _, ok := s.unconfirmed[in.ClientID]; ok {
			return s.messages[in.ClientID]
		}
		return nil
	}
	if in.SenderID != s.cfg.Self {
		return nil
	}
	at := in.CreatedAt
	if at.IsZero() {
		at = s.clock.Now()
	}
	var best *model.Message
	for id := range s.unconfirmed {
		m := s.messages[id]
		if m.ChatID != in.ChatID || m.Type != in.Type || m.Content != in.Content || m.MediaURL != in.MediaURL {
			continue
		}
		d := at.Sub(m.CreatedAt)
		if d < 0 {
			d = -d
		}
		if d > s.cfg.CorrelationWindow {
			continue
		}
		if best == nil || model.Less(m, best) {
			best = m
		}
	}
	return best
}

// rename replaces the temporary record with the confirmed one under the
// server id.
func (s *Store) rename(tmp, in *model.Message) {
	delete(s.messages, tmp.ID)
	delete(s.unconfirmed, tmp.ID)
	delete(s.revs, tmp.ID)
	delete(s.byChat[tmp.ChatID], tmp.ID)
	if c := s.chats[tmp.ChatID]; c != nil && c.LastMessageID == tmp.ID {
		c.LastMessageID = ""
	}

	m := in.Clone()
	m.ClientID = tmp.ID
	m.Retryable = false
	mergeInto(m, tmp)
	s.aliases[tmp.ID] = m.ID
	s.insert(m)
	s.outbox.Resolve(tmp.ID)
	s.changed(Replaced, m, tmp.ID)
	s.bus.Emit(bus.MessageSendAck, map[string]string{"temp_id": tmp.ID, "id": m.ID, "chat_id": m.ChatID})
	s.logger.Debug("send confirmed", zap.String("temp_id", tmp.ID), zap.String("id", m.ID))
}
