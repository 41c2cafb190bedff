package sync

import (
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/event"
	"github.com/matheus3301/chatsync/internal/model"
)

// Apply merges one inbound message event. It reports whether the event
// was a message event at all; typing, presence and control events are
// not the store's.
func (s *Store) Apply(ev event.Inbound) bool {
	switch e := ev.(type) {
	case event.MessageNew:
		s.merge(e.Message)
	case event.MessageStatus:
		s.withMessage(ev, e.MessageID, func(m *model.Message) bool { return s.applyStatus(m, e) })
	case event.MessageReaction:
		s.withMessage(ev, e.MessageID, func(m *model.Message) bool { return s.applyReaction(m, e) })
	case event.MessageEdited:
		s.withMessage(ev, e.MessageID, func(m *model.Message) bool {
			return applyEdit(m, e.Content, e.EditedAt)
		})
	case event.MessageDeleted:
		s.withMessage(ev, e.MessageID, func(m *model.Message) bool { return s.applyDelete(m, e) })
	default:
		return false
	}
	return true
}

// merge folds an incoming message record into the store. It is the
// path for broadcasts, send responses and history pages alike.
func (s *Store) merge(in *model.Message) {
	if in == nil || in.ID == "" {
		return
	}
	if cur := s.messages[s.resolve(in.ID)]; cur != nil {
		// The send response may reach us after an uncorrelated echo was
		// stored; fold the leftover temp record into the confirmed one.
		if in.ClientID != "" {
			if tmp := s.correlate(in); tmp != nil {
				s.dropTemp(tmp, cur)
			}
		}
		if !mergeInto(cur, in) {
			s.duplicate(cur.ID)
			return
		}
		s.changed(Upserted, cur, "")
		return
	}

	if tmp := s.correlate(in); tmp != nil {
		s.rename(tmp, in)
	} else {
		m := in.Clone()
		s.insert(m)
		s.changed(Upserted, m, "")
	}
	s.replayDeferred(in.ID)
}

// dropTemp removes a temp record whose confirmation turned out to be an
// already stored message.
func (s *Store) dropTemp(tmp, confirmed *model.Message) {
	s.remove(tmp.ID)
	s.aliases[tmp.ID] = confirmed.ID
	if confirmed.ClientID == "" {
		confirmed.ClientID = tmp.ID
	}
	s.outbox.Resolve(tmp.ID)
	s.changed(Replaced, confirmed, tmp.ID)
}

func (s *Store) duplicate(id string) {
	s.metrics.DuplicateIgnored()
	s.logger.Debug("duplicate ignored", zap.String("id", id), zap.Error(ErrDuplicateIgnored))
}

// withMessage applies fn to the addressed message, or parks ev until the
// message shows up.
func (s *Store) withMessage(ev event.Inbound, id string, fn func(*model.Message) bool) {
	m := s.lookup(id)
	if m == nil {
		s.park(id, ev)
		return
	}
	if !fn(m) {
		s.duplicate(m.ID)
		return
	}
	s.changed(Upserted, m, "")
}

func (s *Store) park(id string, ev event.Inbound) {
	if s.nDeferred >= s.cfg.MaxDeferred {
		s.metrics.DroppedEvent("overflow")
		s.logger.Warn("deferred event dropped", zap.String("id", id), zap.String("kind", string(ev.Kind())))
		return
	}
	s.deferred[id] = append(s.deferred[id], ev)
	s.nDeferred++
}

func (s *Store) replayDeferred(id string) {
	evs, ok := s.deferred[id]
	if !ok {
		return
	}
	delete(s.deferred, id)
	s.nDeferred -= len(evs)
	for _, ev := range evs {
		s.Apply(ev)
	}
}

func (s *Store) applyStatus(m *model.Message, e event.MessageStatus) bool {
	at := e.At
	if at.IsZero() {
		at = s.clock.Now()
	}
	changed := false
	if e.UserID != "" {
		switch e.Status {
		case model.StatusRead:
			changed = addReceipt(&m.ReadBy, e.UserID, at) || changed
			changed = addReceipt(&m.DeliveredTo, e.UserID, at) || changed
		case model.StatusDelivered:
			changed = addReceipt(&m.DeliveredTo, e.UserID, at) || changed
		}
	}
	if next := m.Status.Advance(e.Status); next != m.Status {
		m.Status = next
		changed = true
	}
	return changed
}

func (s *Store) applyReaction(m *model.Message, e event.MessageReaction) bool {
	at := e.At
	if at.IsZero() {
		at = s.clock.Now()
	}
	return setReaction(m, model.Reaction{UserID: e.UserID, Value: e.Value, At: at})
}

func (s *Store) applyDelete(m *model.Message, e event.MessageDeleted) bool {
	if e.ForEveryone {
		return deleteMark(m, model.DeletedForEveryone)
	}
	// Another participant hiding a message for themselves changes nothing
	// for this viewer.
	if e.UserID != "" && e.UserID != s.cfg.Self {
		return false
	}
	return deleteMark(m, model.DeletedForSelf)
}

// mergeInto folds src into dst field by field and reports whether dst
// changed. Every rule is monotonic, so merging the same record again is
// a no-op.
func mergeInto(dst, src *model.Message) bool {
	changed := false
	if next := dst.Status.Advance(src.Status); next != dst.Status {
		dst.Status = next
		changed = true
	}
	for u, at := range src.ReadBy {
		changed = addReceipt(&dst.ReadBy, u, at) || changed
	}
	for u, at := range src.DeliveredTo {
		changed = addReceipt(&dst.DeliveredTo, u, at) || changed
	}
	for _, r := range src.Reactions {
		changed = setReaction(dst, r) || changed
	}
	if !src.EditedAt.IsZero() {
		changed = applyEdit(dst, src.Content, src.EditedAt) || changed
	}
	changed = deleteMark(dst, src.Deletion) || changed

	if dst.ClientID == "" && src.ClientID != "" && src.ClientID != dst.ID {
		dst.ClientID = src.ClientID
	}
	if dst.CreatedAt.IsZero() && !src.CreatedAt.IsZero() {
		dst.CreatedAt = src.CreatedAt
		changed = true
	}
	if !dst.Tombstoned() {
		if dst.MediaURL == "" && src.MediaURL != "" {
			dst.MediaURL = src.MediaURL
			changed = true
		}
		if dst.FileName == "" && src.FileName != "" {
			dst.FileName = src.FileName
			changed = true
		}
	}
	return changed
}

// addReceipt adds user to a receipt set. The first timestamp seen wins,
// so the set only ever grows.
func addReceipt(set *map[string]time.Time, user string, at time.Time) bool {
	if _, ok := (*set)[user]; ok {
		return false
	}
	if *set == nil {
		*set = make(map[string]time.Time)
	}
	(*set)[user] = at
	return true
}

// setReaction is last-writer-wins per user on the reaction's own
// timestamp. Ties go to the greater value so replicas converge.
func setReaction(m *model.Message, r model.Reaction) bool {
	cur, ok := m.Reactions[r.UserID]
	if ok {
		if r.At.Before(cur.At) {
			return false
		}
		if r.At.Equal(cur.At) && r.Value <= cur.Value {
			return false
		}
	}
	if m.Reactions == nil {
		m.Reactions = make(map[string]model.Reaction)
	}
	m.Reactions[r.UserID] = r
	return true
}

func applyEdit(m *model.Message, content string, at time.Time) bool {
	if m.Tombstoned() || !at.After(m.EditedAt) {
		return false
	}
	m.Content = content
	m.EditedAt = at
	return true
}

func deleteMark(m *model.Message, d model.Deletion) bool {
	next := m.Deletion.Max(d)
	if next == m.Deletion {
		return false
	}
	m.Deletion = next
	if next == model.DeletedForEveryone {
		m.Content = ""
		m.MediaURL = ""
		m.FileName = ""
	}
	return true
}
