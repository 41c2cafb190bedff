package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/event"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/status"
	intsync "github.com/matheus3301/chatsync/internal/sync"
)

// Status is a point-in-time view of the engine.
type Status struct {
	State          status.State  `json:"state"`
	RTT            time.Duration `json:"rtt"`
	Attempt        int           `json:"attempt"`
	NextRetryDelay time.Duration `json:"nextRetryDelay"`
	LastError      string        `json:"lastError,omitempty"`
	ActiveChat     string        `json:"activeChat,omitempty"`
	Messages       int           `json:"messages"`
	Pending        int           `json:"pending"`
	Deferred       int           `json:"deferred"`
	TotalUnread    int           `json:"totalUnread"`
}

func (e *Engine) Status(ctx context.Context) (Status, error) {
	var st Status
	err := e.do(ctx, func() {
		st = Status{
			State:          e.conn.State(),
			RTT:            e.conn.RTT(),
			Attempt:        e.conn.Attempt(),
			NextRetryDelay: e.conn.NextRetryDelay(),
			ActiveChat:     e.store.ActiveChat(),
			Messages:       e.store.Len(),
			Pending:        e.outbox.Len(),
			Deferred:       e.store.Deferred(),
			TotalUnread:    e.unread.TotalUnread(),
		}
		if err := e.conn.LastError(); err != nil {
			st.LastError = err.Error()
		}
	})
	return st, err
}

// State is safe to call at any time, running or not.
func (e *Engine) State() status.State { return e.conn.State() }

func (e *Engine) Connect(ctx context.Context) error {
	return e.do(ctx, func() {
		e.wantOnline = true
		e.conn.Connect()
	})
}

func (e *Engine) Reconnect(ctx context.Context) error {
	return e.do(ctx, func() {
		e.wantOnline = true
		e.conn.Reconnect()
	})
}

func (e *Engine) Disconnect(ctx context.Context) error {
	return e.do(ctx, func() {
		e.wantOnline = false
		e.conn.Disconnect()
	})
}

// NetworkRegained reports that the device came back online.
func (e *Engine) NetworkRegained(ctx context.Context) error {
	return e.do(ctx, func() { e.conn.NetworkRegained() })
}

// Foreground reports that the app came back to the foreground.
func (e *Engine) Foreground(ctx context.Context) error {
	return e.do(ctx, func() { e.conn.ForegroundRegained() })
}

// SendText stores a pending message and returns it with its temporary
// id. Delivery continues in the background.
func (e *Engine) SendText(ctx context.Context, chatID, content, replyTo string) (*model.Message, error) {
	var (
		m   *model.Message
		err error
	)
	if cerr := e.do(ctx, func() { m, err = e.store.SendText(chatID, content, replyTo) }); cerr != nil {
		return nil, cerr
	}
	return m, err
}

func (e *Engine) SendMedia(ctx context.Context, chatID string, media intsync.Media, caption string) (*model.Message, error) {
	var (
		m   *model.Message
		err error
	)
	if cerr := e.do(ctx, func() { m, err = e.store.SendMedia(chatID, media, caption) }); cerr != nil {
		return nil, cerr
	}
	return m, err
}

// SendFile uploads path and sends it as a media message.
func (e *Engine) SendFile(ctx context.Context, chatID, path, caption string) (*model.Message, error) {
	if e.uploader == nil {
		return nil, errors.New("engine: no uploader configured")
	}
	ref, err := e.uploader.UploadFile(ctx, path)
	if err != nil {
		return nil, err
	}
	return e.SendMedia(ctx, chatID, intsync.Media{Type: ref.Type(), URL: ref.URL, FileName: ref.FileName}, caption)
}

// Retry re-queues a failed send.
func (e *Engine) Retry(ctx context.Context, id string) error {
	var err error
	if cerr := e.do(ctx, func() { err = e.store.Retry(id) }); cerr != nil {
		return cerr
	}
	return err
}

// action runs a store action and waits for its request.
func (e *Engine) action(ctx context.Context, fn func() (<-chan error, error)) error {
	var (
		done <-chan error
		err  error
	)
	if cerr := e.do(ctx, func() { done, err = fn() }); cerr != nil {
		return cerr
	}
	if err != nil {
		return err
	}
	return await(ctx, done)
}

func (e *Engine) Edit(ctx context.Context, id, content string) error {
	return e.action(ctx, func() (<-chan error, error) { return e.store.Edit(id, content) })
}

func (e *Engine) Delete(ctx context.Context, id string, forEveryone bool) error {
	return e.action(ctx, func() (<-chan error, error) { return e.store.Delete(id, forEveryone) })
}

func (e *Engine) React(ctx context.Context, id, value string) error {
	return e.action(ctx, func() (<-chan error, error) { return e.store.React(id, value) })
}

func (e *Engine) Unreact(ctx context.Context, id string) error {
	return e.action(ctx, func() (<-chan error, error) { return e.store.Unreact(id) })
}

func (e *Engine) MarkRead(ctx context.Context, id string) error {
	return e.action(ctx, func() (<-chan error, error) { return e.store.MarkRead(id) })
}

// MarkChatRead marks every unread message of chatID and returns how many
// were marked.
func (e *Engine) MarkChatRead(ctx context.Context, chatID string) (int, error) {
	var (
		n    int
		done <-chan error
	)
	if err := e.do(ctx, func() { n, done = e.store.MarkChatRead(chatID) }); err != nil {
		return 0, err
	}
	return n, await(ctx, done)
}

// OpenChat makes chatID the active chat and loads its newest page. The
// server is told about the switch so it scopes typing signals.
func (e *Engine) OpenChat(ctx context.Context, chatID string) error {
	var done <-chan error
	err := e.do(ctx, func() {
		var act intsync.Activation
		act, done = e.store.SetActiveChat(chatID)
		if act.Prev == act.Current {
			return
		}
		if act.Prev != "" {
			if err := e.tracker.StopTyping(act.Prev); err != nil {
				e.logger.Debug("typing stop on chat switch", zap.String("chat", act.Prev), zap.Error(err))
			}
			e.sendChatFrame(event.KindLeaveChat, act.Prev)
		}
		if act.Current != "" {
			e.sendChatFrame(event.KindJoinChat, act.Current)
		}
	})
	if err != nil {
		return err
	}
	return await(ctx, done)
}

func (e *Engine) LoadOlder(ctx context.Context, chatID string) error {
	return e.action(ctx, func() (<-chan error, error) { return e.store.LoadOlder(chatID) })
}

// Messages returns copies of a chat's messages, oldest first.
func (e *Engine) Messages(ctx context.Context, chatID string) ([]*model.Message, error) {
	var out []*model.Message
	err := e.do(ctx, func() { out = e.store.ListByChat(chatID) })
	return out, err
}

func (e *Engine) Message(ctx context.Context, id string) (*model.Message, error) {
	var (
		m  *model.Message
		ok bool
	)
	if err := e.do(ctx, func() { m, ok = e.store.Get(id) }); err != nil {
		return nil, err
	}
	if !ok {
		return nil, intsync.ErrNotFound
	}
	return m, nil
}

// Chats lists chats, most recent first, with unread counts and typers.
func (e *Engine) Chats(ctx context.Context) ([]model.Chat, error) {
	var out []model.Chat
	err := e.do(ctx, func() {
		out = e.unread.Counts()
		for i := range out {
			out[i].TypingUserIDs = e.tracker.ActiveTypers(out[i].ID)
		}
	})
	return out, err
}

func (e *Engine) UpsertChat(ctx context.Context, c model.Chat) error {
	return e.do(ctx, func() { e.store.UpsertChat(c) })
}

func (e *Engine) SetMuted(ctx context.Context, chatID string, muted bool) error {
	return e.do(ctx, func() {
		e.store.SetMuted(chatID, muted)
		e.unread.MuteChanged(chatID)
	})
}

func (e *Engine) UnreadCount(ctx context.Context, chatID string) (int, error) {
	var n int
	err := e.do(ctx, func() { n = e.unread.UnreadCount(chatID) })
	return n, err
}

func (e *Engine) TotalUnread(ctx context.Context) (int, error) {
	var n int
	err := e.do(ctx, func() { n = e.unread.TotalUnread() })
	return n, err
}

// StartTyping signals that the local user is typing in chatID.
// Repeated calls are debounced.
func (e *Engine) StartTyping(ctx context.Context, chatID string) error {
	var err error
	if cerr := e.do(ctx, func() { err = e.tracker.StartTyping(chatID) }); cerr != nil {
		return cerr
	}
	return err
}

func (e *Engine) StopTyping(ctx context.Context, chatID string) error {
	var err error
	if cerr := e.do(ctx, func() { err = e.tracker.StopTyping(chatID) }); cerr != nil {
		return cerr
	}
	return err
}

func (e *Engine) ActiveTypers(ctx context.Context, chatID string) ([]string, error) {
	var out []string
	err := e.do(ctx, func() { out = e.tracker.ActiveTypers(chatID) })
	return out, err
}

// Presence returns the last known presence of userID.
func (e *Engine) Presence(ctx context.Context, userID string) (presence.Presence, bool, error) {
	var (
		p  presence.Presence
		ok bool
	)
	err := e.do(ctx, func() { p, ok = e.tracker.Presence(userID) })
	return p, ok, err
}
