// Package unread derives unread counts from the message store.
package unread

import (
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/model"
	intsync "github.com/matheus3301/chatsync/internal/sync"
)

// Source is the read side of the message store.
type Source interface {
	Self() string
	Each(chatID string, fn func(*model.Message))
	Chats() []model.Chat
	IsMuted(chatID string) bool
	OnChange(fn func(intsync.Change))
}

// Count is published when a chat's unread count changes.
type Count struct {
	ChatID string `json:"chatId"`
	Count  int    `json:"count"`
	Total  int    `json:"total"`
}

// Aggregator recomputes counts from the store on demand. It keeps the
// last published value per chat only to suppress redundant notifications.
// Like the store, it runs on the engine queue.
type Aggregator struct {
	src  Source
	bus  *bus.Bus
	last map[string]int
}

// New attaches an aggregator to src.
func New(src Source, b *bus.Bus) *Aggregator {
	a := &Aggregator{src: src, bus: b, last: make(map[string]int)}
	src.OnChange(func(c intsync.Change) { a.Refresh(c.ChatID) })
	return a
}

// Unread reports whether m counts as unread for the local user: sent by
// someone else, not read by self and still visible to self. Deletions
// for self only ever come from the local user.
func Unread(m *model.Message, self string) bool {
	return m.SenderID != self && m.Confirmed() && m.Deletion == model.DeletionNone && !m.IsReadBy(self)
}

// UnreadCount is the number of unread messages in chatID.
func (a *Aggregator) UnreadCount(chatID string) int {
	self := a.src.Self()
	n := 0
	a.src.Each(chatID, func(m *model.Message) {
		if Unread(m, self) {
			n++
		}
	})
	return n
}

// TotalUnread sums UnreadCount over chats that are not muted.
func (a *Aggregator) TotalUnread() int {
	total := 0
	for _, c := range a.src.Chats() {
		if !c.IsMuted {
			total += a.UnreadCount(c.ID)
		}
	}
	return total
}

// Counts returns every chat with its unread count filled in.
func (a *Aggregator) Counts() []model.Chat {
	chats := a.src.Chats()
	for i := range chats {
		chats[i].UnreadCount = a.UnreadCount(chats[i].ID)
	}
	return chats
}

// Refresh recomputes chatID and publishes if its count changed.
func (a *Aggregator) Refresh(chatID string) {
	n := a.UnreadCount(chatID)
	prev, seen := a.last[chatID]
	if seen && prev == n {
		return
	}
	a.last[chatID] = n
	a.bus.Emit(bus.UnreadChanged, Count{ChatID: chatID, Count: n, Total: a.TotalUnread()})
}

// MuteChanged republishes the total after a mute toggle.
func (a *Aggregator) MuteChanged(chatID string) {
	n := a.UnreadCount(chatID)
	a.last[chatID] = n
	a.bus.Emit(bus.UnreadChanged, Count{ChatID: chatID, Count: n, Total: a.TotalUnread()})
}
