// Package presence tracks who is typing and who is online.
//
// A Tracker is confined to the engine queue, like the message store.
package presence

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/clock"
	"github.com/matheus3301/chatsync/internal/event"
	"github.com/matheus3301/chatsync/internal/queue"
)

// Sender delivers outbound typing signals, normally the connection
// manager.
type Sender interface {
	Send(kind event.Kind, payload any) error
}

type Config struct {
	Self string
	// Debounce is the minimum gap between two typing-start signals.
	Debounce time.Duration
	// Inactivity is how long after the last StartTyping a stop is sent.
	Inactivity time.Duration
	// Expiry is how long a remote typing-start stays valid unrefreshed.
	Expiry time.Duration
}

type Deps struct {
	Sender Sender
	Queue  *queue.Queue
	Clock  clock.Clock
	Bus    *bus.Bus
	Logger *zap.Logger
}

// TypingChange is published whenever a chat's typer set changes.
type TypingChange struct {
	ChatID  string   `json:"chatId"`
	UserIDs []string `json:"userIds"`
}

// Presence is a user's last known online state.
type Presence struct {
	UserID   string    `json:"userId"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"lastSeen,omitzero"`
}

type local struct {
	active   bool
	lastSent time.Time
	idle     clock.Timer
	gen      uint64
}

type entry struct {
	expiresAt time.Time
	timer     clock.Timer
	gen       uint64
}

type Tracker struct {
	cfg    Config
	sender Sender
	q      *queue.Queue
	clock  clock.Clock
	bus    *bus.Bus
	logger *zap.Logger

	seq      uint64
	local    map[string]*local
	remote   map[string]map[string]*entry
	presence map[string]Presence
	hooks    []func(TypingChange)
}

func New(cfg Config, d Deps) *Tracker {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 3 * time.Second
	}
	if cfg.Inactivity <= 0 {
		cfg.Inactivity = 3 * time.Second
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = 6 * time.Second
	}
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Tracker{
		cfg:      cfg,
		sender:   d.Sender,
		q:        d.Queue,
		clock:    d.Clock,
		bus:      d.Bus,
		logger:   d.Logger.Named("presence"),
		local:    make(map[string]*local),
		remote:   make(map[string]map[string]*entry),
		presence: make(map[string]Presence),
	}
}

// OnTyping registers a hook run on the queue when a typer set changes.
func (t *Tracker) OnTyping(fn func(TypingChange)) {
	t.hooks = append(t.hooks, fn)
}

// StartTyping signals that the local user is typing in chatID. Repeated
// calls within the debounce window send nothing; each call pushes back
// the automatic stop.
func (t *Tracker) StartTyping(chatID string) error {
	l := t.local[chatID]
	if l == nil {
		l = &local{}
		t.local[chatID] = l
	}
	now := t.clock.Now()
	if !l.active || now.Sub(l.lastSent) >= t.cfg.Debounce {
		if err := t.sender.Send(event.KindTypingStart, event.ChatRef{ChatID: chatID}); err != nil {
			return err
		}
		l.active = true
		l.lastSent = now
	}
	if l.idle != nil {
		l.idle.Stop()
	}
	t.seq++
	l.gen = t.seq
	gen := l.gen
	l.idle = t.clock.AfterFunc(t.cfg.Inactivity, func() {
		t.q.Post(func() { t.idle(chatID, gen) })
	})
	return nil
}

// StopTyping sends a stop signal if a start is outstanding.
func (t *Tracker) StopTyping(chatID string) error {
	l := t.local[chatID]
	if l == nil || !l.active {
		return nil
	}
	if l.idle != nil {
		l.idle.Stop()
	}
	delete(t.local, chatID)
	return t.sender.Send(event.KindTypingStop, event.ChatRef{ChatID: chatID})
}

// IsTyping reports whether a local start is outstanding for chatID.
func (t *Tracker) IsTyping(chatID string) bool {
	l := t.local[chatID]
	return l != nil && l.active
}

func (t *Tracker) idle(chatID string, gen uint64) {
	l := t.local[chatID]
	if l == nil || l.gen != gen {
		return
	}
	l.idle = nil
	if err := t.StopTyping(chatID); err != nil {
		t.logger.Debug("auto stop typing", zap.String("chat_id", chatID), zap.Error(err))
	}
}

// ApplyRemoteSignal records a typing start or stop from another user.
// A start lives until Expiry unless refreshed.
func (t *Tracker) ApplyRemoteSignal(chatID, userID string, isTyping bool) {
	if userID == t.cfg.Self {
		return
	}
	users := t.remote[chatID]
	e := users[userID]
	if !isTyping {
		if e == nil {
			return
		}
		e.timer.Stop()
		t.drop(chatID, userID)
		return
	}

	fresh := e == nil || !t.clock.Now().Before(e.expiresAt)
	if e == nil {
		if users == nil {
			users = make(map[string]*entry)
			t.remote[chatID] = users
		}
		e = &entry{}
		users[userID] = e
	} else {
		e.timer.Stop()
	}
	t.seq++
	e.gen = t.seq
	gen := e.gen
	e.expiresAt = t.clock.Now().Add(t.cfg.Expiry)
	e.timer = t.clock.AfterFunc(t.cfg.Expiry, func() {
		t.q.Post(func() { t.expire(chatID, userID, gen) })
	})
	if fresh {
		t.notify(chatID)
	}
}

func (t *Tracker) expire(chatID, userID string, gen uint64) {
	e := t.remote[chatID][userID]
	if e == nil || e.gen != gen {
		return
	}
	t.drop(chatID, userID)
}

func (t *Tracker) drop(chatID, userID string) {
	users := t.remote[chatID]
	delete(users, userID)
	if len(users) == 0 {
		delete(t.remote, chatID)
	}
	t.notify(chatID)
}

// ActiveTypers returns the users currently typing in chatID, sorted.
// Entries past their expiry are excluded even if the expiry timer has
// not run yet.
func (t *Tracker) ActiveTypers(chatID string) []string {
	now := t.clock.Now()
	var out []string
	for u, e := range t.remote[chatID] {
		if now.Before(e.expiresAt) {
			out = append(out, u)
		}
	}
	sort.Strings(out)
	return out
}

// SetPresence records an online/offline signal.
func (t *Tracker) SetPresence(p event.Presence) {
	if p.UserID == "" {
		return
	}
	next := Presence{UserID: p.UserID, Online: p.Online, LastSeen: p.LastSeen}
	prev, known := t.presence[p.UserID]
	if next.LastSeen.IsZero() {
		if p.Online {
			next.LastSeen = t.clock.Now()
		} else {
			next.LastSeen = prev.LastSeen
		}
	}
	if known && prev == next {
		return
	}
	t.presence[p.UserID] = next
	t.bus.Emit(bus.PresenceChanged, next)
}

// Presence returns the last known state of userID.
func (t *Tracker) Presence(userID string) (Presence, bool) {
	p, ok := t.presence[userID]
	return p, ok
}

// ConnectionLost forgets every typing signal, local and remote: stops
// will not arrive over a dead connection and a fresh start is needed
// once it comes back.
func (t *Tracker) ConnectionLost() {
	for chatID, l := range t.local {
		if l.idle != nil {
			l.idle.Stop()
		}
		delete(t.local, chatID)
	}
	for chatID, users := range t.remote {
		for _, e := range users {
			e.timer.Stop()
		}
		delete(t.remote, chatID)
		t.notify(chatID)
	}
}

// Close stops every timer.
func (t *Tracker) Close() {
	for _, l := range t.local {
		if l.idle != nil {
			l.idle.Stop()
		}
	}
	for _, users := range t.remote {
		for _, e := range users {
			e.timer.Stop()
		}
	}
}

func (t *Tracker) notify(chatID string) {
	c := TypingChange{ChatID: chatID, UserIDs: t.ActiveTypers(chatID)}
	for _, fn := range t.hooks {
		fn(c)
	}
	t.bus.Emit(bus.TypingChanged, c)
}
