// Package sync holds the canonical in-memory record of messages and
// chats and reconciles optimistic local writes with server state.
//
// A Store is confined to the engine queue. Its methods must only be
// called from tasks running on that queue; async work such as API
// requests runs in goroutines and posts its result back.
package sync

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chatapi"
	"github.com/matheus3301/chatsync/internal/clock"
	"github.com/matheus3301/chatsync/internal/event"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/queue"
)

var (
	ErrNotFound    = errors.New("message not found")
	ErrNotEditable = errors.New("message cannot be edited")
	ErrDeleted     = errors.New("message was deleted")
	ErrNotActive   = errors.New("chat is not active")

	// ErrNotDeletable is returned for delete-for-everyone on a message the
	// local user did not send, or after the modify window.
	ErrNotDeletable = errors.New("message cannot be deleted for everyone")
	// ErrUnconfirmed rejects actions that need a server id.
	ErrUnconfirmed = errors.New("message not confirmed yet")
	// ErrNotRetryable is returned by Retry for anything but a failed send
	// that did not fail validation.
	ErrNotRetryable = errors.New("message cannot be retried")
	// ErrDuplicateIgnored marks an inbound merge that changed nothing.
	// It is counted, never returned to callers.
	ErrDuplicateIgnored = errors.New("duplicate ignored")
)

// SendFailure is published when a send settles without confirmation.
type SendFailure struct {
	TempID    string
	ChatID    string
	Err       error
	Retryable bool
}

func (f *SendFailure) Error() string {
	return "send " + f.TempID + ": " + f.Err.Error()
}

func (f *SendFailure) Unwrap() error { return f.Err }

// ChangeKind classifies a Change.
type ChangeKind int

const (
	Upserted ChangeKind = iota + 1
	Replaced
	Removed
)

func (k ChangeKind) String() string {
	switch k {
	case Upserted:
		return "upserted"
	case Replaced:
		return "replaced"
	case Removed:
		return "removed"
	}
	return "unknown"
}

// Change describes one mutation of the store. Message is a private copy.
type Change struct {
	Kind    ChangeKind
	ChatID  string
	Message *model.Message
	// PrevID is the temporary id a Replaced record was known by.
	PrevID string
}

// API is the request/response client the store calls for local actions.
type API interface {
	EditMessage(ctx context.Context, id, content string) (*model.Message, error)
	DeleteMessage(ctx context.Context, id string, forEveryone bool) error
	AddReaction(ctx context.Context, id, value string) error
	RemoveReaction(ctx context.Context, id string) error
	MarkRead(ctx context.Context, ids []string) error
	FetchMessages(ctx context.Context, chatID, cursor string, limit int) (chatapi.Page, error)
}

type Config struct {
	Self string
	// CorrelationWindow bounds how far apart in time an echoed broadcast
	// and a pending send may be to be treated as the same message.
	CorrelationWindow time.Duration
	PageSize          int
	MaxDeferred       int
	RequestTimeout    time.Duration
}

type Deps struct {
	API     API
	Outbox  *outbox.Outbox
	Queue   *queue.Queue
	Clock   clock.Clock
	Bus     *bus.Bus
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Store is the message reconciliation store.
type Store struct {
	cfg     Config
	api     API
	outbox  *outbox.Outbox
	q       *queue.Queue
	clock   clock.Clock
	bus     *bus.Bus
	metrics *metrics.Metrics
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	messages    map[string]*model.Message
	byChat      map[string]map[string]struct{}
	unconfirmed map[string]struct{}
	aliases     map[string]string
	revs        map[string]uint64
	deferred    map[string][]event.Inbound
	nDeferred   int
	unsentReads map[string]struct{}

	chats   map[string]*model.Chat
	active  string
	loadSeq uint64
	// loadCancel aborts the in-flight history request of the active chat.
	loadCancel context.CancelFunc
	cursors    map[string]string

	hooks []func(Change)
}

func New(cfg Config, d Deps) *Store {
	if cfg.CorrelationWindow <= 0 {
		cfg.CorrelationWindow = 2 * time.Minute
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if cfg.MaxDeferred <= 0 {
		cfg.MaxDeferred = 1024
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		cfg:         cfg,
		api:         d.API,
		outbox:      d.Outbox,
		q:           d.Queue,
		clock:       d.Clock,
		bus:         d.Bus,
		metrics:     d.Metrics,
		logger:      d.Logger.Named("store"),
		ctx:         ctx,
		cancel:      cancel,
		messages:    make(map[string]*model.Message),
		byChat:      make(map[string]map[string]struct{}),
		unconfirmed: make(map[string]struct{}),
		aliases:     make(map[string]string),
		revs:        make(map[string]uint64),
		deferred:    make(map[string][]event.Inbound),
		unsentReads: make(map[string]struct{}),
		chats:       make(map[string]*model.Chat),
		cursors:     make(map[string]string),
	}
	if s.outbox != nil {
		s.outbox.OnResult(s.settle)
	}
	return s
}

// OnChange registers a hook run on the queue after every mutation.
func (s *Store) OnChange(fn func(Change)) {
	s.hooks = append(s.hooks, fn)
}

// Self is the local user id.
func (s *Store) Self() string { return s.cfg.Self }

// Close cancels in-flight requests. Responses that still arrive are
// discarded.
func (s *Store) Close() {
	s.cancel()
	if s.loadCancel != nil {
		s.loadCancel()
		s.loadCancel = nil
	}
}

// Get returns a copy of the message known by id, following the rename of
// a temporary id.
func (s *Store) Get(id string) (*model.Message, bool) {
	m := s.lookup(id)
	if m == nil {
		return nil, false
	}
	return m.Clone(), true
}

// ListByChat returns copies of the chat's messages ordered by creation
// time. Tombstones are included.
func (s *Store) ListByChat(chatID string) []*model.Message {
	ids := s.byChat[chatID]
	out := make([]*model.Message, 0, len(ids))
	for id := range ids {
		out = append(out, s.messages[id].Clone())
	}
	sort.Slice(out, func(i, j int) bool { return model.Less(out[i], out[j]) })
	return out
}

// Each calls fn for every message of the chat without copying. fn must
// not retain or modify the message.
func (s *Store) Each(chatID string, fn func(*model.Message)) {
	for id := range s.byChat[chatID] {
		fn(s.messages[id])
	}
}

// Len is the number of message records.
func (s *Store) Len() int { return len(s.messages) }

// Deferred is the number of parked events awaiting their message.
func (s *Store) Deferred() int { return s.nDeferred }

// Unconfirmed returns copies of every message without a server id.
func (s *Store) Unconfirmed() []*model.Message {
	out := make([]*model.Message, 0, len(s.unconfirmed))
	for id := range s.unconfirmed {
		out = append(out, s.messages[id].Clone())
	}
	sort.Slice(out, func(i, j int) bool { return model.Less(out[i], out[j]) })
	return out
}

func (s *Store) resolve(id string) string {
	if to, ok := s.aliases[id]; ok {
		return to
	}
	return id
}

func (s *Store) lookup(id string) *model.Message {
	return s.messages[s.resolve(id)]
}

func (s *Store) insert(m *model.Message) {
	s.messages[m.ID] = m
	ids := s.byChat[m.ChatID]
	if ids == nil {
		ids = make(map[string]struct{})
		s.byChat[m.ChatID] = ids
	}
	ids[m.ID] = struct{}{}
	if !m.Confirmed() {
		s.unconfirmed[m.ID] = struct{}{}
	}
	s.touchChat(m)
}

func (s *Store) remove(id string) *model.Message {
	m := s.messages[id]
	if m == nil {
		return nil
	}
	delete(s.messages, id)
	delete(s.unconfirmed, id)
	delete(s.revs, id)
	if ids := s.byChat[m.ChatID]; ids != nil {
		delete(ids, id)
	}
	if c := s.chats[m.ChatID]; c != nil && c.LastMessageID == id {
		c.LastMessageID = s.latestIn(m.ChatID)
		s.emitChat(c)
	}
	return m
}

func (s *Store) latestIn(chatID string) string {
	var last *model.Message
	for id := range s.byChat[chatID] {
		if m := s.messages[id]; last == nil || model.Less(last, m) {
			last = m
		}
	}
	if last == nil {
		return ""
	}
	return last.ID
}

// changed bumps the record's revision and notifies listeners.
func (s *Store) changed(kind ChangeKind, m *model.Message, prevID string) {
	if kind != Removed {
		s.revs[m.ID]++
	}
	c := Change{Kind: kind, ChatID: m.ChatID, Message: m.Clone(), PrevID: prevID}
	for _, fn := range s.hooks {
		fn(c)
	}
	switch kind {
	case Upserted:
		s.bus.Emit(bus.MessageUpserted, c)
	case Replaced:
		s.bus.Emit(bus.MessageReplaced, c)
	case Removed:
		s.bus.Emit(bus.MessageRemoved, c)
	}
}

// async runs call off the queue and posts then with its error.
func (s *Store) async(call func(ctx context.Context) error, then func(error)) <-chan error {
	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.RequestTimeout)
		err := call(ctx)
		cancel()
		if !s.q.Post(func() {
			if then != nil {
				then(err)
			}
			done <- err
		}) {
			done <- queue.ErrClosed
		}
	}()
	return done
}

func settled(err error) <-chan error {
	done := make(chan error, 1)
	done <- err
	return done
}

// revertFn restores snap if nothing else touched the record since.
func (s *Store) revertFn(snap *model.Message) func(error) {
	rev := s.revs[snap.ID]
	return func(err error) {
		if err == nil {
			return
		}
		cur := s.messages[snap.ID]
		if cur == nil || s.revs[snap.ID] != rev+1 {
			s.logger.Warn("optimistic change kept after failure", zap.String("id", snap.ID), zap.Error(err))
			return
		}
		s.messages[snap.ID] = snap
		s.changed(Upserted, snap, "")
		s.logger.Info("optimistic change reverted", zap.String("id", snap.ID), zap.Error(err))
	}
}
