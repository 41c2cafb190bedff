// Package engine wires the connection manager, message store, presence
// tracker and unread aggregator into one instance per session.
//
// Every component is confined to the engine's queue. The exported
// methods of Engine are safe for concurrent use: they run their work on
// the queue and wait for request results outside it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/auth"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/clock"
	"github.com/matheus3301/chatsync/internal/conn"
	"github.com/matheus3301/chatsync/internal/event"
	"github.com/matheus3301/chatsync/internal/media"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/queue"
	"github.com/matheus3301/chatsync/internal/status"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/matheus3301/chatsync/internal/unread"
)

// ErrNotStarted is returned by calls made before Start or after Close.
var ErrNotStarted = errors.New("engine not running")

// API is the request/response client: message actions plus sends.
type API interface {
	intsync.API
	outbox.Sender
}

// Uploader turns a local file into a media reference.
type Uploader interface {
	UploadFile(ctx context.Context, path string) (media.Ref, error)
}

// Snapshot is a persisted copy of the store used to warm start.
type Snapshot interface {
	Load(ctx context.Context) ([]model.Chat, []*model.Message, error)
}

type Config struct {
	Self     string
	Conn     conn.Config
	Outbox   outbox.Config
	Store    intsync.Config
	Presence presence.Config
}

type Deps struct {
	Transport conn.Transport
	Auth      auth.Provider
	API       API
	Uploader  Uploader
	Snapshot  Snapshot
	Clock     clock.Clock
	Bus       *bus.Bus
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

type Engine struct {
	cfg      Config
	q        *queue.Queue
	bus      *bus.Bus
	auth     auth.Provider
	uploader Uploader
	snapshot Snapshot
	metrics  *metrics.Metrics
	logger   *zap.Logger

	machine *status.Machine
	conn    *conn.Manager
	outbox  *outbox.Outbox
	store   *intsync.Store
	tracker *presence.Tracker
	unread  *unread.Aggregator

	// wantOnline is false after an explicit Disconnect; a credential
	// refresh then does not reconnect.
	wantOnline bool

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds an engine. Nothing runs until Start.
func New(cfg Config, d Deps) (*Engine, error) {
	if cfg.Self == "" {
		return nil, errors.New("engine: self id required")
	}
	if d.Transport == nil || d.API == nil {
		return nil, errors.New("engine: transport and api are required")
	}
	if d.Auth == nil {
		d.Auth = auth.Static("")
	}
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if d.Bus == nil {
		d.Bus = bus.New()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	cfg.Conn.Self = cfg.Self
	cfg.Store.Self = cfg.Self
	cfg.Presence.Self = cfg.Self

	q := queue.New(d.Logger.Named("queue"))
	e := &Engine{
		cfg:      cfg,
		q:        q,
		bus:      d.Bus,
		auth:     d.Auth,
		uploader: d.Uploader,
		snapshot: d.Snapshot,
		metrics:  d.Metrics,
		logger:   d.Logger.Named("engine"),
		machine:  status.NewMachine(d.Bus),
	}
	e.conn = conn.New(cfg.Conn, conn.Deps{
		Transport:   d.Transport,
		Credentials: d.Auth,
		Queue:       q,
		Clock:       d.Clock,
		Machine:     e.machine,
		Metrics:     d.Metrics,
		Logger:      d.Logger,
	})
	e.outbox = outbox.New(cfg.Outbox, outbox.Deps{
		Sender:  d.API,
		Queue:   q,
		Clock:   d.Clock,
		Metrics: d.Metrics,
		Logger:  d.Logger,
	})
	e.store = intsync.New(cfg.Store, intsync.Deps{
		API:     d.API,
		Outbox:  e.outbox,
		Queue:   q,
		Clock:   d.Clock,
		Bus:     d.Bus,
		Metrics: d.Metrics,
		Logger:  d.Logger,
	})
	e.tracker = presence.New(cfg.Presence, presence.Deps{
		Sender: e.conn,
		Queue:  q,
		Clock:  d.Clock,
		Bus:    d.Bus,
		Logger: d.Logger,
	})
	e.unread = unread.New(e.store, d.Bus)

	e.conn.OnStateChange(e.stateChanged)
	for _, k := range event.InboundKinds {
		e.conn.Subscribe(k, e.dispatch)
	}
	d.Metrics.SetConnState(string(status.Disconnected))
	return e, nil
}

// Bus carries every change notification of this engine.
func (e *Engine) Bus() *bus.Bus { return e.bus }

// Start warms the store from the snapshot, starts the queue and
// connects.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}
	if e.snapshot != nil {
		chats, msgs, err := e.snapshot.Load(ctx)
		if err != nil {
			return fmt.Errorf("load snapshot: %w", err)
		}
		// The queue is not running yet, so the store is ours here.
		e.store.Hydrate(chats, msgs)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.running = true
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.q.Run(runCtx)
	}()
	if notes := e.auth.Notices(); notes != nil {
		e.wg.Add(1)
		go e.watchAuth(runCtx, notes)
	}
	e.q.Post(func() {
		e.wantOnline = true
		e.conn.Connect()
	})
	e.logger.Info("engine started", zap.String("self", e.cfg.Self))
	return nil
}

// Close tears everything down: timers, in-flight requests and the
// connection. Pending sends stay in the store for the next session.
func (e *Engine) Close() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.mu.Unlock()

	_ = e.q.Call(context.Background(), func() {
		e.conn.Close()
		e.tracker.Close()
		e.outbox.Close()
		e.store.Close()
	})
	e.q.Close()
	e.cancel()
	e.wg.Wait()
	e.logger.Info("engine stopped")
	return nil
}

func (e *Engine) watchAuth(ctx context.Context, notes <-chan auth.Notice) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-notes:
			e.q.Post(func() { e.credentialChanged(n) })
		}
	}
}

func (e *Engine) credentialChanged(n auth.Notice) {
	switch n.Kind {
	case auth.Expired:
		e.logger.Warn("credential expired, halting reconnects", zap.Time("expires_at", n.ExpiresAt))
		e.conn.HaltRetries(auth.ErrExpired)
	case auth.Refreshed:
		if e.wantOnline && e.conn.AuthHalted() {
			e.logger.Info("credential refreshed, reconnecting")
			e.conn.Reconnect()
		}
	}
}

// stateChanged runs on the queue after every connection transition.
func (e *Engine) stateChanged(c status.StatusChange) {
	switch {
	case c.To == status.Connected:
		e.outbox.SetOnline(true)
		e.store.FlushReads()
		if active := e.store.ActiveChat(); active != "" {
			e.sendChatFrame(event.KindJoinChat, active)
			e.store.RefreshActive()
		}
	case c.From == status.Connected:
		e.outbox.SetOnline(false)
		e.tracker.ConnectionLost()
	}
}

// dispatch routes a decoded inbound event. It runs on the queue.
func (e *Engine) dispatch(ev event.Inbound) {
	switch ev := ev.(type) {
	case event.MessageNew, event.MessageStatus, event.MessageReaction, event.MessageEdited, event.MessageDeleted:
		e.store.Apply(ev)
	case event.Typing:
		e.tracker.ApplyRemoteSignal(ev.ChatID, ev.UserID, ev.IsTyping)
	case event.Presence:
		e.tracker.SetPresence(ev)
	case event.Pong:
		// consumed by the connection manager
	case event.ServerError:
		e.logger.Warn("server error", zap.String("code", ev.Code), zap.String("message", ev.Message))
	default:
		e.logger.Warn("unhandled inbound event", zap.String("kind", string(ev.Kind())))
	}
}

func (e *Engine) sendChatFrame(kind event.Kind, chatID string) {
	if e.conn.State() != status.Connected {
		return
	}
	if err := e.conn.Send(kind, event.ChatRef{ChatID: chatID}); err != nil {
		e.logger.Debug("chat frame not sent", zap.String("kind", string(kind)), zap.Error(err))
	}
}

// do runs fn on the queue and waits for it.
func (e *Engine) do(ctx context.Context, fn func()) error {
	e.mu.Lock()
	running := e.running
	e.mu.Unlock()
	if !running {
		return ErrNotStarted
	}
	if err := e.q.Call(ctx, fn); err != nil {
		if errors.Is(err, queue.ErrClosed) {
			return ErrNotStarted
		}
		return err
	}
	return nil
}

// await waits for an action's request outside the queue.
func await(ctx context.Context, done <-chan error) error {
	if done == nil {
		return nil
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
