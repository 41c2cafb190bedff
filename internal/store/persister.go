package store

import (
	"context"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/model"
	intsync "github.com/matheus3301/chatsync/internal/sync"
)

// persistBuffer is large enough to absorb a history page burst.
const persistBuffer = 4096

// Persister writes store changes through to the cache.
type Persister struct {
	db     *DB
	bus    *bus.Bus
	logger *zap.Logger

	msgs, chats <-chan bus.Event
	unsub       []func()
}

func NewPersister(db *DB, b *bus.Bus, logger *zap.Logger) *Persister {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Persister{db: db, bus: b, logger: logger.Named("persister")}
}

// Subscribe attaches to the bus. Notifications emitted after it returns
// are buffered for Run. Run subscribes itself when this was not called.
func (p *Persister) Subscribe() {
	if p.msgs != nil {
		return
	}
	msgs, unsubMsgs := p.bus.Subscribe("message.", persistBuffer)
	chats, unsubChats := p.bus.Subscribe("chat.", persistBuffer)
	p.msgs, p.chats = msgs, chats
	p.unsub = []func(){unsubMsgs, unsubChats}
}

// Run consumes notifications until ctx is cancelled.
func (p *Persister) Run(ctx context.Context) {
	p.Subscribe()
	defer func() {
		for _, fn := range p.unsub {
			fn()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-p.msgs:
			p.apply(ctx, evt)
		case evt := <-p.chats:
			p.apply(ctx, evt)
		}
	}
}

func (p *Persister) apply(ctx context.Context, evt bus.Event) {
	var err error
	switch v := evt.Payload.(type) {
	case intsync.Change:
		err = p.applyChange(ctx, v)
	case model.Chat:
		err = p.db.UpsertChat(ctx, v)
	case intsync.Activation:
		err = p.db.SetCheckpoint(ctx, KeyActiveChat, v.Current)
	default:
		// send acks and failures are reflected by the record itself
		return
	}
	if err != nil {
		p.logger.Warn("persist failed", zap.String("kind", evt.Kind), zap.Error(err))
	}
}

func (p *Persister) applyChange(ctx context.Context, c intsync.Change) error {
	switch c.Kind {
	case intsync.Upserted:
		return p.db.UpsertMessage(ctx, c.Message)
	case intsync.Replaced:
		return p.db.ReplaceMessage(ctx, c.PrevID, c.Message)
	case intsync.Removed:
		return p.db.DeleteMessage(ctx, c.Message.ID)
	}
	return nil
}

// Load returns the cached chats and messages for warming the store.
func (db *DB) Load(ctx context.Context) ([]model.Chat, []*model.Message, error) {
	chats, err := db.ListChats(ctx)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := db.AllMessages(ctx)
	if err != nil {
		return nil, nil, err
	}
	return chats, msgs, nil
}
