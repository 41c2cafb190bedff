// Package outbox tracks sends that the server has not confirmed yet and
// drives them to a result: confirmed, or failed after retries.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/backoff"
	"github.com/matheus3301/chatsync/internal/chatapi"
	"github.com/matheus3301/chatsync/internal/clock"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/queue"
)

// ErrExhausted wraps the last error of a send that used up its attempts.
var ErrExhausted = errors.New("send attempts exhausted")

// Sender is the confirm request of the API client.
type Sender interface {
	SendMessage(ctx context.Context, req model.SendRequest) (*model.Message, error)
}

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	Backoff     backoff.Policy
	// Timeout bounds a single attempt.
	Timeout time.Duration
}

// Deps are the collaborators of an Outbox.
type Deps struct {
	Sender  Sender
	Queue   *queue.Queue
	Clock   clock.Clock
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Result reports the outcome of one attempt back on the queue.
type Result struct {
	TempID string
	// Message is the confirmed record when Err is nil.
	Message *model.Message
	Err     error
	// Final is set when the send is settled: confirmed or given up.
	Final bool
	// Retryable is false for validation failures.
	Retryable bool
	// Orphan marks a response for a send that was already resolved or
	// removed.
	Orphan   bool
	Attempts int
}

// Pending is a send awaiting confirmation.
type Pending struct {
	TempID    string
	Request   model.SendRequest
	Attempts  int
	CreatedAt time.Time
	InFlight  bool

	attempt uint64
	cancel  context.CancelFunc
	timer   clock.Timer
}

// Outbox is confined to the engine queue: every method except New must
// run on it.
type Outbox struct {
	cfg     Config
	sender  Sender
	q       *queue.Queue
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *zap.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	pending  map[string]*Pending
	online   bool
	seq      uint64
	onResult func(Result)
}

func New(cfg Config, d Deps) *Outbox {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Outbox{
		cfg:     cfg,
		sender:  d.Sender,
		q:       d.Queue,
		clock:   d.Clock,
		metrics: d.Metrics,
		logger:  d.Logger.Named("outbox"),
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]*Pending),
	}
}

// OnResult sets the callback receiving every attempt outcome.
func (o *Outbox) OnResult(fn func(Result)) { o.onResult = fn }

// Enqueue registers a send and dispatches it when online. Enqueueing a
// temp id that is already pending is a no-op.
func (o *Outbox) Enqueue(tempID string, req model.SendRequest, createdAt time.Time) {
	if _, ok := o.pending[tempID]; ok {
		return
	}
	req.ClientID = tempID
	p := &Pending{TempID: tempID, Request: req, CreatedAt: createdAt}
	o.pending[tempID] = p
	if o.online {
		o.dispatch(p)
	} else {
		o.logger.Debug("send parked", zap.String("temp_id", tempID))
	}
}

// Has reports whether tempID is still unresolved.
func (o *Outbox) Has(tempID string) bool {
	_, ok := o.pending[tempID]
	return ok
}

// Get returns a copy of the pending entry.
func (o *Outbox) Get(tempID string) (Pending, bool) {
	p, ok := o.pending[tempID]
	if !ok {
		return Pending{}, false
	}
	return *p, true
}

func (o *Outbox) Len() int { return len(o.pending) }

// Resolve settles tempID without waiting for its response, e.g. when the
// broadcast echo arrived first. An in-flight request is left to finish;
// its response comes back as an orphan.
func (o *Outbox) Resolve(tempID string) bool {
	p, ok := o.pending[tempID]
	if !ok {
		return false
	}
	o.stopTimer(p)
	delete(o.pending, tempID)
	return true
}

// Remove drops tempID and cancels its in-flight request.
func (o *Outbox) Remove(tempID string) bool {
	p, ok := o.pending[tempID]
	if !ok {
		return false
	}
	o.stopTimer(p)
	if p.cancel != nil {
		p.cancel()
	}
	delete(o.pending, tempID)
	return true
}

// SetOnline parks or flushes the queue of sends.
func (o *Outbox) SetOnline(online bool) {
	if o.online == online {
		return
	}
	o.online = online
	if online {
		o.Flush()
		return
	}
	for _, p := range o.pending {
		o.stopTimer(p)
	}
}

// Flush dispatches every parked send in creation order.
func (o *Outbox) Flush() {
	if !o.online {
		return
	}
	parked := make([]*Pending, 0, len(o.pending))
	for _, p := range o.pending {
		if !p.InFlight {
			parked = append(parked, p)
		}
	}
	sort.Slice(parked, func(i, j int) bool {
		if !parked[i].CreatedAt.Equal(parked[j].CreatedAt) {
			return parked[i].CreatedAt.Before(parked[j].CreatedAt)
		}
		return parked[i].TempID < parked[j].TempID
	})
	for _, p := range parked {
		o.stopTimer(p)
		o.dispatch(p)
	}
	if len(parked) > 0 {
		o.logger.Info("outbox flushed", zap.Int("sends", len(parked)))
	}
}

// Close cancels in-flight requests and timers. Pending entries stay in
// place so they can be inspected.
func (o *Outbox) Close() {
	o.cancel()
	for _, p := range o.pending {
		o.stopTimer(p)
	}
}

func (o *Outbox) dispatch(p *Pending) {
	o.seq++
	p.attempt = o.seq
	p.Attempts++
	p.InFlight = true
	ctx, cancel := context.WithTimeout(o.ctx, o.cfg.Timeout)
	p.cancel = cancel

	tempID, attempt, req := p.TempID, p.attempt, p.Request
	o.logger.Debug("send dispatched", zap.String("temp_id", tempID), zap.Int("attempt", p.Attempts))
	go func() {
		msg, err := o.sender.SendMessage(ctx, req)
		cancel()
		if err == nil && (msg == nil || msg.ID == "") {
			msg, err = nil, fmt.Errorf("send %s: %w: no message id", tempID, chatapi.ErrMalformedResponse)
		}
		o.q.Post(func() { o.settle(tempID, attempt, msg, err) })
	}()
}

func (o *Outbox) settle(tempID string, attempt uint64, msg *model.Message, err error) {
	p, ok := o.pending[tempID]
	if !ok || p.attempt != attempt {
		if err != nil {
			o.logger.Debug("orphan send failure dropped", zap.String("temp_id", tempID), zap.Error(err))
			return
		}
		o.emit(Result{TempID: tempID, Message: msg, Orphan: true, Final: true, Retryable: true})
		return
	}
	p.InFlight = false
	p.cancel = nil

	if err == nil {
		delete(o.pending, tempID)
		o.metrics.SendResult("confirmed")
		o.emit(Result{TempID: tempID, Message: msg, Final: true, Retryable: true, Attempts: p.Attempts})
		return
	}

	if !chatapi.IsRetryable(err) {
		delete(o.pending, tempID)
		o.metrics.SendResult("failed")
		o.logger.Warn("send rejected", zap.String("temp_id", tempID), zap.Error(err))
		o.emit(Result{TempID: tempID, Err: err, Final: true, Attempts: p.Attempts})
		return
	}

	if p.Attempts >= o.cfg.MaxAttempts {
		delete(o.pending, tempID)
		o.metrics.SendResult("failed")
		o.logger.Warn("send gave up", zap.String("temp_id", tempID), zap.Int("attempts", p.Attempts), zap.Error(err))
		o.emit(Result{TempID: tempID, Err: errors.Join(ErrExhausted, err), Final: true, Retryable: true, Attempts: p.Attempts})
		return
	}

	o.metrics.SendResult("retry")
	o.emit(Result{TempID: tempID, Err: err, Retryable: true, Attempts: p.Attempts})
	if !o.online {
		return
	}
	delay := o.cfg.Backoff.Delay(p.Attempts - 1)
	o.logger.Info("send retry scheduled", zap.String("temp_id", tempID), zap.Duration("delay", delay), zap.Error(err))
	p.timer = o.clock.AfterFunc(delay, func() {
		o.q.Post(func() { o.retryDue(tempID, attempt) })
	})
}

func (o *Outbox) retryDue(tempID string, attempt uint64) {
	p, ok := o.pending[tempID]
	if !ok || p.attempt != attempt || p.InFlight || !o.online {
		return
	}
	p.timer = nil
	o.dispatch(p)
}

func (o *Outbox) stopTimer(p *Pending) {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (o *Outbox) emit(r Result) {
	if o.onResult != nil {
		o.onResult(r)
	}
}
