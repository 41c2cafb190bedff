// Package conn owns the real-time connection: dialing, reconnect with
// backoff, liveness probing and dispatch of decoded inbound events.
//
// Every Manager method except State and RTT must run on the engine queue.
package conn

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/backoff"
	"github.com/matheus3301/chatsync/internal/clock"
	"github.com/matheus3301/chatsync/internal/event"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/queue"
	"github.com/matheus3301/chatsync/internal/status"
)

// Config tunes reconnection and liveness.
type Config struct {
	Backoff      backoff.Policy
	MaxAttempts  int
	PingInterval time.Duration
	PingTimeout  time.Duration
	DialTimeout  time.Duration
	// Self is the local user id, needed to decode per-viewer fields.
	Self string
}

// Deps are the collaborators of a Manager.
type Deps struct {
	Transport   Transport
	Credentials Credentials
	Queue       *queue.Queue
	Clock       clock.Clock
	Machine     *status.Machine
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
}

// Handler consumes one decoded inbound event on the engine queue.
type Handler func(event.Inbound)

type subscriber struct {
	id int
	fn Handler
}

// Manager is the connection state machine.
type Manager struct {
	cfg       Config
	transport Transport
	creds     Credentials
	q         *queue.Queue
	clock     clock.Clock
	machine   *status.Machine
	metrics   *metrics.Metrics
	logger    *zap.Logger

	// gen identifies the current connection attempt. Callbacks carrying
	// an older generation are stale and ignored.
	gen           uint64
	handle        Handle
	cancelDial    context.CancelFunc
	stayConnected bool
	authHalted    bool
	attempt       int
	lastErr       error
	lastDelay     time.Duration

	retryTimer clock.Timer
	retrySeq   int

	probeTimer    clock.Timer
	probeDeadline clock.Timer
	probeID       string
	probeSentAt   time.Time
	rtt           atomic.Int64

	subs    map[event.Kind][]subscriber
	nextSub int
	hooks   []func(status.StatusChange)
}

// New builds a disconnected manager.
func New(cfg Config, d Deps) *Manager {
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Machine == nil {
		d.Machine = status.NewMachine(nil)
	}
	if d.Credentials == nil {
		d.Credentials = StaticCredentials("")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &Manager{
		cfg:       cfg,
		transport: d.Transport,
		creds:     d.Credentials,
		q:         d.Queue,
		clock:     d.Clock,
		machine:   d.Machine,
		metrics:   d.Metrics,
		logger:    d.Logger.Named("conn"),
		subs:      make(map[event.Kind][]subscriber),
	}
}

// State is safe to call from any goroutine.
func (m *Manager) State() status.State {
	return m.machine.Current()
}

// RTT returns the last measured probe round trip. Safe from any goroutine.
func (m *Manager) RTT() time.Duration {
	return time.Duration(m.rtt.Load())
}

// LastError returns the failure behind the current state, if any.
func (m *Manager) LastError() error {
	return m.lastErr
}

// Attempt returns the number of retries scheduled since the last
// successful connect.
func (m *Manager) Attempt() int {
	return m.attempt
}

// NextRetryDelay returns the delay of the most recently scheduled retry.
func (m *Manager) NextRetryDelay() time.Duration {
	return m.lastDelay
}

// OnStateChange registers a hook run on the queue after every transition.
func (m *Manager) OnStateChange(fn func(status.StatusChange)) {
	m.hooks = append(m.hooks, fn)
}

// Connect asks the manager to connect and stay connected.
func (m *Manager) Connect() {
	m.stayConnected = true
	switch m.machine.Current() {
	case status.Connecting, status.Connected, status.Reconnecting:
		return
	case status.Failed:
		if m.authHalted {
			m.logger.Info("connect ignored while authentication is halted")
			return
		}
		m.restart()
		return
	}
	m.attempt = 0
	m.dial()
}

// Reconnect forces a fresh cycle from attempt zero and clears an auth halt.
func (m *Manager) Reconnect() {
	m.stayConnected = true
	m.authHalted = false
	m.restart()
}

// Disconnect closes the connection and stops automatic retries.
func (m *Manager) Disconnect() {
	m.stayConnected = false
	m.teardown()
	m.lastErr = nil
	m.toDisconnected(nil)
}

// NetworkRegained redials at once when the connection is down,
// skipping any backoff wait.
func (m *Manager) NetworkRegained() {
	m.kick("network regained")
}

// ForegroundRegained behaves like NetworkRegained.
func (m *Manager) ForegroundRegained() {
	m.kick("foreground regained")
}

// HaltRetries stops automatic reconnection after the credential expired.
// An open connection is left alone until it drops.
func (m *Manager) HaltRetries(cause error) {
	err := classify("credential", cause)
	m.authHalted = true
	m.cancelRetry()
	switch m.machine.Current() {
	case status.Reconnecting, status.Disconnected:
		if !m.stayConnected {
			return
		}
		m.lastErr = err
		m.toDisconnected(err)
		m.transition(status.Failed, err)
	}
}

// AuthHalted reports whether retries are stopped on an auth failure.
func (m *Manager) AuthHalted() bool {
	return m.authHalted
}

// Send writes one frame. Outside the connected state it returns a
// TransportError wrapping ErrNotConnected. A write failure drops the
// connection and schedules a reconnect.
func (m *Manager) Send(kind event.Kind, payload any) error {
	if m.handle == nil || m.machine.Current() != status.Connected {
		return &TransportError{Op: "send", Err: ErrNotConnected}
	}
	if err := m.handle.Send(kind, payload); err != nil {
		terr := &TransportError{Op: "send", Err: err}
		m.fail(m.gen, terr)
		return terr
	}
	return nil
}

// Subscribe registers fn for one inbound kind. The returned function
// detaches it and may be called from any goroutine.
func (m *Manager) Subscribe(kind event.Kind, fn Handler) func() {
	m.nextSub++
	id := m.nextSub
	m.subs[kind] = append(m.subs[kind], subscriber{id: id, fn: fn})
	return func() {
		m.q.Post(func() {
			subs := m.subs[kind]
			for i, s := range subs {
				if s.id == id {
					m.subs[kind] = append(subs[:i:i], subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Close is engine teardown: like Disconnect, and every subscriber is
// dropped.
func (m *Manager) Close() {
	m.Disconnect()
	m.subs = make(map[event.Kind][]subscriber)
}

func (m *Manager) kick(reason string) {
	if !m.stayConnected || m.authHalted {
		return
	}
	switch m.machine.Current() {
	case status.Disconnected, status.Reconnecting, status.Failed:
		m.logger.Info("redialing immediately", zap.String("reason", reason))
		m.attempt = 0
		m.cancelRetry()
		m.dial()
	}
}

func (m *Manager) restart() {
	m.attempt = 0
	m.teardown()
	m.toDisconnected(nil)
	m.dial()
}

// teardown invalidates the current generation and releases every timer
// and the transport.
func (m *Manager) teardown() {
	m.gen++
	m.cancelRetry()
	m.stopLiveness()
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	if m.handle != nil {
		if err := m.handle.Close(); err != nil {
			m.logger.Debug("close transport", zap.Error(err))
		}
		m.handle = nil
	}
}

func (m *Manager) dial() {
	m.transition(status.Connecting, nil)
	m.gen++
	gen := m.gen

	token, err := m.creds.Token()
	if err != nil {
		m.fail(gen, &AuthError{Err: err})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DialTimeout)
	m.cancelDial = cancel
	l := &listener{m: m, gen: gen}
	go func() {
		h, err := m.transport.Dial(ctx, token, l)
		cancel()
		if !m.q.Post(func() { m.dialed(gen, h, err) }) && h != nil {
			_ = h.Close()
		}
	}()
}

func (m *Manager) dialed(gen uint64, h Handle, err error) {
	if gen != m.gen {
		if h != nil {
			_ = h.Close()
		}
		return
	}
	m.cancelDial = nil
	if err != nil {
		m.fail(gen, classify("dial", err))
		return
	}
	m.handle = h
	m.attempt = 0
	m.lastErr = nil
	m.transition(status.Connected, nil)
	m.scheduleProbe(gen)
}

// fail handles the loss of connection generation gen.
func (m *Manager) fail(gen uint64, err error) {
	if gen != m.gen {
		return
	}
	m.teardown()
	m.lastErr = err
	m.toDisconnected(err)

	if IsAuth(err) || m.authHalted {
		m.authHalted = true
		m.logger.Warn("authentication rejected, automatic reconnect halted", zap.Error(err))
		m.transition(status.Failed, err)
		return
	}
	if !m.stayConnected {
		return
	}
	m.logger.Info("connection lost", zap.Error(err), zap.Int("attempt", m.attempt))
	m.scheduleRetry(err)
}

func (m *Manager) scheduleRetry(cause error) {
	if m.attempt >= m.cfg.MaxAttempts {
		m.logger.Warn("reconnect attempts exhausted", zap.Int("attempts", m.attempt), zap.Error(cause))
		m.transition(status.Failed, cause)
		return
	}
	delay := m.cfg.Backoff.Delay(m.attempt)
	m.attempt++
	m.lastDelay = delay
	m.transition(status.Reconnecting, cause)

	m.retrySeq++
	seq := m.retrySeq
	m.retryTimer = m.clock.AfterFunc(delay, func() {
		m.q.Post(func() { m.retry(seq) })
	})
	m.metrics.ReconnectScheduled()
	m.logger.Debug("reconnect scheduled", zap.Duration("delay", delay), zap.Int("attempt", m.attempt))
}

func (m *Manager) retry(seq int) {
	if seq != m.retrySeq || m.machine.Current() != status.Reconnecting {
		return
	}
	m.retryTimer = nil
	m.dial()
}

func (m *Manager) cancelRetry() {
	m.retrySeq++
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

func (m *Manager) toDisconnected(cause error) {
	if m.machine.Current() != status.Disconnected {
		m.transition(status.Disconnected, cause)
	}
}

func (m *Manager) transition(to status.State, cause error) {
	change, err := m.machine.Transition(to, cause)
	if err != nil {
		m.logger.Error("state transition rejected", zap.Error(err))
		return
	}
	m.metrics.SetConnState(string(to))
	for _, fn := range m.hooks {
		fn(change)
	}
}

func (m *Manager) receive(gen uint64, kind event.Kind, payload []byte) {
	if gen != m.gen {
		m.metrics.DroppedEvent("stale")
		return
	}
	ev, err := event.Decode(kind, payload, m.cfg.Self)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, event.ErrUnknownKind) {
			reason = "unknown_kind"
		}
		m.logger.Warn("dropping inbound event", zap.String("kind", string(kind)), zap.Error(err))
		m.metrics.DroppedEvent(reason)
		return
	}
	m.metrics.InboundEvent(string(kind))
	if p, ok := ev.(event.Pong); ok {
		m.acknowledge(gen, p)
	}
	for _, s := range append([]subscriber(nil), m.subs[kind]...) {
		s.fn(ev)
	}
}

func (m *Manager) closed(gen uint64, err error) {
	if gen != m.gen {
		return
	}
	if err == nil {
		err = errors.New("connection closed")
	}
	m.fail(gen, classify("read", err))
}

func (m *Manager) scheduleProbe(gen uint64) {
	if m.cfg.PingInterval <= 0 {
		return
	}
	m.probeTimer = m.clock.AfterFunc(m.cfg.PingInterval, func() {
		m.q.Post(func() { m.probe(gen) })
	})
}

func (m *Manager) probe(gen uint64) {
	if gen != m.gen || m.handle == nil {
		return
	}
	m.probeTimer = nil
	id := uuid.NewString()
	m.probeID = id
	m.probeSentAt = m.clock.Now()
	ping := event.Ping{RequestID: id, Timestamp: m.probeSentAt.UnixMilli()}
	if err := m.handle.Send(event.KindPing, ping); err != nil {
		m.fail(gen, &TransportError{Op: "ping", Err: err})
		return
	}
	m.probeDeadline = m.clock.AfterFunc(m.cfg.PingTimeout, func() {
		m.q.Post(func() { m.probeExpired(gen, id) })
	})
}

func (m *Manager) acknowledge(gen uint64, p event.Pong) {
	if gen != m.gen || m.probeID == "" {
		return
	}
	if p.RequestID != "" && p.RequestID != m.probeID {
		return
	}
	rtt := m.clock.Now().Sub(m.probeSentAt)
	m.rtt.Store(int64(rtt))
	m.metrics.ObserveRTT(rtt)
	m.probeID = ""
	if m.probeDeadline != nil {
		m.probeDeadline.Stop()
		m.probeDeadline = nil
	}
	m.scheduleProbe(gen)
}

func (m *Manager) probeExpired(gen uint64, id string) {
	if gen != m.gen || m.probeID != id {
		return
	}
	m.logger.Warn("liveness probe unanswered", zap.Duration("timeout", m.cfg.PingTimeout))
	m.fail(gen, &TransportError{Op: "liveness", Err: ErrLivenessTimeout})
}

func (m *Manager) stopLiveness() {
	if m.probeTimer != nil {
		m.probeTimer.Stop()
		m.probeTimer = nil
	}
	if m.probeDeadline != nil {
		m.probeDeadline.Stop()
		m.probeDeadline = nil
	}
	m.probeID = ""
}

type listener struct {
	m   *Manager
	gen uint64
}

func (l *listener) OnEvent(kind event.Kind, payload []byte) {
	l.m.q.Post(func() { l.m.receive(l.gen, kind, payload) })
}

func (l *listener) OnClose(err error) {
	l.m.q.Post(func() { l.m.closed(l.gen, err) })
}
