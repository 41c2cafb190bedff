// Package ws is the websocket implementation of conn.Transport.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/conn"
	"github.com/matheus3301/chatsync/internal/event"
)

const (
	writeWait      = 10 * time.Second // time allowed to write a frame
	maxMessageSize = 1 << 20          // max inbound frame size
	sendBuffer     = 256              // outbound frames queued for the write loop

	// Close codes the server uses to reject a credential.
	CloseUnauthorized = 4001
	CloseForbidden    = 4003
)

var (
	ErrSendBufferFull = errors.New("ws: send buffer full")
	ErrClosed         = errors.New("ws: connection closed")
)

// Transport dials the chat server's websocket endpoint. The credential
// travels both as a bearer header and as the token query parameter.
type Transport struct {
	url    string
	dialer *websocket.Dialer
	logger *zap.Logger
}

// New returns a transport for endpoint, e.g. wss://chat.example.com/api/ws.
func New(endpoint string, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{
		url: endpoint,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		logger: logger.Named("ws"),
	}
}

func (t *Transport) Dial(ctx context.Context, credential string, l conn.Listener) (conn.Handle, error) {
	u, err := url.Parse(t.url)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	header := http.Header{}
	if credential != "" {
		q := u.Query()
		q.Set("token", credential)
		u.RawQuery = q.Encode()
		header.Set("Authorization", "Bearer "+credential)
	}

	c, resp, err := t.dialer.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake status %d", conn.ErrAuthRejected, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", u.Host, err)
	}
	c.SetReadLimit(maxMessageSize)

	h := newHandle(c, l, t.logger)
	go h.writeLoop()
	go h.readLoop()
	t.logger.Debug("connected", zap.String("host", u.Host))
	return h, nil
}

type handle struct {
	c       *websocket.Conn
	l       conn.Listener
	logger  *zap.Logger
	send    chan []byte
	done    chan struct{}
	stopped chan struct{}
	closing atomic.Bool
	once    sync.Once
}

func newHandle(c *websocket.Conn, l conn.Listener, logger *zap.Logger) *handle {
	return &handle{
		c:       c,
		l:       l,
		logger:  logger,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Send queues a frame for the write loop. It never waits on the socket.
func (h *handle) Send(kind event.Kind, payload any) error {
	data, err := event.EncodeFrame(kind, payload)
	if err != nil {
		return err
	}
	if h.closing.Load() {
		return ErrClosed
	}
	select {
	case h.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close flushes queued frames, sends a normal close frame and releases
// the socket.
func (h *handle) Close() error {
	var err error
	h.once.Do(func() {
		h.closing.Store(true)
		close(h.done)
		<-h.stopped
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = h.c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		err = h.c.Close()
	})
	return err
}

// writeLoop is the only writer of data frames. A failed write closes the
// socket so the read loop reports the loss.
func (h *handle) writeLoop() {
	defer close(h.stopped)
	for {
		select {
		case <-h.done:
			h.flush()
			return
		case data := <-h.send:
			if err := h.write(data, time.Now().Add(writeWait)); err != nil {
				h.logger.Debug("write failed", zap.Error(err))
				_ = h.c.Close()
				return
			}
		}
	}
}

func (h *handle) flush() {
	deadline := time.Now().Add(writeWait)
	for {
		select {
		case data := <-h.send:
			if err := h.write(data, deadline); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (h *handle) write(data []byte, deadline time.Time) error {
	if err := h.c.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return h.c.WriteMessage(websocket.TextMessage, data)
}

func (h *handle) readLoop() {
	for {
		_, data, err := h.c.ReadMessage()
		if err != nil {
			if h.closing.Load() {
				h.l.OnClose(nil)
				return
			}
			h.l.OnClose(closeReason(err))
			_ = h.c.Close()
			return
		}
		env, err := event.DecodeFrame(data)
		if err != nil {
			h.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		h.l.OnEvent(env.Type, env.Payload)
	}
}

// closeReason maps credential rejections in close frames onto
// conn.ErrAuthRejected.
func closeReason(err error) error {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return err
	}
	switch ce.Code {
	case CloseUnauthorized, CloseForbidden:
		return fmt.Errorf("%w: %s", conn.ErrAuthRejected, ce.Text)
	case websocket.ClosePolicyViolation:
		text := strings.ToLower(ce.Text)
		if strings.Contains(text, "auth") || strings.Contains(text, "token") {
			return fmt.Errorf("%w: %s", conn.ErrAuthRejected, ce.Text)
		}
	}
	return err
}
