package conn

import (
	"context"

	"github.com/matheus3301/chatsync/internal/event"
)

// Transport opens real-time connections.
type Transport interface {
	// Dial connects with the given credential. The listener receives
	// frames until the handle is closed or the connection drops.
	Dial(ctx context.Context, credential string, l Listener) (Handle, error)
}

// Handle is one open connection.
type Handle interface {
	Send(kind event.Kind, payload any) error
	Close() error
}

// Listener receives frames from a Handle. Calls may arrive on any
// goroutine. The payload slice belongs to the listener.
type Listener interface {
	OnEvent(kind event.Kind, payload []byte)
	// OnClose is called once when the connection ends. err is nil after
	// a local Close.
	OnClose(err error)
}

// Credentials supplies the token presented at dial time.
type Credentials interface {
	Token() (string, error)
}

// StaticCredentials is a fixed token.
type StaticCredentials string

func (s StaticCredentials) Token() (string, error) { return string(s), nil }
