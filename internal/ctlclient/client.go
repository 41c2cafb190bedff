// Package ctlclient talks to a running daemon over its control socket.
package ctlclient

import (
	"context"
	"fmt"
	"iter"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/engine"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/store"
)

// Client wraps the gRPC connection to the daemon.
type Client struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
}

// New dials the daemon's Unix domain socket. The connection is lazy:
// an absent daemon shows up on the first call.
func New(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn, health: healthpb.NewHealthClient(conn)}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, method string, req map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, api.FullMethod(method), in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) exec(ctx context.Context, method string, req map[string]any) error {
	_, err := c.call(ctx, method, req)
	return err
}

// Ping returns the session name and daemon uptime in milliseconds.
func (c *Client) Ping(ctx context.Context) (string, int64, error) {
	out, err := c.call(ctx, "Ping", nil)
	if err != nil {
		return "", 0, err
	}
	f := out.GetFields()
	return f["session"].GetStringValue(), int64(f["uptimeMs"].GetNumberValue()), nil
}

// Serving reports the health of the control service: true while the
// engine holds a live connection.
func (c *Client) Serving(ctx context.Context) (bool, error) {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: api.ServiceName})
	if err != nil {
		return false, err
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

func (c *Client) Status(ctx context.Context) (engine.Status, error) {
	var st engine.Status
	out, err := c.call(ctx, "Status", nil)
	if err != nil {
		return st, err
	}
	return st, api.Decode(out, &st)
}

func (c *Client) Connect(ctx context.Context) error    { return c.exec(ctx, "Connect", nil) }
func (c *Client) Disconnect(ctx context.Context) error { return c.exec(ctx, "Disconnect", nil) }
func (c *Client) Reconnect(ctx context.Context) error  { return c.exec(ctx, "Reconnect", nil) }
func (c *Client) NetworkUp(ctx context.Context) error  { return c.exec(ctx, "NetworkUp", nil) }
func (c *Client) Foreground(ctx context.Context) error { return c.exec(ctx, "Foreground", nil) }

func (c *Client) message(ctx context.Context, method string, req map[string]any) (*model.Message, error) {
	out, err := c.call(ctx, method, req)
	if err != nil {
		return nil, err
	}
	var m model.Message
	if err := api.DecodeField(out, "message", &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// SendText returns the pending record with its temporary id.
func (c *Client) SendText(ctx context.Context, chatID, content, replyTo string) (*model.Message, error) {
	return c.message(ctx, "SendText", map[string]any{"chatId": chatID, "content": content, "replyTo": replyTo})
}

// SendFile uploads a file that is readable by the daemon.
func (c *Client) SendFile(ctx context.Context, chatID, path, caption string) (*model.Message, error) {
	return c.message(ctx, "SendFile", map[string]any{"chatId": chatID, "path": path, "caption": caption})
}

func (c *Client) Edit(ctx context.Context, id, content string) error {
	return c.exec(ctx, "Edit", map[string]any{"id": id, "content": content})
}

func (c *Client) Delete(ctx context.Context, id string, forEveryone bool) error {
	return c.exec(ctx, "Delete", map[string]any{"id": id, "forEveryone": forEveryone})
}

func (c *Client) React(ctx context.Context, id, value string) error {
	return c.exec(ctx, "React", map[string]any{"id": id, "value": value})
}

func (c *Client) Unreact(ctx context.Context, id string) error {
	return c.exec(ctx, "Unreact", map[string]any{"id": id})
}

func (c *Client) Retry(ctx context.Context, id string) error {
	return c.exec(ctx, "Retry", map[string]any{"id": id})
}

func (c *Client) MarkRead(ctx context.Context, id string) error {
	return c.exec(ctx, "MarkRead", map[string]any{"id": id})
}

func (c *Client) MarkChatRead(ctx context.Context, chatID string) (int, error) {
	out, err := c.call(ctx, "MarkChatRead", map[string]any{"chatId": chatID})
	if err != nil {
		return 0, err
	}
	return int(out.GetFields()["marked"].GetNumberValue()), nil
}

func (c *Client) Open(ctx context.Context, chatID string) error {
	return c.exec(ctx, "Open", map[string]any{"chatId": chatID})
}

func (c *Client) LoadOlder(ctx context.Context, chatID string) error {
	return c.exec(ctx, "LoadOlder", map[string]any{"chatId": chatID})
}

// ListMessages returns the newest limit messages, oldest first. A
// non-positive limit returns all of them.
func (c *Client) ListMessages(ctx context.Context, chatID string, limit int) ([]*model.Message, error) {
	out, err := c.call(ctx, "ListMessages", map[string]any{"chatId": chatID, "limit": float64(limit)})
	if err != nil {
		return nil, err
	}
	var msgs []*model.Message
	return msgs, api.DecodeField(out, "messages", &msgs)
}

func (c *Client) ListChats(ctx context.Context) ([]model.Chat, error) {
	out, err := c.call(ctx, "ListChats", nil)
	if err != nil {
		return nil, err
	}
	var chats []model.Chat
	return chats, api.DecodeField(out, "chats", &chats)
}

func (c *Client) Mute(ctx context.Context, chatID string, muted bool) error {
	return c.exec(ctx, "Mute", map[string]any{"chatId": chatID, "muted": muted})
}

// Unread returns the total over unmuted chats and, when chatID is set,
// that chat's count.
func (c *Client) Unread(ctx context.Context, chatID string) (total, count int, err error) {
	out, err := c.call(ctx, "Unread", map[string]any{"chatId": chatID})
	if err != nil {
		return 0, 0, err
	}
	f := out.GetFields()
	return int(f["total"].GetNumberValue()), int(f["count"].GetNumberValue()), nil
}

func (c *Client) Search(ctx context.Context, query, chatID string, limit int) ([]store.Result, error) {
	out, err := c.call(ctx, "Search", map[string]any{"query": query, "chatId": chatID, "limit": float64(limit)})
	if err != nil {
		return nil, err
	}
	var results []store.Result
	return results, api.DecodeField(out, "results", &results)
}

// Typing starts or, with stop, ends the local typing signal.
func (c *Client) Typing(ctx context.Context, chatID string, stop bool) error {
	return c.exec(ctx, "Typing", map[string]any{"chatId": chatID, "stop": stop})
}

func (c *Client) Presence(ctx context.Context, userID string) (presence.Presence, error) {
	var p presence.Presence
	out, err := c.call(ctx, "Presence", map[string]any{"userId": userID})
	if err != nil {
		return p, err
	}
	return p, api.DecodeField(out, "presence", &p)
}

// Event is one notification from Watch.
type Event struct {
	ID           string         `json:"eventId"`
	Session      string         `json:"session"`
	Kind         string         `json:"kind"`
	OccurredAtMs int64          `json:"occurredAtMs"`
	Payload      map[string]any `json:"payload"`
}

// Watch streams events whose kind starts with prefix. The sequence ends
// when ctx is cancelled or the stream fails; the error is yielded last.
func (c *Client) Watch(ctx context.Context, prefix string) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		stream, err := c.conn.NewStream(ctx, &api.ServiceDesc.Streams[0], api.FullMethod("Watch"))
		if err != nil {
			yield(Event{}, err)
			return
		}
		req, _ := structpb.NewStruct(map[string]any{"prefix": prefix})
		if err := stream.SendMsg(req); err != nil {
			yield(Event{}, err)
			return
		}
		if err := stream.CloseSend(); err != nil {
			yield(Event{}, err)
			return
		}
		for {
			msg := new(structpb.Struct)
			if err := stream.RecvMsg(msg); err != nil {
				if ctx.Err() == nil {
					yield(Event{}, err)
				}
				return
			}
			var evt Event
			if err := api.Decode(msg, &evt); err != nil {
				if !yield(Event{}, err) {
					return
				}
				continue
			}
			if !yield(evt, nil) {
				return
			}
		}
	}
}
