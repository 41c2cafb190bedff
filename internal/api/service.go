// Package api exposes the engine over gRPC as the chatsync.v1.Control
// service. Requests and responses are structpb.Struct documents whose
// fields follow the JSON names of the model types.
package api

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/engine"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/store"
)

const ServiceName = "chatsync.v1.Control"

// Engine is the part of *engine.Engine the service drives.
type Engine interface {
	Status(ctx context.Context) (engine.Status, error)
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Reconnect(ctx context.Context) error
	NetworkRegained(ctx context.Context) error
	Foreground(ctx context.Context) error

	SendText(ctx context.Context, chatID, content, replyTo string) (*model.Message, error)
	SendFile(ctx context.Context, chatID, path, caption string) (*model.Message, error)
	Edit(ctx context.Context, id, content string) error
	Delete(ctx context.Context, id string, forEveryone bool) error
	React(ctx context.Context, id, value string) error
	Unreact(ctx context.Context, id string) error
	Retry(ctx context.Context, id string) error

	MarkRead(ctx context.Context, id string) error
	MarkChatRead(ctx context.Context, chatID string) (int, error)
	OpenChat(ctx context.Context, chatID string) error
	LoadOlder(ctx context.Context, chatID string) error
	Messages(ctx context.Context, chatID string) ([]*model.Message, error)
	Chats(ctx context.Context) ([]model.Chat, error)
	SetMuted(ctx context.Context, chatID string, muted bool) error
	UnreadCount(ctx context.Context, chatID string) (int, error)
	TotalUnread(ctx context.Context) (int, error)

	StartTyping(ctx context.Context, chatID string) error
	StopTyping(ctx context.Context, chatID string) error
	Presence(ctx context.Context, userID string) (presence.Presence, bool, error)
}

// Searcher runs full-text queries over the cache.
type Searcher interface {
	Search(ctx context.Context, query, chatID string, limit int) ([]store.Result, error)
}

// ControlServer is implemented by *Server. It only exists so the
// service descriptor can name a handler type.
type ControlServer interface {
	Ping(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// Server implements chatsync.v1.Control.
type Server struct {
	engine  Engine
	search  Searcher
	bus     *bus.Bus
	session string
	started time.Time
	logger  *zap.Logger
}

// NewServer creates the service. search may be nil when no cache is
// configured.
func NewServer(e Engine, search Searcher, b *bus.Bus, sessionName string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		engine:  e,
		search:  search,
		bus:     b,
		session: sessionName,
		started: time.Now(),
		logger:  logger.Named("api"),
	}
}

// Register attaches the service to a gRPC server.
func Register(s grpc.ServiceRegistrar, srv *Server) {
	s.RegisterService(&ServiceDesc, srv)
}

type unaryFunc func(s *Server, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

func method(name string, fn unaryFunc) grpc.MethodDesc {
	full := FullMethod(name)
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(*Server)
			call := func(ctx context.Context, req any) (any, error) {
				out, err := fn(s, ctx, req.(*structpb.Struct))
				if err != nil {
					return nil, toStatus(err)
				}
				return out, nil
			}
			if interceptor == nil {
				return call(ctx, in)
			}
			return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: full}, call)
		},
	}
}

// ServiceDesc describes chatsync.v1.Control for both server and client.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		method("Ping", (*Server).Ping),
		method("Status", (*Server).status),
		method("Connect", (*Server).connect),
		method("Disconnect", (*Server).disconnect),
		method("Reconnect", (*Server).reconnect),
		method("NetworkUp", (*Server).networkUp),
		method("Foreground", (*Server).foreground),
		method("SendText", (*Server).sendText),
		method("SendFile", (*Server).sendFile),
		method("Edit", (*Server).edit),
		method("Delete", (*Server).delete),
		method("React", (*Server).react),
		method("Unreact", (*Server).unreact),
		method("Retry", (*Server).retry),
		method("MarkRead", (*Server).markRead),
		method("MarkChatRead", (*Server).markChatRead),
		method("Open", (*Server).open),
		method("LoadOlder", (*Server).loadOlder),
		method("ListMessages", (*Server).listMessages),
		method("ListChats", (*Server).listChats),
		method("Mute", (*Server).mute),
		method("Unread", (*Server).unread),
		method("Search", (*Server).searchMessages),
		method("Typing", (*Server).typing),
		method("Presence", (*Server).presence),
	},
	Streams: []grpc.StreamDesc{{
		StreamName:    "Watch",
		Handler:       watchHandler,
		ServerStreams: true,
	}},
	Metadata: "chatsync/v1/control",
}

// FullMethod returns the gRPC path of a Control method.
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}
