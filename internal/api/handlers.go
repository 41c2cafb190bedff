package api

import (
	"context"
	"time"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

var empty = &structpb.Struct{}

func required(req *structpb.Struct, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		v := str(req, k)
		if v == "" {
			return nil, grpcstatus.Errorf(codes.InvalidArgument, "%s is required", k)
		}
		out[k] = v
	}
	return out, nil
}

// Ping reports the session and daemon uptime.
func (s *Server) Ping(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"session":  s.session,
		"uptimeMs": float64(time.Since(s.started).Milliseconds()),
	})
}

func (s *Server) status(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	st, err := s.engine.Status(ctx)
	if err != nil {
		return nil, err
	}
	out, err := Encode(st)
	if err != nil {
		return nil, err
	}
	out.Fields["session"] = structpb.NewStringValue(s.session)
	return out, nil
}

func (s *Server) connect(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return empty, s.engine.Connect(ctx)
}

func (s *Server) disconnect(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return empty, s.engine.Disconnect(ctx)
}

func (s *Server) reconnect(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return empty, s.engine.Reconnect(ctx)
}

func (s *Server) networkUp(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return empty, s.engine.NetworkRegained(ctx)
}

func (s *Server) foreground(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return empty, s.engine.Foreground(ctx)
}

func (s *Server) sendText(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	args, err := required(req, "chatId")
	if err != nil {
		return nil, err
	}
	m, err := s.engine.SendText(ctx, args["chatId"], str(req, "content"), str(req, "replyTo"))
	if err != nil {
		return nil, err
	}
	return wrap("message", m)
}

func (s *Server) sendFile(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	args, err := required(req, "chatId", "path")
	if err != nil {
		return nil, err
	}
	m, err := s.engine.SendFile(ctx, args["chatId"], args["path"], str(req, "caption"))
	if err != nil {
		return nil, err
	}
	return wrap("message", m)
}

func (s *Server) edit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	args, err := required(req, "id")
	if err != nil {
		return nil, err
	}
	return empty, s.engine.Edit(ctx, args["id"], str(req, "content"))
}

func (s *Server) delete(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	args, err := required(req, "id")
	if err != nil {
		return nil, err
	}
	return empty, s.engine.Delete(ctx, args["id"], flag(req, "forEveryone"))
}

func (s *Server) react(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	args, err := required(req, "id", "value")
	if err != nil {
		return nil, err
	}
	return empty, s.engine.React(ctx, args["id"], args["value"])
}

func (s *Server) unreact(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	args, err := required(req, "id")
	if err != nil {
		return nil, err
	}
	return empty, s.engine.Unreact(ctx, args["id"])
}

func (s *Server) retry(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	args, err := required(req, "id")
	if err != nil {
		return nil, err
	}
	return empty, s.engine.Retry(ctx, args["id"])
}

func (s *Server) markRead(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	args, err := required(req, "id")
	if err != nil {
		return nil, err
	}
	return empty, s.engine.MarkRead(ctx, args["id"])
}

func (s *Server) markChatRead(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	args, err := required(req, "chatId")
	if err != nil {
		return nil, err
	}
	n, err := s.engine.MarkChatRead(ctx, args["chatId"])
	if err != nil {
		return nil, err
	}
	return structpb.NewStruct(map[string]any{"marked": float64(n)})
}

func (s *Server) open(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	// An empty chat id closes the active chat.
	return empty, s.engine.OpenChat(ctx, str(req, "chatId"))
}

func (s *Server) loadOlder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	args, err := required(req, "chatId")
	if err != nil {
		return nil, err
	}
	return empty, s.engine.LoadOlder(ctx, args["chatId"])
}

func (s *Server) listMessages(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	args, err := required(req, "chatId")
	if err != nil {
		return nil, err
	}
	msgs, err := s.engine.Messages(ctx, args["chatId"])
	if err != nil {
		return nil, err
	}
	if limit := num(req, "limit"); limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return wrap("messages", msgs)
}

func (s *Server) listChats(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	chats, err := s.engine.Chats(ctx)
	if err != nil {
		return nil, err
	}
	return wrap("chats", chats)
}

func (s *Server) mute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	args, err := required(req, "chatId")
	if err != nil {
		return nil, err
	}
	return empty, s.engine.SetMuted(ctx, args["chatId"], flag(req, "muted"))
}

// unread returns the total and, when chatId is given, that chat's count.
func (s *Server) unread(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	total, err := s.engine.TotalUnread(ctx)
	if err != nil {
		return nil, err
	}
	out := map[string]any{"total": float64(total)}
	if chatID := str(req, "chatId"); chatID != "" {
		n, err := s.engine.UnreadCount(ctx, chatID)
		if err != nil {
			return nil, err
		}
		out["chatId"] = chatID
		out["count"] = float64(n)
	}
	return structpb.NewStruct(out)
}

func (s *Server) searchMessages(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.search == nil {
		return nil, grpcstatus.Error(codes.Unimplemented, "search needs the message cache")
	}
	args, err := required(req, "query")
	if err != nil {
		return nil, err
	}
	results, err := s.search.Search(ctx, args["query"], str(req, "chatId"), num(req, "limit"))
	if err != nil {
		return nil, err
	}
	return wrap("results", results)
}

func (s *Server) typing(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	args, err := required(req, "chatId")
	if err != nil {
		return nil, err
	}
	if flag(req, "stop") {
		return empty, s.engine.StopTyping(ctx, args["chatId"])
	}
	return empty, s.engine.StartTyping(ctx, args["chatId"])
}

func (s *Server) presence(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	args, err := required(req, "userId")
	if err != nil {
		return nil, err
	}
	p, ok, err := s.engine.Presence(ctx, args["userId"])
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, grpcstatus.Errorf(codes.NotFound, "no presence for %s", args["userId"])
	}
	return wrap("presence", p)
}

func wrap(key string, v any) (*structpb.Struct, error) {
	val, err := EncodeValue(v)
	if err != nil {
		return nil, err
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{key: val}}, nil
}
