package api

import (
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/status"
	intsync "github.com/matheus3301/chatsync/internal/sync"
)

const watchBuffer = 256

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(*Server).watch(in, stream)
}

// watch streams bus events whose kind starts with the requested prefix
// until the client goes away. Slow clients miss events rather than
// holding up the engine.
func (s *Server) watch(req *structpb.Struct, stream grpc.ServerStream) error {
	prefix := str(req, "prefix")
	ch, unsub := s.bus.Subscribe(prefix, watchBuffer)
	defer unsub()
	s.logger.Debug("watch started", zap.String("prefix", prefix))

	for {
		select {
		case evt := <-ch:
			env, err := s.envelope(evt)
			if err != nil {
				s.logger.Warn("watch event not encodable", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.SendMsg(env); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func (s *Server) envelope(evt bus.Event) (*structpb.Struct, error) {
	payload, err := EncodeValue(eventPayload(evt.Payload))
	if err != nil {
		return nil, err
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"eventId":      structpb.NewStringValue(uuid.NewString()),
		"session":      structpb.NewStringValue(s.session),
		"kind":         structpb.NewStringValue(evt.Kind),
		"occurredAtMs": structpb.NewNumberValue(float64(evt.Timestamp.UnixMilli())),
		"payload":      payload,
	}}, nil
}

// eventPayload flattens payloads whose error fields would not survive
// JSON encoding.
func eventPayload(p any) any {
	switch v := p.(type) {
	case status.StatusChange:
		out := map[string]any{"from": v.From, "to": v.To, "at": v.At}
		if v.Err != nil {
			out["error"] = v.Err.Error()
		}
		return out
	case *intsync.SendFailure:
		return map[string]any{
			"tempId":    v.TempID,
			"chatId":    v.ChatID,
			"error":     v.Err.Error(),
			"retryable": v.Retryable,
		}
	case intsync.Change:
		return map[string]any{
			"kind":    v.Kind.String(),
			"chatId":  v.ChatID,
			"message": v.Message,
			"prevId":  v.PrevID,
		}
	case intsync.Activation:
		return map[string]any{"prev": v.Prev, "current": v.Current}
	}
	return p
}
