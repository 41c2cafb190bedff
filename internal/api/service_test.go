package api

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chatapi"
	"github.com/matheus3301/chatsync/internal/engine"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
)

type fakeEngine struct {
	mu     sync.Mutex
	calls  []string
	err    error
	msgs   []*model.Message
	marked int
}

func (f *fakeEngine) record(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	return f.err
}

func (f *fakeEngine) Status(context.Context) (engine.Status, error) {
	return engine.Status{State: status.Connected, RTT: 42 * time.Millisecond, NextRetryDelay: 30 * time.Second, Pending: 2}, f.record("Status")
}
func (f *fakeEngine) Connect(context.Context) error         { return f.record("Connect") }
func (f *fakeEngine) Disconnect(context.Context) error      { return f.record("Disconnect") }
func (f *fakeEngine) Reconnect(context.Context) error       { return f.record("Reconnect") }
func (f *fakeEngine) NetworkRegained(context.Context) error { return f.record("NetworkRegained") }
func (f *fakeEngine) Foreground(context.Context) error      { return f.record("Foreground") }

func (f *fakeEngine) SendText(_ context.Context, chatID, content, _ string) (*model.Message, error) {
	if err := f.record("SendText"); err != nil {
		return nil, err
	}
	return &model.Message{ID: "tmp-1", ClientID: "tmp-1", ChatID: chatID, SenderID: "me", Type: model.TypeText, Content: content, Status: model.StatusPending}, nil
}

func (f *fakeEngine) SendFile(_ context.Context, chatID, path, _ string) (*model.Message, error) {
	return &model.Message{ID: "tmp-2", ChatID: chatID, FileName: path}, f.record("SendFile")
}

func (f *fakeEngine) Edit(context.Context, string, string) error   { return f.record("Edit") }
func (f *fakeEngine) Delete(context.Context, string, bool) error   { return f.record("Delete") }
func (f *fakeEngine) React(context.Context, string, string) error  { return f.record("React") }
func (f *fakeEngine) Unreact(context.Context, string) error        { return f.record("Unreact") }
func (f *fakeEngine) Retry(context.Context, string) error          { return f.record("Retry") }
func (f *fakeEngine) MarkRead(context.Context, string) error       { return f.record("MarkRead") }
func (f *fakeEngine) OpenChat(context.Context, string) error       { return f.record("OpenChat") }
func (f *fakeEngine) LoadOlder(context.Context, string) error      { return f.record("LoadOlder") }
func (f *fakeEngine) SetMuted(context.Context, string, bool) error { return f.record("SetMuted") }
func (f *fakeEngine) StartTyping(context.Context, string) error    { return f.record("StartTyping") }
func (f *fakeEngine) StopTyping(context.Context, string) error     { return f.record("StopTyping") }

func (f *fakeEngine) MarkChatRead(context.Context, string) (int, error) {
	return f.marked, f.record("MarkChatRead")
}

func (f *fakeEngine) Messages(context.Context, string) ([]*model.Message, error) {
	return f.msgs, f.record("Messages")
}

func (f *fakeEngine) Chats(context.Context) ([]model.Chat, error) {
	return []model.Chat{{ID: "c1", UnreadCount: 3}}, f.record("Chats")
}

func (f *fakeEngine) UnreadCount(context.Context, string) (int, error) { return 3, f.record("UnreadCount") }
func (f *fakeEngine) TotalUnread(context.Context) (int, error)         { return 5, f.record("TotalUnread") }

func (f *fakeEngine) Presence(_ context.Context, userID string) (presence.Presence, bool, error) {
	return presence.Presence{UserID: userID, Online: true}, userID == "bob", f.record("Presence")
}

type fakeSearch struct{}

func (fakeSearch) Search(_ context.Context, query, _ string, _ int) ([]store.Result, error) {
	return []store.Result{{ID: "m1", ChatID: "c1", Snippet: "<<" + query + ">>"}}, nil
}

type harness struct {
	eng  *fakeEngine
	bus  *bus.Bus
	conn *grpc.ClientConn
}

func newHarness(t *testing.T, search Searcher) *harness {
	t.Helper()
	h := &harness{eng: &fakeEngine{}, bus: bus.New()}
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	Register(srv, NewServer(h.eng, search, h.bus, "test", nil))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	h.conn = conn
	return h
}

func (h *harness) call(t *testing.T, method string, req map[string]any) (*structpb.Struct, error) {
	t.Helper()
	in, err := structpb.NewStruct(req)
	if err != nil {
		t.Fatal(err)
	}
	out := new(structpb.Struct)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = h.conn.Invoke(ctx, FullMethod(method), in, out)
	return out, err
}

func TestStatusRoundTrip(t *testing.T) {
	h := newHarness(t, nil)
	out, err := h.call(t, "Status", nil)
	if err != nil {
		t.Fatal(err)
	}
	var st engine.Status
	if err := Decode(out, &st); err != nil {
		t.Fatal(err)
	}
	if st.State != status.Connected || st.RTT != 42*time.Millisecond || st.NextRetryDelay != 30*time.Second || st.Pending != 2 {
		t.Errorf("status = %+v", st)
	}
	if out.GetFields()["session"].GetStringValue() != "test" {
		t.Errorf("session missing: %v", out)
	}
}

func TestSendTextReturnsPendingRecord(t *testing.T) {
	h := newHarness(t, nil)
	out, err := h.call(t, "SendText", map[string]any{"chatId": "c1", "content": "hi"})
	if err != nil {
		t.Fatal(err)
	}
	var m model.Message
	if err := DecodeField(out, "message", &m); err != nil {
		t.Fatal(err)
	}
	if m.ID != "tmp-1" || m.Status != model.StatusPending || m.Content != "hi" {
		t.Errorf("message = %+v", m)
	}
}

func TestMissingArgumentsRejected(t *testing.T) {
	h := newHarness(t, nil)
	for _, method := range []string{"SendText", "Edit", "Delete", "React", "MarkChatRead", "Typing", "Presence"} {
		_, err := h.call(t, method, nil)
		if grpcstatus.Code(err) != codes.InvalidArgument {
			t.Errorf("%s without args: %v, want InvalidArgument", method, err)
		}
	}
	if len(h.eng.calls) != 0 {
		t.Errorf("engine called: %v", h.eng.calls)
	}
}

func TestErrorCodes(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{intsync.ErrNotFound, codes.NotFound},
		{intsync.ErrNotEditable, codes.FailedPrecondition},
		{intsync.ErrUnconfirmed, codes.FailedPrecondition},
		{model.ErrInvalidContent, codes.InvalidArgument},
		{engine.ErrNotStarted, codes.Unavailable},
		{&chatapi.StatusError{Status: 503, Message: "busy"}, codes.Unavailable},
		{&chatapi.ValidationError{Status: 400, Message: "empty"}, codes.InvalidArgument},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{errors.New("boom"), codes.Internal},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			h := newHarness(t, nil)
			h.eng.err = tt.err
			_, err := h.call(t, "Edit", map[string]any{"id": "m1", "content": "x"})
			if got := grpcstatus.Code(err); got != tt.want {
				t.Errorf("code = %v, want %v (%v)", got, tt.want, err)
			}
		})
	}
}

func TestUnreadAndListing(t *testing.T) {
	h := newHarness(t, nil)
	h.eng.msgs = []*model.Message{{ID: "a"}, {ID: "b"}, {ID: "c"}}

	out, err := h.call(t, "Unread", map[string]any{"chatId": "c1"})
	if err != nil {
		t.Fatal(err)
	}
	f := out.GetFields()
	if f["total"].GetNumberValue() != 5 || f["count"].GetNumberValue() != 3 {
		t.Errorf("unread = %v", out)
	}

	out, err = h.call(t, "ListMessages", map[string]any{"chatId": "c1", "limit": 2})
	if err != nil {
		t.Fatal(err)
	}
	var msgs []*model.Message
	if err := DecodeField(out, "messages", &msgs); err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].ID != "b" || msgs[1].ID != "c" {
		t.Errorf("limited messages = %v", msgs)
	}
}

func TestTypingStartStop(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.call(t, "Typing", map[string]any{"chatId": "c1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.call(t, "Typing", map[string]any{"chatId": "c1", "stop": true}); err != nil {
		t.Fatal(err)
	}
	if got := h.eng.calls; len(got) != 2 || got[0] != "StartTyping" || got[1] != "StopTyping" {
		t.Errorf("calls = %v", got)
	}
}

func TestPresenceUnknownIsNotFound(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.call(t, "Presence", map[string]any{"userId": "carol"}); grpcstatus.Code(err) != codes.NotFound {
		t.Errorf("unknown presence: %v", err)
	}
	out, err := h.call(t, "Presence", map[string]any{"userId": "bob"})
	if err != nil {
		t.Fatal(err)
	}
	var p presence.Presence
	if err := DecodeField(out, "presence", &p); err != nil || !p.Online {
		t.Errorf("presence = %+v, %v", p, err)
	}
}

func TestSearch(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.call(t, "Search", map[string]any{"query": "x"}); grpcstatus.Code(err) != codes.Unimplemented {
		t.Errorf("search without cache: %v", err)
	}

	h = newHarness(t, fakeSearch{})
	out, err := h.call(t, "Search", map[string]any{"query": "hi"})
	if err != nil {
		t.Fatal(err)
	}
	var results []store.Result
	if err := DecodeField(out, "results", &results); err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Snippet != "<<hi>>" {
		t.Errorf("results = %+v", results)
	}
}

func TestWatchStreamsMatchingEvents(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stream, err := h.conn.NewStream(ctx, &ServiceDesc.Streams[0], FullMethod("Watch"))
	if err != nil {
		t.Fatal(err)
	}
	req, _ := structpb.NewStruct(map[string]any{"prefix": "message."})
	if err := stream.SendMsg(req); err != nil {
		t.Fatal(err)
	}
	if err := stream.CloseSend(); err != nil {
		t.Fatal(err)
	}

	// The subscription is made after the request arrives; keep
	// publishing until the first event comes through.
	got := make(chan *structpb.Struct, 1)
	go func() {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err == nil {
			got <- msg
		}
	}()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case msg := <-got:
			f := msg.GetFields()
			if f["kind"].GetStringValue() != bus.MessageSendFailed {
				t.Fatalf("kind = %v", f["kind"])
			}
			p := f["payload"].GetStructValue().GetFields()
			if p["error"].GetStringValue() != "rejected" || p["tempId"].GetStringValue() != "tmp-1" {
				t.Errorf("payload = %v", p)
			}
			return
		case <-tick.C:
			h.bus.Emit(bus.ConnStateChanged, status.StatusChange{To: status.Connected})
			h.bus.Emit(bus.MessageSendFailed, &intsync.SendFailure{TempID: "tmp-1", ChatID: "c1", Err: errors.New("rejected")})
		case <-ctx.Done():
			t.Fatal("no event received")
		}
	}
}

func TestEventPayloadFlattensErrors(t *testing.T) {
	p := eventPayload(status.StatusChange{From: status.Connected, To: status.Disconnected, Err: errors.New("reset")})
	m, ok := p.(map[string]any)
	if !ok || m["error"] != "reset" || m["to"] != status.Disconnected {
		t.Errorf("payload = %#v", p)
	}
	if _, err := EncodeValue(p); err != nil {
		t.Errorf("EncodeValue: %v", err)
	}
}
