package chatapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/matheus3301/chatsync/internal/model"
)

type staticToken string

func (s staticToken) Token() (string, error) { return string(s), nil }

func respond(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	raw, _ := json.Marshal(data)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": code < 300, "data": json.RawMessage(raw)})
}

func TestSendMessage(t *testing.T) {
	var got model.SendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/messages" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		respond(w, http.StatusCreated, map[string]any{
			"id": "srv-1", "chatId": got.ChatID, "senderId": "me", "type": "text",
			"content": got.Content, "status": "sent", "createdAt": "2026-01-01T00:00:00Z",
		})
	}))
	defer srv.Close()

	c := New(srv.URL, staticToken("tok"), "me", nil)
	msg, err := c.SendMessage(context.Background(), model.SendRequest{ClientID: "tmp-1", ChatID: "c1", Type: model.TypeText, Content: "hi"})
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if got.ClientID != "tmp-1" {
		t.Errorf("server saw clientId %q", got.ClientID)
	}
	if msg.ID != "srv-1" || msg.ClientID != "tmp-1" || msg.Status != model.StatusSent {
		t.Errorf("message = %+v", msg)
	}
}

func TestSendMessageWithoutID(t *testing.T) {
	tests := []struct {
		name string
		data any
	}{
		{"null data", nil},
		{"no id", map[string]any{"chatId": "c1", "content": "hi"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				respond(w, http.StatusCreated, tt.data)
			}))
			defer srv.Close()

			msg, err := New(srv.URL, nil, "me", nil).SendMessage(context.Background(), model.SendRequest{ClientID: "tmp-1", ChatID: "c1", Content: "hi"})
			if !errors.Is(err, ErrMalformedResponse) {
				t.Fatalf("SendMessage() = %+v, %v; want ErrMalformedResponse", msg, err)
			}
			if !IsRetryable(err) {
				t.Error("missing id should be retryable")
			}
		})
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		code      int
		retryable bool
		terminal  bool
	}{
		{http.StatusBadRequest, false, true},
		{http.StatusForbidden, false, true},
		{http.StatusNotFound, false, true},
		{http.StatusUnprocessableEntity, false, true},
		{http.StatusUnauthorized, true, false},
		{http.StatusTooManyRequests, true, false},
		{http.StatusInternalServerError, true, false},
		{http.StatusBadGateway, true, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
				_, _ = io.WriteString(w, `{"success":false,"error":"nope"}`)
			}))
			defer srv.Close()

			err := New(srv.URL, nil, "me", nil).AddReaction(context.Background(), "m1", "like")
			if err == nil {
				t.Fatal("expected error")
			}
			if got := IsRetryable(err); got != tt.retryable {
				t.Errorf("IsRetryable = %v, want %v (%v)", got, tt.retryable, err)
			}
			var ve *ValidationError
			if got := errors.As(err, &ve); got != tt.terminal {
				t.Errorf("ValidationError = %v, want %v", got, tt.terminal)
			}
		})
	}
}

func TestNetworkErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := New(url, nil, "me", nil).SendMessage(context.Background(), model.SendRequest{ChatID: "c1"})
	if err == nil || !IsRetryable(err) {
		t.Errorf("err = %v, want retryable", err)
	}
	if IsRetryable(context.Canceled) {
		t.Error("cancellation is retryable")
	}
}

func TestFetchMessagesPaging(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/messages/chat/c1" {
			t.Errorf("path = %s", r.URL.Path)
		}
		offset := r.URL.Query().Get("offset")
		switch offset {
		case "0":
			respond(w, 200, []map[string]any{
				{"id": "m3", "senderId": "bob", "content": "c"},
				{"id": "m2", "senderId": "bob", "content": "b"},
			})
		default:
			respond(w, 200, []map[string]any{{"id": "m1", "senderId": "bob", "content": "a"}})
		}
	}))
	defer srv.Close()

	c := New(srv.URL, nil, "me", nil)
	p1, err := c.FetchMessages(context.Background(), "c1", "", 2)
	if err != nil {
		t.Fatalf("FetchMessages() error = %v", err)
	}
	if len(p1.Messages) != 2 || p1.Next != "2" {
		t.Fatalf("page 1 = %d messages, next %q", len(p1.Messages), p1.Next)
	}
	if p1.Messages[0].ChatID != "c1" {
		t.Errorf("chat id not filled from the request: %q", p1.Messages[0].ChatID)
	}
	p2, err := c.FetchMessages(context.Background(), "c1", p1.Next, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(p2.Messages) != 1 || p2.Next != "" {
		t.Errorf("page 2 = %d messages, next %q", len(p2.Messages), p2.Next)
	}

	if _, err := c.FetchMessages(context.Background(), "c1", "bogus", 2); err == nil {
		t.Error("bad cursor accepted")
	}
}

func TestMarkReadRoutes(t *testing.T) {
	var paths []string
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		b, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(b))
		respond(w, 200, nil)
	}))
	defer srv.Close()

	c := New(srv.URL, nil, "me", nil)
	if err := c.MarkRead(context.Background(), []string{"m1"}); err != nil {
		t.Fatal(err)
	}
	if err := c.MarkRead(context.Background(), []string{"m1", "m2"}); err != nil {
		t.Fatal(err)
	}
	if paths[0] != "PUT /api/messages/m1/read" || paths[1] != "PUT /api/messages/read-multiple" {
		t.Errorf("paths = %v", paths)
	}
	if bodies[1] != `{"messageIds":["m1","m2"]}` {
		t.Errorf("bulk body = %s", bodies[1])
	}
}

func TestDeleteMessageBody(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		respond(w, 200, nil)
	}))
	defer srv.Close()

	if err := New(srv.URL, nil, "me", nil).DeleteMessage(context.Background(), "m1", true); err != nil {
		t.Fatal(err)
	}
	if body["messageId"] != "m1" || body["deleteForMe"] != false {
		t.Errorf("body = %v", body)
	}
}
