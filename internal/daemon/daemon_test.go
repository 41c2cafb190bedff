package daemon

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/fx"

	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/ctlclient"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/matheus3301/chatsync/internal/status"
)

const inboundFrame = `{"type":"new_message","payload":{"chatId":"c1","message":{
	"id":"srv-1","chatId":"c1","senderId":"bob","type":"text","content":"hello from bob",
	"status":"sent","deliveredTo":[],"readBy":[],"reactions":[],"isDeleted":false,
	"createdAt":"2026-01-02T03:04:05Z"}}}`

// chatServer accepts one websocket per dial, pushes a message and then
// reads until the client leaves.
func chatServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		_ = c.WriteMessage(websocket.TextMessage, []byte(inboundFrame))
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// home points the session layout at a short temp dir; Unix socket
// paths are limited to ~104 bytes on macOS.
func home(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "chatsync-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	t.Setenv(session.HomeEnv, dir)
	return dir
}

func writeSession(t *testing.T, name, wsURL, apiURL string) {
	t.Helper()
	if err := session.EnsureDir(name); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(session.TokenPath(name), []byte("secret\n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.SelfID = "me"
	cfg.Server.WSURL = wsURL
	cfg.Server.APIURL = apiURL
	cfg.Log.Level = "debug"
	if err := config.Save(session.ConfigPath(name), cfg); err != nil {
		t.Fatal(err)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestDaemonLifecycle(t *testing.T) {
	home(t)
	srv := chatServer(t)
	const name = "test"
	writeSession(t, name, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", srv.URL)

	app := fx.New(Module(Params{SessionName: name}), fx.NopLogger)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	if owner, err := lock.Read(session.Dir(name)); err != nil || owner.SelfID != "me" {
		t.Errorf("lock owner = %+v, %v", owner, err)
	}

	client, err := ctlclient.New(session.SocketPath(name))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = client.Close() }()

	got, _, err := client.Ping(ctx)
	if err != nil || got != name {
		t.Fatalf("Ping = %q, %v", got, err)
	}

	eventually(t, "health serving", func() bool {
		ok, err := client.Serving(ctx)
		return err == nil && ok
	})
	st, err := client.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.State != status.Connected {
		t.Errorf("state = %s, want connected", st.State)
	}

	eventually(t, "inbound message", func() bool {
		total, _, err := client.Unread(ctx, "")
		return err == nil && total == 1
	})
	chats, err := client.ListChats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 1 || chats[0].ID != "c1" || chats[0].UnreadCount != 1 {
		t.Errorf("chats = %+v", chats)
	}

	// The persister writes through asynchronously.
	eventually(t, "message in cache", func() bool {
		results, err := client.Search(ctx, "bob", "", 10)
		return err == nil && len(results) == 1 && results[0].ID == "srv-1"
	})

	if err := app.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := os.Stat(session.SocketPath(name)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("socket left behind: %v", err)
	}
	if _, err := lock.Read(session.Dir(name)); err == nil {
		t.Error("lock still held after stop")
	}
}

func TestDaemonRefusesSecondInstance(t *testing.T) {
	home(t)
	const name = "busy"
	writeSession(t, name, "ws://127.0.0.1:1/ws", "http://127.0.0.1:1")

	lk, err := lock.Acquire(session.Dir(name), "someone")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	app := fx.New(Module(Params{SessionName: name}), fx.NopLogger)
	var held *lock.LockHeldError
	if err := app.Err(); !errors.As(err, &held) {
		t.Fatalf("app error = %v, want LockHeldError", err)
	}
}

func TestProvideConfig(t *testing.T) {
	dir := t.TempDir()

	// Defaults alone lack a self id.
	if _, err := provideConfig(Params{ConfigPath: filepath.Join(dir, "missing.toml")}); err == nil {
		t.Error("missing config accepted without self_id")
	}

	path := filepath.Join(dir, "config.toml")
	cfg := config.Default()
	cfg.SelfID = "me"
	if err := config.Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	got, err := provideConfig(Params{ConfigPath: path})
	if err != nil {
		t.Fatal(err)
	}
	if got.SelfID != "me" {
		t.Errorf("SelfID = %q", got.SelfID)
	}
}

func TestEngineConfig(t *testing.T) {
	cfg := config.Default()
	cfg.SelfID = "me"
	cfg.Reconnect.MaxAttempts = 7
	cfg.Outbox.CorrelationWindow.Duration = time.Minute

	ec := engineConfig(cfg)
	if ec.Self != "me" {
		t.Errorf("Self = %q", ec.Self)
	}
	if ec.Conn.MaxAttempts != 7 || ec.Conn.Backoff.Base != time.Second || ec.Conn.Backoff.Cap != 30*time.Second {
		t.Errorf("conn config = %+v", ec.Conn)
	}
	if ec.Store.CorrelationWindow != time.Minute {
		t.Errorf("correlation window = %v", ec.Store.CorrelationWindow)
	}
	if ec.Presence.Expiry != 6*time.Second {
		t.Errorf("typing expiry = %v", ec.Presence.Expiry)
	}
}

// TestFxModuleWiring verifies the fx dependency graph resolves without
// running any constructor.
func TestFxModuleWiring(t *testing.T) {
	if err := fx.ValidateApp(Module(Params{SessionName: "fxtest"}), fx.NopLogger); err != nil {
		t.Fatalf("fx graph: %v", err)
	}
}
