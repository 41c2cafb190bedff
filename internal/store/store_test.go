package store

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/model"
	intsync "github.com/matheus3301/chatsync/internal/sync"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func msg(id, chat, sender, content string, at time.Duration) *model.Message {
	return &model.Message{
		ID:        id,
		ChatID:    chat,
		SenderID:  sender,
		Type:      model.TypeText,
		Content:   content,
		Status:    model.StatusSent,
		CreatedAt: t0.Add(at),
	}
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

func TestMessageRoundTrip(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	m := msg("m1", "c1", "bob", "hello", 0)
	m.ReadBy = map[string]time.Time{"me": t0.Add(time.Minute)}
	m.Reactions = map[string]model.Reaction{"me": {UserID: "me", Value: "👍", At: t0}}
	if err := db.UpsertMessage(ctx, m); err != nil {
		t.Fatal(err)
	}
	m.Status = model.StatusRead
	if err := db.UpsertMessage(ctx, m); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetMessage(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("message not found")
	}
	if got.Status != model.StatusRead {
		t.Errorf("status = %s, want read", got.Status)
	}
	if !got.IsReadBy("me") || got.Reactions["me"].Value != "👍" {
		t.Errorf("nested fields lost: %+v", got)
	}
	if !got.CreatedAt.Equal(t0) {
		t.Errorf("createdAt = %v", got.CreatedAt)
	}

	missing, err := db.GetMessage(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("GetMessage(nope) = %v, %v", missing, err)
	}
}

func TestListMessagesPaginates(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	for i, id := range []string{"a", "b", "c", "d"} {
		if err := db.UpsertMessage(ctx, msg(id, "c1", "bob", id, time.Duration(i)*time.Second)); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.UpsertMessage(ctx, msg("x", "c2", "bob", "x", 0)); err != nil {
		t.Fatal(err)
	}

	page, err := db.ListMessages(ctx, "c1", time.Time{}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].ID != "d" || page[1].ID != "c" {
		t.Fatalf("first page = %v", ids(page))
	}
	page, err = db.ListMessages(ctx, "c1", page[1].CreatedAt, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].ID != "b" || page[1].ID != "a" {
		t.Errorf("second page = %v", ids(page))
	}
}

func TestReplaceMessage(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	tmp := msg("tmp-1", "c1", "me", "hi", 0)
	tmp.ClientID = "tmp-1"
	tmp.Status = model.StatusPending
	if err := db.UpsertMessage(ctx, tmp); err != nil {
		t.Fatal(err)
	}
	confirmed := msg("srv-1", "c1", "me", "hi", 0)
	confirmed.ClientID = "tmp-1"
	if err := db.ReplaceMessage(ctx, "tmp-1", confirmed); err != nil {
		t.Fatal(err)
	}

	all, err := db.AllMessages(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0].ID != "srv-1" || all[0].ClientID != "tmp-1" {
		t.Errorf("after replace = %v", ids(all))
	}
}

func TestChatUpsertAndList(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.UpsertMessage(ctx, msg("old", "c1", "bob", "x", 0)); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertMessage(ctx, msg("new", "c2", "bob", "y", time.Hour)); err != nil {
		t.Fatal(err)
	}
	chat := model.Chat{ID: "c1", Name: "Alice", ParticipantIDs: []string{"me", "alice"}, LastMessageID: "old"}
	if err := db.UpsertChat(ctx, chat); err != nil {
		t.Fatal(err)
	}
	chat.Name = "Alice Updated"
	chat.IsMuted = true
	if err := db.UpsertChat(ctx, chat); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertChat(ctx, model.Chat{ID: "c2", LastMessageID: "new"}); err != nil {
		t.Fatal(err)
	}

	chats, err := db.ListChats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 2 {
		t.Fatalf("got %d chats, want 2", len(chats))
	}
	if chats[0].ID != "c2" {
		t.Errorf("first chat = %s, want c2 (most recent)", chats[0].ID)
	}
	c1 := chats[1]
	if c1.Name != "Alice Updated" || !c1.IsMuted || len(c1.ParticipantIDs) != 2 {
		t.Errorf("c1 = %+v", c1)
	}

	got, err := db.GetChat(ctx, "missing")
	if err != nil || got != nil {
		t.Errorf("GetChat(missing) = %v, %v", got, err)
	}
}

func TestSearch(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	for _, m := range []*model.Message{
		msg("m1", "c1", "bob", "hello world", 0),
		msg("m2", "c1", "bob", "goodbye world", time.Second),
		msg("m3", "c2", "bob", "Hello again", 2*time.Second),
		msg("m4", "c2", "bob", "100% sure", 3*time.Second),
	} {
		if err := db.UpsertMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		query, chat string
		want        []string
	}{
		{"hello", "", []string{"m3", "m1"}},
		{"hello", "c1", []string{"m1"}},
		{"world", "c1", []string{"m2", "m1"}},
		{"0%", "", []string{"m4"}},
		{"%", "", []string{"m4"}},
		{"  ", "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.query+"/"+tt.chat, func(t *testing.T) {
			results, err := db.Search(ctx, tt.query, tt.chat, 10)
			if err != nil {
				t.Fatal(err)
			}
			var got []string
			for _, r := range results {
				got = append(got, r.ID)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("got %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestSnippet(t *testing.T) {
	tests := []struct {
		name, content, query, want string
	}{
		{"ascii fold", "say hello there", "HELLO", "say <<hello>> there"},
		{"non-ascii fold", "olá AÇÃO aqui", "ação", "olá <<AÇÃO>> aqui"},
		{"length-changing case", "İİİİ hello", "hello", "İİİİ <<hello>>"},
		{"no match", "nothing here", "absent", "nothing here"},
		{
			"trimmed on rune boundaries",
			strings.Repeat("ção ", 12) + "alvo " + strings.Repeat("ção ", 12),
			"ALVO",
			"..." + strings.Repeat("ção ", 8) + "<<alvo>> " + strings.Repeat("ção ", 7) + "ção...",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := snippet(tt.content, tt.query)
			if got != tt.want {
				t.Errorf("snippet = %q, want %q", got, tt.want)
			}
			if !utf8.ValidString(got) {
				t.Errorf("snippet is not valid UTF-8: %q", got)
			}
		})
	}

	long := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa needle bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	got := snippet(long, "needle")
	if got[:3] != "..." || got[len(got)-3:] != "..." {
		t.Errorf("long snippet not trimmed: %q", got)
	}
}

func TestCheckpoint(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	v, err := db.Checkpoint(ctx, KeyActiveChat)
	if err != nil || v != "" {
		t.Fatalf("unset checkpoint = %q, %v", v, err)
	}
	if err := db.SetCheckpoint(ctx, KeyActiveChat, "c1"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetCheckpoint(ctx, KeyActiveChat, "c2"); err != nil {
		t.Fatal(err)
	}
	if v, _ := db.Checkpoint(ctx, KeyActiveChat); v != "c2" {
		t.Errorf("checkpoint = %q, want c2", v)
	}
}

func TestPersisterWritesThrough(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	p := NewPersister(db, b, nil)
	p.Subscribe()
	// Emitted before Run starts; the subscription buffers it.
	b.Emit(bus.ChatUpserted, model.Chat{ID: "c1", Name: "Team"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	tmp := msg("tmp-1", "c1", "me", "hi", 0)
	tmp.ClientID = "tmp-1"
	tmp.Status = model.StatusPending
	b.Emit(bus.MessageUpserted, intsync.Change{Kind: intsync.Upserted, ChatID: "c1", Message: tmp})
	confirmed := msg("srv-1", "c1", "me", "hi", 0)
	confirmed.ClientID = "tmp-1"
	b.Emit(bus.MessageReplaced, intsync.Change{Kind: intsync.Replaced, ChatID: "c1", Message: confirmed, PrevID: "tmp-1"})
	b.Emit(bus.MessageUpserted, intsync.Change{Kind: intsync.Upserted, ChatID: "c1", Message: msg("gone", "c1", "bob", "x", time.Second)})
	b.Emit(bus.MessageRemoved, intsync.Change{Kind: intsync.Removed, ChatID: "c1", Message: msg("gone", "c1", "bob", "x", time.Second)})
	b.Emit(bus.ChatActivated, intsync.Activation{Current: "c1"})

	// message and chat notifications are consumed from separate
	// subscriptions, so only the final state is ordered.
	waitFor(t, "writes applied", func() bool {
		v, _ := db.Checkpoint(context.Background(), KeyActiveChat)
		all, _ := db.AllMessages(context.Background())
		return v == "c1" && len(all) == 1 && all[0].ID == "srv-1"
	})

	chats, msgs, err := db.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 1 || chats[0].Name != "Team" {
		t.Errorf("chats = %+v", chats)
	}
	if len(msgs) != 1 || msgs[0].Status != model.StatusSent {
		t.Errorf("messages = %v", ids(msgs))
	}
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func ids(msgs []*model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
