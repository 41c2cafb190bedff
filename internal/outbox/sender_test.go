package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/backoff"
	"github.com/matheus3301/chatsync/internal/chatapi"
	"github.com/matheus3301/chatsync/internal/clock"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/queue"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// scriptedSender fails with errs in order, then answers blank calls
// with an empty record, then confirms. A non-nil gate holds every call
// until it is closed.
type scriptedSender struct {
	mu    sync.Mutex
	errs  []error
	blank int
	calls []model.SendRequest
	gate  chan struct{}
}

func (s *scriptedSender) SendMessage(ctx context.Context, req model.SendRequest) (*model.Message, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	var err error
	blank := false
	if len(s.errs) > 0 {
		err, s.errs = s.errs[0], s.errs[1:]
	} else if s.blank > 0 {
		s.blank--
		blank = true
	}
	gate := s.gate
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if blank {
		return &model.Message{ClientID: req.ClientID}, nil
	}
	return &model.Message{ID: "srv-" + req.ClientID, ClientID: req.ClientID, ChatID: req.ChatID, Content: req.Content, Status: model.StatusSent}, nil
}

func (s *scriptedSender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type harness struct {
	t       *testing.T
	q       *queue.Queue
	clock   *clock.Fake
	sender  *scriptedSender
	box     *Outbox
	mu      sync.Mutex
	results []Result
}

func newHarness(t *testing.T, sender *scriptedSender) *harness {
	t.Helper()
	h := &harness{t: t, q: queue.New(nil), clock: clock.NewFake(epoch), sender: sender}
	ctx, cancel := context.WithCancel(context.Background())
	go h.q.Run(ctx)
	t.Cleanup(cancel)

	h.box = New(Config{
		MaxAttempts: 3,
		Backoff:     backoff.Policy{Base: time.Second, Cap: 30 * time.Second},
		Timeout:     time.Minute,
	}, Deps{Sender: sender, Queue: h.q, Clock: h.clock})
	h.box.OnResult(func(r Result) {
		h.mu.Lock()
		h.results = append(h.results, r)
		h.mu.Unlock()
	})
	t.Cleanup(func() { h.do(func(o *Outbox) { o.Close() }) })
	return h
}

func (h *harness) do(fn func(o *Outbox)) {
	h.t.Helper()
	if err := h.q.Call(context.Background(), func() { fn(h.box) }); err != nil {
		h.t.Fatalf("queue call: %v", err)
	}
}

func (h *harness) waitResults(n int) []Result {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		got := append([]Result(nil), h.results...)
		h.mu.Unlock()
		if len(got) >= n {
			// let the settling task finish scheduling its timers
			h.do(func(*Outbox) {})
			return got
		}
		time.Sleep(time.Millisecond)
	}
	h.t.Fatalf("timeout waiting for %d results", n)
	return nil
}

func req(chat, text string) model.SendRequest {
	return model.SendRequest{ChatID: chat, Type: model.TypeText, Content: text}
}

func TestParkedUntilOnline(t *testing.T) {
	s := &scriptedSender{}
	h := newHarness(t, s)

	h.do(func(o *Outbox) { o.Enqueue("tmp-1", req("c1", "hi"), epoch) })
	if s.callCount() != 0 {
		t.Fatalf("sent while offline")
	}
	h.do(func(o *Outbox) { o.SetOnline(true) })

	res := h.waitResults(1)
	if res[0].Err != nil || !res[0].Final || res[0].Message.ID != "srv-tmp-1" {
		t.Errorf("result = %+v", res[0])
	}
	s.mu.Lock()
	clientID := s.calls[0].ClientID
	s.mu.Unlock()
	if clientID != "tmp-1" {
		t.Errorf("request clientId = %q, want tmp-1", clientID)
	}
	h.do(func(o *Outbox) {
		if o.Has("tmp-1") {
			t.Error("pending survived confirmation")
		}
	})
}

func TestRetryWithBackoffThenConfirm(t *testing.T) {
	netErr := errors.New("connection reset")
	s := &scriptedSender{errs: []error{netErr, netErr}}
	h := newHarness(t, s)
	h.do(func(o *Outbox) {
		o.SetOnline(true)
		o.Enqueue("tmp-1", req("c1", "hi"), epoch)
	})

	h.waitResults(1)
	if got := h.clock.Pending(); len(got) != 1 || got[0] != time.Second {
		t.Fatalf("pending timers = %v, want [1s]", got)
	}
	h.clock.Advance(time.Second)

	h.waitResults(2)
	if got := h.clock.Pending(); len(got) != 1 || got[0] != 2*time.Second {
		t.Fatalf("pending timers = %v, want [2s]", got)
	}
	h.clock.Advance(2 * time.Second)

	res := h.waitResults(3)
	last := res[2]
	if last.Err != nil || !last.Final || last.Attempts != 3 {
		t.Errorf("final result = %+v", last)
	}
	if res[0].Final || !res[0].Retryable {
		t.Errorf("intermediate result = %+v", res[0])
	}
}

func TestResponseWithoutIDIsRetried(t *testing.T) {
	s := &scriptedSender{blank: 1}
	h := newHarness(t, s)
	h.do(func(o *Outbox) {
		o.SetOnline(true)
		o.Enqueue("tmp-1", req("c1", "hi"), epoch)
	})

	res := h.waitResults(1)
	if res[0].Final || !res[0].Retryable || res[0].Message != nil || !errors.Is(res[0].Err, chatapi.ErrMalformedResponse) {
		t.Fatalf("result = %+v", res[0])
	}
	h.do(func(o *Outbox) {
		if !o.Has("tmp-1") {
			t.Error("pending dropped after a response without id")
		}
	})

	h.clock.Advance(time.Second)
	res = h.waitResults(2)
	if res[1].Err != nil || !res[1].Final || res[1].Message.ID != "srv-tmp-1" {
		t.Errorf("result = %+v", res[1])
	}
}

func TestExhaustedAttempts(t *testing.T) {
	netErr := errors.New("timeout")
	s := &scriptedSender{errs: []error{netErr, netErr, netErr}}
	h := newHarness(t, s)
	h.do(func(o *Outbox) {
		o.SetOnline(true)
		o.Enqueue("tmp-1", req("c1", "hi"), epoch)
	})
	h.waitResults(1)
	h.clock.Advance(time.Second)
	h.waitResults(2)
	h.clock.Advance(2 * time.Second)

	res := h.waitResults(3)
	last := res[2]
	if !last.Final || !last.Retryable || !errors.Is(last.Err, ErrExhausted) {
		t.Errorf("final result = %+v", last)
	}
	if len(h.clock.Pending()) != 0 {
		t.Errorf("timers left: %v", h.clock.Pending())
	}
}

func TestValidationFailureIsTerminal(t *testing.T) {
	s := &scriptedSender{errs: []error{&chatapi.ValidationError{Status: 400, Message: "bad"}}}
	h := newHarness(t, s)
	h.do(func(o *Outbox) {
		o.SetOnline(true)
		o.Enqueue("tmp-1", req("c1", "hi"), epoch)
	})
	res := h.waitResults(1)
	if !res[0].Final || res[0].Retryable {
		t.Errorf("result = %+v, want final non-retryable", res[0])
	}
	if s.callCount() != 1 {
		t.Errorf("calls = %d, want 1", s.callCount())
	}
}

func TestOfflineParksRetry(t *testing.T) {
	s := &scriptedSender{errs: []error{errors.New("down")}}
	h := newHarness(t, s)
	h.do(func(o *Outbox) {
		o.SetOnline(true)
		o.Enqueue("tmp-1", req("c1", "hi"), epoch)
	})
	h.waitResults(1)
	h.do(func(o *Outbox) { o.SetOnline(false) })
	if len(h.clock.Pending()) != 0 {
		t.Fatalf("retry timer survived going offline")
	}
	h.do(func(o *Outbox) { o.SetOnline(true) })
	res := h.waitResults(2)
	if res[1].Err != nil || !res[1].Final {
		t.Errorf("result after flush = %+v", res[1])
	}
}

func TestResolvedSendResponseIsOrphan(t *testing.T) {
	s := &scriptedSender{gate: make(chan struct{})}
	h := newHarness(t, s)
	h.do(func(o *Outbox) {
		o.SetOnline(true)
		o.Enqueue("tmp-1", req("c1", "hi"), epoch)
	})
	h.do(func(o *Outbox) {
		if !o.Resolve("tmp-1") {
			t.Error("Resolve() = false")
		}
	})
	close(s.gate)

	res := h.waitResults(1)
	if !res[0].Orphan || res[0].Message == nil {
		t.Errorf("result = %+v, want orphan confirmation", res[0])
	}
}

func TestRemoveCancelsInFlight(t *testing.T) {
	s := &scriptedSender{gate: make(chan struct{})}
	h := newHarness(t, s)
	h.do(func(o *Outbox) {
		o.SetOnline(true)
		o.Enqueue("tmp-1", req("c1", "hi"), epoch)
	})
	h.do(func(o *Outbox) { o.Remove("tmp-1") })

	time.Sleep(20 * time.Millisecond)
	h.do(func(o *Outbox) {})
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.results) != 0 {
		t.Errorf("results after remove = %+v", h.results)
	}
}

func TestFlushPreservesCreationOrder(t *testing.T) {
	s := &scriptedSender{}
	h := newHarness(t, s)
	h.do(func(o *Outbox) {
		o.Enqueue("tmp-b", req("c1", "second"), epoch.Add(time.Second))
		o.Enqueue("tmp-a", req("c1", "first"), epoch)
		o.Enqueue("tmp-a", req("c1", "dup"), epoch)
		if o.Len() != 2 {
			t.Errorf("Len() = %d, want 2", o.Len())
		}
		o.SetOnline(true)
	})
	h.waitResults(2)
	if s.callCount() != 2 {
		t.Fatalf("calls = %d, want 2", s.callCount())
	}
}
