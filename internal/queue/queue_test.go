package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func startQueue(t *testing.T) *Queue {
	t.Helper()
	q := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go q.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-q.Done()
	})
	return q
}

func TestTasksRunInOrder(t *testing.T) {
	q := startQueue(t)
	var got []int
	for i := range 100 {
		q.Post(func() { got = append(got, i) })
	}
	if err := q.Call(context.Background(), func() {}); err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if len(got) != 100 {
		t.Fatalf("ran %d tasks, want 100", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("task %d ran at position %d", v, i)
		}
	}
}

func TestPostFromTaskDoesNotBlock(t *testing.T) {
	q := startQueue(t)
	done := make(chan struct{})
	q.Post(func() {
		for range 1000 {
			q.Post(func() {})
		}
		q.Post(func() { close(done) })
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("nested posts did not drain")
	}
}

func TestConcurrentPostersAreSerialized(t *testing.T) {
	q := startQueue(t)
	counter := 0
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				_ = q.Call(context.Background(), func() { counter++ })
			}
		}()
	}
	wg.Wait()
	if counter != 800 {
		t.Errorf("counter = %d, want 800", counter)
	}
}

func TestPanicIsRecovered(t *testing.T) {
	q := startQueue(t)
	q.Post(func() { panic("boom") })
	ran := false
	if err := q.Call(context.Background(), func() { ran = true }); err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if !ran {
		t.Error("queue stopped after a panicking task")
	}
}

func TestCallAfterClose(t *testing.T) {
	q := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)
	q.Close()
	<-q.Done()

	if q.Post(func() {}) {
		t.Error("Post() after close = true")
	}
	if err := q.Call(context.Background(), func() {}); !errors.Is(err, ErrClosed) {
		t.Errorf("Call() error = %v, want ErrClosed", err)
	}
}

func TestCallHonoursContext(t *testing.T) {
	q := New(nil) // never run
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Call(ctx, func() {}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Call() error = %v, want deadline exceeded", err)
	}
}
