package history

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Deliver(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) kinds() []Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Kind, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Kind)
	}
	return out
}

func TestDispatcher_DeliversInOrderAndDrainsOnShutdown(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(8, sink)

	d.Notify(Event{Kind: RoomCreated, Room: "r"})
	d.Notify(Event{Kind: MemberJoined, Room: "r", Member: "a"})
	d.Notify(Event{Kind: RoomClosed, Room: "r"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Run(ctx)

	got := sink.kinds()
	want := []Kind{RoomCreated, MemberJoined, RoomClosed}
	if len(got) != len(want) {
		t.Fatalf("delivered=%v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivered=%v, want %v", got, want)
		}
	}
	if sink.events[0].At.IsZero() {
		t.Fatalf("event timestamp not set")
	}
}

func TestDispatcher_NotifyNeverBlocksWhenFull(t *testing.T) {
	d := NewDispatcher(1, &recordingSink{})
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			d.Notify(Event{Kind: MemberJoined, Room: "r"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Notify blocked on a full queue")
	}
	if got := len(d.queue); got != 1 {
		t.Fatalf("queued=%d, want 1", got)
	}
}
