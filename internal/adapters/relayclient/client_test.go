package relayclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/meshcall/internal/adapters/signal"
	"github.com/dkeye/meshcall/internal/app"
	"github.com/dkeye/meshcall/internal/domain"
	"github.com/dkeye/meshcall/internal/mesh"
	"github.com/dkeye/meshcall/internal/wire"
	"github.com/gin-gonic/gin"
)

type event struct {
	kind     string
	id       domain.MemberID
	existing []domain.MemberID
	payload  json.RawMessage
}

type recordingHandler struct {
	events chan event
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{events: make(chan event, 16)}
}

func (h *recordingHandler) HandleJoinedAck(self domain.MemberID, existing []domain.MemberID) error {
	h.events <- event{kind: "ack", id: self, existing: existing}
	return nil
}

func (h *recordingHandler) HandleMemberJoined(remote domain.MemberID) error {
	h.events <- event{kind: "joined", id: remote}
	return nil
}

func (h *recordingHandler) HandleMemberLeft(remote domain.MemberID) error {
	h.events <- event{kind: "left", id: remote}
	return nil
}

func (h *recordingHandler) HandleSignal(from domain.MemberID, payload json.RawMessage) error {
	h.events <- event{kind: "signal", id: from, payload: payload}
	return nil
}

func (h *recordingHandler) next(t *testing.T) event {
	t.Helper()
	select {
	case ev := <-h.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("no event")
		return event{}
	}
}

func newRelayURL(t *testing.T, apiKey string) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	relay := app.NewRelay(app.NewRoomRegistry(), app.SimplePolicy{}, nil, nil)
	ctl := signal.NewSignalWSController(relay, signal.Options{APIKey: apiKey})

	ctx, cancel := context.WithCancel(context.Background())
	r := gin.New()
	r.GET("/ws", func(c *gin.Context) { ctl.HandleSignal(ctx, c) })
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func start(t *testing.T, opts Options, h Handler) *Client {
	t.Helper()
	c, err := Dial(context.Background(), opts)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, h) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Errorf("Run did not return")
		}
	})
	return c
}

func TestClient_JoinSignalLeave(t *testing.T) {
	for _, codec := range []wire.Codec{wire.JSON, wire.Msgpack} {
		t.Run(codec.Name(), func(t *testing.T) {
			url := newRelayURL(t, "")
			ha, hb := newRecordingHandler(), newRecordingHandler()
			a := start(t, Options{URL: url, Codec: codec}, ha)
			if a.codec.Name() != codec.Name() {
				t.Fatalf("codec=%s, want %s", a.codec.Name(), codec.Name())
			}

			if err := a.Join("room-1"); err != nil {
				t.Fatalf("join: %v", err)
			}
			ackA := ha.next(t)
			if ackA.kind != "ack" || len(ackA.existing) != 0 {
				t.Fatalf("A ack=%+v, want empty ack", ackA)
			}

			b := start(t, Options{URL: url, Codec: codec}, hb)
			if err := b.Join("room-1"); err != nil {
				t.Fatalf("join: %v", err)
			}
			ackB := hb.next(t)
			if ackB.kind != "ack" || len(ackB.existing) != 1 || ackB.existing[0] != ackA.id {
				t.Fatalf("B ack=%+v, want existing [%s]", ackB, ackA.id)
			}
			if ev := ha.next(t); ev.kind != "joined" || ev.id != ackB.id {
				t.Fatalf("A got %+v, want joined %s", ev, ackB.id)
			}

			payload := json.RawMessage(`{"kind":"offer","sdp":"v=0"}`)
			if err := b.SendSignal(ackA.id, payload); err != nil {
				t.Fatalf("send signal: %v", err)
			}
			ev := ha.next(t)
			if ev.kind != "signal" || ev.id != ackB.id {
				t.Fatalf("A got %+v, want signal from %s", ev, ackB.id)
			}
			if string(ev.payload) != string(payload) {
				t.Fatalf("payload=%s, want %s", ev.payload, payload)
			}

			b.Close()
			if ev := ha.next(t); ev.kind != "left" || ev.id != ackB.id {
				t.Fatalf("A got %+v, want left %s", ev, ackB.id)
			}
		})
	}
}

func TestClient_Chat(t *testing.T) {
	url := newRelayURL(t, "")
	type chat struct {
		from       domain.MemberID
		name, text string
	}
	got := make(chan chat, 1)
	ha, hb := newRecordingHandler(), newRecordingHandler()
	a := start(t, Options{URL: url, OnChat: func(from domain.MemberID, name, text string) {
		got <- chat{from, name, text}
	}}, ha)
	b := start(t, Options{URL: url}, hb)

	_ = a.Join("chat-room")
	ha.next(t)
	_ = b.Join("chat-room")
	ackB := hb.next(t)
	ha.next(t)

	if err := b.Chat("Bob", "hello"); err != nil {
		t.Fatalf("chat: %v", err)
	}
	select {
	case c := <-got:
		if c.from != ackB.id || c.name != "Bob" || c.text != "hello" {
			t.Fatalf("chat=%+v", c)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no chat")
	}
}

func TestClient_RejectedJoinMapsToRelayRejected(t *testing.T) {
	url := newRelayURL(t, "")
	errs := make(chan error, 1)
	h := newRecordingHandler()
	c := start(t, Options{URL: url, OnError: func(err error) { errs <- err }}, h)

	if err := c.Join("has space"); err != nil {
		t.Fatalf("join: %v", err)
	}
	select {
	case err := <-errs:
		if !errors.Is(err, mesh.ErrRelayRejected) {
			t.Fatalf("err=%v, want ErrRelayRejected", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no error frame")
	}

	// the channel stays usable
	if err := c.Join("valid-room"); err != nil {
		t.Fatalf("retry join: %v", err)
	}
	if ev := h.next(t); ev.kind != "ack" {
		t.Fatalf("got %+v, want ack", ev)
	}
}

func TestClient_APIKey(t *testing.T) {
	url := newRelayURL(t, "s3cret")

	var mu sync.Mutex
	var codes []string
	errs := make(chan struct{}, 1)
	h := newRecordingHandler()
	bad := start(t, Options{URL: url, OnError: func(err error) {
		var rerr *RelayError
		if errors.As(err, &rerr) {
			mu.Lock()
			codes = append(codes, rerr.Code)
			mu.Unlock()
		}
		errs <- struct{}{}
	}}, h)
	_ = bad.Join("room")
	select {
	case <-errs:
	case <-time.After(2 * time.Second):
		t.Fatalf("no error frame")
	}
	mu.Lock()
	if len(codes) != 1 || codes[0] != wire.CodeUnauthorized {
		t.Fatalf("codes=%v, want [%s]", codes, wire.CodeUnauthorized)
	}
	mu.Unlock()

	good := start(t, Options{URL: url, APIKey: "s3cret"}, h)
	_ = good.Join("room")
	if ev := h.next(t); ev.kind != "ack" {
		t.Fatalf("got %+v, want ack", ev)
	}
}

func TestClient_SendAfterClose(t *testing.T) {
	url := newRelayURL(t, "")
	c := start(t, Options{URL: url}, newRecordingHandler())
	c.Close()
	c.Close()
	if err := c.SendSignal("x", json.RawMessage(`{}`)); !errors.Is(err, ErrClosed) {
		t.Fatalf("err=%v, want ErrClosed", err)
	}
}

func TestClient_FullBufferWaitsThenReportsBackpressure(t *testing.T) {
	url := newRelayURL(t, "")
	c, err := Dial(context.Background(), Options{URL: url, SendBuffer: 1, SendTimeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	// no pumps yet: the first frame fills the buffer
	if err := c.Join("buffered-room"); err != nil {
		t.Fatalf("join: %v", err)
	}
	start := time.Now()
	err = c.SendSignal("x", json.RawMessage(`{"kind":"name","name":"n"}`))
	if !errors.Is(err, ErrBackpressure) {
		t.Fatalf("err=%v, want ErrBackpressure", err)
	}
	if waited := time.Since(start); waited < 50*time.Millisecond {
		t.Fatalf("gave up after %v, want at least the send timeout", waited)
	}
}

func TestClient_FullBufferSendCompletesWhenPumpDrains(t *testing.T) {
	url := newRelayURL(t, "")
	c, err := Dial(context.Background(), Options{URL: url, SendBuffer: 1, SendTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := c.Join("drain-room"); err != nil {
		t.Fatalf("join: %v", err)
	}
	sent := make(chan error, 1)
	go func() { sent <- c.Chat("Me", "queued behind the join") }()

	h := newRecordingHandler()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, h) }()
	defer func() {
		cancel()
		<-done
	}()

	select {
	case err := <-sent:
		if err != nil {
			t.Fatalf("chat err=%v, want nil once the pump drains", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("send never completed")
	}
	if ev := h.next(t); ev.kind != "ack" {
		t.Fatalf("got %+v, want ack", ev)
	}
}
