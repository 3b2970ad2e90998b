package app

import (
	"errors"
	"sync"

	"github.com/dkeye/meshcall/internal/history"
	"github.com/dkeye/meshcall/internal/wire"
)

var errFull = errors.New("full")

type fakeConn struct {
	mu     sync.Mutex
	msgs   []*wire.Message
	full   bool
	closed bool
}

func (c *fakeConn) TrySend(m *wire.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return errFull
	}
	c.msgs = append(c.msgs, m)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) take() []*wire.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.msgs
	c.msgs = nil
	return out
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []history.Event
}

func (n *recordingNotifier) Notify(ev history.Event) {
	n.mu.Lock()
	n.events = append(n.events, ev)
	n.mu.Unlock()
}

func (n *recordingNotifier) kinds() []history.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]history.Kind, 0, len(n.events))
	for _, ev := range n.events {
		out = append(out, ev.Kind)
	}
	return out
}
