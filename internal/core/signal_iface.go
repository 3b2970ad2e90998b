package core

import (
	"github.com/dkeye/meshcall/internal/domain"
	"github.com/dkeye/meshcall/internal/wire"
)

// SignalConnection abstracts for a member's relay duplex channel.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	// TrySend encodes m and queues it without blocking. A full queue
	// reports backpressure instead of waiting.
	TrySend(m *wire.Message) error
	Close()
}

// Recipient pairs a member identity with its channel.
type Recipient struct {
	ID   domain.MemberID
	Conn SignalConnection
}
