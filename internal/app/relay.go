package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/meshcall/internal/core"
	"github.com/dkeye/meshcall/internal/domain"
	"github.com/dkeye/meshcall/internal/history"
	"github.com/dkeye/meshcall/internal/wire"
	"github.com/rs/zerolog/log"
)

var (
	ErrRoomRejected      = errors.New("room key rejected")
	ErrAlreadyJoined     = errors.New("already joined")
	ErrNotJoined         = errors.New("not joined")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrRateLimited       = errors.New("join rate limited")
	ErrMemberClosed      = errors.New("member closed")
	ErrTargetUnreachable = errors.New("signal target unreachable")
)

type MemberState int

const (
	StateConnected MemberState = iota
	StateJoined
	StateClosed
)

func (s MemberState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Member is one relay channel. Its state is owned by the relay; adapters
// only hold the handle.
type Member struct {
	meta       *domain.Member
	conn       core.SignalConnection
	authorized bool

	mu    sync.Mutex
	state MemberState
}

func (m *Member) ID() domain.MemberID { return m.meta.ID }

func (m *Member) State() MemberState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Member) Room() domain.RoomKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.meta.Room
}

// Relay routes frames between members of the same room. It never interprets
// signal payloads.
type Relay struct {
	Rooms   *RoomRegistry
	Policy  Policy
	History history.Notifier
	Limiter *JoinRateLimiter
}

func NewRelay(rooms *RoomRegistry, policy Policy, notifier history.Notifier, limiter *JoinRateLimiter) *Relay {
	if rooms == nil {
		rooms = NewRoomRegistry()
	}
	if policy == nil {
		policy = SimplePolicy{}
	}
	if notifier == nil {
		notifier = history.Discard{}
	}
	return &Relay{Rooms: rooms, Policy: policy, History: notifier, Limiter: limiter}
}

// Open registers a freshly opened channel in state Connected.
func (r *Relay) Open(conn core.SignalConnection, clientToken string, authorized bool) *Member {
	m := &Member{
		meta:       domain.NewMember(domain.NewMemberID(), clientToken),
		conn:       conn,
		authorized: authorized,
		state:      StateConnected,
	}
	log.Info().Str("module", "app.relay").Str("member", string(m.ID())).Str("client", clientToken).
		Bool("authorized", authorized).Msg("channel opened")
	return m
}

// Handle validates and dispatches one inbound frame. Rejections are answered
// with an error frame and the channel stays open.
func (r *Relay) Handle(m *Member, msg *wire.Message) error {
	if err := msg.ValidateInbound(); err != nil {
		r.reply(m, wire.Error(wire.CodeBadPayload, err.Error()))
		return err
	}

	var err error
	switch msg.Type {
	case wire.TypeJoinCall:
		err = r.Join(m, msg.Room)
	case wire.TypeSignal:
		err = r.Signal(m, domain.MemberID(msg.To), msg.Payload)
	case wire.TypeChatMessage:
		err = r.Chat(m, msg.Name, msg.Text)
	case wire.TypePing:
		r.reply(m, &wire.Message{Type: wire.TypePong})
	}
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, ErrTargetUnreachable), errors.Is(err, ErrMemberClosed):
		// not visible to the sender
	case errors.Is(err, ErrRoomRejected):
		r.reply(m, wire.Error(wire.CodeRelayRejected, err.Error()))
	case errors.Is(err, ErrAlreadyJoined):
		r.reply(m, wire.Error(wire.CodeAlreadyJoined, err.Error()))
	case errors.Is(err, ErrNotJoined):
		r.reply(m, wire.Error(wire.CodeNotJoined, err.Error()))
	case errors.Is(err, ErrUnauthorized):
		r.reply(m, wire.Error(wire.CodeUnauthorized, err.Error()))
	case errors.Is(err, ErrRateLimited):
		r.reply(m, wire.Error(wire.CodeRateLimited, err.Error()))
	default:
		log.Error().Err(err).Str("module", "app.relay").Str("member", string(m.ID())).Msg("handle failed")
	}
	return err
}

// Join moves m into the room derived from raw. The joined-ack and the
// member-joined notices are queued under the room lock.
func (r *Relay) Join(m *Member, raw string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateClosed:
		return ErrMemberClosed
	case StateJoined:
		return fmt.Errorf("%w: room %s", ErrAlreadyJoined, m.meta.Room)
	}
	if !m.authorized {
		return ErrUnauthorized
	}
	if !r.Limiter.Allow(m.meta.ClientToken) {
		return ErrRateLimited
	}
	key, err := domain.ParseRoomKey(raw)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRoomRejected, err)
	}

	var (
		dropped []core.Recipient
		created bool
	)
	id := m.ID()
	err = r.Rooms.JoinFunc(key, id, m.conn, func(existing []domain.MemberID, isNew bool, v RoomView) {
		created = isNew
		if err := m.conn.TrySend(wire.JoinedAck(string(id), memberStrings(existing))); err != nil {
			dropped = append(dropped, core.Recipient{ID: id, Conn: m.conn})
		}
		res := v.Broadcast(id, wire.MemberJoined(string(id)))
		dropped = append(dropped, res.Dropped...)
	})
	if err != nil {
		return fmt.Errorf("join %s: %w", key, err)
	}

	m.state = StateJoined
	m.meta.Room = key
	log.Info().Str("module", "app.relay").Str("member", string(id)).Str("room", string(key)).Bool("created", created).Msg("joined")

	if created {
		r.History.Notify(history.Event{Kind: history.RoomCreated, Room: string(key)})
	}
	r.History.Notify(history.Event{Kind: history.MemberJoined, Room: string(key), Member: string(id), ClientToken: m.meta.ClientToken})

	r.applyBackpressure(key, dropped)
	return nil
}

// Signal forwards payload verbatim to target, tagged with the sender. A target
// outside the sender's room is logged and dropped.
func (r *Relay) Signal(m *Member, target domain.MemberID, payload json.RawMessage) error {
	key, ok := r.joinedRoom(m)
	if !ok {
		return ErrNotJoined
	}
	from := m.ID()
	if target == from {
		log.Warn().Str("module", "app.relay").Str("room", string(key)).Str("from", string(from)).Msg("signal addressed to sender, dropped")
		return ErrTargetUnreachable
	}

	var (
		found   bool
		dropped []core.Recipient
	)
	r.Rooms.WithRoom(key, func(v RoomView) {
		conn, ok := v.Conn(target)
		if !ok {
			return
		}
		found = true
		if err := conn.TrySend(wire.Signal(string(from), payload)); err != nil {
			dropped = append(dropped, core.Recipient{ID: target, Conn: conn})
		}
	})
	if !found {
		log.Debug().Str("module", "app.relay").Str("room", string(key)).Str("from", string(from)).
			Str("to", string(target)).Msg("signal target not in room, dropped")
		return ErrTargetUnreachable
	}
	r.applyBackpressure(key, dropped)
	return nil
}

// Chat relays a chat line to every other member of the sender's room.
func (r *Relay) Chat(m *Member, name, text string) error {
	key, ok := r.joinedRoom(m)
	if !ok {
		return ErrNotJoined
	}
	if name == "" {
		name = domain.PlaceholderName
	}
	var res core.PublishResult
	r.Rooms.WithRoom(key, func(v RoomView) {
		res = v.Broadcast(m.ID(), wire.Chat(string(m.ID()), name, text))
	})
	r.applyBackpressure(key, res.Dropped)
	return nil
}

// Close ends the member. A joined member leaves its room and the remaining
// members receive member-left. Close is idempotent.
func (r *Relay) Close(m *Member) {
	m.mu.Lock()
	prev := m.state
	m.state = StateClosed
	key := m.meta.Room
	m.mu.Unlock()

	if prev == StateClosed {
		return
	}
	id := m.ID()
	log.Info().Str("module", "app.relay").Str("member", string(id)).Str("state", prev.String()).Msg("channel closed")
	if prev != StateJoined {
		return
	}

	var (
		dropped []core.Recipient
		closed  bool
	)
	left := r.Rooms.LeaveFunc(key, id, func(_ []domain.MemberID, isClosed bool, v RoomView) {
		closed = isClosed
		dropped = v.Broadcast(id, wire.MemberLeft(string(id))).Dropped
	})
	if !left {
		return
	}
	r.History.Notify(history.Event{Kind: history.MemberLeft, Room: string(key), Member: string(id), ClientToken: m.meta.ClientToken})
	if closed {
		r.History.Notify(history.Event{Kind: history.RoomClosed, Room: string(key)})
	}
	r.applyBackpressure(key, dropped)
}

func (r *Relay) joinedRoom(m *Member) (domain.RoomKey, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.meta.Room, m.state == StateJoined
}

func (r *Relay) reply(m *Member, msg *wire.Message) {
	if err := m.conn.TrySend(msg); err != nil {
		r.applyBackpressure(m.Room(), []core.Recipient{{ID: m.ID(), Conn: m.conn}})
	}
}

// applyBackpressure runs outside every lock; closing a channel ends its read
// loop, which in turn calls Close for that member.
func (r *Relay) applyBackpressure(key domain.RoomKey, dropped []core.Recipient) {
	for _, rcp := range dropped {
		switch r.Policy.OnBackPressure(key, rcp.ID) {
		case KickMember:
			log.Warn().Str("module", "app.relay").Str("room", string(key)).Str("member", string(rcp.ID)).Msg("send buffer overflow, kicking member")
			rcp.Conn.Close()
		case DropFrame:
			log.Debug().Str("module", "app.relay").Str("room", string(key)).Str("member", string(rcp.ID)).Msg("frame dropped")
		}
	}
}

func memberStrings(ids []domain.MemberID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
