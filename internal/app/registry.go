package app

import (
	"errors"
	"slices"
	"sync"

	"github.com/dkeye/meshcall/internal/core"
	"github.com/dkeye/meshcall/internal/domain"
	"github.com/dkeye/meshcall/internal/wire"
	"github.com/rs/zerolog/log"
)

var ErrAlreadyMember = errors.New("already a member of the room")

// RoomRegistry maps room keys to their members. Every mutation of one room
// runs under that room's lock, so a joiner's snapshot and the member-joined
// notices sent to everyone else come from the same critical section.
// Different rooms never contend beyond the short map lookup.
type RoomRegistry struct {
	mu    sync.Mutex
	rooms map[domain.RoomKey]*roomEntry
}

type roomEntry struct {
	key domain.RoomKey

	mu      sync.Mutex
	order   []domain.MemberID
	conns   map[domain.MemberID]core.SignalConnection
	retired bool
}

func NewRoomRegistry() *RoomRegistry {
	return &RoomRegistry{rooms: make(map[domain.RoomKey]*roomEntry)}
}

// RoomView is valid only inside the callback it was passed to.
type RoomView struct {
	e *roomEntry
}

func (v RoomView) Key() domain.RoomKey { return v.e.key }

func (v RoomView) Members() []domain.MemberID {
	return slices.Clone(v.e.order)
}

func (v RoomView) Conn(id domain.MemberID) (core.SignalConnection, bool) {
	c, ok := v.e.conns[id]
	return c, ok && c != nil
}

// Broadcast queues m on every member channel except the one given. A failed
// send is recorded and does not stop delivery to the rest.
func (v RoomView) Broadcast(except domain.MemberID, m *wire.Message) core.PublishResult {
	res := core.PublishResult{}
	for _, id := range v.e.order {
		if id == except {
			continue
		}
		c := v.e.conns[id]
		if c == nil {
			continue
		}
		if err := c.TrySend(m); err != nil {
			res.Dropped = append(res.Dropped, core.Recipient{ID: id, Conn: c})
			continue
		}
		res.SendTo++
	}
	log.Debug().Str("module", "app.registry").Str("room", string(v.e.key)).Str("type", string(m.Type)).
		Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

// lockRoom returns the live entry for key with its lock held, creating it when
// create is set. A retired entry (emptied concurrently) is skipped.
func (r *RoomRegistry) lockRoom(key domain.RoomKey, create bool) (e *roomEntry, created bool) {
	for {
		r.mu.Lock()
		e = r.rooms[key]
		if e == nil {
			if !create {
				r.mu.Unlock()
				return nil, false
			}
			e = &roomEntry{key: key, conns: make(map[domain.MemberID]core.SignalConnection)}
			r.rooms[key] = e
			created = true
		}
		r.mu.Unlock()

		e.mu.Lock()
		if !e.retired {
			return e, created
		}
		e.mu.Unlock()
		created = false
	}
}

// JoinFunc adds id to the room and, still under the room lock, calls fn with
// the members that were present before the insert. fn may be nil.
func (r *RoomRegistry) JoinFunc(
	key domain.RoomKey,
	id domain.MemberID,
	conn core.SignalConnection,
	fn func(existing []domain.MemberID, created bool, v RoomView),
) error {
	e, created := r.lockRoom(key, true)
	defer e.mu.Unlock()

	if _, ok := e.conns[id]; ok {
		return ErrAlreadyMember
	}
	existing := slices.Clone(e.order)
	e.order = append(e.order, id)
	e.conns[id] = conn
	log.Info().Str("module", "app.registry").Str("room", string(key)).Str("member", string(id)).
		Int("members", len(e.order)).Msg("member added")

	if fn != nil {
		fn(existing, created, RoomView{e: e})
	}
	return nil
}

// Join returns the ordered members already in the room before id was added.
func (r *RoomRegistry) Join(key domain.RoomKey, id domain.MemberID) ([]domain.MemberID, error) {
	var out []domain.MemberID
	err := r.JoinFunc(key, id, nil, func(existing []domain.MemberID, _ bool, _ RoomView) {
		out = existing
	})
	return out, err
}

// LeaveFunc removes id and calls fn with the remaining members under the room
// lock. The room entry is discarded when it becomes empty. It reports whether
// id was a member.
func (r *RoomRegistry) LeaveFunc(
	key domain.RoomKey,
	id domain.MemberID,
	fn func(remaining []domain.MemberID, closed bool, v RoomView),
) bool {
	e, _ := r.lockRoom(key, false)
	if e == nil {
		return false
	}
	defer e.mu.Unlock()

	if _, ok := e.conns[id]; !ok {
		return false
	}
	delete(e.conns, id)
	e.order = slices.DeleteFunc(e.order, func(m domain.MemberID) bool { return m == id })
	log.Info().Str("module", "app.registry").Str("room", string(key)).Str("member", string(id)).
		Int("members", len(e.order)).Msg("member removed")

	closed := len(e.order) == 0
	if closed {
		e.retired = true
		r.mu.Lock()
		if r.rooms[key] == e {
			delete(r.rooms, key)
		}
		r.mu.Unlock()
		log.Info().Str("module", "app.registry").Str("room", string(key)).Msg("room discarded")
	}
	if fn != nil {
		fn(slices.Clone(e.order), closed, RoomView{e: e})
	}
	return true
}

// Leave returns the members remaining after id left.
func (r *RoomRegistry) Leave(key domain.RoomKey, id domain.MemberID) []domain.MemberID {
	var out []domain.MemberID
	r.LeaveFunc(key, id, func(remaining []domain.MemberID, _ bool, _ RoomView) {
		out = remaining
	})
	return out
}

// WithRoom runs fn under the room lock. It reports false if the room does not exist.
func (r *RoomRegistry) WithRoom(key domain.RoomKey, fn func(v RoomView)) bool {
	e, _ := r.lockRoom(key, false)
	if e == nil {
		return false
	}
	defer e.mu.Unlock()
	fn(RoomView{e: e})
	return true
}

func (r *RoomRegistry) Members(key domain.RoomKey) []domain.MemberID {
	var out []domain.MemberID
	r.WithRoom(key, func(v RoomView) { out = v.Members() })
	return out
}

func (r *RoomRegistry) MemberCount(key domain.RoomKey) int {
	return len(r.Members(key))
}

func (r *RoomRegistry) List() []core.RoomInfo {
	r.mu.Lock()
	entries := make([]*roomEntry, 0, len(r.rooms))
	for _, e := range r.rooms {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	out := make([]core.RoomInfo, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		n := len(e.order)
		e.mu.Unlock()
		if n > 0 {
			out = append(out, core.RoomInfo{Key: e.key, MemberCount: n})
		}
	}
	slices.SortFunc(out, func(a, b core.RoomInfo) int {
		switch {
		case a.Key < b.Key:
			return -1
		case a.Key > b.Key:
			return 1
		}
		return 0
	})
	return out
}
