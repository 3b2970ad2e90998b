package app

import "github.com/dkeye/meshcall/internal/domain"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	KickMember
)

// Policy decides what happens to a member whose send buffer overflowed.
type Policy interface {
	OnBackPressure(room domain.RoomKey, member domain.MemberID) BackpressureAction
}

// SimplePolicy disconnects slow members; a lost signaling frame leaves the
// mesh in an unknown state, so a clean rejoin is the recovery path.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(domain.RoomKey, domain.MemberID) BackpressureAction {
	return KickMember
}
