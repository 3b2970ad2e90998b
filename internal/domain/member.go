package domain

import "github.com/google/uuid"

// MemberID is the relay-assigned identity of one duplex connection.
// Reconnecting yields a new MemberID.
type MemberID string

func NewMemberID() MemberID {
	return MemberID(uuid.NewString())
}

// Member represents a connection's participation meta for a room.
// No transport or lifecycle logic here.
type Member struct {
	ID          MemberID
	Room        RoomKey
	ClientToken string
}

// NewMember avoids raw literals in adapters and keeps construction obvious.
func NewMember(id MemberID, clientToken string) *Member {
	return &Member{ID: id, ClientToken: clientToken}
}
