package core

import (
	"github.com/dkeye/meshcall/internal/domain"
)

// PublishResult reports delivery stats/backpressure to the relay.
type PublishResult struct {
	SendTo  int
	Dropped []Recipient
}

type RoomInfo struct {
	Key         domain.RoomKey `json:"key"`
	MemberCount int            `json:"member_count"`
}

// RoomDirectory is the read-only view the HTTP API needs.
type RoomDirectory interface {
	List() []RoomInfo
	MemberCount(key domain.RoomKey) int
}
