package domain

import (
	"errors"
	"net/url"
	"strings"
	"unicode"

	petname "github.com/dustinkirkland/golang-petname"
)

// MaxRoomKeyLen bounds the normalized room key.
const MaxRoomKeyLen = 256

var (
	ErrRoomKeyEmpty   = errors.New("room key empty")
	ErrRoomKeyTooLong = errors.New("room key too long")
	ErrRoomKeyInvalid = errors.New("room key invalid")
)

// RoomKey identifies a room. Browser clients derive it from the meeting URL.
type RoomKey string

// ParseRoomKey normalizes raw into a RoomKey. A meeting URL reduces to host+path,
// so the same meeting reached with different query strings lands in one room.
func ParseRoomKey(raw string) (RoomKey, error) {
	s := strings.TrimSpace(raw)
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil || u.Host == "" {
			return "", ErrRoomKeyInvalid
		}
		s = u.Host + strings.TrimRight(u.EscapedPath(), "/")
	}
	if s == "" {
		return "", ErrRoomKeyEmpty
	}
	if len(s) > MaxRoomKeyLen {
		return "", ErrRoomKeyTooLong
	}
	for _, r := range s {
		if r == unicode.ReplacementChar || !unicode.IsPrint(r) || unicode.IsSpace(r) {
			return "", ErrRoomKeyInvalid
		}
	}
	return RoomKey(s), nil
}

// NewRoomKey returns a fresh human-friendly key, e.g. "quietly-brave-otter".
func NewRoomKey() RoomKey {
	return RoomKey(petname.Generate(3, "-"))
}
