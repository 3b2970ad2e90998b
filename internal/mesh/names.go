package mesh

import (
	"slices"

	"github.com/dkeye/meshcall/internal/core"
	"github.com/dkeye/meshcall/internal/domain"
)

// RemoteStream accumulates the tracks a remote member sends under one stream.
type RemoteStream struct {
	ID     string
	Tracks []core.RemoteTrack
}

// Participant is the best-known view of one remote member.
type Participant struct {
	ID     domain.MemberID
	Name   domain.DisplayName
	Named  bool
	Stream *RemoteStream
}

type nameEntry struct {
	name   domain.DisplayName
	named  bool
	stream *RemoteStream
}

// NameCorrelator merges name envelopes and remote streams per member,
// whichever arrives first. A learned name is never replaced by the
// placeholder. Not safe for concurrent use; the orchestrator's sequencer
// owns it.
type NameCorrelator struct {
	entries map[domain.MemberID]*nameEntry
}

func NewNameCorrelator() *NameCorrelator {
	return &NameCorrelator{entries: make(map[domain.MemberID]*nameEntry)}
}

func (c *NameCorrelator) entry(id domain.MemberID) *nameEntry {
	e := c.entries[id]
	if e == nil {
		e = &nameEntry{name: domain.PlaceholderName}
		c.entries[id] = e
	}
	return e
}

// SetName records a display name. It reports true when a stream is already
// present, meaning the change is visible to presentation.
func (c *NameCorrelator) SetName(id domain.MemberID, name domain.DisplayName) (Participant, bool) {
	e := c.entry(id)
	if name != "" {
		e.name = name
		e.named = true
	}
	return c.snapshot(id, e), e.stream != nil
}

// AddTrack attaches a remote track. Tracks of another stream replace the
// previous stream.
func (c *NameCorrelator) AddTrack(id domain.MemberID, t core.RemoteTrack) Participant {
	e := c.entry(id)
	if e.stream == nil || e.stream.ID != t.StreamID {
		e.stream = &RemoteStream{ID: t.StreamID}
	}
	if !slices.ContainsFunc(e.stream.Tracks, func(x core.RemoteTrack) bool { return x.TrackID == t.TrackID }) {
		e.stream.Tracks = append(e.stream.Tracks, t)
	}
	return c.snapshot(id, e)
}

// Get returns the tuple only once a stream exists.
func (c *NameCorrelator) Get(id domain.MemberID) (Participant, bool) {
	e := c.entries[id]
	if e == nil || e.stream == nil {
		return Participant{}, false
	}
	return c.snapshot(id, e), true
}

func (c *NameCorrelator) Remove(id domain.MemberID) {
	delete(c.entries, id)
}

func (c *NameCorrelator) snapshot(id domain.MemberID, e *nameEntry) Participant {
	p := Participant{ID: id, Name: e.name, Named: e.named}
	if e.stream != nil {
		s := *e.stream
		s.Tracks = slices.Clone(e.stream.Tracks)
		p.Stream = &s
	}
	return p
}
