package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// PeerLink is one direct media connection to a remote member.
// Callers serialize calls on a single link; callbacks may fire on any goroutine.
type PeerLink interface {
	// AddTrack attaches a local track for sending.
	AddTrack(track webrtc.TrackLocal) error
	// AddIdleSender negotiates a slot for kind that receives and sends nothing
	// until ReplaceTrack attaches a track.
	AddIdleSender(kind webrtc.RTPCodecType) error
	// ReplaceTrack swaps the outgoing track of kind without renegotiation.
	// A nil track stops sending.
	ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnTrack sets a callback that will be invoked when a new remote track arrives.
	OnTrack(func(RemoteTrack))
	// OnFailed reports transport-level failure (ICE/DTLS).
	OnFailed(func(error))
	Close() error
}

// PeerLinkFactory creates peer links; createLink of the capability interface.
type PeerLinkFactory interface {
	NewLink(ctx context.Context, iceServers []webrtc.ICEServer) (PeerLink, error)
}

// RemoteTrack describes one incoming track. Tracks sharing StreamID form a stream.
type RemoteTrack struct {
	StreamID string
	TrackID  string
	Kind     webrtc.RTPCodecType
}

type MediaConstraints struct {
	Audio bool
	Video bool
}

// MediaSource is a local capture handle: camera+mic, or a substituted
// screen capture whose Audio is nil.
type MediaSource interface {
	ID() string
	Audio() webrtc.TrackLocal
	Video() webrtc.TrackLocal
	Close() error
}

// MediaAcquirer is acquireLocalMedia of the capability interface.
type MediaAcquirer interface {
	Acquire(ctx context.Context, c MediaConstraints) (MediaSource, error)
}
