package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/meshcall/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var ErrNoSender = errors.New("no sender for track kind")

// WebRTCConnection is a core.PeerLink on top of one pion PeerConnection.
type WebRTCConnection struct {
	pc     *webrtc.PeerConnection
	label  string
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	senders  map[webrtc.RTPCodecType]*webrtc.RTPSender
	onICE    func(webrtc.ICECandidateInit)
	onTrack  func(core.RemoteTrack)
	onFailed func(error)
	failed   bool
}

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: ICEServers([]string{"stun:stun.l.google.com:19302"}),
	}
}

// ICEServers turns configured URLs into one pion ICE server entry.
func ICEServers(urls []string) []webrtc.ICEServer {
	if len(urls) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: append([]string(nil), urls...)}}
}

func newWebRTCConnection(ctx context.Context, api *webrtc.API, cfg webrtc.Configuration, label string) (*WebRTCConnection, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	c := &WebRTCConnection{
		pc:      pc,
		label:   label,
		ctx:     ctx,
		cancel:  cancel,
		senders: make(map[webrtc.RTPCodecType]*webrtc.RTPSender),
	}
	c.start()
	return c, nil
}

func (c *WebRTCConnection) start() {
	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Debug().Str("module", "rtc").Str("link", c.label).Str("ice_state", s.String()).Msg("ICE state")
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("link", c.label).Str("peer_connection_state", s.String()).Msg("Peer state")
		if s == webrtc.PeerConnectionStateFailed {
			c.fail(fmt.Errorf("peer connection %s", s))
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.Lock()
		cb := c.onICE
		c.mu.Unlock()
		if cb != nil {
			cb(cand.ToJSON())
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("link", c.label).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		c.mu.Lock()
		cb := c.onTrack
		c.mu.Unlock()
		if cb != nil {
			cb(core.RemoteTrack{StreamID: track.StreamID(), TrackID: track.ID(), Kind: track.Kind()})
		}
		go drainTrack(c.ctx, c.label, track)
	})
}

func (c *WebRTCConnection) fail(err error) {
	c.mu.Lock()
	if c.failed {
		c.mu.Unlock()
		return
	}
	c.failed = true
	cb := c.onFailed
	c.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

func (c *WebRTCConnection) AddTrack(track webrtc.TrackLocal) error {
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.senders[track.Kind()] = sender
	c.mu.Unlock()
	go drainRTCP(c.ctx, sender)
	return nil
}

// AddIdleSender negotiates a send/receive slot for kind that carries a silent
// track until ReplaceTrack attaches a real one.
func (c *WebRTCConnection) AddIdleSender(kind webrtc.RTPCodecType) error {
	track, err := idleTrack(kind, c.label)
	if err != nil {
		return err
	}
	return c.AddTrack(track)
}

// ReplaceTrack swaps the outgoing track of kind. A nil track swaps in a
// silent one so the sender stays bound.
func (c *WebRTCConnection) ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error {
	c.mu.Lock()
	sender := c.senders[kind]
	c.mu.Unlock()
	if sender == nil {
		return fmt.Errorf("%w: %s", ErrNoSender, kind)
	}
	if track == nil {
		idle, err := idleTrack(kind, c.label)
		if err != nil {
			return err
		}
		track = idle
	}
	return sender.ReplaceTrack(track)
}

// idleTrack is never written to.
func idleTrack(kind webrtc.RTPCodecType, label string) (webrtc.TrackLocal, error) {
	capability := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	if kind == webrtc.RTPCodecTypeVideo {
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}
	return webrtc.NewTrackLocalStaticSample(capability, kind.String(), "idle-"+label)
}

func (c *WebRTCConnection) CreateOffer() (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

func (c *WebRTCConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *WebRTCConnection) SetLocalDescription(d webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(d)
}

func (c *WebRTCConnection) SetRemoteDescription(d webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(d)
}

func (c *WebRTCConnection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *WebRTCConnection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

// OnTrack sets application-level callback for remote tracks.
func (c *WebRTCConnection) OnTrack(fn func(core.RemoteTrack)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *WebRTCConnection) OnFailed(fn func(error)) {
	c.mu.Lock()
	c.onFailed = fn
	c.mu.Unlock()
}

func (c *WebRTCConnection) Close() error {
	c.cancel()
	err := c.pc.Close()
	if err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("link", c.label).Msg("close error")
	} else {
		log.Debug().Str("module", "rtc").Str("link", c.label).Msg("closed")
	}
	return err
}
