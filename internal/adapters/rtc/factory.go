package rtc

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/dkeye/meshcall/internal/core"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

type Options struct {
	// UDPPortMin and UDPPortMax bound ICE host candidates when both are set.
	UDPPortMin uint16
	UDPPortMax uint16
	// LoopbackCandidates lets links on one host reach each other.
	LoopbackCandidates bool
}

// Factory builds pion-backed peer links from one shared API.
type Factory struct {
	api  *webrtc.API
	next atomic.Uint64
}

var _ core.PeerLinkFactory = (*Factory)(nil)

func NewFactory(opts Options) (*Factory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{LoggerFactory: NewLoggerFactory()}
	if opts.UDPPortMin != 0 && opts.UDPPortMax != 0 {
		if err := se.SetEphemeralUDPPortRange(opts.UDPPortMin, opts.UDPPortMax); err != nil {
			return nil, fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}
	se.SetIncludeLoopbackCandidate(opts.LoopbackCandidates)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	)
	return &Factory{api: api}, nil
}

func (f *Factory) NewLink(ctx context.Context, iceServers []webrtc.ICEServer) (core.PeerLink, error) {
	label := fmt.Sprintf("link-%d", f.next.Add(1))
	c, err := newWebRTCConnection(ctx, f.api, webrtc.Configuration{ICEServers: iceServers}, label)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return c, nil
}
