package rtc

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/dkeye/meshcall/internal/core"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

var ErrCaptureDenied = errors.New("capture denied")

// opus silence frame and a tiny VP8 payload; receivers only need well-formed RTP.
var (
	opusSilence = []byte{0xf8, 0xff, 0xfe}
	vp8Filler   = []byte{0x10, 0x00, 0x00, 0x9d, 0x01, 0x2a}
)

// SyntheticSource is a headless MediaSource that paces RTP into local tracks.
type SyntheticSource struct {
	id    string
	audio *webrtc.TrackLocalStaticRTP
	video *webrtc.TrackLocalStaticRTP

	once   sync.Once
	cancel context.CancelFunc
	wg     conc.WaitGroup
}

var _ core.MediaSource = (*SyntheticSource)(nil)

func NewSyntheticSource(id string, withAudio, withVideo bool) (*SyntheticSource, error) {
	s := &SyntheticSource{id: id, cancel: func() {}}
	var err error
	if withAudio {
		s.audio, err = webrtc.NewTrackLocalStaticRTP(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "audio", id)
		if err != nil {
			return nil, err
		}
	}
	if withVideo {
		s.video, err = webrtc.NewTrackLocalStaticRTP(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, "video", id)
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Start paces packets until ctx is done or Close is called.
func (s *SyntheticSource) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	if s.audio != nil {
		s.wg.Go(func() { feed(ctx, s.audio, 20*time.Millisecond, 960, opusSilence) })
	}
	if s.video != nil {
		s.wg.Go(func() { feed(ctx, s.video, 33*time.Millisecond, 3000, vp8Filler) })
	}
}

func (s *SyntheticSource) ID() string { return s.id }

func (s *SyntheticSource) Audio() webrtc.TrackLocal {
	if s.audio == nil {
		return nil
	}
	return s.audio
}

func (s *SyntheticSource) Video() webrtc.TrackLocal {
	if s.video == nil {
		return nil
	}
	return s.video
}

func (s *SyntheticSource) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
	return nil
}

func feed(ctx context.Context, track *webrtc.TrackLocalStaticRTP, interval time.Duration, tsStep uint32, payload []byte) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         true,
			SequenceNumber: uint16(rand.UintN(1 << 16)),
			Timestamp:      rand.Uint32(),
		},
		Payload: payload,
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := track.WriteRTP(pkt); err != nil {
				log.Debug().Err(err).Str("module", "rtc").Str("track", track.ID()).Msg("write rtp")
				return
			}
			pkt.SequenceNumber++
			pkt.Timestamp += tsStep
		}
	}
}

// SyntheticAcquirer hands out SyntheticSources. Deny simulates a refused
// capture prompt.
type SyntheticAcquirer struct {
	Deny bool
}

func (a SyntheticAcquirer) Acquire(ctx context.Context, c core.MediaConstraints) (core.MediaSource, error) {
	if a.Deny {
		return nil, ErrCaptureDenied
	}
	if !c.Audio && !c.Video {
		return nil, errors.New("no media requested")
	}
	src, err := NewSyntheticSource("camera", c.Audio, c.Video)
	if err != nil {
		return nil, err
	}
	src.Start(ctx)
	return src, nil
}

// NewScreenSource is a video-only source used for screen sharing.
func NewScreenSource(ctx context.Context) (*SyntheticSource, error) {
	src, err := NewSyntheticSource("screen", false, true)
	if err != nil {
		return nil, err
	}
	src.Start(ctx)
	return src, nil
}

// drainTrack keeps a remote track flowing for a participant with no renderer.
func drainTrack(ctx context.Context, label string, track *webrtc.TrackRemote) {
	var (
		packets int
		last    *rtp.Packet
	)
	defer func() {
		ev := log.Debug().Str("module", "rtc").Str("link", label).Str("track_id", track.ID()).Int("packets", packets)
		if last != nil {
			ev = ev.Uint16("last_seq", last.SequenceNumber)
		}
		ev.Msg("remote track ended")
	}()
	for ctx.Err() == nil {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		packets++
		last = pkt
	}
}

// drainRTCP reads sender reports so interceptors can process them.
func drainRTCP(ctx context.Context, sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for ctx.Err() == nil {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
