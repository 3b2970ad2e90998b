package rtc

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/dkeye/meshcall/internal/core"
	"github.com/pion/webrtc/v4"
)

func TestFactory_OfferAnswerExchange(t *testing.T) {
	f, err := NewFactory(Options{LoopbackCandidates: true})
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	ctx := context.Background()
	a, err := f.NewLink(ctx, nil)
	if err != nil {
		t.Fatalf("NewLink a: %v", err)
	}
	defer a.Close()
	b, err := f.NewLink(ctx, nil)
	if err != nil {
		t.Fatalf("NewLink b: %v", err)
	}
	defer b.Close()

	src, err := NewSyntheticSource("test", true, true)
	if err != nil {
		t.Fatalf("source: %v", err)
	}
	defer src.Close()
	if err := a.AddTrack(src.Audio()); err != nil {
		t.Fatalf("add audio: %v", err)
	}
	if err := a.AddTrack(src.Video()); err != nil {
		t.Fatalf("add video: %v", err)
	}
	if err := b.AddIdleSender(webrtc.RTPCodecTypeAudio); err != nil {
		t.Fatalf("add idle audio: %v", err)
	}
	if err := b.AddIdleSender(webrtc.RTPCodecTypeVideo); err != nil {
		t.Fatalf("add idle video: %v", err)
	}

	offer, err := a.CreateOffer()
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	for _, want := range []string{"m=audio", "m=video", "opus", "VP8"} {
		if !strings.Contains(offer.SDP, want) {
			t.Fatalf("offer missing %q", want)
		}
	}
	if err := a.SetLocalDescription(offer); err != nil {
		t.Fatalf("a local: %v", err)
	}
	if err := b.SetRemoteDescription(offer); err != nil {
		t.Fatalf("b remote: %v", err)
	}
	answer, err := b.CreateAnswer()
	if err != nil {
		t.Fatalf("CreateAnswer: %v", err)
	}
	if err := b.SetLocalDescription(answer); err != nil {
		t.Fatalf("b local: %v", err)
	}
	if err := a.SetRemoteDescription(answer); err != nil {
		t.Fatalf("a remote: %v", err)
	}
}

func TestWebRTCConnection_ReplaceTrack(t *testing.T) {
	f, err := NewFactory(Options{})
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	l, err := f.NewLink(context.Background(), nil)
	if err != nil {
		t.Fatalf("NewLink: %v", err)
	}
	defer l.Close()

	screen, err := NewSyntheticSource("screen", false, true)
	if err != nil {
		t.Fatalf("source: %v", err)
	}
	if err := l.ReplaceTrack(webrtc.RTPCodecTypeVideo, screen.Video()); !errors.Is(err, ErrNoSender) {
		t.Fatalf("err=%v, want ErrNoSender", err)
	}

	cam, err := NewSyntheticSource("cam", false, true)
	if err != nil {
		t.Fatalf("source: %v", err)
	}
	if err := l.AddTrack(cam.Video()); err != nil {
		t.Fatalf("AddTrack: %v", err)
	}
	if err := l.ReplaceTrack(webrtc.RTPCodecTypeVideo, screen.Video()); err != nil {
		t.Fatalf("ReplaceTrack: %v", err)
	}
	if err := l.ReplaceTrack(webrtc.RTPCodecTypeVideo, nil); err != nil {
		t.Fatalf("ReplaceTrack nil: %v", err)
	}
}

func TestWebRTCConnection_IdleSenderAcceptsLaterTrack(t *testing.T) {
	f, err := NewFactory(Options{})
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	l, err := f.NewLink(context.Background(), nil)
	if err != nil {
		t.Fatalf("NewLink: %v", err)
	}
	defer l.Close()

	if err := l.AddIdleSender(webrtc.RTPCodecTypeVideo); err != nil {
		t.Fatalf("AddIdleSender: %v", err)
	}
	offer, err := l.CreateOffer()
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if !strings.Contains(offer.SDP, "a=sendrecv") {
		t.Fatalf("offer has no sendrecv video slot:\n%s", offer.SDP)
	}

	screen, err := NewSyntheticSource("screen", false, true)
	if err != nil {
		t.Fatalf("source: %v", err)
	}
	if err := l.ReplaceTrack(webrtc.RTPCodecTypeVideo, screen.Video()); err != nil {
		t.Fatalf("ReplaceTrack on idle sender: %v", err)
	}
	if err := l.ReplaceTrack(webrtc.RTPCodecTypeAudio, nil); !errors.Is(err, ErrNoSender) {
		t.Fatalf("audio err=%v, want ErrNoSender", err)
	}
}

func TestSyntheticAcquirer(t *testing.T) {
	if _, err := (SyntheticAcquirer{Deny: true}).Acquire(context.Background(), core.MediaConstraints{Audio: true}); !errors.Is(err, ErrCaptureDenied) {
		t.Fatalf("err=%v, want ErrCaptureDenied", err)
	}
	src, err := (SyntheticAcquirer{}).Acquire(context.Background(), core.MediaConstraints{Audio: true, Video: false})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if src.Audio() == nil || src.Video() != nil {
		t.Fatalf("audio=%v video=%v, want audio only", src.Audio(), src.Video())
	}
	if err := src.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := src.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestLoggerFactory(t *testing.T) {
	l := NewLoggerFactory().NewLogger("ice")
	l.Debugf("candidate %d", 1)
	l.Warn("warn")
	l.Errorf("err %s", "x")
}
