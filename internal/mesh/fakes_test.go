package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/meshcall/internal/core"
	"github.com/dkeye/meshcall/internal/domain"
	"github.com/pion/webrtc/v4"
)

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type fakeLink struct {
	idx int

	mu          sync.Mutex
	audio       webrtc.TrackLocal
	video       webrtc.TrackLocal
	idle        []webrtc.RTPCodecType
	senders     map[webrtc.RTPCodecType]bool
	local       *webrtc.SessionDescription
	remote      *webrtc.SessionDescription
	candidates  []webrtc.ICECandidateInit
	closed      bool
	emitOnLocal *webrtc.ICECandidateInit

	onICE    func(webrtc.ICECandidateInit)
	onTrack  func(core.RemoteTrack)
	onFailed func(error)
}

func (l *fakeLink) addSender(kind webrtc.RTPCodecType) {
	if l.senders == nil {
		l.senders = make(map[webrtc.RTPCodecType]bool)
	}
	l.senders[kind] = true
}

func (l *fakeLink) AddTrack(t webrtc.TrackLocal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.addSender(t.Kind())
	if t.Kind() == webrtc.RTPCodecTypeVideo {
		l.video = t
	} else {
		l.audio = t
	}
	return nil
}

func (l *fakeLink) AddIdleSender(kind webrtc.RTPCodecType) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.addSender(kind)
	l.idle = append(l.idle, kind)
	return nil
}

func (l *fakeLink) ReplaceTrack(kind webrtc.RTPCodecType, t webrtc.TrackLocal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.senders[kind] {
		return errors.New("no sender")
	}
	if kind == webrtc.RTPCodecTypeVideo {
		l.video = t
	} else {
		l.audio = t
	}
	return nil
}

func (l *fakeLink) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d", l.idx)}, nil
}

func (l *fakeLink) CreateAnswer() (webrtc.SessionDescription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.remote == nil || l.remote.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer-%d", l.idx)}, nil
}

func (l *fakeLink) SetLocalDescription(d webrtc.SessionDescription) error {
	l.mu.Lock()
	l.local = &d
	emit, cb := l.emitOnLocal, l.onICE
	l.mu.Unlock()
	if emit != nil && cb != nil {
		cb(*emit)
	}
	return nil
}

func (l *fakeLink) SetRemoteDescription(d webrtc.SessionDescription) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.remote = &d
	return nil
}

func (l *fakeLink) AddICECandidate(c webrtc.ICECandidateInit) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.remote == nil {
		return errors.New("remote description not set")
	}
	l.candidates = append(l.candidates, c)
	return nil
}

func (l *fakeLink) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	l.mu.Lock()
	l.onICE = fn
	l.mu.Unlock()
}

func (l *fakeLink) OnTrack(fn func(core.RemoteTrack)) {
	l.mu.Lock()
	l.onTrack = fn
	l.mu.Unlock()
}

func (l *fakeLink) OnFailed(fn func(error)) {
	l.mu.Lock()
	l.onFailed = fn
	l.mu.Unlock()
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

type linkView struct {
	audio      webrtc.TrackLocal
	video      webrtc.TrackLocal
	idle       []webrtc.RTPCodecType
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	closed     bool
}

func (l *fakeLink) view() linkView {
	l.mu.Lock()
	defer l.mu.Unlock()
	return linkView{
		audio:      l.audio,
		video:      l.video,
		idle:       append([]webrtc.RTPCodecType(nil), l.idle...),
		local:      l.local,
		remote:     l.remote,
		candidates: append([]webrtc.ICECandidateInit(nil), l.candidates...),
		closed:     l.closed,
	}
}

func (l *fakeLink) fail(err error) {
	l.mu.Lock()
	cb := l.onFailed
	l.mu.Unlock()
	cb(err)
}

type fakeFactory struct {
	mu          sync.Mutex
	calls       int
	links       []*fakeLink
	gates       map[int]chan struct{}
	emitOnLocal *webrtc.ICECandidateInit
}

func (f *fakeFactory) NewLink(_ context.Context, _ []webrtc.ICEServer) (core.PeerLink, error) {
	f.mu.Lock()
	idx := f.calls
	f.calls++
	gate := f.gates[idx]
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	l := &fakeLink{idx: idx, emitOnLocal: f.emitOnLocal}
	f.mu.Lock()
	f.links = append(f.links, l)
	f.mu.Unlock()
	return l, nil
}

func (f *fakeFactory) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeFactory) all() []*fakeLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeLink(nil), f.links...)
}

type sent struct {
	to  domain.MemberID
	env Envelope
}

type recordingSender struct {
	mu      sync.Mutex
	out     []sent
	forward func(to domain.MemberID, payload json.RawMessage)
	// reject, when set, refuses matching frames like a full relay buffer
	reject func(to domain.MemberID, env Envelope) error
}

func (s *recordingSender) SendSignal(to domain.MemberID, payload json.RawMessage) error {
	env, err := DecodeEnvelope(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.reject != nil {
		if err := s.reject(to, env); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.out = append(s.out, sent{to: to, env: env})
	fwd := s.forward
	s.mu.Unlock()
	if fwd != nil {
		fwd(to, payload)
	}
	return nil
}

func (s *recordingSender) sentOf(kind EnvelopeKind) []sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sent
	for _, m := range s.out {
		if m.env.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

func (s *recordingSender) all() []sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sent(nil), s.out...)
}

type recordingPresenter struct {
	mu       sync.Mutex
	updates  []Participant
	removed  []domain.MemberID
	failures map[domain.MemberID]error
	media    []error
}

func (p *recordingPresenter) ParticipantUpdated(x Participant) {
	p.mu.Lock()
	p.updates = append(p.updates, x)
	p.mu.Unlock()
}

func (p *recordingPresenter) ParticipantRemoved(id domain.MemberID) {
	p.mu.Lock()
	p.removed = append(p.removed, id)
	p.mu.Unlock()
}

func (p *recordingPresenter) LinkFailed(id domain.MemberID, err error) {
	p.mu.Lock()
	if p.failures == nil {
		p.failures = make(map[domain.MemberID]error)
	}
	p.failures[id] = err
	p.mu.Unlock()
}

func (p *recordingPresenter) MediaUnavailable(err error) {
	p.mu.Lock()
	p.media = append(p.media, err)
	p.mu.Unlock()
}

func (p *recordingPresenter) failure(id domain.MemberID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures[id]
}

func (p *recordingPresenter) mediaCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.media)
}

type fakeSource struct {
	id     string
	audio  webrtc.TrackLocal
	video  webrtc.TrackLocal
	mu     sync.Mutex
	closed bool
}

func newFakeSource(t *testing.T, id string, withAudio bool) *fakeSource {
	t.Helper()
	video, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video-"+id, id)
	if err != nil {
		t.Fatalf("video track: %v", err)
	}
	s := &fakeSource{id: id, video: video}
	if withAudio {
		audio, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio-"+id, id)
		if err != nil {
			t.Fatalf("audio track: %v", err)
		}
		s.audio = audio
	}
	return s
}

func (s *fakeSource) ID() string               { return s.id }
func (s *fakeSource) Audio() webrtc.TrackLocal { return s.audio }
func (s *fakeSource) Video() webrtc.TrackLocal { return s.video }

func (s *fakeSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeAcquirer struct {
	src core.MediaSource
	err error
}

func (a fakeAcquirer) Acquire(context.Context, core.MediaConstraints) (core.MediaSource, error) {
	return a.src, a.err
}

type harness struct {
	o *Orchestrator
	f *fakeFactory
	s *recordingSender
	p *recordingPresenter
}

func newHarness(t *testing.T, name string) *harness {
	t.Helper()
	h := &harness{f: &fakeFactory{}, s: &recordingSender{}, p: &recordingPresenter{}}
	h.o = New(h.f, h.s, h.p, Config{Name: domain.DisplayName(name)})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.o.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) state(t *testing.T, remote domain.MemberID) LinkState {
	t.Helper()
	st, ok := h.o.LinkState(remote)
	if !ok {
		return Closed
	}
	return st
}

func (h *harness) waitState(t *testing.T, remote domain.MemberID, want LinkState) {
	t.Helper()
	eventually(t, fmt.Sprintf("link to %s in %s", remote, want), func() bool {
		st, ok := h.o.LinkState(remote)
		return ok && st == want
	})
}

func rawEnvelope(t *testing.T, e Envelope) json.RawMessage {
	t.Helper()
	raw, err := e.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return raw
}
