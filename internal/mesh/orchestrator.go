// Package mesh drives one participant's side of a full-mesh call: a peer link
// per remote member, a fixed initiator rule, and name/stream reconciliation.
//
// Every decision runs on a single sequencer goroutine. Calls into the peer
// link capability run on a per-link executor, so negotiations with different
// remotes never wait on each other while calls on one link stay ordered.
// Completions return to the sequencer and are discarded when the link they
// were started for is gone or has been replaced.
package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/dkeye/meshcall/internal/core"
	"github.com/dkeye/meshcall/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

// Sender delivers an encoded envelope to one remote member via the relay.
type Sender interface {
	SendSignal(to domain.MemberID, payload json.RawMessage) error
}

// Presenter receives user-visible changes. Methods run on the sequencer and
// must not call back into the Orchestrator synchronously.
type Presenter interface {
	ParticipantUpdated(p Participant)
	ParticipantRemoved(id domain.MemberID)
	LinkFailed(id domain.MemberID, err error)
	MediaUnavailable(err error)
}

type Config struct {
	ICEServers []webrtc.ICEServer
	// Name is piggybacked after every offer and answer.
	Name domain.DisplayName
}

type Orchestrator struct {
	factory   core.PeerLinkFactory
	sender    Sender
	presenter Presenter
	cfg       Config

	events   chan func()
	done     chan struct{}
	stopOnce sync.Once
	runCtx   context.Context
	workers  conc.WaitGroup

	// sequencer state
	self          domain.MemberID
	links         map[domain.MemberID]*link
	names         *NameCorrelator
	acquired      core.MediaSource
	audio         webrtc.TrackLocal
	video         webrtc.TrackLocal
	muted         map[webrtc.RTPCodecType]bool
	nextGen       uint64
	mediaReported bool
}

func New(factory core.PeerLinkFactory, sender Sender, presenter Presenter, cfg Config) *Orchestrator {
	return &Orchestrator{
		factory:   factory,
		sender:    sender,
		presenter: presenter,
		cfg:       cfg,
		events:    make(chan func(), 64),
		done:      make(chan struct{}),
		runCtx:    context.Background(),
		links:     make(map[domain.MemberID]*link),
		muted:     make(map[webrtc.RTPCodecType]bool),
		names:     NewNameCorrelator(),
	}
}

// Run is the sequencer. It returns when ctx is done, after closing every
// link and releasing acquired media.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.runCtx = ctx
	log.Info().Str("module", "mesh").Msg("orchestrator started")
	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return nil
		case fn := <-o.events:
			fn()
		}
	}
}

func (o *Orchestrator) shutdown() {
	o.stopOnce.Do(func() { close(o.done) })
	for id, l := range o.links {
		delete(o.links, id)
		o.closeLink(l)
	}
	o.workers.Wait()
	if o.acquired != nil {
		if err := o.acquired.Close(); err != nil {
			log.Warn().Err(err).Str("module", "mesh").Msg("release local media")
		}
	}
	log.Info().Str("module", "mesh").Msg("orchestrator stopped")
}

func (o *Orchestrator) post(fn func()) error {
	select {
	case <-o.done:
		return ErrChannelClosed
	default:
	}
	select {
	case o.events <- fn:
		return nil
	case <-o.done:
		return ErrChannelClosed
	}
}

// call runs fn on the sequencer and waits for it.
func (o *Orchestrator) call(fn func()) error {
	finished := make(chan struct{})
	if err := o.post(func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-o.done:
		return ErrChannelClosed
	}
}

// AcquireLocalMedia obtains the capture handle. Denial is reported to the
// presenter once and the session continues receive-only.
func (o *Orchestrator) AcquireLocalMedia(ctx context.Context, acq core.MediaAcquirer, c core.MediaConstraints) error {
	src, err := acq.Acquire(ctx, c)
	if err != nil {
		merr := fmt.Errorf("%w: %w", ErrMediaUnavailable, err)
		_ = o.post(func() {
			if o.mediaReported {
				return
			}
			o.mediaReported = true
			log.Warn().Err(merr).Str("module", "mesh").Msg("continuing without local media")
			o.presenter.MediaUnavailable(merr)
		})
		return merr
	}
	err = o.call(func() {
		o.acquired = src
		o.audio = src.Audio()
		o.video = src.Video()
		log.Info().Str("module", "mesh").Str("source", src.ID()).Msg("local media active")
	})
	if err != nil {
		_ = src.Close()
	}
	return err
}

// HandleJoinedAck is the self join: record the identity and initiate an
// offer toward every member that was already in the room.
func (o *Orchestrator) HandleJoinedAck(self domain.MemberID, existing []domain.MemberID) error {
	existing = slices.Clone(existing)
	return o.post(func() { o.onJoinedAck(self, existing) })
}

// HandleMemberJoined prepares a link toward a newcomer. The newcomer offers.
func (o *Orchestrator) HandleMemberJoined(remote domain.MemberID) error {
	return o.post(func() { o.onMemberJoined(remote) })
}

func (o *Orchestrator) HandleMemberLeft(remote domain.MemberID) error {
	return o.post(func() { o.onMemberLeft(remote) })
}

func (o *Orchestrator) HandleSignal(from domain.MemberID, payload json.RawMessage) error {
	env, err := DecodeEnvelope(payload)
	if err != nil {
		log.Warn().Err(err).Str("module", "mesh").Str("remote", string(from)).Msg("envelope dropped")
		return err
	}
	return o.post(func() { o.onSignal(from, env) })
}

// RemoteTrackArrived attaches a remote track to the current link of remote.
func (o *Orchestrator) RemoteTrackArrived(remote domain.MemberID, t core.RemoteTrack) error {
	return o.post(func() {
		if l := o.links[remote]; l != nil {
			o.onTrack(remote, l.gen, t)
		}
	})
}

// ReplaceOutgoingVideo makes src the active video source. Every open link
// gets the new track, and links created afterwards start with it. The caller
// keeps ownership of src.
func (o *Orchestrator) ReplaceOutgoingVideo(src core.MediaSource) error {
	if src == nil || src.Video() == nil {
		return errors.New("replacement source has no video track")
	}
	return o.call(func() {
		o.video = src.Video()
		o.applyOutgoing(webrtc.RTPCodecTypeVideo)
		log.Info().Str("module", "mesh").Str("source", src.ID()).Int("links", len(o.links)).Msg("outgoing video replaced")
	})
}

// RestoreCameraVideo switches outgoing video back to the acquired capture,
// or to nothing when capture was never granted.
func (o *Orchestrator) RestoreCameraVideo() error {
	return o.call(func() {
		var cam webrtc.TrackLocal
		if o.acquired != nil {
			cam = o.acquired.Video()
		}
		o.video = cam
		o.applyOutgoing(webrtc.RTPCodecTypeVideo)
		log.Info().Str("module", "mesh").Bool("camera", cam != nil).Int("links", len(o.links)).Msg("outgoing video restored")
	})
}

// SetMuted stops or resumes sending kind on every link. Negotiation is not
// repeated; the remote keeps its track and receives nothing while muted.
func (o *Orchestrator) SetMuted(kind webrtc.RTPCodecType, muted bool) error {
	if kind != webrtc.RTPCodecTypeAudio && kind != webrtc.RTPCodecTypeVideo {
		return fmt.Errorf("cannot mute %s", kind)
	}
	return o.call(func() {
		if o.muted[kind] == muted {
			return
		}
		o.muted[kind] = muted
		o.applyOutgoing(kind)
		log.Info().Str("module", "mesh").Str("kind", kind.String()).Bool("muted", muted).Msg("outgoing media toggled")
	})
}

func (o *Orchestrator) Muted(kind webrtc.RTPCodecType) bool {
	var muted bool
	_ = o.call(func() { muted = o.muted[kind] })
	return muted
}

// outgoing is the track new and existing links should send for kind.
func (o *Orchestrator) outgoing(kind webrtc.RTPCodecType) webrtc.TrackLocal {
	if o.muted[kind] {
		return nil
	}
	if kind == webrtc.RTPCodecTypeVideo {
		return o.video
	}
	return o.audio
}

func (o *Orchestrator) applyOutgoing(kind webrtc.RTPCodecType) {
	track := o.outgoing(kind)
	for _, l := range o.links {
		if l.state.terminal() {
			continue
		}
		l.exec.submit(func() {
			if l.pl == nil || l.closed.Load() {
				return
			}
			if err := l.pl.ReplaceTrack(kind, track); err != nil {
				log.Warn().Err(err).Str("module", "mesh").Str("remote", string(l.remote)).Str("kind", kind.String()).Msg("replace track")
			}
		})
	}
}

func (o *Orchestrator) Self() domain.MemberID {
	var self domain.MemberID
	_ = o.call(func() { self = o.self })
	return self
}

func (o *Orchestrator) LinkState(remote domain.MemberID) (LinkState, bool) {
	var (
		st LinkState
		ok bool
	)
	if err := o.call(func() {
		if l := o.links[remote]; l != nil {
			st, ok = l.state, true
		}
	}); err != nil {
		return Closed, false
	}
	return st, ok
}

// Remotes lists the members a link exists for.
func (o *Orchestrator) Remotes() []domain.MemberID {
	var out []domain.MemberID
	_ = o.call(func() {
		for id := range o.links {
			out = append(out, id)
		}
	})
	slices.Sort(out)
	return out
}

func (o *Orchestrator) Participant(remote domain.MemberID) (Participant, bool) {
	var (
		p  Participant
		ok bool
	)
	_ = o.call(func() { p, ok = o.names.Get(remote) })
	return p, ok
}

func (o *Orchestrator) onJoinedAck(self domain.MemberID, existing []domain.MemberID) {
	if o.self != "" && o.self != self {
		log.Warn().Str("module", "mesh").Str("old", string(o.self)).Str("new", string(self)).Msg("identity changed")
	}
	o.self = self
	log.Info().Str("module", "mesh").Str("self", string(self)).Int("existing", len(existing)).Msg("joined room")
	for _, id := range existing {
		if id == self {
			continue
		}
		if _, ok := o.links[id]; ok {
			continue
		}
		o.startOffer(o.createLink(id))
	}
}

func (o *Orchestrator) onMemberJoined(remote domain.MemberID) {
	if remote == o.self {
		return
	}
	if _, ok := o.links[remote]; ok {
		log.Warn().Str("module", "mesh").Str("remote", string(remote)).Msg("member-joined for known member")
		return
	}
	o.createLink(remote)
}

func (o *Orchestrator) onMemberLeft(remote domain.MemberID) {
	if l := o.links[remote]; l != nil {
		delete(o.links, remote)
		o.closeLink(l)
	}
	o.names.Remove(remote)
	o.presenter.ParticipantRemoved(remote)
	log.Info().Str("module", "mesh").Str("remote", string(remote)).Msg("member left")
}

func (o *Orchestrator) onSignal(from domain.MemberID, env Envelope) {
	if from == o.self {
		return
	}
	switch env.Kind {
	case KindOffer:
		o.onOffer(from, env.SessionDescription())
	case KindAnswer:
		o.onAnswer(from, env.SessionDescription())
	case KindCandidate:
		o.onRemoteCandidate(from, *env.Candidate)
	case KindName:
		o.onName(from, domain.DisplayName(env.Name))
	}
}

// createLink registers a link in AwaitingOffer and queues its construction
// with the tracks active right now.
func (o *Orchestrator) createLink(remote domain.MemberID) *link {
	o.nextGen++
	l := newLink(remote, o.nextGen, &o.workers)
	o.links[remote] = l
	audio, video := o.outgoing(webrtc.RTPCodecTypeAudio), o.outgoing(webrtc.RTPCodecTypeVideo)
	l.exec.submit(func() { o.setupLink(l, audio, video) })
	log.Debug().Str("module", "mesh").Str("remote", string(remote)).Uint64("gen", l.gen).Msg("link created")
	return l
}

func (o *Orchestrator) closeLink(l *link) {
	l.state = Closed
	l.closed.Store(true)
	l.exec.submit(func() {
		if l.pl != nil {
			if err := l.pl.Close(); err != nil {
				log.Debug().Err(err).Str("module", "mesh").Str("remote", string(l.remote)).Msg("link close")
			}
		}
	})
}

// liveLink returns the link a completion was started for, or nil when the
// completion is stale.
func (o *Orchestrator) liveLink(remote domain.MemberID, gen uint64) *link {
	l := o.links[remote]
	if l == nil || l.gen != gen || l.state == Closed {
		log.Debug().Str("module", "mesh").Str("remote", string(remote)).Uint64("gen", gen).Msg("stale completion discarded")
		return nil
	}
	return l
}

func (o *Orchestrator) failAsync(l *link, err error) {
	remote, gen := l.remote, l.gen
	_ = o.post(func() { o.failLink(remote, gen, err) })
}

func (o *Orchestrator) failLink(remote domain.MemberID, gen uint64, err error) {
	l := o.liveLink(remote, gen)
	if l == nil || l.state == Failed {
		return
	}
	log.Warn().Err(err).Str("module", "mesh").Str("remote", string(remote)).Str("state", l.state.String()).Msg("link failed")
	l.state = Failed
	l.exec.submit(func() {
		if l.pl != nil {
			_ = l.pl.Close()
		}
	})
	o.presenter.LinkFailed(remote, err)
}

// setupLink runs on the link executor.
func (o *Orchestrator) setupLink(l *link, audio, video webrtc.TrackLocal) {
	if l.closed.Load() {
		return
	}
	pl, err := o.factory.NewLink(o.runCtx, o.cfg.ICEServers)
	if err != nil {
		o.failAsync(l, fmt.Errorf("%w: create link: %w", ErrNegotiationFailed, err))
		return
	}
	l.pl = pl

	remote, gen := l.remote, l.gen
	pl.OnICECandidate(func(c webrtc.ICECandidateInit) {
		_ = o.post(func() { o.onLocalCandidate(remote, gen, c) })
	})
	pl.OnTrack(func(t core.RemoteTrack) {
		_ = o.post(func() { o.onTrack(remote, gen, t) })
	})
	pl.OnFailed(func(err error) {
		o.failAsync(l, fmt.Errorf("%w: %w", ErrNegotiationFailed, err))
	})

	for _, s := range []struct {
		kind  webrtc.RTPCodecType
		track webrtc.TrackLocal
	}{{webrtc.RTPCodecTypeAudio, audio}, {webrtc.RTPCodecTypeVideo, video}} {
		if s.track != nil {
			err = pl.AddTrack(s.track)
		} else {
			err = pl.AddIdleSender(s.kind)
		}
		if err != nil {
			o.failAsync(l, fmt.Errorf("%w: attach %s: %w", ErrNegotiationFailed, s.kind, err))
			return
		}
	}
}

func (o *Orchestrator) startOffer(l *link) {
	l.state = OfferSent
	remote, gen := l.remote, l.gen
	l.exec.submit(func() {
		if l.pl == nil || l.closed.Load() {
			return
		}
		offer, err := l.pl.CreateOffer()
		if err != nil {
			o.failAsync(l, fmt.Errorf("%w: create offer: %w", ErrNegotiationFailed, err))
			return
		}
		if err := l.pl.SetLocalDescription(offer); err != nil {
			o.failAsync(l, fmt.Errorf("%w: set local offer: %w", ErrNegotiationFailed, err))
			return
		}
		_ = o.post(func() { o.onOfferReady(remote, gen, offer.SDP) })
	})
}

func (o *Orchestrator) onOfferReady(remote domain.MemberID, gen uint64, sdp string) {
	l := o.liveLink(remote, gen)
	if l == nil || l.state != OfferSent {
		return
	}
	l.state = AwaitingAnswer
	if !o.send(l, OfferEnvelope(sdp)) || !o.sendName(l) {
		return
	}
	o.flushOutbox(l)
}

func (o *Orchestrator) onOffer(remote domain.MemberID, offer webrtc.SessionDescription) {
	l := o.links[remote]
	if l == nil {
		l = o.createLink(remote)
	}
	switch {
	case l.state == Connected:
		o.failLink(remote, l.gen, fmt.Errorf("%w: offer on connected link", ErrNegotiationFailed))
		return
	case l.state.terminal():
		log.Debug().Str("module", "mesh").Str("remote", string(remote)).Str("state", l.state.String()).Msg("offer ignored")
		return
	case l.state != AwaitingOffer:
		o.failLink(remote, l.gen, fmt.Errorf("%w: unexpected offer in state %s", ErrNegotiationFailed, l.state))
		return
	}

	l.state = OfferReceived
	gen := l.gen
	l.exec.submit(func() {
		if l.pl == nil || l.closed.Load() {
			return
		}
		if err := l.pl.SetRemoteDescription(offer); err != nil {
			o.failAsync(l, fmt.Errorf("%w: set remote offer: %w", ErrNegotiationFailed, err))
			return
		}
		l.remoteSet = true
		if !o.flushPending(l) {
			return
		}
		answer, err := l.pl.CreateAnswer()
		if err != nil {
			o.failAsync(l, fmt.Errorf("%w: create answer: %w", ErrNegotiationFailed, err))
			return
		}
		if err := l.pl.SetLocalDescription(answer); err != nil {
			o.failAsync(l, fmt.Errorf("%w: set local answer: %w", ErrNegotiationFailed, err))
			return
		}
		_ = o.post(func() { o.onAnswerReady(remote, gen, answer.SDP) })
	})
}

func (o *Orchestrator) onAnswerReady(remote domain.MemberID, gen uint64, sdp string) {
	l := o.liveLink(remote, gen)
	if l == nil || l.state != OfferReceived {
		return
	}
	l.state = AnswerSent
	if !(o.send(l, AnswerEnvelope(sdp)) && o.sendName(l) && o.flushOutbox(l)) {
		return
	}
	l.state = Connected
	log.Info().Str("module", "mesh").Str("remote", string(remote)).Msg("link negotiated as responder")
}

func (o *Orchestrator) onAnswer(remote domain.MemberID, answer webrtc.SessionDescription) {
	l := o.links[remote]
	if l == nil {
		log.Debug().Str("module", "mesh").Str("remote", string(remote)).Msg("answer for unknown link dropped")
		return
	}
	if l.state != AwaitingAnswer || l.answering {
		log.Warn().Str("module", "mesh").Str("remote", string(remote)).Str("state", l.state.String()).Msg("answer dropped")
		return
	}
	l.answering = true
	gen := l.gen
	l.exec.submit(func() {
		if l.pl == nil || l.closed.Load() {
			return
		}
		if err := l.pl.SetRemoteDescription(answer); err != nil {
			o.failAsync(l, fmt.Errorf("%w: set remote answer: %w", ErrNegotiationFailed, err))
			return
		}
		l.remoteSet = true
		if !o.flushPending(l) {
			return
		}
		_ = o.post(func() { o.onAnswerApplied(remote, gen) })
	})
}

func (o *Orchestrator) onAnswerApplied(remote domain.MemberID, gen uint64) {
	l := o.liveLink(remote, gen)
	if l == nil || l.state != AwaitingAnswer {
		return
	}
	l.state = Connected
	log.Info().Str("module", "mesh").Str("remote", string(remote)).Msg("link negotiated as initiator")
}

// onRemoteCandidate accepts candidates in any non-terminal state. Until a
// remote description exists they wait in the link's pending list.
func (o *Orchestrator) onRemoteCandidate(remote domain.MemberID, c webrtc.ICECandidateInit) {
	l := o.links[remote]
	if l == nil {
		log.Debug().Str("module", "mesh").Str("remote", string(remote)).Msg("candidate for unknown link dropped")
		return
	}
	if l.state.terminal() {
		return
	}
	l.exec.submit(func() {
		if l.pl == nil || l.closed.Load() {
			return
		}
		key := candidateKey(c)
		if _, dup := l.seen[key]; dup {
			log.Debug().Str("module", "mesh").Str("remote", string(remote)).Msg("duplicate candidate skipped")
			return
		}
		l.seen[key] = struct{}{}
		if !l.remoteSet {
			l.pending = append(l.pending, c)
			return
		}
		if err := l.pl.AddICECandidate(c); err != nil {
			o.failAsync(l, fmt.Errorf("%w: add candidate: %w", ErrNegotiationFailed, err))
		}
	})
}

// flushPending runs on the link executor right after a remote description.
func (o *Orchestrator) flushPending(l *link) bool {
	pending := l.pending
	l.pending = nil
	for _, c := range pending {
		if err := l.pl.AddICECandidate(c); err != nil {
			o.failAsync(l, fmt.Errorf("%w: add buffered candidate: %w", ErrNegotiationFailed, err))
			return false
		}
	}
	return true
}

// onLocalCandidate holds gathered candidates until our description has been
// sent, so the remote never sees a candidate before the offer or answer.
func (o *Orchestrator) onLocalCandidate(remote domain.MemberID, gen uint64, c webrtc.ICECandidateInit) {
	l := o.liveLink(remote, gen)
	if l == nil || l.state == Failed {
		return
	}
	switch l.state {
	case AwaitingOffer, OfferSent, OfferReceived:
		l.outbox = append(l.outbox, c)
	default:
		o.send(l, CandidateEnvelope(c))
	}
}

func (o *Orchestrator) flushOutbox(l *link) bool {
	outbox := l.outbox
	l.outbox = nil
	for _, c := range outbox {
		if !o.send(l, CandidateEnvelope(c)) {
			return false
		}
	}
	return true
}

func (o *Orchestrator) onName(remote domain.MemberID, name domain.DisplayName) {
	if _, ok := o.links[remote]; !ok {
		log.Debug().Str("module", "mesh").Str("remote", string(remote)).Msg("name for unknown member dropped")
		return
	}
	p, visible := o.names.SetName(remote, name)
	if visible {
		o.presenter.ParticipantUpdated(p)
	}
}

func (o *Orchestrator) onTrack(remote domain.MemberID, gen uint64, t core.RemoteTrack) {
	l := o.liveLink(remote, gen)
	if l == nil {
		return
	}
	p := o.names.AddTrack(remote, t)
	log.Info().Str("module", "mesh").Str("remote", string(remote)).Str("kind", t.Kind.String()).
		Str("name", string(p.Name)).Msg("remote track")
	o.presenter.ParticipantUpdated(p)
}

// send hands env to the relay. A frame the relay cannot take fails the link.
func (o *Orchestrator) send(l *link, env Envelope) bool {
	payload, err := env.Encode()
	if err == nil {
		err = o.sender.SendSignal(l.remote, payload)
	}
	if err != nil {
		o.failLink(l.remote, l.gen, fmt.Errorf("%w: send %s: %w", ErrNegotiationFailed, env.Kind, err))
		return false
	}
	return true
}

func (o *Orchestrator) sendName(l *link) bool {
	if o.cfg.Name == "" {
		return true
	}
	return o.send(l, NameEnvelope(string(o.cfg.Name)))
}
