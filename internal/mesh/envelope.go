package mesh

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

type EnvelopeKind string

const (
	KindOffer     EnvelopeKind = "offer"
	KindAnswer    EnvelopeKind = "answer"
	KindCandidate EnvelopeKind = "candidate"
	KindName      EnvelopeKind = "name"
)

// Envelope is the peer-to-peer payload carried inside relay signal frames.
// Exactly one of SDP, Candidate or Name is set, matching Kind.
type Envelope struct {
	Kind      EnvelopeKind             `json:"kind"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	Name      string                   `json:"name,omitempty"`
}

var errBadEnvelope = errors.New("bad envelope")

func OfferEnvelope(sdp string) Envelope  { return Envelope{Kind: KindOffer, SDP: sdp} }
func AnswerEnvelope(sdp string) Envelope { return Envelope{Kind: KindAnswer, SDP: sdp} }
func NameEnvelope(name string) Envelope  { return Envelope{Kind: KindName, Name: name} }

func CandidateEnvelope(c webrtc.ICECandidateInit) Envelope {
	return Envelope{Kind: KindCandidate, Candidate: &c}
}

func (e Envelope) Validate() error {
	switch e.Kind {
	case KindOffer, KindAnswer:
		if e.SDP == "" || e.Candidate != nil || e.Name != "" {
			return fmt.Errorf("%w: %s must carry only sdp", errBadEnvelope, e.Kind)
		}
	case KindCandidate:
		if e.Candidate == nil || e.SDP != "" || e.Name != "" {
			return fmt.Errorf("%w: candidate must carry only candidate", errBadEnvelope)
		}
	case KindName:
		if e.Name == "" || e.SDP != "" || e.Candidate != nil {
			return fmt.Errorf("%w: name must carry only a non-empty name", errBadEnvelope)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", errBadEnvelope, e.Kind)
	}
	return nil
}

func (e Envelope) Encode() (json.RawMessage, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

func DecodeEnvelope(raw json.RawMessage) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", errBadEnvelope, err)
	}
	return e, e.Validate()
}

// SessionDescription maps an offer/answer envelope onto pion's type.
func (e Envelope) SessionDescription() webrtc.SessionDescription {
	t := webrtc.SDPTypeOffer
	if e.Kind == KindAnswer {
		t = webrtc.SDPTypeAnswer
	}
	return webrtc.SessionDescription{Type: t, SDP: e.SDP}
}

func candidateKey(c webrtc.ICECandidateInit) string {
	key := c.Candidate
	if c.SDPMid != nil {
		key += "|" + *c.SDPMid
	}
	if c.SDPMLineIndex != nil {
		key += fmt.Sprintf("|%d", *c.SDPMLineIndex)
	}
	return key
}
