package mesh

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/meshcall/internal/core"
	"github.com/dkeye/meshcall/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/sourcegraph/conc"
)

type LinkState int

const (
	AwaitingOffer LinkState = iota
	OfferSent
	AwaitingAnswer
	OfferReceived
	AnswerSent
	Connected
	Failed
	Closed
)

func (s LinkState) String() string {
	switch s {
	case AwaitingOffer:
		return "awaiting-offer"
	case OfferSent:
		return "offer-sent"
	case AwaitingAnswer:
		return "awaiting-answer"
	case OfferReceived:
		return "offer-received"
	case AnswerSent:
		return "answer-sent"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s LinkState) terminal() bool { return s == Failed || s == Closed }

// link is the orchestrator's record for one remote member.
//
// state, outbox and answering belong to the sequencer. pl, remoteSet,
// pending and seen belong to tasks on exec, which run one at a time.
type link struct {
	remote domain.MemberID
	gen    uint64
	exec   *executor
	closed atomic.Bool

	state     LinkState
	outbox    []webrtc.ICECandidateInit
	answering bool

	pl        core.PeerLink
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	seen      map[string]struct{}
}

func newLink(remote domain.MemberID, gen uint64, wg *conc.WaitGroup) *link {
	return &link{
		remote: remote,
		gen:    gen,
		exec:   &executor{wg: wg},
		state:  AwaitingOffer,
		seen:   make(map[string]struct{}),
	}
}

// executor runs submitted tasks in order on at most one goroutine. submit
// never blocks, so the sequencer can hand off work to any number of links.
type executor struct {
	wg *conc.WaitGroup

	mu      sync.Mutex
	queue   []func()
	running bool
}

func (e *executor) submit(fn func()) {
	e.mu.Lock()
	e.queue = append(e.queue, fn)
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()
	e.wg.Go(e.drain)
}

func (e *executor) drain() {
	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			e.running = false
			e.mu.Unlock()
			return
		}
		fn := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.mu.Unlock()
		fn()
	}
}
