// Package history notifies the meeting-history collaborator about room
// activity. Delivery is fire-and-forget and never on the relay's critical path.
package history

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

type Kind string

const (
	RoomCreated  Kind = "room_created"
	MemberJoined Kind = "member_joined"
	MemberLeft   Kind = "member_left"
	RoomClosed   Kind = "room_closed"
)

type Event struct {
	Kind        Kind      `json:"kind"`
	Room        string    `json:"room"`
	Member      string    `json:"member,omitempty"`
	ClientToken string    `json:"client_token,omitempty"`
	At          time.Time `json:"at"`
}

// Notifier must not block the caller.
type Notifier interface {
	Notify(Event)
}

// Sink delivers one event to an external system.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev Event) error
}

// Discard drops every event.
type Discard struct{}

func (Discard) Notify(Event) {}

const deliverTimeout = 5 * time.Second

// Dispatcher queues events and delivers them to its sinks from a single
// goroutine. A full queue drops the event.
type Dispatcher struct {
	queue chan Event
	sinks []Sink
}

func NewDispatcher(size int, sinks ...Sink) *Dispatcher {
	if size <= 0 {
		size = 256
	}
	return &Dispatcher{queue: make(chan Event, size), sinks: sinks}
}

func (d *Dispatcher) Notify(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	select {
	case d.queue <- ev:
	default:
		log.Warn().Str("module", "history").Str("kind", string(ev.Kind)).Str("room", ev.Room).Msg("queue full, event dropped")
	}
}

// Run delivers queued events until ctx is done, then drains what is left.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case ev := <-d.queue:
					d.deliver(context.Background(), ev)
				default:
					return
				}
			}
		case ev := <-d.queue:
			d.deliver(ctx, ev)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev Event) {
	for _, s := range d.sinks {
		dctx, cancel := context.WithTimeout(ctx, deliverTimeout)
		if err := s.Deliver(dctx, ev); err != nil {
			log.Error().Err(err).Str("module", "history").Str("sink", s.Name()).Str("kind", string(ev.Kind)).Msg("deliver failed")
		}
		cancel()
	}
}

// LogSink writes events to the structured log.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Deliver(_ context.Context, ev Event) error {
	log.Info().Str("module", "history").Str("kind", string(ev.Kind)).Str("room", ev.Room).
		Str("member", ev.Member).Time("at", ev.At).Msg("room event")
	return nil
}
