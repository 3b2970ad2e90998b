// Package relayclient is the participant side of the relay duplex channel.
package relayclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/meshcall/internal/domain"
	"github.com/dkeye/meshcall/internal/mesh"
	"github.com/dkeye/meshcall/internal/wire"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("relay client closed")
)

// RelayError is an error frame sent by the relay.
type RelayError struct {
	Code    string
	Message string
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("relay error %s: %s", e.Code, e.Message)
}

// Unwrap lets callers match a rejected join with errors.Is(err, mesh.ErrRelayRejected).
func (e *RelayError) Unwrap() error {
	if e.Code == wire.CodeRelayRejected {
		return mesh.ErrRelayRejected
	}
	return nil
}

// Handler receives relay events. The orchestrator implements it.
type Handler interface {
	HandleJoinedAck(self domain.MemberID, existing []domain.MemberID) error
	HandleMemberJoined(remote domain.MemberID) error
	HandleMemberLeft(remote domain.MemberID) error
	HandleSignal(from domain.MemberID, payload json.RawMessage) error
}

type Options struct {
	URL        string
	APIKey     string
	Codec      wire.Codec
	SendBuffer int
	// SendTimeout bounds how long a send waits for room in a full buffer.
	SendTimeout time.Duration
	PingPeriod  time.Duration
	ReadWait    time.Duration
	WriteWait   time.Duration

	OnChat  func(from domain.MemberID, name, text string)
	OnError func(err error)
}

func (o *Options) defaults() {
	if o.Codec == nil {
		o.Codec = wire.JSON
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 30 * time.Second
	}
	if o.ReadWait <= o.PingPeriod {
		o.ReadWait = 3 * o.PingPeriod
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = o.WriteWait
	}
}

type Client struct {
	ws    *websocket.Conn
	codec wire.Codec
	opts  Options
	send  chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

var _ mesh.Sender = (*Client)(nil)

// Dial opens the channel. The relay's subprotocol choice decides the codec.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	opts.defaults()
	d := websocket.Dialer{
		Subprotocols:     []string{opts.Codec.Name()},
		HandshakeTimeout: 10 * time.Second,
	}
	header := http.Header{}
	if opts.APIKey != "" {
		header.Set("Authorization", "Bearer "+opts.APIKey)
	}
	ws, _, err := d.DialContext(ctx, opts.URL, header)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", opts.URL, err)
	}
	codec := wire.ForSubprotocol(ws.Subprotocol())
	log.Info().Str("module", "relayclient").Str("url", opts.URL).Str("codec", codec.Name()).Msg("connected to relay")
	return &Client{
		ws:    ws,
		codec: codec,
		opts:  opts,
		send:  make(chan []byte, opts.SendBuffer),
		done:  make(chan struct{}),
	}, nil
}

// Run pumps frames until ctx is done or the channel breaks. Inbound relay
// events go to h from the read goroutine.
func (c *Client) Run(ctx context.Context, h Handler) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.writePump(ctx) })
	g.Go(func() error { return c.readPump(h) })
	g.Go(func() error {
		<-ctx.Done()
		c.Close()
		return nil
	})
	err := g.Wait()
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

func (c *Client) Join(room string) error {
	return c.trySend(&wire.Message{Type: wire.TypeJoinCall, Room: room})
}

func (c *Client) SendSignal(to domain.MemberID, payload json.RawMessage) error {
	return c.trySend(&wire.Message{Type: wire.TypeSignal, To: string(to), Payload: payload})
}

func (c *Client) Chat(name, text string) error {
	return c.trySend(&wire.Message{Type: wire.TypeChatMessage, Name: name, Text: text})
}

// trySend queues m for the write pump. A full buffer is waited on for at
// most SendTimeout before ErrBackpressure.
func (c *Client) trySend(m *wire.Message) error {
	data, err := c.codec.Marshal(m)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
	}
	log.Debug().Str("module", "relayclient").Str("type", string(m.Type)).Msg("send buffer full, waiting")
	timer := time.NewTimer(c.opts.SendTimeout)
	defer timer.Stop()
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClosed
	case <-timer.C:
		return ErrBackpressure
	}
}

func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = c.ws.Close()
	})
}

func (c *Client) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) writePump(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer ticker.Stop()
	ping, err := c.codec.Marshal(&wire.Message{Type: wire.TypePing})
	if err != nil {
		return err
	}
	for {
		var data []byte
		select {
		case <-ctx.Done():
			return nil
		case <-c.done:
			return ErrClosed
		case data = <-c.send:
		case <-ticker.C:
			data = ping
		}
		if err := c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait)); err != nil {
			return err
		}
		if err := c.ws.WriteMessage(c.codec.FrameType(), data); err != nil {
			return fmt.Errorf("write: %w", err)
		}
	}
}

func (c *Client) readPump(h Handler) error {
	for {
		if err := c.ws.SetReadDeadline(time.Now().Add(c.opts.ReadWait)); err != nil {
			return err
		}
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.isClosed() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return ErrClosed
			}
			return fmt.Errorf("read: %w", err)
		}
		var m wire.Message
		if err := c.codec.Unmarshal(data, &m); err != nil {
			log.Warn().Err(err).Str("module", "relayclient").Msg("undecodable frame")
			continue
		}
		c.dispatch(h, &m)
	}
}

func (c *Client) dispatch(h Handler, m *wire.Message) {
	var err error
	switch m.Type {
	case wire.TypeJoinedAck:
		existing := make([]domain.MemberID, len(m.Members))
		for i, id := range m.Members {
			existing[i] = domain.MemberID(id)
		}
		err = h.HandleJoinedAck(domain.MemberID(m.ID), existing)
	case wire.TypeMemberJoined:
		err = h.HandleMemberJoined(domain.MemberID(m.ID))
	case wire.TypeMemberLeft:
		err = h.HandleMemberLeft(domain.MemberID(m.ID))
	case wire.TypeSignal:
		err = h.HandleSignal(domain.MemberID(m.From), m.Payload)
	case wire.TypeChatMessage:
		if c.opts.OnChat != nil {
			c.opts.OnChat(domain.MemberID(m.From), m.Name, m.Text)
		}
	case wire.TypeError:
		rerr := &RelayError{Code: m.Code, Message: m.Detail}
		log.Warn().Err(rerr).Str("module", "relayclient").Msg("relay error")
		if c.opts.OnError != nil {
			c.opts.OnError(rerr)
		}
	case wire.TypePong:
	default:
		log.Debug().Str("module", "relayclient").Str("type", string(m.Type)).Msg("unknown frame")
	}
	if err != nil {
		log.Debug().Err(err).Str("module", "relayclient").Str("type", string(m.Type)).Msg("handler rejected frame")
	}
}
