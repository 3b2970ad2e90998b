// Package signal serves the relay duplex channel over WebSocket.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/meshcall/internal/app"
	"github.com/dkeye/meshcall/internal/wire"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
	PongWait   time.Duration
	WriteWait  time.Duration
	SendBuffer int
	APIKey     string
}

func DefaultOptions() Options {
	return Options{
		ReadLimit:  64 * 1024,
		PingPeriod: 54 * time.Second,
		PongWait:   60 * time.Second,
		WriteWait:  10 * time.Second,
		SendBuffer: 64,
	}
}

type SignalWSController struct {
	Relay *app.Relay
	Opts  Options
	Auth  APIKeyVerifier

	upgrader websocket.Upgrader
}

func NewSignalWSController(relay *app.Relay, opts Options) *SignalWSController {
	def := DefaultOptions()
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = def.ReadLimit
	}
	if opts.PongWait <= 0 {
		opts.PongWait = def.PongWait
	}
	if opts.PingPeriod <= 0 || opts.PingPeriod >= opts.PongWait {
		opts.PingPeriod = opts.PongWait * 9 / 10
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = def.WriteWait
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = def.SendBuffer
	}
	return &SignalWSController{
		Relay: relay,
		Opts:  opts,
		Auth:  APIKeyVerifier{Expected: opts.APIKey},
		upgrader: websocket.Upgrader{
			Subprotocols: wire.Subprotocols(),
			CheckOrigin:  func(r *http.Request) bool { return true },
		},
	}
}

// WsSignalConn is the relay-facing side of one socket. Frames are encoded
// when queued so the write pump only copies bytes.
type WsSignalConn struct {
	conn  *websocket.Conn
	codec wire.Codec
	send  chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(m *wire.Message) error {
	data, err := c.codec.Marshal(m)
	if err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- data:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	token := c.GetString("client_token")
	authorized := ctl.Auth.Authorized(c.Request)

	ws, err := ctl.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	codec := wire.ForSubprotocol(ws.Subprotocol())
	log.Info().Str("module", "signal").Str("client", token).Str("codec", codec.Name()).Msg("new WS connection")

	conn := &WsSignalConn{
		conn:  ws,
		codec: codec,
		send:  make(chan []byte, ctl.Opts.SendBuffer),
	}
	member := ctl.Relay.Open(conn, token, authorized)

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, member, conn)
}
