package signal

import (
	"context"
	"time"

	"github.com/dkeye/meshcall/internal/app"
	"github.com/dkeye/meshcall/internal/wire"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.Opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
				time.Now().Add(ctl.Opts.WriteWait))
			return
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.Opts.WriteWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(c.codec.FrameType(), data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.Opts.WriteWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().Err(err).Str("module", "signal").Msg("writePump ping failed")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, m *app.Member, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("member", string(m.ID())).Msg("readPump closing")
		ctl.Relay.Close(m)
		c.Close()
		cancel()
	}()

	c.conn.SetReadLimit(ctl.Opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(ctl.Opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(ctl.Opts.PongWait))
	})

	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("module", "signal").Str("member", string(m.ID())).Msg("readPump read error")
			}
			return
		}
		ctl.handleFrame(m, c, data)
	}
}

func (ctl *SignalWSController) handleFrame(m *app.Member, c *WsSignalConn, data []byte) {
	var msg wire.Message
	if err := c.codec.Unmarshal(data, &msg); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("member", string(m.ID())).Msg("bad frame")
		_ = c.TrySend(wire.Error(wire.CodeBadPayload, "undecodable frame"))
		return
	}
	if err := ctl.Relay.Handle(m, &msg); err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("member", string(m.ID())).Str("type", string(msg.Type)).Msg("frame rejected")
	}
}
