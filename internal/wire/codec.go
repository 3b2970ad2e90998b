package wire

import (
	"encoding/json"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

// Subprotocol names negotiated during the WebSocket handshake.
const (
	SubprotocolJSON    = "meshcall.v1.json"
	SubprotocolMsgpack = "meshcall.v1.msgpack"
)

// Codec turns frames into WebSocket messages and back.
type Codec interface {
	Name() string
	// FrameType is websocket.TextMessage or websocket.BinaryMessage.
	FrameType() int
	Marshal(m *Message) ([]byte, error)
	Unmarshal(data []byte, m *Message) error
}

var (
	JSON    Codec = jsonCodec{}
	Msgpack Codec = msgpackCodec{}
)

// Subprotocols lists supported subprotocols in server preference order.
func Subprotocols() []string {
	return []string{SubprotocolJSON, SubprotocolMsgpack}
}

// ForSubprotocol picks the codec for a negotiated subprotocol.
// Browsers that send none get JSON.
func ForSubprotocol(name string) Codec {
	if name == SubprotocolMsgpack {
		return Msgpack
	}
	return JSON
}

type jsonCodec struct{}

func (jsonCodec) Name() string   { return SubprotocolJSON }
func (jsonCodec) FrameType() int { return websocket.TextMessage }

func (jsonCodec) Marshal(m *Message) ([]byte, error) { return json.Marshal(m) }

func (jsonCodec) Unmarshal(data []byte, m *Message) error { return json.Unmarshal(data, m) }

type msgpackCodec struct{}

func (msgpackCodec) Name() string   { return SubprotocolMsgpack }
func (msgpackCodec) FrameType() int { return websocket.BinaryMessage }

func (msgpackCodec) Marshal(m *Message) ([]byte, error) { return msgpack.Marshal(m) }

func (msgpackCodec) Unmarshal(data []byte, m *Message) error { return msgpack.Unmarshal(data, m) }
