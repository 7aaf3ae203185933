package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

// Websocket subprotocols advertised by clients and accepted by the relay.
const (
	SubprotocolJSON    = "camus.json"
	SubprotocolMsgPack = "camus.msgpack"
)

// Codec frames messages on a websocket connection.
type Codec interface {
	// Subprotocol is the websocket subprotocol that selects this codec.
	Subprotocol() string

	// FrameType is the websocket frame type used for encoded messages.
	FrameType() int

	Marshal(msg *Message) ([]byte, error)
	Unmarshal(data []byte, msg *Message) error
}

var (
	// JSON is the browser compatible text codec and the default.
	JSON Codec = jsonCodec{}

	// MsgPack encodes the envelope as msgpack. Payloads stay JSON so relays
	// can forward between codecs without understanding them.
	MsgPack Codec = msgpackCodec{}
)

// CodecByName resolves a codec from a config value or negotiated subprotocol.
// The empty name selects JSON.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json", SubprotocolJSON:
		return JSON, nil
	case "msgpack", SubprotocolMsgPack:
		return MsgPack, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

type jsonCodec struct{}

func (jsonCodec) Subprotocol() string { return SubprotocolJSON }
func (jsonCodec) FrameType() int      { return websocket.TextMessage }

func (jsonCodec) Marshal(msg *Message) ([]byte, error) {
	return json.Marshal(msg)
}

func (jsonCodec) Unmarshal(data []byte, msg *Message) error {
	return json.Unmarshal(data, msg)
}

type msgpackCodec struct{}

func (msgpackCodec) Subprotocol() string { return SubprotocolMsgPack }
func (msgpackCodec) FrameType() int      { return websocket.BinaryMessage }

func (msgpackCodec) Marshal(msg *Message) ([]byte, error) {
	return msgpack.Marshal(msg)
}

func (msgpackCodec) Unmarshal(data []byte, msg *Message) error {
	return msgpack.Unmarshal(data, msg)
}
