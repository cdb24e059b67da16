package resync

import (
	"encoding/json"
	"errors"
)

// The wire protocol is json message envelopes over a duplex channel.
// Requests carry a correlation token and are answered on the `_ack`
// event with the same token. Server-pushed broadcasts carry no token.
type Message struct {
	Event   string          `json:"event"`
	Token   string          `json:"token,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const AckEvent = "_ack"

// Ack is the result envelope for both request acks and broadcasts.
type Ack struct {
	Ok  bool            `json:"ok"`
	Val json.RawMessage `json:"val,omitempty"`
}

func OkAck(val any) Ack {
	valJson, err := json.Marshal(val)
	if err != nil {
		// the master only acks values it just serialized or built
		panic(err)
	}
	return Ack{
		Ok:  true,
		Val: valJson,
	}
}

func ErrAck(message string) Ack {
	valJson, _ := json.Marshal(message)
	return Ack{
		Ok:  false,
		Val: valJson,
	}
}

// the remote error from the err branch of an ack envelope
func (self Ack) Err() error {
	var message string
	if err := json.Unmarshal(self.Val, &message); err == nil {
		return errors.New(message)
	}
	return errors.New(string(self.Val))
}

type MessageFunction func(message *Message)

type ConnectFunction func()

// Transport is the duplex message channel the runtime is built on.
// WsTransport is the production implementation. Tests substitute an
// in-memory pipe.
//
// Handlers registered with On* fire on the transport's receive
// goroutine. Registration returns an idempotent unsubscribe handle.
type Transport interface {
	Connect() error
	Disconnect()
	Send(message *Message) error
	OnMessage(callback MessageFunction) func()
	OnConnect(callback ConnectFunction) func()
	OnDisconnect(callback ConnectFunction) func()
}
