package quickrtc

import "encoding/json"

// Response is the result of a signaling round-trip.
type Response struct {
	data json.RawMessage
	err  error
}

func (r Response) Unmarshal(v interface{}) error {
	if r.err != nil {
		return r.err
	}
	if len(r.data) == 0 {
		return nil
	}
	return json.Unmarshal([]byte(r.data), v)
}

func (r Response) Err() error {
	return r.err
}

// Signaler is the duplex, acknowledgement-capable control channel to the
// conference server. Request performs a request/ack round-trip bounded by the
// signaler's request timeout. Server push notifications are emitted on the
// Signaler itself under the server event name, with the raw json payload as
// single argument.
//
// The client owns exactly one Signaler instance; it is passed in explicitly so
// several conferences in one process never share hidden state.
type Signaler interface {
	IEventEmitter

	// Connect establishes the underlying channel. It must be called before
	// any Request or Notify.
	Connect() error

	// Request sends a control request and waits for the server ack.
	Request(method string, data interface{}) Response

	// Notify sends a fire-and-forget control message.
	Notify(method string, data interface{}) error

	// Close tears the channel down. Every in-flight Request fails with
	// ErrDisposed so no caller is left hanging.
	Close() error

	Closed() bool
}

// signalRequest is the json frame sent to the server. Id is the correlation
// id echoed back in the ack; zero for notifications.
type signalRequest struct {
	Id     int64       `json:"id,omitempty"`
	Method string      `json:"method"`
	Data   interface{} `json:"data,omitempty"`
}

// signalMessage is any json frame received from the server: an ack when Id is
// set, a push notification when Event is set.
type signalMessage struct {
	Id    int64           `json:"id,omitempty"`
	Ok    bool            `json:"ok,omitempty"`
	Error string          `json:"error,omitempty"`
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// sentInfo tracks one in-flight request.
type sentInfo struct {
	method      string
	requestData []byte
	respCh      chan Response
}
