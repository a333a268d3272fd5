package quickrtc

import "encoding/json"

// TransportNegotiator receives transport level negotiation callbacks from the
// RTCEngine and answers them against the conference server. Implemented by
// the transport manager; the engine never talks to the server directly.
type TransportNegotiator interface {
	// OnConnect fires once per transport when the engine needs its server
	// side counterpart connected.
	OnConnect(direction TransportDirection, dtlsParameters json.RawMessage) error

	// OnProduce fires when the engine has local parameters for a produce
	// started with the same correlation id. It returns the server assigned
	// producer id.
	OnProduce(correlationId string, kind MediaKind, rtpParameters json.RawMessage, appData H) (producerId string, err error)
}

// RTCTransport is one engine side transport, the peer connection equivalent.
// A client holds exactly two: one sending, one receiving.
type RTCTransport interface {
	Id() string

	// Produce starts sending the track. It is asynchronous: the engine calls
	// the negotiator's OnProduce with the same correlation id once local
	// parameters are ready. Errors detected before negotiation are returned
	// directly.
	Produce(correlationId string, track MediaTrack, appData H) error

	// Consume wires an inbound consumer from its server description and
	// returns the receiving track plus the engine's default surface for it.
	Consume(info ConsumerInfo) (MediaTrack, MediaStream, error)

	// ReplaceTrack swaps the hardware track behind an existing producer. The
	// producer id is preserved.
	ReplaceTrack(producerId string, track MediaTrack) error

	CloseProducer(producerId string) error

	CloseConsumer(consumerId string) error

	Close() error
}

// RTCEngine is the platform WebRTC/SFU-client stack (browser, mobile, native).
// The SDK drives it through this interface and treats everything below it,
// codec negotiation, ICE, DTLS, RTP, as a black box.
type RTCEngine interface {
	// Load hands the engine the SFU router's rtp capabilities received at
	// join time. Must be called before creating transports.
	Load(routerRtpCapabilities json.RawMessage) error

	// RtpCapabilities returns the engine's receiving capabilities, sent along
	// with consume requests.
	RtpCapabilities() json.RawMessage

	CreateTransport(direction TransportDirection, info TransportInfo, negotiator TransportNegotiator) (RTCTransport, error)

	// NewMediaStream builds a media surface holding the given tracks. Used to
	// construct the dedicated one-track surface for inbound video, which is
	// not reliably rendered from the engine's default surface on several
	// platforms.
	NewMediaStream(tracks ...MediaTrack) MediaStream
}
