package quickrtc

import "encoding/json"

type H map[string]interface{}

// MediaKind is the kind of a media track ("audio" or "video").
type MediaKind string

const (
	MediaKind_Audio MediaKind = "audio"
	MediaKind_Video MediaKind = "video"
)

// StreamType is the logical source of a stream. The server forwards it as
// opaque app data so remote peers can render camera and screenshare
// differently.
type StreamType string

const (
	StreamType_Camera StreamType = "camera"
	StreamType_Mic    StreamType = "mic"
	StreamType_Screen StreamType = "screen"
)

// Kind maps a stream type to its media kind.
func (t StreamType) Kind() MediaKind {
	if t == StreamType_Mic {
		return MediaKind_Audio
	}
	return MediaKind_Video
}

// TransportDirection tells the server which side of the SFU a transport
// attaches to.
type TransportDirection string

const (
	TransportDirection_Producer TransportDirection = "producer"
	TransportDirection_Consumer TransportDirection = "consumer"
)

// TransportInfo carries the negotiation parameters returned by
// "createTransport". The SDK hands them to the RTCEngine untouched, ICE and
// DTLS are the engine's business.
type TransportInfo struct {
	Id             string          `json:"id"`
	IceParameters  json.RawMessage `json:"iceParameters,omitempty"`
	IceCandidates  json.RawMessage `json:"iceCandidates,omitempty"`
	DtlsParameters json.RawMessage `json:"dtlsParameters,omitempty"`
}

// ConsumerInfo is one consumable media unit as returned by "consume" and
// "consumeParticipantMedia". Consumers are created server side in paused
// state; "resumeConsumer" starts the traffic once local wiring is done.
type ConsumerInfo struct {
	ConsumerId      string          `json:"consumerId"`
	ProducerId      string          `json:"producerId"`
	ParticipantId   string          `json:"participantId"`
	ParticipantName string          `json:"participantName,omitempty"`
	Kind            MediaKind       `json:"kind"`
	StreamType      StreamType      `json:"streamType,omitempty"`
	RtpParameters   json.RawMessage `json:"rtpParameters,omitempty"`
	Paused          bool            `json:"paused,omitempty"`
}

type joinResponse struct {
	ParticipantId         string          `json:"participantId,omitempty"`
	ServerVersion         string          `json:"serverVersion,omitempty"`
	RouterRtpCapabilities json.RawMessage `json:"routerRtpCapabilities,omitempty"`
}

type rosterEntry struct {
	ParticipantId string `json:"participantId"`
	DisplayName   string `json:"displayName,omitempty"`
	Info          H      `json:"info,omitempty"`
}

type newProducerNotification struct {
	ProducerId      string     `json:"producerId"`
	ParticipantId   string     `json:"participantId"`
	ParticipantName string     `json:"participantName,omitempty"`
	Kind            MediaKind  `json:"kind"`
	StreamType      StreamType `json:"streamType,omitempty"`
}

type participantNotification struct {
	ParticipantId string `json:"participantId"`
	DisplayName   string `json:"displayName,omitempty"`
	Info          H      `json:"info,omitempty"`
}

type producerClosedNotification struct {
	ProducerId string `json:"producerId"`
}

type consumerClosedNotification struct {
	ConsumerId string `json:"consumerId"`
}

type muteNotification struct {
	ParticipantId string `json:"participantId"`
	ProducerId    string `json:"producerId,omitempty"`
}
