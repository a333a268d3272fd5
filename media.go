package quickrtc

// MediaConstraints describe one hardware acquisition. They are kept after a
// pause that released the device so resume can re-acquire an equivalent track.
type MediaConstraints struct {
	Audio    bool   `json:"audio,omitempty"`
	Video    bool   `json:"video,omitempty"`
	DeviceId string `json:"deviceId,omitempty"`
	// Extra is forwarded to the platform capture call untouched (resolution,
	// frame rate, echo cancellation and friends).
	Extra H `json:"extra,omitempty"`
}

// MediaTrack is one audio or video track, the platform equivalent of a
// MediaStreamTrack. Local tracks come from a MediaProvider, remote tracks
// from RTCTransport.Consume.
type MediaTrack interface {
	Id() string

	Kind() MediaKind

	// Enabled reports the client side enabled flag. This is orthogonal to the
	// server side paused state of a producer or consumer.
	Enabled() bool

	SetEnabled(enabled bool)

	// Stop releases the track's capture source. Irreversible.
	Stop()

	// OnEnded registers fn to run when the source ends on its own (the user
	// stops a screenshare from OS chrome, a device is unplugged). It is not
	// invoked for Stop.
	OnEnded(fn func())
}

// MediaStream is a surface grouping one or more tracks for rendering. A
// stream returned by a single capture call owns the underlying device: a
// camera LED stays lit until the stream is closed.
type MediaStream interface {
	Id() string

	GetTracks() []MediaTrack

	// Close stops every track and releases the capture device.
	Close()
}

// MediaProvider is the hardware acquisition boundary (getUserMedia and
// getDisplayMedia). Implemented by the embedding platform, faked in tests.
type MediaProvider interface {
	GetUserMedia(constraints MediaConstraints) (MediaStream, error)

	GetDisplayMedia(constraints MediaConstraints) (MediaStream, error)
}
