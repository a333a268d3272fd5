package quickrtc

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/hashicorp/go-version"
)

// minServerVersion is the oldest conference server this SDK can talk to.
// Servers that do not report a version are accepted.
var minServerVersion = version.Must(version.NewVersion("1.0.0"))

// Config configures a Client. Zero values fall back to defaults.
type Config struct {
	// URL is the websocket endpoint of the conference server.
	URL string

	// RequestTimeout bounds every signaling round-trip.
	RequestTimeout time.Duration

	// Signaler replaces the default websocket signaler. Mostly for tests and
	// alternative transports.
	Signaler Signaler
}

var defaultConfig = Config{
	RequestTimeout: DefaultRequestTimeout,
}

// JoinOptions describe the local participant.
type JoinOptions struct {
	DisplayName string
	Info        H
}

// Client is the public conferencing facade: join, produce, pause, resume,
// stop, leave, plus the event subscription surface.
//
// - @emits connected
// - @emits disconnected
// - @emits newParticipant - (participant Participant), stream list may be empty
// - @emits participantLeft - (participant Participant)
// - @emits streamAdded - (stream RemoteStream)
// - @emits streamRemoved - (stream RemoteStream)
// - @emits localStreamEnded - (streamId string)
// - @emits audioMuted / audioUnmuted / videoMuted / videoUnmuted - (participantId string)
// - @emits error - (err error)
type Client struct {
	IEventEmitter
	logger        logr.Logger
	signaler      Signaler
	engine        RTCEngine
	media         MediaProvider
	room          *roomState
	transports    *transportManager
	producers     *producerManager
	orchestrator  *consumerOrchestrator
	participantId string
	joined        int32
	disposed      int32
}

// NewClient builds a client around the platform's RTCEngine and
// MediaProvider. Each client owns its signaler; conferences never share one.
func NewClient(config Config, engine RTCEngine, media MediaProvider) (*Client, error) {
	merged := defaultConfig
	merged.Signaler = config.Signaler
	config.Signaler = nil
	if err := override(&merged, config); err != nil {
		return nil, err
	}
	if merged.Signaler == nil && len(merged.URL) == 0 {
		return nil, NewInvalidStateError("config needs a URL or a Signaler")
	}

	signaler := merged.Signaler
	if signaler == nil {
		signaler = NewWebsocketSignaler(merged.URL, merged.RequestTimeout)
	}

	client := &Client{
		IEventEmitter: NewEventEmitter(),
		logger:        NewLogger("Client"),
		signaler:      signaler,
		engine:        engine,
		media:         media,
		room:          newRoomState(),
	}
	client.transports = newTransportManager(signaler, engine, merged.RequestTimeout)
	client.producers = newProducerManager(signaler, media, client.transports, client)
	client.orchestrator = newConsumerOrchestrator(signaler, engine, client.transports, client.room, client)

	return client, nil
}

// Join connects to the conference: signaling handshake, engine load, both
// transports, push subscriptions, then bulk discovery of everyone already in
// the room. On failure the client is torn down and cannot be reused.
func (c *Client) Join(options JoinOptions) error {
	if c.Disposed() {
		return ErrDisposed
	}
	if !atomic.CompareAndSwapInt32(&c.joined, 0, 1) {
		return NewInvalidStateError("already joined")
	}

	c.logger.V(1).Info("join()", "displayName", options.DisplayName)

	if err := c.runJoin(options); err != nil {
		c.dispose(false)
		return err
	}

	c.SafeEmit("connected")
	return nil
}

func (c *Client) runJoin(options JoinOptions) error {
	if err := c.signaler.Connect(); err != nil {
		return err
	}

	rsp := c.signaler.Request("joinConference", H{
		"displayName": options.DisplayName,
		"info":        options.Info,
	})

	var join joinResponse
	if err := rsp.Unmarshal(&join); err != nil {
		return err
	}
	if err := checkServerVersion(join.ServerVersion); err != nil {
		return err
	}
	if len(join.ParticipantId) == 0 {
		join.ParticipantId = uuid.NewString()
	}
	c.participantId = join.ParticipantId
	c.orchestrator.setSelf(join.ParticipantId)

	if err := c.engine.Load(join.RouterRtpCapabilities); err != nil {
		return err
	}
	if err := c.transports.createTransports(); err != nil {
		return err
	}

	c.subscribePushEvents()
	c.orchestrator.ConsumeExistingParticipants()

	return nil
}

func (c *Client) subscribePushEvents() {
	s := c.signaler

	s.On("newProducer", c.orchestrator.HandleNewProducer)
	s.On("participantJoined", c.orchestrator.HandleParticipantJoined)
	s.On("participantLeft", c.orchestrator.HandleParticipantLeft)
	s.On("producerClosed", c.orchestrator.HandleProducerClosed)
	s.On("consumerClosed", c.orchestrator.HandleConsumerClosed)

	s.On("audioMuted", func(n muteNotification) {
		c.orchestrator.setMuted("audioMuted", n, MediaKind_Audio, true)
	})
	s.On("audioUnmuted", func(n muteNotification) {
		c.orchestrator.setMuted("audioUnmuted", n, MediaKind_Audio, false)
	})
	s.On("videoMuted", func(n muteNotification) {
		c.orchestrator.setMuted("videoMuted", n, MediaKind_Video, true)
	})
	s.On("videoUnmuted", func(n muteNotification) {
		c.orchestrator.setMuted("videoUnmuted", n, MediaKind_Video, false)
	})

	s.On("disconnect", func() {
		c.handleDisconnect()
	})
	s.On("error", func(data []byte) {
		c.SafeEmit("error", errors.New(string(data)))
	})
}

// Leave tells the server goodbye and tears everything down: local producers
// stopped and their hardware released, consumers dropped, pending operations
// failed with ErrDisposed, transports and signaler closed. Idempotent.
func (c *Client) Leave() error {
	if !atomic.CompareAndSwapInt32(&c.disposed, 0, 1) {
		return nil
	}

	c.logger.V(1).Info("leave()")

	if c.Joined() && !c.signaler.Closed() {
		if err := c.signaler.Notify("leaveConference", nil); err != nil {
			c.logger.Error(err, "leaveConference failed")
		}
	}
	c.teardown()
	c.SafeEmit("disconnected")
	return nil
}

func (c *Client) handleDisconnect() {
	if !atomic.CompareAndSwapInt32(&c.disposed, 0, 1) {
		return
	}
	c.logger.Info("disconnected by server")
	c.teardown()
	c.SafeEmit("disconnected")
}

func (c *Client) dispose(emit bool) {
	if !atomic.CompareAndSwapInt32(&c.disposed, 0, 1) {
		return
	}
	c.teardown()
	if emit {
		c.SafeEmit("disconnected")
	}
}

func (c *Client) teardown() {
	c.producers.dispose()
	c.orchestrator.dispose()
	c.transports.close()
	if err := c.signaler.Close(); err != nil {
		c.logger.Error(err, "signaler close failed")
	}
	atomic.StoreInt32(&c.joined, 0)
}

// Produce publishes a local stream and returns its record. The returned id is
// the producer id used by PauseStream, ResumeStream and StopStream.
func (c *Client) Produce(options ProduceOptions) (LocalStream, error) {
	if c.Disposed() {
		return LocalStream{}, ErrDisposed
	}
	if !c.Joined() {
		return LocalStream{}, ErrNotJoined
	}
	return c.producers.Produce(options)
}

func (c *Client) PauseStream(id string) error {
	if c.Disposed() {
		return ErrDisposed
	}
	if !c.Joined() {
		return ErrNotJoined
	}
	return c.producers.Pause(id)
}

func (c *Client) ResumeStream(id string) error {
	if c.Disposed() {
		return ErrDisposed
	}
	if !c.Joined() {
		return ErrNotJoined
	}
	return c.producers.Resume(id)
}

func (c *Client) StopStream(id string) error {
	if c.Disposed() {
		return ErrDisposed
	}
	if !c.Joined() {
		return ErrNotJoined
	}
	return c.producers.Stop(id)
}

func (c *Client) LocalStreams() []LocalStream {
	return c.producers.LocalStreams()
}

func (c *Client) RemoteStreams() []RemoteStream {
	return c.orchestrator.RemoteStreams()
}

func (c *Client) Participants() []Participant {
	return c.room.List()
}

func (c *Client) ParticipantId() string {
	return c.participantId
}

func (c *Client) Joined() bool {
	return atomic.LoadInt32(&c.joined) > 0
}

func (c *Client) Disposed() bool {
	return atomic.LoadInt32(&c.disposed) > 0
}

func checkServerVersion(serverVersion string) error {
	if len(serverVersion) == 0 {
		return nil
	}
	v, err := version.NewVersion(serverVersion)
	if err != nil {
		return nil
	}
	if v.LessThan(minServerVersion) {
		return NewInvalidStateError("server version %s is older than minimum supported %s", v, minServerVersion)
	}
	return nil
}
