package quickrtc

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// fakeSignaler is an in-memory Signaler with scripted per-method handlers.
type fakeSignaler struct {
	IEventEmitter
	mu       sync.Mutex
	handlers map[string]func(data H) Response
	calls    map[string]int
	notifies map[string]int
	closed   int32
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{
		IEventEmitter: NewEventEmitter(),
		handlers:      make(map[string]func(data H) Response),
		calls:         make(map[string]int),
		notifies:      make(map[string]int),
	}
}

func (s *fakeSignaler) handle(method string, fn func(data H) Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = fn
}

func (s *fakeSignaler) Connect() error { return nil }

func (s *fakeSignaler) Request(method string, data interface{}) Response {
	if s.Closed() {
		return Response{err: ErrDisposed}
	}
	s.mu.Lock()
	s.calls[method]++
	fn := s.handlers[method]
	s.mu.Unlock()

	if fn == nil {
		return Response{}
	}
	return fn(toH(data))
}

func (s *fakeSignaler) Notify(method string, data interface{}) error {
	if s.Closed() {
		return ErrDisposed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifies[method]++
	return nil
}

func (s *fakeSignaler) Close() error {
	atomic.CompareAndSwapInt32(&s.closed, 0, 1)
	return nil
}

func (s *fakeSignaler) Closed() bool {
	return atomic.LoadInt32(&s.closed) > 0
}

func (s *fakeSignaler) requestCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

func (s *fakeSignaler) notifyCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notifies[method]
}

// push delivers a server push notification the way the websocket signaler
// does: raw json emitted under the event name.
func (s *fakeSignaler) push(event string, payload interface{}) {
	data, _ := json.Marshal(payload)
	s.SafeEmit(event, data)
}

func okResponse(v interface{}) Response {
	data, _ := json.Marshal(v)
	return Response{data: data}
}

func toH(data interface{}) H {
	raw, _ := json.Marshal(data)
	var h H
	json.Unmarshal(raw, &h)
	return h
}

// fakeTrack implements MediaTrack.
type fakeTrack struct {
	mu       sync.Mutex
	id       string
	kind     MediaKind
	enabled  bool
	stopped  bool
	endedFns []func()
}

func newFakeTrack(kind MediaKind) *fakeTrack {
	return &fakeTrack{
		id:      uuid.NewString(),
		kind:    kind,
		enabled: true,
	}
}

func (t *fakeTrack) Id() string      { return t.id }
func (t *fakeTrack) Kind() MediaKind { return t.kind }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

func (t *fakeTrack) OnEnded(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.endedFns = append(t.endedFns, fn)
}

func (t *fakeTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// fireEnded simulates the hardware source ending on its own.
func (t *fakeTrack) fireEnded() {
	t.mu.Lock()
	fns := append([]func(){}, t.endedFns...)
	t.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// fakeStream implements MediaStream.
type fakeStream struct {
	mu     sync.Mutex
	id     string
	tracks []MediaTrack
	closed bool
}

func newFakeStream(tracks ...MediaTrack) *fakeStream {
	return &fakeStream{
		id:     uuid.NewString(),
		tracks: tracks,
	}
}

func (s *fakeStream) Id() string { return s.id }

func (s *fakeStream) GetTracks() []MediaTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]MediaTrack{}, s.tracks...)
}

func (s *fakeStream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	tracks := append([]MediaTrack{}, s.tracks...)
	s.mu.Unlock()
	for _, track := range tracks {
		track.Stop()
	}
}

func (s *fakeStream) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// fakeMediaProvider implements MediaProvider.
type fakeMediaProvider struct {
	mu                sync.Mutex
	err               error
	acquired          []*fakeStream
	userMediaCalls    int
	displayMediaCalls int
}

func newFakeMediaProvider() *fakeMediaProvider {
	return &fakeMediaProvider{}
}

func (m *fakeMediaProvider) failWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *fakeMediaProvider) GetUserMedia(constraints MediaConstraints) (MediaStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userMediaCalls++
	if m.err != nil {
		return nil, m.err
	}
	var tracks []MediaTrack
	if constraints.Audio {
		tracks = append(tracks, newFakeTrack(MediaKind_Audio))
	}
	if constraints.Video {
		tracks = append(tracks, newFakeTrack(MediaKind_Video))
	}
	stream := newFakeStream(tracks...)
	m.acquired = append(m.acquired, stream)
	return stream, nil
}

func (m *fakeMediaProvider) GetDisplayMedia(constraints MediaConstraints) (MediaStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.displayMediaCalls++
	if m.err != nil {
		return nil, m.err
	}
	stream := newFakeStream(newFakeTrack(MediaKind_Video))
	m.acquired = append(m.acquired, stream)
	return stream, nil
}

func (m *fakeMediaProvider) lastAcquired() *fakeStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.acquired) == 0 {
		return nil
	}
	return m.acquired[len(m.acquired)-1]
}

// fakeEngine implements RTCEngine.
type fakeEngine struct {
	mu         sync.Mutex
	loaded     json.RawMessage
	transports map[TransportDirection]*fakeTransport
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		transports: make(map[TransportDirection]*fakeTransport),
	}
}

func (e *fakeEngine) Load(routerRtpCapabilities json.RawMessage) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loaded = routerRtpCapabilities
	return nil
}

func (e *fakeEngine) RtpCapabilities() json.RawMessage {
	return json.RawMessage(`{"codecs":[]}`)
}

func (e *fakeEngine) CreateTransport(direction TransportDirection, info TransportInfo, negotiator TransportNegotiator) (RTCTransport, error) {
	transport := &fakeTransport{
		id:              info.Id,
		direction:       direction,
		negotiator:      negotiator,
		produced:        make(map[string]MediaTrack),
		replaced:        make(map[string]MediaTrack),
		consumed:        make(map[string]*fakeTrack),
		closedProducers: make(map[string]int),
		closedConsumers: make(map[string]int),
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transports[direction] = transport
	return transport, nil
}

func (e *fakeEngine) NewMediaStream(tracks ...MediaTrack) MediaStream {
	return newFakeStream(tracks...)
}

func (e *fakeEngine) transport(direction TransportDirection) *fakeTransport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transports[direction]
}

// fakeTransport implements RTCTransport.
type fakeTransport struct {
	mu              sync.Mutex
	id              string
	direction       TransportDirection
	negotiator      TransportNegotiator
	connected       bool
	produced        map[string]MediaTrack
	replaced        map[string]MediaTrack
	consumed        map[string]*fakeTrack
	closedProducers map[string]int
	closedConsumers map[string]int
	closed          bool
	failProduce     error
	failConsume     error
	consumeDisabled bool
	skipNegotiation bool
}

func (t *fakeTransport) Id() string { return t.id }

func (t *fakeTransport) Produce(correlationId string, track MediaTrack, appData H) error {
	t.mu.Lock()
	if t.failProduce != nil {
		err := t.failProduce
		t.mu.Unlock()
		return err
	}
	if t.skipNegotiation {
		t.mu.Unlock()
		return nil
	}
	needConnect := !t.connected
	t.connected = true
	t.mu.Unlock()

	if needConnect {
		if err := t.negotiator.OnConnect(t.direction, json.RawMessage(`{"role":"client"}`)); err != nil {
			return err
		}
	}

	producerId, err := t.negotiator.OnProduce(correlationId, track.Kind(), json.RawMessage(`{"codecs":[]}`), appData)
	if err != nil {
		// failure was already delivered through the pending ledger
		return nil
	}

	t.mu.Lock()
	t.produced[producerId] = track
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) Consume(info ConsumerInfo) (MediaTrack, MediaStream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failConsume != nil {
		return nil, nil, t.failConsume
	}
	track := newFakeTrack(info.Kind)
	if t.consumeDisabled {
		track.enabled = false
	}
	t.consumed[info.ConsumerId] = track
	return track, nil, nil
}

func (t *fakeTransport) ReplaceTrack(producerId string, track MediaTrack) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.replaced[producerId] = track
	return nil
}

func (t *fakeTransport) CloseProducer(producerId string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closedProducers[producerId]++
	return nil
}

func (t *fakeTransport) CloseConsumer(consumerId string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closedConsumers[consumerId]++
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) closedConsumerCount(consumerId string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closedConsumers[consumerId]
}

// testRig wires a Client to fakes with a working default server script.
type testRig struct {
	t            *testing.T
	signaler     *fakeSignaler
	engine       *fakeEngine
	media        *fakeMediaProvider
	client       *Client
	nextProducer int32
	nextConsumer int32
}

func newTestRig(t *testing.T) *testRig {
	rig := &testRig{
		t:        t,
		signaler: newFakeSignaler(),
		engine:   newFakeEngine(),
		media:    newFakeMediaProvider(),
	}

	s := rig.signaler
	s.handle("joinConference", func(H) Response {
		return okResponse(H{
			"participantId":         "self",
			"serverVersion":         "1.2.0",
			"routerRtpCapabilities": H{},
		})
	})
	s.handle("createTransport", func(data H) Response {
		return okResponse(TransportInfo{Id: fmt.Sprintf("transport-%v", data["direction"])})
	})
	s.handle("produce", func(H) Response {
		n := atomic.AddInt32(&rig.nextProducer, 1)
		return okResponse(H{"producerId": fmt.Sprintf("producer-%d", n)})
	})
	s.handle("getParticipants", func(H) Response {
		return okResponse([]rosterEntry{})
	})

	client, err := NewClient(Config{Signaler: s}, rig.engine, rig.media)
	require.NoError(t, err)
	rig.client = client

	return rig
}

func (r *testRig) join() {
	require.NoError(r.t, r.client.Join(JoinOptions{DisplayName: "me"}))
}

// consumerInfoFor scripts one consumable unit owned by a participant.
func (r *testRig) consumerInfoFor(participantId, producerId string, kind MediaKind) ConsumerInfo {
	n := atomic.AddInt32(&r.nextConsumer, 1)
	streamType := StreamType_Camera
	if kind == MediaKind_Audio {
		streamType = StreamType_Mic
	}
	return ConsumerInfo{
		ConsumerId:    fmt.Sprintf("consumer-%d", n),
		ProducerId:    producerId,
		ParticipantId: participantId,
		Kind:          kind,
		StreamType:    streamType,
		Paused:        true,
	}
}
