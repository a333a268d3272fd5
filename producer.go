package quickrtc

import (
	"sync"

	"github.com/go-logr/logr"
)

// StoppedBy tags why a local stream ended, so an application invoked stop is
// never confused with the hardware source ending itself.
type StoppedBy string

const (
	StoppedBy_User     StoppedBy = "user"
	StoppedBy_Hardware StoppedBy = "hardwareEnded"
)

// ProduceOptions describe one local stream to publish. Either pass a
// pre-acquired Track (with its owning Stream, so hardware sharing across
// producers from one capture call is tracked), or leave Track nil and let the
// SDK acquire from Constraints.
type ProduceOptions struct {
	StreamType  StreamType
	Constraints MediaConstraints
	Track       MediaTrack
	Stream      MediaStream
	AppData     H
}

// LocalStream is the caller visible record of one published stream. Id is the
// server assigned producer id and stays stable across pause/resume.
type LocalStream struct {
	Id         string
	Kind       MediaKind
	StreamType StreamType
	Paused     bool
}

type localProducer struct {
	mu          sync.Mutex
	id          string
	kind        MediaKind
	streamType  StreamType
	track       MediaTrack
	source      MediaStream
	constraints MediaConstraints
	display     bool
	paused      bool
	// released is set when the capture hardware behind track was fully
	// stopped (camera LED off) rather than merely disabled; resume must then
	// re-acquire with the recorded constraints. Written while holding both mu
	// and the manager's mu: sibling scans read it under the manager's mu,
	// same-producer paths under mu.
	released bool
}

// producerManager owns local outbound media units: produce, pause, resume and
// stop, including the hardware release strategy. Server synchronization of
// pause/resume/close is best effort, local state is authoritative so the UI
// stays responsive; hardware failures are always surfaced to the caller.
type producerManager struct {
	logger     logr.Logger
	signaler   Signaler
	media      MediaProvider
	transports *transportManager
	events     IEventEmitter
	mu         sync.Mutex
	producers  map[string]*localProducer
}

func newProducerManager(signaler Signaler, media MediaProvider, transports *transportManager, events IEventEmitter) *producerManager {
	return &producerManager{
		logger:     NewLogger("ProducerManager"),
		signaler:   signaler,
		media:      media,
		transports: transports,
		events:     events,
		producers:  make(map[string]*localProducer),
	}
}

func (m *producerManager) Produce(options ProduceOptions) (LocalStream, error) {
	track, source := options.Track, options.Stream
	streamType := options.StreamType
	acquired := false

	if streamType == "" {
		if track != nil && track.Kind() == MediaKind_Audio {
			streamType = StreamType_Mic
		} else if track == nil && options.Constraints.Audio && !options.Constraints.Video {
			streamType = StreamType_Mic
		} else {
			streamType = StreamType_Camera
		}
	}
	kind := streamType.Kind()
	constraints := options.Constraints

	if track == nil {
		if !constraints.Audio && !constraints.Video {
			constraints.Audio = kind == MediaKind_Audio
			constraints.Video = kind == MediaKind_Video
		}

		stream, err := m.acquire(streamType, constraints)
		if err != nil {
			return LocalStream{}, NewHardwareError("acquire", err)
		}
		source = stream
		acquired = true

		if track = trackOfKind(stream, kind); track == nil {
			stream.Close()
			return LocalStream{}, NewHardwareError("acquire", NewInvalidStateError("capture returned no %s track", kind))
		}
	}

	appData := H{"streamType": streamType}
	for key, value := range options.AppData {
		appData[key] = value
	}

	id, err := m.transports.Produce(track, appData)
	if err != nil {
		if acquired {
			source.Close()
		}
		return LocalStream{}, err
	}

	m.logger.V(1).Info("produce()", "producerId", id, "streamType", streamType)

	producer := &localProducer{
		id:          id,
		kind:        kind,
		streamType:  streamType,
		track:       track,
		source:      source,
		constraints: constraints,
		display:     streamType == StreamType_Screen,
	}

	m.mu.Lock()
	m.producers[id] = producer
	m.mu.Unlock()

	track.OnEnded(func() {
		m.handleTrackEnded(id)
	})

	return LocalStream{Id: id, Kind: kind, StreamType: streamType}, nil
}

// Pause stops forwarding and releases the capture hardware, unless another
// still-active producer was created from the same capture stream, in which
// case only this producer's track is stopped.
func (m *producerManager) Pause(id string) error {
	producer, ok := m.get(id)
	if !ok {
		return NewNotFoundError("local stream", id)
	}

	producer.mu.Lock()
	defer producer.mu.Unlock()

	if producer.paused {
		return nil
	}

	m.logger.V(1).Info("pause()", "producerId", id)

	if !producer.released {
		m.releaseHardware(producer)
	}
	producer.paused = true

	if rsp := m.signaler.Request("pauseProducer", H{"producerId": id}); rsp.Err() != nil {
		m.logger.Error(rsp.Err(), "pauseProducer failed, local state kept", "producerId", id)
	}
	return nil
}

// Resume re-enables the stream. If pause released the hardware, a fresh track
// is acquired with the recorded constraints and swapped in with ReplaceTrack;
// the producer id never changes.
func (m *producerManager) Resume(id string) error {
	producer, ok := m.get(id)
	if !ok {
		return NewNotFoundError("local stream", id)
	}

	producer.mu.Lock()
	defer producer.mu.Unlock()

	if !producer.paused {
		return nil
	}

	m.logger.V(1).Info("resume()", "producerId", id)

	if producer.released {
		stream, err := m.acquire(producer.streamType, producer.constraints)
		if err != nil {
			return NewHardwareError("reacquire", err)
		}
		track := trackOfKind(stream, producer.kind)
		if track == nil {
			stream.Close()
			return NewHardwareError("reacquire", NewInvalidStateError("capture returned no %s track", producer.kind))
		}
		if err := m.transports.ReplaceTrack(id, track); err != nil {
			stream.Close()
			return err
		}
		// source and released are visible to sibling scans, keep their writes
		// under m.mu
		m.mu.Lock()
		producer.track = track
		producer.source = stream
		producer.released = false
		m.mu.Unlock()

		track.OnEnded(func() {
			m.handleTrackEnded(id)
		})
	} else {
		producer.track.SetEnabled(true)
	}
	producer.paused = false

	if rsp := m.signaler.Request("resumeProducer", H{"producerId": id}); rsp.Err() != nil {
		m.logger.Error(rsp.Err(), "resumeProducer failed, local state kept", "producerId", id)
	}
	return nil
}

// Stop tears the stream down for good. Calling it again for the same id is a
// no-op.
func (m *producerManager) Stop(id string) error {
	return m.stop(id, StoppedBy_User)
}

func (m *producerManager) stop(id string, by StoppedBy) error {
	m.mu.Lock()
	producer, ok := m.producers[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.producers, id)
	m.mu.Unlock()

	m.logger.V(1).Info("stop()", "producerId", id, "by", by)

	producer.mu.Lock()
	if !producer.released {
		m.releaseHardware(producer)
	}
	producer.mu.Unlock()

	if err := m.transports.CloseProducer(id); err != nil {
		m.logger.Error(err, "engine closeProducer failed", "producerId", id)
	}
	if rsp := m.signaler.Request("closeProducer", H{"producerId": id}); rsp.Err() != nil {
		m.logger.Error(rsp.Err(), "closeProducer failed", "producerId", id)
	}

	if by == StoppedBy_Hardware {
		m.events.SafeEmit("localStreamEnded", id)
	}
	return nil
}

// handleTrackEnded runs when the hardware source ended itself (user revoked a
// screenshare from OS chrome, device unplugged). An application invoked stop
// removed the record first, so the hook is a no-op in that case.
func (m *producerManager) handleTrackEnded(id string) {
	m.mu.Lock()
	_, ok := m.producers[id]
	m.mu.Unlock()
	if !ok {
		return
	}
	m.logger.V(1).Info("track ended by hardware", "producerId", id)
	m.stop(id, StoppedBy_Hardware)
}

func (m *producerManager) LocalStreams() []LocalStream {
	m.mu.Lock()
	defer m.mu.Unlock()

	streams := make([]LocalStream, 0, len(m.producers))
	for _, p := range m.producers {
		streams = append(streams, LocalStream{
			Id:         p.id,
			Kind:       p.kind,
			StreamType: p.streamType,
			Paused:     p.paused,
		})
	}
	return streams
}

// dispose releases every producer's hardware without server round-trips;
// teardown notifies the server once via leaveConference.
func (m *producerManager) dispose() {
	m.mu.Lock()
	producers := m.producers
	m.producers = make(map[string]*localProducer)
	m.mu.Unlock()

	for _, producer := range producers {
		producer.mu.Lock()
		if !producer.released {
			producer.track.Stop()
			if producer.source != nil {
				producer.source.Close()
			}
			producer.released = true
		}
		producer.mu.Unlock()
	}
}

func (m *producerManager) acquire(streamType StreamType, constraints MediaConstraints) (MediaStream, error) {
	if streamType == StreamType_Screen {
		return m.media.GetDisplayMedia(constraints)
	}
	return m.media.GetUserMedia(constraints)
}

// releaseHardware stops the capture behind producer. The device itself is
// shared across producers created from one capture stream, so the owning
// stream is only closed when no sibling still needs it; otherwise just this
// producer's track is stopped. Caller holds producer.mu. The sibling scan and
// the released flag flip happen under m.mu in one critical section, so of two
// concurrent pauses on siblings exactly one sees the other released and closes
// the device.
func (m *producerManager) releaseHardware(producer *localProducer) {
	m.mu.Lock()
	shared := producer.source != nil && m.hasActiveSiblingLocked(producer)
	producer.released = true
	m.mu.Unlock()

	if producer.source == nil || shared {
		producer.track.Stop()
	} else {
		producer.source.Close()
	}
}

// hasActiveSiblingLocked scans active producers for another one backed by the
// same capture stream. Caller holds m.mu.
func (m *producerManager) hasActiveSiblingLocked(producer *localProducer) bool {
	for _, other := range m.producers {
		if other.id == producer.id || other.source == nil {
			continue
		}
		if other.source.Id() == producer.source.Id() && !other.released {
			return true
		}
	}
	return false
}

func (m *producerManager) get(id string) (*localProducer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	producer, ok := m.producers[id]
	return producer, ok
}

func trackOfKind(stream MediaStream, kind MediaKind) MediaTrack {
	for _, track := range stream.GetTracks() {
		if track.Kind() == kind {
			return track
		}
	}
	return nil
}
