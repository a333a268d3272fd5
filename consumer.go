package quickrtc

import (
	"sync"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
)

// consumerOrchestrator owns remote inbound media. It guarantees that the
// local peer ends up with exactly one live consumer per remote producer, no
// matter how join-time bulk discovery interleaves with newProducer push
// notifications, and keeps the room state synchronized.
//
// The claimed producer id set is the single source of truth for deduplication.
// Every consume path checks and inserts under one lock acquisition, with no
// signaling round-trip in between, so the first path to claim a producer wins
// and the loser skips it.
type consumerOrchestrator struct {
	logger     logr.Logger
	signaler   Signaler
	engine     RTCEngine
	transports *transportManager
	room       *roomState
	events     IEventEmitter
	selfId     string
	mu         sync.Mutex
	claimed    map[string]struct{}
	consumers  map[string]*RemoteStream
}

func newConsumerOrchestrator(signaler Signaler, engine RTCEngine, transports *transportManager, room *roomState, events IEventEmitter) *consumerOrchestrator {
	return &consumerOrchestrator{
		logger:     NewLogger("ConsumerOrchestrator"),
		signaler:   signaler,
		engine:     engine,
		transports: transports,
		room:       room,
		events:     events,
		claimed:    make(map[string]struct{}),
		consumers:  make(map[string]*RemoteStream),
	}
}

// setSelf records the local participant id. Called once during join, before
// any push handler is subscribed.
func (o *consumerOrchestrator) setSelf(id string) {
	o.selfId = id
}

// ConsumeExistingParticipants enumerates the current roster and consumes
// everything each participant already produces. Every participant is
// announced exactly once, empty stream list included: a peer who joined but
// produces nothing must still appear in room state, and a peer whose join push
// raced the roster fetch was announced by that push already and only gets its
// streams surfaced. Failures are logged per participant and never block the
// join flow.
func (o *consumerOrchestrator) ConsumeExistingParticipants() {
	rsp := o.signaler.Request("getParticipants", nil)

	var roster []rosterEntry
	if err := rsp.Unmarshal(&roster); err != nil {
		o.logger.Error(err, "getParticipants failed")
		return
	}

	g := new(errgroup.Group)
	for _, entry := range roster {
		if entry.ParticipantId == o.selfId {
			continue
		}
		entry := entry
		g.Go(func() error {
			o.consumeParticipant(entry)
			return nil
		})
	}
	g.Wait()
}

func (o *consumerOrchestrator) consumeParticipant(entry rosterEntry) {
	_, created := o.room.AddOrUpdate(entry.ParticipantId, entry.DisplayName, entry.Info)

	rsp := o.signaler.Request("consumeParticipantMedia", H{
		"participantId":   entry.ParticipantId,
		"rtpCapabilities": o.engine.RtpCapabilities(),
	})

	var infos []ConsumerInfo
	if err := rsp.Unmarshal(&infos); err != nil {
		o.logger.Error(err, "bulk consume failed", "participantId", entry.ParticipantId)
		infos = nil
	}

	for _, info := range infos {
		if info.ParticipantId == "" {
			info.ParticipantId = entry.ParticipantId
		}
		// a failed item rolls back its claim and the rest keep going
		stream, err := o.consumeClaimable(info)
		if !created && err == nil && stream != nil {
			// a join push announced this peer while the roster request was in
			// flight; its media is surfaced incrementally
			o.events.SafeEmit("streamAdded", *stream)
		}
	}

	if created {
		participant, _ := o.room.Get(entry.ParticipantId)
		o.events.SafeEmit("newParticipant", participant)
	}
}

// HandleNewProducer consumes a single remote producer announced by push
// notification. Orchestration errors are logged and emitted as "error", never
// propagated: there is no caller.
func (o *consumerOrchestrator) HandleNewProducer(n newProducerNotification) {
	if n.ParticipantId == o.selfId {
		return
	}
	// Claim before the consume round-trip. A duplicate notification, or a
	// bulk discovery racing us, loses here and skips the producer.
	if !o.claim(n.ProducerId) {
		o.logger.V(1).Info("producer already claimed, skipping", "producerId", n.ProducerId)
		return
	}

	rsp := o.signaler.Request("consume", H{
		"producerId":      n.ProducerId,
		"rtpCapabilities": o.engine.RtpCapabilities(),
	})

	var info ConsumerInfo
	if err := rsp.Unmarshal(&info); err != nil {
		// Roll the reservation back so a later retry or a differently timed
		// bulk discovery can still pick this producer up.
		o.release(n.ProducerId)
		o.logger.Error(err, "consume failed", "producerId", n.ProducerId)
		o.events.SafeEmit("error", err)
		return
	}
	if info.ParticipantId == "" {
		info.ParticipantId = n.ParticipantId
	}
	if info.StreamType == "" {
		info.StreamType = n.StreamType
	}

	_, created := o.room.AddOrUpdate(n.ParticipantId, n.ParticipantName, nil)

	stream, err := o.wireClaimed(info)
	if err != nil {
		o.events.SafeEmit("error", err)
		return
	}

	if created {
		participant, _ := o.room.Get(n.ParticipantId)
		o.events.SafeEmit("newParticipant", participant)
	} else {
		o.events.SafeEmit("streamAdded", *stream)
	}
}

// consumeClaimable claims info's producer and wires it up. Returns nil with
// no error when another path already claimed the producer.
func (o *consumerOrchestrator) consumeClaimable(info ConsumerInfo) (*RemoteStream, error) {
	if !o.claim(info.ProducerId) {
		o.logger.V(1).Info("producer already claimed, skipping", "producerId", info.ProducerId)
		return nil, nil
	}
	return o.wireClaimed(info)
}

// wireClaimed turns a server consumer description into a live RemoteStream.
// The producer id must already be claimed; any failure releases the claim.
func (o *consumerOrchestrator) wireClaimed(info ConsumerInfo) (*RemoteStream, error) {
	track, defaultSurface, err := o.transports.Consume(info)
	if err != nil {
		o.release(info.ProducerId)
		o.logger.Error(err, "consumer wiring failed", "producerId", info.ProducerId)
		return nil, err
	}

	// Some mobile platforms deliver the inbound track disabled. The client
	// side enabled flag is orthogonal to the server side paused state, so
	// force-enable before handing the stream out.
	if !track.Enabled() {
		track.SetEnabled(true)
	}

	var surface MediaStream
	if info.Kind == MediaKind_Video {
		// The engine's default surface is not reliably associated with the
		// track for rendering on every platform; build a dedicated one-track
		// surface instead. Audio has no such defect.
		surface = o.engine.NewMediaStream(track)
	} else if surface = defaultSurface; surface == nil {
		surface = o.engine.NewMediaStream(track)
	}

	// Consumers are created paused server side so wiring can finish before
	// traffic flows; start it now.
	if rsp := o.signaler.Request("resumeConsumer", H{"consumerId": info.ConsumerId}); rsp.Err() != nil {
		if err := o.transports.CloseConsumer(info.ConsumerId); err != nil {
			o.logger.V(1).Info("consumer close failed", "consumerId", info.ConsumerId, "error", err)
		}
		o.release(info.ProducerId)
		o.logger.Error(rsp.Err(), "resumeConsumer failed", "consumerId", info.ConsumerId)
		return nil, rsp.Err()
	}

	stream := &RemoteStream{
		ConsumerId:    info.ConsumerId,
		ProducerId:    info.ProducerId,
		ParticipantId: info.ParticipantId,
		Kind:          info.Kind,
		StreamType:    info.StreamType,
		Stream:        surface,
		Track:         track,
	}

	o.mu.Lock()
	o.consumers[info.ConsumerId] = stream
	o.mu.Unlock()

	o.room.AppendStream(*stream)

	return stream, nil
}

// HandleParticipantJoined creates the room record for a peer that joined but
// may not produce anything for a while.
func (o *consumerOrchestrator) HandleParticipantJoined(n participantNotification) {
	if n.ParticipantId == o.selfId {
		return
	}
	participant, created := o.room.AddOrUpdate(n.ParticipantId, n.DisplayName, n.Info)
	if created {
		o.events.SafeEmit("newParticipant", participant)
	}
}

// HandleParticipantLeft tears down every consumer owned by the leaving
// participant in one pass. Close calls are best effort: the transport may
// already be gone.
func (o *consumerOrchestrator) HandleParticipantLeft(n participantNotification) {
	o.mu.Lock()
	var streams []*RemoteStream
	for _, stream := range o.consumers {
		if stream.ParticipantId == n.ParticipantId {
			streams = append(streams, stream)
		}
	}
	for _, stream := range streams {
		delete(o.consumers, stream.ConsumerId)
		delete(o.claimed, stream.ProducerId)
	}
	o.mu.Unlock()

	for _, stream := range streams {
		if err := o.transports.CloseConsumer(stream.ConsumerId); err != nil {
			o.logger.V(1).Info("consumer close failed", "consumerId", stream.ConsumerId, "error", err)
		}
		o.events.SafeEmit("streamRemoved", *stream)
	}

	if participant, ok := o.room.Remove(n.ParticipantId); ok {
		o.events.SafeEmit("participantLeft", participant)
	}
}

// HandleProducerClosed looks the consumer up by the originating producer id;
// the notification never carries the consumer id.
func (o *consumerOrchestrator) HandleProducerClosed(n producerClosedNotification) {
	o.mu.Lock()
	var target *RemoteStream
	for _, stream := range o.consumers {
		if stream.ProducerId == n.ProducerId {
			target = stream
			break
		}
	}
	if target != nil {
		delete(o.consumers, target.ConsumerId)
		delete(o.claimed, target.ProducerId)
	}
	o.mu.Unlock()

	if target == nil {
		return
	}
	o.teardownStream(target)
}

func (o *consumerOrchestrator) HandleConsumerClosed(n consumerClosedNotification) {
	o.mu.Lock()
	target, ok := o.consumers[n.ConsumerId]
	if ok {
		delete(o.consumers, target.ConsumerId)
		delete(o.claimed, target.ProducerId)
	}
	o.mu.Unlock()

	if !ok {
		return
	}
	o.teardownStream(target)
}

func (o *consumerOrchestrator) teardownStream(stream *RemoteStream) {
	if err := o.transports.CloseConsumer(stream.ConsumerId); err != nil {
		o.logger.V(1).Info("consumer close failed", "consumerId", stream.ConsumerId, "error", err)
	}
	o.room.RemoveStream(stream.ParticipantId, stream.ConsumerId)
	o.events.SafeEmit("streamRemoved", *stream)
}

// setMuted folds a remote mute state change into room state and re-emits it.
func (o *consumerOrchestrator) setMuted(event string, n muteNotification, kind MediaKind, muted bool) {
	o.room.SetMuted(n.ParticipantId, n.ProducerId, kind, muted)
	o.events.SafeEmit(event, n.ParticipantId)
}

func (o *consumerOrchestrator) RemoteStreams() []RemoteStream {
	o.mu.Lock()
	defer o.mu.Unlock()

	streams := make([]RemoteStream, 0, len(o.consumers))
	for _, stream := range o.consumers {
		streams = append(streams, *stream)
	}
	return streams
}

// dispose drops every consumer quietly; the transports are about to be closed
// and the server learns about everything through leaveConference.
func (o *consumerOrchestrator) dispose() {
	o.mu.Lock()
	consumers := o.consumers
	o.consumers = make(map[string]*RemoteStream)
	o.claimed = make(map[string]struct{})
	o.mu.Unlock()

	for _, stream := range consumers {
		if err := o.transports.CloseConsumer(stream.ConsumerId); err != nil {
			o.logger.V(1).Info("consumer close failed", "consumerId", stream.ConsumerId, "error", err)
		}
	}
}

// claim reserves producerId. The membership check and the insert happen under
// one lock acquisition so no interleaved handler can pass the check twice.
func (o *consumerOrchestrator) claim(producerId string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.claimed[producerId]; ok {
		return false
	}
	o.claimed[producerId] = struct{}{}
	return true
}

func (o *consumerOrchestrator) release(producerId string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	delete(o.claimed, producerId)
}
