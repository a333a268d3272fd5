package quickrtc

import "sync"

// RemoteStream is one inbound media unit received from a remote participant.
type RemoteStream struct {
	ConsumerId    string
	ProducerId    string
	ParticipantId string
	Kind          MediaKind
	StreamType    StreamType
	Muted         bool
	Stream        MediaStream
	Track         MediaTrack
}

// Participant is the client visible record of a remote peer. A participant
// with an empty stream list has joined but produced nothing yet; that is a
// different thing from the participant being absent.
type Participant struct {
	Id          string
	DisplayName string
	Info        H
	Streams     []RemoteStream
}

// roomState maps participant ids to their records. It is mutated only by the
// join-time roster population, participantJoined/participantLeft pushes and
// the consumer orchestrator's merges. All accessors return snapshots.
type roomState struct {
	mu           sync.Mutex
	participants map[string]*Participant
}

func newRoomState() *roomState {
	return &roomState{
		participants: make(map[string]*Participant),
	}
}

// AddOrUpdate creates the record for id or refreshes its name and info in
// place. Never creates two records for the same id. The second return value
// reports whether the record was created by this call.
func (r *roomState) AddOrUpdate(id, displayName string, info H) (Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[id]
	if !ok {
		p = &Participant{Id: id}
		r.participants[id] = p
	}
	if len(displayName) > 0 {
		p.DisplayName = displayName
	}
	if info != nil {
		p.Info = info
	}
	return snapshot(p), !ok
}

// AppendStream merges stream into its participant's record, creating the
// record if this producer is the first sign of that participant. A stream
// with an already known consumer id is replaced in place.
func (r *roomState) AppendStream(stream RemoteStream) Participant {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[stream.ParticipantId]
	if !ok {
		p = &Participant{Id: stream.ParticipantId}
		r.participants[stream.ParticipantId] = p
	}
	for i, existing := range p.Streams {
		if existing.ConsumerId == stream.ConsumerId {
			p.Streams[i] = stream
			return snapshot(p)
		}
	}
	p.Streams = append(p.Streams, stream)
	return snapshot(p)
}

func (r *roomState) RemoveStream(participantId, consumerId string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[participantId]
	if !ok {
		return
	}
	for i, stream := range p.Streams {
		if stream.ConsumerId == consumerId {
			p.Streams = append(p.Streams[:i], p.Streams[i+1:]...)
			return
		}
	}
}

// Remove deletes the participant record and returns it so the caller can
// cascade the teardown of its streams.
func (r *roomState) Remove(id string) (Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[id]
	if !ok {
		return Participant{}, false
	}
	delete(r.participants, id)
	return snapshot(p), true
}

func (r *roomState) Get(id string) (Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[id]
	if !ok {
		return Participant{}, false
	}
	return snapshot(p), true
}

func (r *roomState) List() []Participant {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := make([]Participant, 0, len(r.participants))
	for _, p := range r.participants {
		list = append(list, snapshot(p))
	}
	return list
}

// SetMuted flips the muted flag of the participant's streams of the given
// kind. When producerId is set only the matching stream is touched.
func (r *roomState) SetMuted(participantId, producerId string, kind MediaKind, muted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[participantId]
	if !ok {
		return
	}
	for i := range p.Streams {
		if len(producerId) > 0 && p.Streams[i].ProducerId != producerId {
			continue
		}
		if len(producerId) == 0 && p.Streams[i].Kind != kind {
			continue
		}
		p.Streams[i].Muted = muted
	}
}

func snapshot(p *Participant) Participant {
	streams := make([]RemoteStream, len(p.Streams))
	copy(streams, p.Streams)
	return Participant{
		Id:          p.Id,
		DisplayName: p.DisplayName,
		Info:        p.Info,
		Streams:     streams,
	}
}
