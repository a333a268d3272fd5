package quickrtc

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

type produceResult struct {
	producerId string
	err        error
}

// transportManager owns the send and receive transports created against the
// SFU and bridges the engine's negotiation callbacks to signaling requests.
// Produce calls are correlated to their negotiation callback through a ledger
// keyed by a correlation id generated at request time, so concurrent produces
// can never resolve each other's waiters.
type transportManager struct {
	logger        logr.Logger
	signaler      Signaler
	engine        RTCEngine
	timeout       time.Duration
	sendTransport RTCTransport
	recvTransport RTCTransport
	mu            sync.Mutex
	pendings      map[string]chan produceResult
	closed        int32
	closeCh       chan struct{}
}

func newTransportManager(signaler Signaler, engine RTCEngine, timeout time.Duration) *transportManager {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &transportManager{
		logger:   NewLogger("TransportManager"),
		signaler: signaler,
		engine:   engine,
		timeout:  timeout,
		pendings: make(map[string]chan produceResult),
		closeCh:  make(chan struct{}),
	}
}

// createTransports asks the server for both transport descriptions and builds
// their engine side counterparts.
func (t *transportManager) createTransports() error {
	for _, direction := range []TransportDirection{TransportDirection_Producer, TransportDirection_Consumer} {
		rsp := t.signaler.Request("createTransport", H{"direction": direction})

		var info TransportInfo
		if err := rsp.Unmarshal(&info); err != nil {
			return err
		}

		transport, err := t.engine.CreateTransport(direction, info, t)
		if err != nil {
			return err
		}

		t.logger.V(1).Info("transport created", "direction", direction, "id", transport.Id())

		if direction == TransportDirection_Producer {
			t.sendTransport = transport
		} else {
			t.recvTransport = transport
		}
	}
	return nil
}

// OnConnect implements TransportNegotiator.
func (t *transportManager) OnConnect(direction TransportDirection, dtlsParameters json.RawMessage) error {
	transport := t.transportFor(direction)
	if transport == nil {
		return NewInvalidStateError("no %s transport", direction)
	}

	rsp := t.signaler.Request("connectTransport", H{
		"transportId":    transport.Id(),
		"direction":      direction,
		"dtlsParameters": dtlsParameters,
	})
	return rsp.Err()
}

// OnProduce implements TransportNegotiator. It runs the "produce" signaling
// round-trip and resolves the pending entry registered under correlationId.
func (t *transportManager) OnProduce(correlationId string, kind MediaKind, rtpParameters json.RawMessage, appData H) (string, error) {
	if t.sendTransport == nil {
		err := NewInvalidStateError("no send transport")
		t.resolve(correlationId, produceResult{err: err})
		return "", err
	}

	rsp := t.signaler.Request("produce", H{
		"transportId":   t.sendTransport.Id(),
		"kind":          kind,
		"rtpParameters": rtpParameters,
		"appData":       appData,
	})

	var result struct {
		ProducerId string `json:"producerId"`
	}
	if err := rsp.Unmarshal(&result); err != nil {
		t.resolve(correlationId, produceResult{err: err})
		return "", err
	}

	t.resolve(correlationId, produceResult{producerId: result.ProducerId})
	return result.ProducerId, nil
}

// Produce starts the asynchronous produce negotiation for track and waits
// until the signaling round-trip assigns a producer id.
func (t *transportManager) Produce(track MediaTrack, appData H) (string, error) {
	if t.Closed() {
		return "", ErrDisposed
	}
	if t.sendTransport == nil {
		return "", ErrNotJoined
	}

	correlationId := uuid.NewString()
	resultCh := make(chan produceResult, 1)

	t.mu.Lock()
	t.pendings[correlationId] = resultCh
	t.mu.Unlock()

	if err := t.sendTransport.Produce(correlationId, track, appData); err != nil {
		t.unregister(correlationId)
		return "", err
	}

	timer := time.NewTimer(t.timeout)
	defer timer.Stop()

	select {
	case result := <-resultCh:
		return result.producerId, result.err
	case <-timer.C:
		t.unregister(correlationId)
		return "", ErrRequestTimeout
	case <-t.closeCh:
		return "", ErrDisposed
	}
}

// Consume wires an inbound consumer on the receive transport.
func (t *transportManager) Consume(info ConsumerInfo) (MediaTrack, MediaStream, error) {
	if t.Closed() {
		return nil, nil, ErrDisposed
	}
	if t.recvTransport == nil {
		return nil, nil, ErrNotJoined
	}
	return t.recvTransport.Consume(info)
}

func (t *transportManager) ReplaceTrack(producerId string, track MediaTrack) error {
	if t.sendTransport == nil {
		return ErrNotJoined
	}
	return t.sendTransport.ReplaceTrack(producerId, track)
}

func (t *transportManager) CloseProducer(producerId string) error {
	if t.sendTransport == nil {
		return nil
	}
	return t.sendTransport.CloseProducer(producerId)
}

func (t *transportManager) CloseConsumer(consumerId string) error {
	if t.recvTransport == nil {
		return nil
	}
	return t.recvTransport.CloseConsumer(consumerId)
}

func (t *transportManager) Closed() bool {
	return atomic.LoadInt32(&t.closed) > 0
}

// close fails every outstanding produce waiter with ErrDisposed, then
// releases the transports. Callers awaiting Produce never hang on teardown.
func (t *transportManager) close() {
	if !atomic.CompareAndSwapInt32(&t.closed, 0, 1) {
		return
	}
	t.logger.V(1).Info("close()")

	close(t.closeCh)

	t.mu.Lock()
	pendings := t.pendings
	t.pendings = make(map[string]chan produceResult)
	t.mu.Unlock()

	for _, ch := range pendings {
		ch <- produceResult{err: ErrDisposed}
	}

	if t.sendTransport != nil {
		if err := t.sendTransport.Close(); err != nil {
			t.logger.Error(err, "send transport close failed")
		}
	}
	if t.recvTransport != nil {
		if err := t.recvTransport.Close(); err != nil {
			t.logger.Error(err, "recv transport close failed")
		}
	}
}

func (t *transportManager) transportFor(direction TransportDirection) RTCTransport {
	if direction == TransportDirection_Producer {
		return t.sendTransport
	}
	return t.recvTransport
}

func (t *transportManager) resolve(correlationId string, result produceResult) {
	t.mu.Lock()
	ch, ok := t.pendings[correlationId]
	delete(t.pendings, correlationId)
	t.mu.Unlock()

	if ok {
		ch <- result
	}
}

func (t *transportManager) unregister(correlationId string) {
	t.mu.Lock()
	delete(t.pendings, correlationId)
	t.mu.Unlock()
}
