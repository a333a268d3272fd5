package quickrtc

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"
)

// DefaultRequestTimeout bounds every signaling round-trip. The conference
// server answers acks immediately, so a request older than this is considered
// lost rather than slow.
const DefaultRequestTimeout = 15 * time.Second

// WebsocketSignaler implements Signaler over a websocket carrying json text
// frames.
type WebsocketSignaler struct {
	IEventEmitter
	logger         logr.Logger
	url            string
	requestTimeout time.Duration
	conn           *websocket.Conn
	closed         int32
	nextId         int64
	sents          sync.Map
	sentChan       chan sentInfo
	notifyCh       chan signalMessage
	closeCh        chan struct{}
}

func NewWebsocketSignaler(url string, requestTimeout time.Duration) *WebsocketSignaler {
	logger := NewLogger("Signaler")

	logger.V(1).Info("constructor()", "url", url)

	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}

	return &WebsocketSignaler{
		IEventEmitter:  NewEventEmitter(),
		logger:         logger,
		url:            url,
		requestTimeout: requestTimeout,
		sentChan:       make(chan sentInfo),
		notifyCh:       make(chan signalMessage, 128),
		closeCh:        make(chan struct{}),
	}
}

func (s *WebsocketSignaler) Connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	if err != nil {
		return err
	}
	s.conn = conn

	go s.runWriteLoop()
	go s.runReadLoop()
	go s.runNotifyLoop()

	return nil
}

func (s *WebsocketSignaler) Close() error {
	if atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		s.logger.V(1).Info("close()")

		close(s.closeCh)
		if s.conn != nil {
			return s.conn.Close()
		}
	}
	return nil
}

func (s *WebsocketSignaler) Closed() bool {
	return atomic.LoadInt32(&s.closed) > 0
}

func (s *WebsocketSignaler) Request(method string, data interface{}) (rsp Response) {
	if s.Closed() {
		rsp.err = ErrDisposed
		return
	}
	id := atomic.AddInt64(&s.nextId, 1)

	s.logger.V(1).Info("request()", "method", method, "id", id)

	requestData, err := json.Marshal(signalRequest{
		Id:     id,
		Method: method,
		Data:   data,
	})
	if err != nil {
		rsp.err = err
		return
	}

	sent := sentInfo{
		method:      method,
		requestData: requestData,
		respCh:      make(chan Response, 1),
	}
	s.sents.Store(id, sent)
	defer s.sents.Delete(id)

	timer := time.NewTimer(s.requestTimeout)
	defer timer.Stop()

	// send request
	select {
	case s.sentChan <- sent:
	case <-timer.C:
		rsp.err = ErrRequestTimeout
	case <-s.closeCh:
		rsp.err = ErrDisposed
	}
	if rsp.err != nil {
		return
	}

	// wait for the ack
	select {
	case rsp = <-sent.respCh:
	case <-timer.C:
		rsp.err = ErrRequestTimeout
	case <-s.closeCh:
		rsp.err = ErrDisposed
	}
	return
}

func (s *WebsocketSignaler) Notify(method string, data interface{}) error {
	if s.Closed() {
		return ErrDisposed
	}

	s.logger.V(1).Info("notify()", "method", method)

	requestData, err := json.Marshal(signalRequest{
		Method: method,
		Data:   data,
	})
	if err != nil {
		return err
	}

	sent := sentInfo{
		method:      method,
		requestData: requestData,
		respCh:      make(chan Response, 1),
	}

	timer := time.NewTimer(s.requestTimeout)
	defer timer.Stop()

	select {
	case s.sentChan <- sent:
		return nil
	case <-timer.C:
		return ErrRequestTimeout
	case <-s.closeCh:
		return ErrDisposed
	}
}

func (s *WebsocketSignaler) runWriteLoop() {
	defer s.Close()

	for {
		select {
		case sent := <-s.sentChan:
			if err := s.conn.WriteMessage(websocket.TextMessage, sent.requestData); err != nil {
				select {
				case sent.respCh <- Response{err: err}:
				default:
				}
				return
			}
		case <-s.closeCh:
			return
		}
	}
}

func (s *WebsocketSignaler) runReadLoop() {
	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if !s.Closed() {
				s.logger.Error(err, "signaling connection lost")
				s.SafeEmit("disconnect")
				s.Close()
			}
			return
		}
		s.processMessage(payload)
	}
}

// runNotifyLoop delivers push notifications to listeners in arrival order, off
// the read loop, so handlers are free to perform signaling round-trips.
func (s *WebsocketSignaler) runNotifyLoop() {
	for {
		select {
		case msg := <-s.notifyCh:
			s.SafeEmit(msg.Event, []byte(msg.Data))
		case <-s.closeCh:
			return
		}
	}
}

func (s *WebsocketSignaler) processMessage(payload []byte) {
	var msg signalMessage

	if err := json.Unmarshal(payload, &msg); err != nil {
		s.logger.Error(err, "received malformed message")
		return
	}

	if len(msg.Event) > 0 {
		s.logger.V(1).Info("notification received", "event", msg.Event)
		// Hand the notification to the dispatch goroutine instead of emitting
		// here. A push handler may issue a blocking Request, and its ack can
		// only arrive through this read loop.
		select {
		case s.notifyCh <- msg:
		case <-s.closeCh:
		}
		return
	}

	if msg.Id > 0 {
		value, ok := s.sents.Load(msg.Id)
		if !ok {
			s.logger.Info("ack does not match any sent request", "id", msg.Id)
			return
		}
		sent := value.(sentInfo)

		if msg.Ok {
			s.logger.V(1).Info("request succeeded", "method", sent.method, "id", msg.Id)
			sent.respCh <- Response{data: msg.Data}
		} else {
			s.logger.V(1).Info("request failed", "method", sent.method, "id", msg.Id, "reason", msg.Error)
			sent.respCh <- Response{err: NewSignalingError(sent.method, msg.Error)}
		}
	}
}
