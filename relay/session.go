// Package relay forwards ingested messages to one or more upstream CoAP
// endpoints, grounded on service/relay/session.cpp, session_manager.cpp and
// relay.cpp in the original source.
package relay

import (
	"sync"

	"github.com/condalf/backend/coap"
	"github.com/condalf/backend/logging"
	"github.com/condalf/backend/queue"
)

// Session owns one outbound connection to an upstream. Sends are
// stop-and-wait: at most one message is ever in flight (pending) at a
// time, with everything else waiting in transmitQueue; a message that
// fails delivery is re-queued on retransmitQueue, which is
// always drained before transmitQueue so retries take priority over new
// work (spec.md §4.3).
type Session struct {
	Host string
	Port string

	mu              sync.Mutex
	descriptor      coap.ContextDescriptor
	handle          coap.RawSessionHandle
	transmitQueue   *queue.MessageQueue
	retransmitQueue *queue.MessageQueue
	pending         *queue.Message

	failureStreak int
	dead          bool

	facade *coap.Facade
	log    logging.FieldLogger
}

// maxConsecutiveFailures bounds how many fatal NACKs in a row a session
// tolerates before RelayService drops it from the active set instead of
// retrying it forever.
const maxConsecutiveFailures = 10

// NewSession constructs a disconnected Session for host:port, bound to
// descriptor once the caller Connects it.
func NewSession(facade *coap.Facade, descriptor coap.ContextDescriptor, host, port string, log logging.FieldLogger) *Session {
	if log == nil {
		log = logging.Nop
	}
	return &Session{
		Host:            host,
		Port:            port,
		descriptor:      descriptor,
		facade:          facade,
		log:             log,
		transmitQueue:   queue.New(),
		retransmitQueue: queue.New(),
	}
}

// Connect dials the upstream if not already connected.
func (s *Session) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle != nil {
		return nil
	}
	handle, err := s.facade.CreateSession(s.descriptor, s.Host, s.Port)
	if err != nil {
		return err
	}
	s.handle = handle
	return nil
}

// Reconnect is Connect, but swallows and logs the error instead of
// propagating it: a relay target that is temporarily unreachable must not
// stop the run loop from servicing the other targets.
func (s *Session) Reconnect() {
	s.mu.Lock()
	connected := s.handle != nil
	s.mu.Unlock()
	if connected {
		return
	}
	if err := s.Connect(); err != nil {
		s.log.Warnf("could not connect to relay target %s:%s: %s", s.Host, s.Port, err)
	}
}

// Disconnect releases the underlying session, if any.
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return
	}
	s.facade.ReleaseSession(s.handle)
	s.handle = nil
}

// IsConnected reports whether Session currently owns a live handle.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle != nil
}

// Handle returns the current raw handle, or nil if disconnected. Used by
// the SessionManager to key its raw_handle_to_session map.
func (s *Session) Handle() coap.RawSessionHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// Enqueue appends msg to the transmit queue. msg is not copied; callers
// fanning one inbound message out to several sessions must Clone it first
// (see RelayService.Run).
func (s *Session) Enqueue(msg *queue.Message) {
	s.transmitQueue.Insert(msg)
}

// Transmit sends the next queued message if, and only if, no message is
// currently pending a response. The retransmit queue is always drained
// ahead of the transmit queue.
func (s *Session) Transmit(uri string) {
	s.mu.Lock()
	if s.pending != nil || s.handle == nil {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	msg := s.retransmitQueue.Extract()
	if msg == nil {
		msg = s.transmitQueue.Extract()
	}
	if msg == nil {
		return
	}

	pdu := coap.NewConfirmable(uri, msg.Data)
	s.mu.Lock()
	handle := s.handle
	s.mu.Unlock()
	if handle == nil {
		s.retransmitQueue.Insert(msg)
		return
	}

	if _, err := s.facade.SendPDU(s.descriptor, handle, pdu); err != nil {
		s.log.Warnf("could not send to relay target %s:%s: %s", s.Host, s.Port, err)
		s.retransmitQueue.Insert(msg)
		return
	}

	s.mu.Lock()
	s.pending = msg
	s.mu.Unlock()
}

// NotifySuccess clears the pending slot on a successful delivery and resets
// the consecutive-failure streak.
func (s *Session) NotifySuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = nil
	s.failureStreak = 0
}

// NotifyFailure re-queues the pending message for retransmission, unless
// reason indicates the session itself is no longer viable (not_deliverable,
// rst), in which case the connection is dropped so the next run tick
// reconnects before retrying. A second NACK on an already-cleared pending
// message (no message was actually in flight) is a no-op: it must not
// disconnect a healthy session or count toward the failure streak.
func (s *Session) NotifyFailure(reason coap.NackReason) {
	s.mu.Lock()
	msg := s.pending
	if msg == nil {
		s.mu.Unlock()
		return
	}
	s.pending = nil
	fatal := reason == coap.NackNotDeliverable || reason == coap.NackReset
	handle := s.handle
	if fatal {
		s.handle = nil
		s.failureStreak++
		if s.failureStreak >= maxConsecutiveFailures {
			s.dead = true
		}
	}
	s.mu.Unlock()

	s.retransmitQueue.Insert(msg)
	if fatal && handle != nil {
		s.facade.ReleaseSession(handle)
	}
}

// removed reports whether this session has exceeded its consecutive
// failure budget and should be dropped from the active set once the
// current fan-out scan completes.
func (s *Session) removed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dead
}
