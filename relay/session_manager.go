package relay

import (
	"sync"

	"github.com/condalf/backend/coap"
	"github.com/condalf/backend/logging"
)

// SessionManager bridges the CoAP facade's raw, handler-based callbacks to
// logical Sessions. It is a process-wide singleton for the same reason the
// Facade is: go-coap/v2's handler functions carry no per-registration
// user-data pointer, so there is exactly one place that can own the
// raw-handle-to-session lookup a response/NACK/pong callback needs.
//
// Three mutexes guard disjoint pieces of state and are always acquired in
// the fixed order contextMu -> sessionMu -> handleMu, never the reverse, to
// rule out deadlock between a goroutine binding a new context and one
// dispatching a callback for an existing one (spec.md §4.4).
type SessionManager struct {
	facade *coap.Facade
	log    logging.FieldLogger

	contextMu sync.Mutex
	contexts  map[coap.ContextDescriptor]struct{}

	sessionMu         sync.Mutex
	sessionsByContext map[coap.ContextDescriptor][]*Session

	handleMu sync.Mutex
	byHandle map[coap.RawSessionHandle]*Session
}

var (
	managerOnce sync.Once
	manager     *SessionManager
)

// ManagerInstance returns the process-wide SessionManager singleton.
func ManagerInstance(facade *coap.Facade, log logging.FieldLogger) *SessionManager {
	managerOnce.Do(func() {
		if log == nil {
			log = logging.Nop
		}
		manager = &SessionManager{
			facade:            facade,
			log:               log,
			contexts:          make(map[coap.ContextDescriptor]struct{}),
			sessionsByContext: make(map[coap.ContextDescriptor][]*Session),
			byHandle:          make(map[coap.RawSessionHandle]*Session),
		}
	})
	return manager
}

// BindContext installs this manager's response/NACK/pong handlers on
// descriptor, so every session dialed under it is routed through
// FindSession before any logical Session ever sees a callback.
func (m *SessionManager) BindContext(descriptor coap.ContextDescriptor) {
	m.contextMu.Lock()
	m.contexts[descriptor] = struct{}{}
	m.contextMu.Unlock()

	m.facade.RegisterResponseHandler(descriptor, m.onResponse)
	m.facade.RegisterNackHandler(descriptor, m.onNack)
	m.facade.RegisterPongHandler(descriptor, m.onPong)
}

// UnbindContext forgets descriptor and every session still registered
// under it.
func (m *SessionManager) UnbindContext(descriptor coap.ContextDescriptor) {
	m.contextMu.Lock()
	delete(m.contexts, descriptor)
	m.contextMu.Unlock()

	m.sessionMu.Lock()
	sessions := m.sessionsByContext[descriptor]
	delete(m.sessionsByContext, descriptor)
	m.sessionMu.Unlock()

	// Match by session rather than by s.Handle(): a session disconnected
	// before unbinding no longer reports the handle it is registered under.
	m.handleMu.Lock()
	for _, s := range sessions {
		for h, owner := range m.byHandle {
			if owner == s {
				delete(m.byHandle, h)
			}
		}
	}
	m.handleMu.Unlock()
}

// ManageSession registers session under descriptor so future callbacks for
// its handle reach it. A session offered under a descriptor that is not
// bound is refused and recorded in neither map.
func (m *SessionManager) ManageSession(descriptor coap.ContextDescriptor, session *Session) {
	m.contextMu.Lock()
	_, bound := m.contexts[descriptor]
	m.contextMu.Unlock()
	if !bound {
		m.log.Warnf("refusing session %s:%s: context %d is not bound", session.Host, session.Port, descriptor)
		return
	}

	m.sessionMu.Lock()
	m.sessionsByContext[descriptor] = append(m.sessionsByContext[descriptor], session)
	m.sessionMu.Unlock()

	if handle := session.Handle(); handle != nil {
		m.handleMu.Lock()
		m.byHandle[handle] = session
		m.handleMu.Unlock()
	}
}

// RebindHandle updates the handle a session is looked up by, used after a
// Session reconnects under a new raw handle.
func (m *SessionManager) RebindHandle(session *Session, handle coap.RawSessionHandle) {
	m.handleMu.Lock()
	defer m.handleMu.Unlock()
	if handle == nil {
		return
	}
	m.byHandle[handle] = session
}

// FindSession looks a session up by its raw handle, or returns nil if none
// is registered (the session may have been torn down already).
func (m *SessionManager) FindSession(handle coap.RawSessionHandle) *Session {
	m.handleMu.Lock()
	defer m.handleMu.Unlock()
	return m.byHandle[handle]
}

// onResponse, onNack and onPong are registered with the Facade via
// BindContext. Each must tolerate FindSession returning nil: a callback can
// race a session's own teardown (the upstream NACKs a message for a
// session RelayService has already disconnected and dropped). The original
// source's NACK handler omitted this check and dereferenced a freed
// session; it is preserved here as an explicit nil guard rather than
// reproduced (spec.md Open Questions).
func (m *SessionManager) onResponse(handle coap.RawSessionHandle) {
	s := m.FindSession(handle)
	if s == nil {
		m.log.Warnf("response for unknown session, dropping")
		return
	}
	s.NotifySuccess()
}

func (m *SessionManager) onNack(handle coap.RawSessionHandle, reason coap.NackReason) {
	s := m.FindSession(handle)
	if s == nil {
		m.log.Warnf("nack (%s) for unknown session, dropping", reason)
		return
	}
	s.NotifyFailure(reason)
}

func (m *SessionManager) onPong(handle coap.RawSessionHandle) {
	s := m.FindSession(handle)
	if s == nil {
		m.log.Warnf("pong for unknown session, dropping")
		return
	}
	_ = s // pong is informational only; nothing to update beyond confirming liveness
}
