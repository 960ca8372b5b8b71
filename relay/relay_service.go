package relay

import (
	"time"

	"github.com/condalf/backend/coap"
	"github.com/condalf/backend/logging"
	"github.com/condalf/backend/queue"
	"github.com/condalf/backend/service"
)

// DefaultResourceURI is the resource path relayed messages are PUT to on
// every upstream target.
const DefaultResourceURI = "condalf/data"

const ioTimeout = 100 * time.Millisecond

// RelayService fans every message drained from its inbound queue out to a
// fixed set of upstream sessions, grounded on service/relay/relay.cpp.
type RelayService struct {
	svc *service.Service

	facade     *coap.Facade
	manager    *SessionManager
	descriptor coap.ContextDescriptor
	inbound    *queue.MessageQueue
	sessions   []*Session
	targets    []string // deduplicated host:port strings, preserved for (re)building sessions
	resource   string
	log        logging.FieldLogger
}

// NewRelayService builds a RelayService that relays messages drained from
// inbound to every address in targets, after dedupeTargets drops repeats.
func NewRelayService(facade *coap.Facade, inbound *queue.MessageQueue, targets []string, log logging.FieldLogger) *RelayService {
	if log == nil {
		log = logging.Nop
	}

	r := &RelayService{
		manager:  ManagerInstance(facade, log),
		facade:   facade,
		inbound:  inbound,
		targets:  dedupeTargets(targets),
		resource: DefaultResourceURI,
		log:      log,
	}
	r.svc = service.New("relay", r, log)
	r.svc.AddHook(r.enableCoAP, r.disableCoAP)
	r.svc.AddHook(r.enableRelay, r.disableRelay)
	return r
}

// dedupeTargets drops repeated addresses by set membership, preserving
// first-seen order. The original source de-duplicated with a binary
// search over an array it never kept sorted, which silently let duplicate
// targets through and doubled every relayed message; a map sidesteps the
// ordering requirement a binary search depends on entirely.
func dedupeTargets(targets []string) []string {
	seen := make(map[string]struct{}, len(targets))
	deduped := make([]string, 0, len(targets))
	for _, t := range targets {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		deduped = append(deduped, t)
	}
	return deduped
}

// Start/Stop/Reload/IsActive delegate to the underlying generic Service.
func (r *RelayService) Start() bool   { return r.svc.Start() }
func (r *RelayService) Stop()         { r.svc.Stop() }
func (r *RelayService) Reload() bool  { return r.svc.Reload() }
func (r *RelayService) IsActive() bool { return r.svc.IsActive() }

func (r *RelayService) enableCoAP() error {
	// Relay sessions enable the library's own blockwise transfer
	// (use_libcoap_block_mode == true in the original), unlike the
	// server's manual reassembly: relaying only ever re-sends a payload
	// already reassembled once, so there is no need to replicate the
	// idempotent-replay/double-end semantics a second time here.
	r.descriptor = r.facade.CreateContext(true, 10*time.Second)
	r.manager.BindContext(r.descriptor)
	return nil
}

func (r *RelayService) disableCoAP() error {
	r.manager.UnbindContext(r.descriptor)
	r.facade.ReleaseContext(r.descriptor)
	return nil
}

func (r *RelayService) enableRelay() error {
	r.sessions = make([]*Session, 0, len(r.targets))
	for _, addr := range r.targets {
		host, port, err := parseHostPort(addr)
		if err != nil {
			r.log.Warnf("skipping invalid relay target %q: %s", addr, err)
			continue
		}
		s := NewSession(r.facade, r.descriptor, host, port, r.log)
		s.Reconnect()
		r.manager.ManageSession(r.descriptor, s)
		r.sessions = append(r.sessions, s)
	}
	return nil
}

func (r *RelayService) disableRelay() error {
	for _, s := range r.sessions {
		s.Disconnect()
	}
	r.sessions = nil
	return nil
}

// Run drains the inbound queue, cloning each message into every session's
// transmit queue, then gives each session a chance to reconnect and
// transmit. Sessions that should be dropped are only removed once this
// scan completes: the original source deleted a session from the list it
// was iterating mid-loop, which could skip the next session or use a
// freed one depending on how the underlying container reshuffled. Here the
// loop only ever marks a session removable; filtering happens after
// (spec.md Open Questions).
func (r *RelayService) Run() {
	for !r.inbound.IsEmpty() {
		msg := r.inbound.Extract()
		if msg == nil {
			break
		}
		for _, s := range r.sessions {
			s.Enqueue(msg.Clone())
		}
	}

	removable := make(map[*Session]bool)
	for _, s := range r.sessions {
		s.Reconnect()
		r.manager.RebindHandle(s, s.Handle())
		s.Transmit(r.resource)
		if s.removed() {
			removable[s] = true
		}
	}

	if len(removable) > 0 {
		kept := r.sessions[:0]
		for _, s := range r.sessions {
			if removable[s] {
				s.Disconnect()
				continue
			}
			kept = append(kept, s)
		}
		r.sessions = kept
	}

	r.facade.IO(r.descriptor, ioTimeout)
}

