// Package coap is the CoAP facade: a process-wide registry of protocol
// contexts and sessions, plus the block-wise PUT reassembly cache, built on
// top of github.com/plgd-dev/go-coap/v2. It is the single point of contact
// between the rest of this repository and the underlying CoAP library,
// mirroring the role common::CoAP played in the original source.
package coap

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/condalf/backend/logging"
	"github.com/pkg/errors"
	"github.com/plgd-dev/go-coap/v2/message"
	"github.com/plgd-dev/go-coap/v2/message/codes"
	coapmux "github.com/plgd-dev/go-coap/v2/mux"
	coapNet "github.com/plgd-dev/go-coap/v2/net"
	"github.com/plgd-dev/go-coap/v2/net/blockwise"
	"github.com/plgd-dev/go-coap/v2/udp"
	udpclient "github.com/plgd-dev/go-coap/v2/udp/client"
	udpmessage "github.com/plgd-dev/go-coap/v2/udp/message"
	"github.com/plgd-dev/go-coap/v2/udp/message/pool"
)

const confirmableType = udpmessage.Confirmable

// responseWriter adapts a *udpclient.ResponseWriter to coapmux.ResponseWriter,
// the same two-method shim the teacher's cmd/proxy/proxy.go uses
// (muxResponseWriter) to drive a *udpclient.ResponseWriter through a
// *mux.Router.
type responseWriter struct {
	w *udpclient.ResponseWriter
}

func (rw *responseWriter) SetResponse(code codes.Code, contentFormat message.MediaType, d io.ReadSeeker, opts ...message.Option) error {
	return rw.w.SetResponse(code, contentFormat, d, opts...)
}

func (rw *responseWriter) Client() coapmux.Client {
	return rw.w.ClientConn().Client()
}

// ContextDescriptor indexes the Facade's context table, a growable table
// with freed slots reused (spec.md §3, "Context registry").
type ContextDescriptor int

// InvalidContextDescriptor is a descriptor that names no context slot.
// CreateContext always allocates a slot and never returns it;
// CreateEndpoint and CreateSession report failure through their error
// results.
const InvalidContextDescriptor ContextDescriptor = -1

// RawSessionHandle identifies one live CoAP association: a relay-side
// outbound connection to an upstream, or an inbound connection from a
// device accepted by a server-side context. go-coap/v2 represents both as a
// *udpclient.ClientConn, which is also what the session manager keys its
// raw_handle_to_session map on (spec.md §3).
type RawSessionHandle = *udpclient.ClientConn

// ResponseHandlerFunc, NackHandlerFunc and PongHandlerFunc are the
// context-scoped callbacks a collaborator (the relay's session manager)
// registers via RegisterResponseHandler/RegisterNackHandler/
// RegisterPongHandler, fired from the goroutine that awaits a sent PDU's
// outcome (see pdu.go).
type ResponseHandlerFunc func(session RawSessionHandle)
type NackHandlerFunc func(session RawSessionHandle, reason NackReason)
type PongHandlerFunc func(session RawSessionHandle)

// NackReason classifies why a reliable send did not succeed, mirroring the
// coap_nack_reason_t enum from the original source. Most of these reasons
// are libcoap-specific concepts with no literal go-coap/v2 analogue; they
// are preserved here because the session manager's classification switch
// (spec.md §4.5) is part of the observable contract this package exists to
// satisfy, and classifyNackReason (pdu.go) maps the errors go-coap/v2
// actually returns onto this enum.
type NackReason int

const (
	NackUnknown NackReason = iota
	NackTooManyRetries
	NackNotDeliverable
	NackReset
	NackTLSFailed
	NackICMPIssue
)

func (r NackReason) String() string {
	switch r {
	case NackTooManyRetries:
		return "too_many_retries"
	case NackNotDeliverable:
		return "not_deliverable"
	case NackReset:
		return "rst"
	case NackTLSFailed:
		return "tls_failed"
	case NackICMPIssue:
		return "icmp_issue"
	default:
		return "unknown"
	}
}

type contextState struct {
	descriptor   ContextDescriptor
	useBlockMode bool
	keepalive    time.Duration
	router       *coapmux.Router
	server       *udp.Server     // set once CreateEndpoint has been called
	listener     *coapNet.UDPConn // set once CreateEndpoint has been called
	serverDone   chan struct{}

	responseHandler ResponseHandlerFunc
	nackHandler     NackHandlerFunc
	pongHandler     PongHandlerFunc
}

func (c *contextState) freed() bool { return c == nil }

// Facade owns the protocol library's global lifecycle, the context table,
// and the block cache. The context table is guarded by mu; the block cache
// is guarded by its own mutex. mu is never held across io(...) or a
// network round trip.
type Facade struct {
	mu       sync.Mutex
	contexts []*contextState
	cache    *blockCache
	log      logging.FieldLogger
}

var (
	facadeOnce sync.Once
	facade     *Facade
)

// Instance returns the process-wide Facade singleton. A singleton is used
// because go-coap/v2, like the libcoap library it mirrors in spirit here,
// exposes plain function-valued handlers with no per-registration user-data
// slot; see SPEC_FULL.md §9.
func Instance(log logging.FieldLogger) *Facade {
	facadeOnce.Do(func() {
		if log == nil {
			log = logging.Nop
		}
		facade = &Facade{
			cache: newBlockCache(),
			log:   log,
		}
		log.Printf("CoAP facade startup")
	})
	return facade
}

func (f *Facade) descriptorValid(d ContextDescriptor) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.descriptorValidLocked(d)
}

func (f *Facade) descriptorValidLocked(d ContextDescriptor) bool {
	if d < 0 || int(d) >= len(f.contexts) {
		return false
	}
	return f.contexts[d] != nil
}

// CreateContext allocates a new context slot. useBlockMode selects whether
// the relay-side library blockwise transfer is enabled for sessions dialed
// under this context (the server path always reassembles by hand via
// ResourceBlockHandler, regardless of this flag). keepalive is recorded on
// the context but no session is pinged automatically; Ping sends a single
// ping on demand.
func (f *Facade) CreateContext(useBlockMode bool, keepalive time.Duration) ContextDescriptor {
	f.mu.Lock()
	defer f.mu.Unlock()

	state := &contextState{
		useBlockMode: useBlockMode,
		keepalive:    keepalive,
		router:       coapmux.NewRouter(),
	}

	for i, existing := range f.contexts {
		if existing == nil {
			state.descriptor = ContextDescriptor(i)
			f.contexts[i] = state
			return state.descriptor
		}
	}
	state.descriptor = ContextDescriptor(len(f.contexts))
	f.contexts = append(f.contexts, state)
	return state.descriptor
}

// ReleaseContext tears down a server endpoint (if any) and frees the slot
// for reuse.
func (f *Facade) ReleaseContext(descriptor ContextDescriptor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.descriptorValidLocked(descriptor) {
		return
	}
	state := f.contexts[descriptor]
	if state.server != nil {
		state.server.Stop()
	}
	if state.listener != nil {
		state.listener.Close()
	}
	f.contexts[descriptor] = nil
}

func resolveUDPAddr(host, port string) (*net.UDPAddr, error) {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, errors.Wrapf(err, "could not resolve address %s:%s", host, port)
	}
	return addr, nil
}

// CreateEndpoint binds a UDP server endpoint to the context after
// resolving host:port, and starts the server's accept loop in the
// background. Per spec.md §4.1, the facade lock guards the context table
// mutation but is released before Serve's internal accept loop runs.
func (f *Facade) CreateEndpoint(descriptor ContextDescriptor, host, port string) error {
	if _, err := resolveUDPAddr(host, port); err != nil {
		f.log.Errorf("could not resolve endpoint address: %s", err)
		return err
	}

	f.mu.Lock()
	if !f.descriptorValidLocked(descriptor) {
		f.mu.Unlock()
		return errors.New("invalid context descriptor")
	}
	state := f.contexts[descriptor]
	f.mu.Unlock()

	listener, err := coapNet.NewListenUDP("udp", net.JoinHostPort(host, port))
	if err != nil {
		f.log.Errorf("could not create endpoint: %s", err)
		return errors.Wrap(err, "could not create endpoint")
	}

	srv := udp.NewServer(udp.WithHandlerFunc(func(w *udpclient.ResponseWriter, r *pool.Message) {
		muxr, convErr := pool.ConvertTo(r)
		if convErr != nil {
			f.log.Warnf("could not convert inbound message for routing: %s", convErr)
			return
		}
		state.router.ServeCOAP(&responseWriter{w: w}, &coapmux.Message{
			Message:        muxr,
			SequenceNumber: r.Sequence(),
			IsConfirmable:  r.Type() == confirmableType,
		})
	}))

	f.mu.Lock()
	state.listener = listener
	state.server = srv
	state.serverDone = make(chan struct{})
	f.mu.Unlock()

	go func() {
		defer close(state.serverDone)
		if err := srv.Serve(listener); err != nil {
			f.log.Warnf("CoAP server on context %d stopped: %s", descriptor, err)
		}
	}()
	return nil
}

// CreateSession resolves host:port and dials a client session under
// descriptor, enabling library blockwise transfer (SZX1024) when the
// context was created with useBlockMode.
func (f *Facade) CreateSession(descriptor ContextDescriptor, host, port string) (RawSessionHandle, error) {
	f.mu.Lock()
	if !f.descriptorValidLocked(descriptor) {
		f.mu.Unlock()
		return nil, errors.New("invalid context descriptor")
	}
	state := f.contexts[descriptor]
	f.mu.Unlock()

	if _, err := resolveUDPAddr(host, port); err != nil {
		f.log.Errorf("could not resolve address: %s", err)
		return nil, err
	}

	opts := []udp.Option{}
	if state.useBlockMode {
		opts = append(opts, udp.WithBlockwise(true, blockwise.SZX1024, time.Minute))
	}

	conn, err := udp.Dial(net.JoinHostPort(host, port), opts...)
	if err != nil {
		f.log.Errorf("could not create session to %s:%s: %s", host, port, err)
		return nil, errors.Wrapf(err, "could not create session to %s:%s", host, port)
	}
	return conn, nil
}

// ReleaseSession closes a previously-dialed client session.
func (f *Facade) ReleaseSession(session RawSessionHandle) {
	if session == nil {
		return
	}
	_ = session.Close()
}

// RegisterResponseHandler/RegisterNackHandler/RegisterPongHandler install
// context-scoped callbacks, fired from the goroutines SendPDU spawns to
// await a reliable send's outcome.
func (f *Facade) RegisterResponseHandler(descriptor ContextDescriptor, handler ResponseHandlerFunc) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.descriptorValidLocked(descriptor) {
		return false
	}
	f.contexts[descriptor].responseHandler = handler
	return true
}

func (f *Facade) RegisterNackHandler(descriptor ContextDescriptor, handler NackHandlerFunc) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.descriptorValidLocked(descriptor) {
		return false
	}
	f.contexts[descriptor].nackHandler = handler
	return true
}

func (f *Facade) RegisterPongHandler(descriptor ContextDescriptor, handler PongHandlerFunc) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.descriptorValidLocked(descriptor) {
		return false
	}
	f.contexts[descriptor].pongHandler = handler
	return true
}

// IO is the facade's I/O pump. Under go-coap/v2, both the server's accept
// loop (started by CreateEndpoint) and each session's read loop (started by
// CreateSession/udp.Dial) already run on their own goroutines internally,
// unlike libcoap's single-threaded coap_io_process model that spec.md §4.1
// describes. IO therefore just sleeps for timeout, bounding one Service
// tick so that Stop() stays responsive, while the actual packet processing
// happens concurrently. See the "Design adaptation" paragraph of DESIGN.md
// for the full rationale.
func (f *Facade) IO(descriptor ContextDescriptor, timeout time.Duration) {
	if !f.descriptorValid(descriptor) {
		return
	}
	time.Sleep(timeout)
}

// Ping sends one keepalive ping over session and calls the registered pong
// handler for descriptor on success. Nothing in this repository calls it
// periodically.
func (f *Facade) Ping(descriptor ContextDescriptor, session RawSessionHandle) error {
	f.mu.Lock()
	state := (*contextState)(nil)
	if f.descriptorValidLocked(descriptor) {
		state = f.contexts[descriptor]
	}
	f.mu.Unlock()
	if state == nil {
		return fmt.Errorf("invalid context descriptor %d", descriptor)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := session.Ping(ctx); err != nil {
		return err
	}
	if state.pongHandler != nil {
		state.pongHandler(session)
	}
	return nil
}
