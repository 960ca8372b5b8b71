// Package server exposes the CoAP endpoint devices PUT ingested data to,
// grounded on service/server/server.cpp in the original source.
package server

import (
	"time"

	"github.com/condalf/backend/coap"
	"github.com/condalf/backend/logging"
	"github.com/condalf/backend/queue"
	"github.com/condalf/backend/script"
	"github.com/condalf/backend/service"
	"github.com/plgd-dev/go-coap/v2/message"
	"github.com/plgd-dev/go-coap/v2/message/codes"
)

// DataResourceURI is the path devices PUT ingested payloads to.
const DataResourceURI = "condalf/data"

// TestResourceURI is a trivial liveness resource devices can GET.
const TestResourceURI = "condalf/test"

const ioTimeout = time.Second

// ServerService owns the inbound CoAP endpoint: it accepts block-wise PUTs
// on DataResourceURI, hands each reassembled payload to an optional script
// Processor, then enqueues it for the relay, and answers GETs on
// TestResourceURI with a canned response. Unlike relay sessions, the
// endpoint's context never enables library blockwise transfer: every PUT
// is reassembled by hand so the block cache's idempotent-replay semantics
// (coap.blockCache) apply uniformly to every device, not just ones the
// library's own reassembly happens to handle the same way.
type ServerService struct {
	svc *service.Service

	facade     *coap.Facade
	descriptor coap.ContextDescriptor
	host, port string
	outbound   *queue.MessageQueue
	processor  script.Processor
	log        logging.FieldLogger
}

// NewServerService builds a ServerService bound to host:port. Reassembled
// payloads are passed through processor (script.Noop if none is
// configured) and then appended to outbound for the relay to pick up.
func NewServerService(facade *coap.Facade, host, port string, outbound *queue.MessageQueue, processor script.Processor, log logging.FieldLogger) *ServerService {
	if log == nil {
		log = logging.Nop
	}
	if processor == nil {
		processor = script.Noop
	}
	s := &ServerService{
		facade:    facade,
		host:      host,
		port:      port,
		outbound:  outbound,
		processor: processor,
		log:       log,
	}
	s.svc = service.New("server", s, log)
	s.svc.AddHook(s.enable, s.disable)
	return s
}

func (s *ServerService) Start() bool   { return s.svc.Start() }
func (s *ServerService) Stop()         { s.svc.Stop() }
func (s *ServerService) Reload() bool  { return s.svc.Reload() }
func (s *ServerService) IsActive() bool { return s.svc.IsActive() }

func (s *ServerService) enable() error {
	s.descriptor = s.facade.CreateContext(false, 0)
	if err := s.facade.AddResource(s.descriptor, DataResourceURI, s.handleData); err != nil {
		return err
	}
	if err := s.facade.AddResource(s.descriptor, TestResourceURI, s.handleTest); err != nil {
		return err
	}
	return s.facade.CreateEndpoint(s.descriptor, s.host, s.port)
}

func (s *ServerService) disable() error {
	s.facade.ReleaseContext(s.descriptor)
	return nil
}

// handleData is the resource handler AddResource wraps with block-wise
// reassembly: by the time it runs, payload is already the complete PUT
// body, whether that took one request or many.
func (s *ServerService) handleData(uri string, payload []byte) (codes.Code, []byte, message.MediaType) {
	if err := s.processor.Process(payload); err != nil {
		s.log.Warnf("script processor rejected payload: %s", err)
		return codes.InternalServerError, nil, message.TextPlain
	}

	s.outbound.Insert(&queue.Message{
		Type: queue.MessageTypeConfirmable,
		Code: codes.PUT,
		URI:  uri,
		Data: payload,
	})
	return codes.Changed, nil, message.TextPlain
}

func (s *ServerService) handleTest(uri string, payload []byte) (codes.Code, []byte, message.MediaType) {
	return codes.Content, []byte("valid"), message.TextPlain
}

// Run services the endpoint for one tick. The accept/read loop itself runs
// on goroutines go-coap/v2 started inside CreateEndpoint; Run just bounds
// how long this service's worker stays asleep between checks of its
// running flag, keeping Stop responsive (see coap.Facade.IO).
func (s *ServerService) Run() {
	s.facade.IO(s.descriptor, ioTimeout)
}
