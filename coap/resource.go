package coap

import (
	"bytes"

	"github.com/condalf/backend/logging"
	"github.com/pkg/errors"
	"github.com/plgd-dev/go-coap/v2/message"
	"github.com/plgd-dev/go-coap/v2/message/codes"
	coapmux "github.com/plgd-dev/go-coap/v2/mux"
)

var errInvalidDescriptor = errors.New("invalid context descriptor")

// ResourceHandlerFunc is a resource's application-level callback: given the
// request's URI and its (possibly block-wise reassembled) body, it returns
// the response code, body and content format to send back. Returning a nil
// body with a 2.xx code is valid (e.g. a bare acknowledgement).
type ResourceHandlerFunc func(uri string, payload []byte) (codes.Code, []byte, message.MediaType)

// AddResource registers handler at path under descriptor's router. Every
// inbound request for path is first passed through resourceBlockHandler,
// which only calls handler once a full (possibly single-fragment) payload
// is available, matching the original's resource_block_handler wrapping
// every registered resource handler uniformly (spec.md §4.1.1).
func (f *Facade) AddResource(descriptor ContextDescriptor, path string, handler ResourceHandlerFunc) error {
	f.mu.Lock()
	if !f.descriptorValidLocked(descriptor) {
		f.mu.Unlock()
		return errInvalidDescriptor
	}
	state := f.contexts[descriptor]
	f.mu.Unlock()

	return state.router.Handle(path, coapmux.HandlerFunc(func(w coapmux.ResponseWriter, r *coapmux.Message) {
		f.resourceBlockHandler(path, handler, w, r)
	}))
}

// resourceBlockHandler is the manual BLOCK1 reassembly path used for
// server-side ingestion contexts. The server always reassembles by hand so
// it can apply cases A-H (blockcache.go) rather than delegating to
// go-coap's own blockwise layer, which has no notion of the
// idempotent-replay and double-end semantics the original requires.
func (f *Facade) resourceBlockHandler(path string, handler ResourceHandlerFunc, w coapmux.ResponseWriter, r *coapmux.Message) {
	session := sessionFromWriter(w)
	body := readBody(r)

	raw, err := r.Options.GetUint32(message.Block1)
	if err != nil {
		code, respBody, cf := handler(path, body)
		writeResponse(f.log, w, code, respBody, cf, nil)
		return
	}

	opt := decodeBlock1(raw)
	key := blockCacheKey{uri: path, session: session}
	mid := int32(r.MessageID())

	outcome, payload := f.cache.reassemble(key, mid, opt, body)

	switch outcome {
	case outcomeIncomplete:
		writeResponse(f.log, w, codes.RequestEntityIncomplete, nil, message.TextPlain, nil)

	case outcomeContinue:
		echoOpt := encodeBlock1(opt)
		writeResponse(f.log, w, codes.Continue, nil, message.TextPlain, &echoOpt)

	case outcomeReplay:
		echoOpt := encodeBlock1(opt)
		replayCode := codes.Continue
		if !opt.m {
			replayCode = codes.Changed
		}
		writeResponse(f.log, w, replayCode, nil, message.TextPlain, &echoOpt)

	case outcomeComplete:
		code, respBody, cf := handler(path, payload)
		echoOpt := encodeBlock1(block1Option{num: opt.num, m: false, szx: opt.szx})
		writeResponse(f.log, w, code, respBody, cf, &echoOpt)
	}
}

func readBody(r *coapmux.Message) []byte {
	if r.Body == nil {
		return nil
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r.Body); err != nil {
		return nil
	}
	return buf.Bytes()
}

// sessionFromWriter derives a stable identity for the connection a request
// arrived on. The block cache keys reassembly state by (uri, session) so
// two devices PUTting the same resource concurrently do not corrupt each
// other's buffers (spec.md §4.1.1).
func sessionFromWriter(w coapmux.ResponseWriter) string {
	addr := w.Client().RemoteAddr()
	if addr == nil {
		return ""
	}
	return addr.String()
}

func writeResponse(log logging.FieldLogger, w coapmux.ResponseWriter, code codes.Code, body []byte, cf message.MediaType, block1 *uint32) {
	var opts message.Options
	if block1 != nil {
		opts = message.Options{{ID: message.Block1, Value: encodeUint32(*block1)}}
	}

	var err error
	if len(body) == 0 {
		err = w.SetResponse(code, message.TextPlain, nil, opts...)
	} else {
		err = w.SetResponse(code, cf, bytes.NewReader(body), opts...)
	}
	if err != nil {
		log.Warnf("could not write CoAP response: %s", err)
	}
}

// encodeUint32 mirrors go-coap's own option encoding: the minimal
// big-endian byte representation of v, with a single zero byte for v == 0.
func encodeUint32(v uint32) []byte {
	out := make([]byte, 0, 4)
	started := false
	for i := 3; i >= 0; i-- {
		b := byte(v >> uint(i*8))
		if b != 0 {
			started = true
		}
		if started {
			out = append(out, b)
		}
	}
	if len(out) == 0 {
		out = []byte{0}
	}
	return out
}
