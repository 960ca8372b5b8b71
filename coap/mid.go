package coap

import "sync/atomic"

// messageIDCounter hands out CoAP message IDs for locally-originated PDUs.
// A 16-bit message ID space wraps quickly on a busy relay; wrapping is
// harmless here because go-coap/v2's own transmission layer, not this
// counter, is responsible for not reusing an ID still awaiting an ACK.
var messageIDCounter uint32

func nextMessageID() int32 {
	return int32(uint16(atomic.AddUint32(&messageIDCounter, 1)))
}
