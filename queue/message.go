// Package queue implements the thread-safe FIFO of owned Messages that
// bridges the CoAP server path to the relay fan-out.
package queue

import (
	"github.com/plgd-dev/go-coap/v2/message/codes"
	udpmessage "github.com/plgd-dev/go-coap/v2/udp/message"
)

// Message is a unit of upstream work: everything required to build a PDU.
// The Data buffer's lifetime is bound to the Message; callers that hand a
// Message across a goroutine boundary (inbound queue -> relay tick -> a
// Session's own queue) are expected to Clone it rather than alias Data.
type Message struct {
	Type udpmessage.Type // confirmable/non-confirmable
	Code codes.Code      // GET/PUT/POST/DELETE
	URI  string
	Data []byte
}

// MessageTypeConfirmable and MessageTypeNonConfirmable name the two CoAP
// message types a Message can carry. The server only produces confirmable
// PUTs, and Session.Transmit sends every Message as a confirmable PUT
// regardless of its Type and Code.
var (
	MessageTypeConfirmable    = udpmessage.Confirmable
	MessageTypeNonConfirmable = udpmessage.NonConfirmable
)

// Clone returns a deep copy of m; the returned Message shares no memory with
// the receiver. Used by the relay tick to fan a single inbound Message out
// into N independent Session transmit queues without risking one Session's
// mutation (or GC) affecting another's.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	data := make([]byte, len(m.Data))
	copy(data, m.Data)
	return &Message{
		Type: m.Type,
		Code: m.Code,
		URI:  m.URI,
		Data: data,
	}
}
