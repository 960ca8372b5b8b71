package server

import (
	"testing"

	"github.com/condalf/backend/queue"
	"github.com/plgd-dev/go-coap/v2/message/codes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingProcessor struct {
	seen [][]byte
	err  error
}

func (p *recordingProcessor) Process(data []byte) error {
	p.seen = append(p.seen, data)
	return p.err
}

func TestHandleDataEnqueuesReassembledPayload(t *testing.T) {
	outbound := queue.New()
	proc := &recordingProcessor{}
	s := NewServerService(nil, "0.0.0.0", "5683", outbound, proc, nil)

	code, body, _ := s.handleData(DataResourceURI, []byte("payload"))

	assert.Equal(t, codes.Changed, code)
	assert.Nil(t, body)
	require.Equal(t, 1, outbound.Size())
	assert.Equal(t, [][]byte{[]byte("payload")}, proc.seen)

	msg := outbound.Extract()
	require.NotNil(t, msg)
	assert.Equal(t, []byte("payload"), msg.Data)
	assert.Equal(t, DataResourceURI, msg.URI)
}

func TestHandleDataRejectsWhenProcessorErrors(t *testing.T) {
	outbound := queue.New()
	proc := &recordingProcessor{err: assertProcessErr}
	s := NewServerService(nil, "0.0.0.0", "5683", outbound, proc, nil)

	code, _, _ := s.handleData(DataResourceURI, []byte("payload"))

	assert.Equal(t, codes.InternalServerError, code)
	assert.True(t, outbound.IsEmpty(), "a rejected payload must not be enqueued for the relay")
}

func TestHandleTestReturnsValid(t *testing.T) {
	s := NewServerService(nil, "0.0.0.0", "5683", queue.New(), nil, nil)
	code, body, _ := s.handleTest(TestResourceURI, nil)
	assert.Equal(t, codes.Content, code)
	assert.Equal(t, []byte("valid"), body)
}

var assertProcessErr = &stubProcessErr{}

type stubProcessErr struct{}

func (*stubProcessErr) Error() string { return "rejected" }
