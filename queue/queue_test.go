package queue

import (
	"testing"

	"github.com/plgd-dev/go-coap/v2/message/codes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageQueueFIFO(t *testing.T) {
	q := New()
	assert.True(t, q.IsEmpty())
	assert.Equal(t, 0, q.Size())

	first := &Message{Type: MessageTypeConfirmable, Code: codes.PUT, URI: "condalf/data", Data: []byte{1, 2, 3}}
	second := &Message{Type: MessageTypeConfirmable, Code: codes.PUT, URI: "condalf/data", Data: []byte{4, 5}}

	q.Insert(first)
	q.Insert(second)
	require.Equal(t, 2, q.Size())
	assert.False(t, q.IsEmpty())

	got := q.Extract()
	require.NotNil(t, got)
	assert.Equal(t, first, got)

	got = q.Extract()
	require.NotNil(t, got)
	assert.Equal(t, second, got)

	assert.True(t, q.IsEmpty())
	assert.Nil(t, q.Extract())
}

func TestMessageClone(t *testing.T) {
	orig := &Message{Type: MessageTypeConfirmable, Code: codes.PUT, URI: "condalf/data", Data: []byte{1, 2, 3}}
	clone := orig.Clone()

	require.Equal(t, orig.Data, clone.Data)
	clone.Data[0] = 99
	assert.NotEqual(t, orig.Data[0], clone.Data[0], "mutating the clone must not alias the original's buffer")
}

func TestMessageCloneNil(t *testing.T) {
	var m *Message
	assert.Nil(t, m.Clone())
}
