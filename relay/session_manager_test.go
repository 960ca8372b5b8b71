package relay

import (
	"testing"

	"github.com/condalf/backend/coap"
	"github.com/condalf/backend/logging"
	"github.com/stretchr/testify/assert"
)

func newTestSessionManager() *SessionManager {
	return &SessionManager{
		log:      logging.Nop,
		byHandle: make(map[coap.RawSessionHandle]*Session),
	}
}

func TestFindSessionMissReturnsNilWithoutPanic(t *testing.T) {
	m := newTestSessionManager()

	var got *Session
	assert.NotPanics(t, func() {
		got = m.FindSession(nil)
	})
	assert.Nil(t, got)
}

func TestOnNackForUnknownHandleDoesNotPanic(t *testing.T) {
	m := newTestSessionManager()

	assert.NotPanics(t, func() {
		m.onNack(nil, coap.NackNotDeliverable)
	})
}

func TestOnResponseForUnknownHandleDoesNotPanic(t *testing.T) {
	m := newTestSessionManager()

	assert.NotPanics(t, func() {
		m.onResponse(nil)
	})
}

func TestOnPongForUnknownHandleDoesNotPanic(t *testing.T) {
	m := newTestSessionManager()

	assert.NotPanics(t, func() {
		m.onPong(nil)
	})
}
