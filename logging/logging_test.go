package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewDefaultsToInfoOnInvalidLevel(t *testing.T) {
	log := New("not-a-level")
	concrete, ok := log.(*logrusLogger)
	if !ok {
		t.Fatalf("expected *logrusLogger, got %T", log)
	}
	assert.Equal(t, "info", concrete.entry.Logger.GetLevel().String())
}

func TestNopNeverPanics(t *testing.T) {
	assert.NotPanics(t, func() {
		Nop.Printf("hi %s", "there")
		Nop.Warnf("hi %s", "there")
		Nop.Errorf("hi %s", "there")
		Nop.WithFields(Fields{"k": "v"}).Printf("still fine")
	})
}
