package script

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNoopProcessIsAlwaysNil(t *testing.T) {
	assert.NoError(t, Noop.Process([]byte("anything")))
	assert.NoError(t, Noop.Process(nil))
}

func TestLoadPluginMissingFile(t *testing.T) {
	_, err := LoadPlugin("/nonexistent/processor.so")
	assert.Error(t, err)
}
