package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHostPortWithPort(t *testing.T) {
	host, port, err := parseHostPort("upstream.example:9999")
	require.NoError(t, err)
	assert.Equal(t, "upstream.example", host)
	assert.Equal(t, "9999", port)
}

func TestParseHostPortBareHost(t *testing.T) {
	host, port, err := parseHostPort("upstream.example")
	require.NoError(t, err)
	assert.Equal(t, "upstream.example", host)
	assert.Equal(t, DefaultPort, port)
}
