package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDedupeTargetsPreservesFirstSeenOrder(t *testing.T) {
	in := []string{"a:5683", "b:5683", "a:5683", "c:5683", "b:5683"}
	got := dedupeTargets(in)
	assert.Equal(t, []string{"a:5683", "b:5683", "c:5683"}, got)
}

func TestDedupeTargetsEmpty(t *testing.T) {
	assert.Empty(t, dedupeTargets(nil))
}
