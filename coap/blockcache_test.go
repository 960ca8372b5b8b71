package coap

import (
	"testing"

	"github.com/kylelemons/godebug/pretty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReassembleSingleShotWithoutCacheEntry(t *testing.T) {
	c := newBlockCache()
	key := blockCacheKey{uri: "condalf/data", session: "1.2.3.4:5683"}

	outcome, payload := c.reassemble(key, 1, block1Option{num: 0, m: false, szx: 6}, []byte("hello"))
	require.Equal(t, outcomeComplete, outcome)
	assert.Equal(t, []byte("hello"), payload)
}

func TestReassembleMultiBlockInOrder(t *testing.T) {
	c := newBlockCache()
	key := blockCacheKey{uri: "condalf/data", session: "1.2.3.4:5683"}

	outcome, _ := c.reassemble(key, 100, block1Option{num: 0, m: true, szx: 2}, []byte("ab"))
	require.Equal(t, outcomeContinue, outcome)

	outcome, _ = c.reassemble(key, 101, block1Option{num: 1, m: true, szx: 2}, []byte("cd"))
	require.Equal(t, outcomeContinue, outcome)

	outcome, payload := c.reassemble(key, 102, block1Option{num: 2, m: false, szx: 2}, []byte("ef"))
	require.Equal(t, outcomeComplete, outcome)
	if diff := pretty.Compare(string(payload), "abcdef"); diff != "" {
		t.Fatalf("reassembled payload mismatch:\n%s", diff)
	}
}

func TestReassembleNoEntryAndNonZeroBlockIsIncomplete(t *testing.T) {
	c := newBlockCache()
	key := blockCacheKey{uri: "condalf/data", session: "1.2.3.4:5683"}

	outcome, payload := c.reassemble(key, 1, block1Option{num: 1, m: true, szx: 2}, []byte("cd"))
	assert.Equal(t, outcomeIncomplete, outcome)
	assert.Nil(t, payload)
}

func TestReassembleReplayOfBlockZeroAck(t *testing.T) {
	c := newBlockCache()
	key := blockCacheKey{uri: "condalf/data", session: "1.2.3.4:5683"}

	outcome, _ := c.reassemble(key, 100, block1Option{num: 0, m: true, szx: 2}, []byte("ab"))
	require.Equal(t, outcomeContinue, outcome)

	// same MID retransmitted: must not re-append "ab" to the buffer
	outcome, _ = c.reassemble(key, 100, block1Option{num: 0, m: true, szx: 2}, []byte("ab"))
	require.Equal(t, outcomeReplay, outcome)

	outcome, payload := c.reassemble(key, 101, block1Option{num: 1, m: false, szx: 2}, []byte("cd"))
	require.Equal(t, outcomeComplete, outcome)
	assert.Equal(t, []byte("abcd"), payload)
}

func TestReassembleNewBlockZeroDiscardsStaleTransfer(t *testing.T) {
	c := newBlockCache()
	key := blockCacheKey{uri: "condalf/data", session: "1.2.3.4:5683"}

	_, _ = c.reassemble(key, 100, block1Option{num: 0, m: true, szx: 2}, []byte("ab"))
	_, _ = c.reassemble(key, 101, block1Option{num: 1, m: true, szx: 2}, []byte("cd"))

	// a fresh block 0 with a different MID: client restarted the upload
	outcome, _ := c.reassemble(key, 200, block1Option{num: 0, m: false, szx: 2}, []byte("zz"))
	require.Equal(t, outcomeComplete, outcome)

	c.mu.Lock()
	entry := c.entries[key]
	c.mu.Unlock()
	require.NotNil(t, entry)
	assert.Equal(t, []byte("zz"), entry.buffer)
}

func TestReassembleDuplicateOfLastAcceptedBlock(t *testing.T) {
	c := newBlockCache()
	key := blockCacheKey{uri: "condalf/data", session: "1.2.3.4:5683"}

	_, _ = c.reassemble(key, 100, block1Option{num: 0, m: true, szx: 2}, []byte("ab"))

	outcome, _ := c.reassemble(key, 101, block1Option{num: 1, m: true, szx: 2}, []byte("cd"))
	require.Equal(t, outcomeContinue, outcome)

	// a retransmission of block 1 keeps the same MID (same as a CON
	// retransmit keeping its message ID); num == lastNum with that MID
	// exercises the duplicate-of-last-accepted-block path.
	outcome, _ = c.reassemble(key, 101, block1Option{num: 1, m: true, szx: 2}, []byte("cd"))
	assert.Equal(t, outcomeReplay, outcome)

	c.mu.Lock()
	entry := c.entries[key]
	c.mu.Unlock()
	assert.Equal(t, []byte("abcd"), entry.buffer, "a duplicate of the last accepted block must not be appended twice")
}

func TestReassembleDoubleEndUpdatesLastMButIgnoresData(t *testing.T) {
	c := newBlockCache()
	key := blockCacheKey{uri: "condalf/data", session: "1.2.3.4:5683"}

	_, _ = c.reassemble(key, 100, block1Option{num: 0, m: true, szx: 2}, []byte("ab"))
	outcome, payload := c.reassemble(key, 101, block1Option{num: 1, m: false, szx: 2}, []byte("cd"))
	require.Equal(t, outcomeComplete, outcome)
	require.Equal(t, []byte("abcd"), payload)

	// client never saw the final ack and retransmits the last block, same
	// MID as the original accept: case G
	outcome, payload = c.reassemble(key, 101, block1Option{num: 1, m: false, szx: 2}, []byte("cd"))
	assert.Equal(t, outcomeReplay, outcome)
	assert.Nil(t, payload, "a replayed final block must not re-deliver the payload to the resource handler")

	c.mu.Lock()
	entry := c.entries[key]
	c.mu.Unlock()
	require.NotNil(t, entry)
	assert.Equal(t, []byte("abcd"), entry.buffer, "the buffer must not grow from a replayed final block")
}

func TestReassembleOutOfOrderGapIsIncompleteAndEvicts(t *testing.T) {
	c := newBlockCache()
	key := blockCacheKey{uri: "condalf/data", session: "1.2.3.4:5683"}

	_, _ = c.reassemble(key, 100, block1Option{num: 0, m: true, szx: 2}, []byte("ab"))

	// jumping straight to block 3 (mid 103, so first_mid still matches)
	// skips blocks 1 and 2
	outcome, _ := c.reassemble(key, 103, block1Option{num: 3, m: true, szx: 2}, []byte("gh"))
	assert.Equal(t, outcomeIncomplete, outcome)

	c.mu.Lock()
	_, exists := c.entries[key]
	c.mu.Unlock()
	assert.False(t, exists, "an unrecoverable gap must discard the in-progress reassembly")
}

func TestReassembleStrayFragmentWithMismatchedFirstMidIsIncomplete(t *testing.T) {
	c := newBlockCache()
	key := blockCacheKey{uri: "condalf/data", session: "1.2.3.4:5683"}

	// entry for a transfer that started at mid 100 and completed with block 1
	_, _ = c.reassemble(key, 100, block1Option{num: 0, m: true, szx: 2}, []byte("ab"))
	outcome, _ := c.reassemble(key, 101, block1Option{num: 1, m: false, szx: 2}, []byte("cd"))
	require.Equal(t, outcomeComplete, outcome)

	// a cross-talk fragment: num=2 implies first_mid=997, not this entry's
	// firstMID (100); must not be blindly appended to the completed buffer
	outcome, payload := c.reassemble(key, 999, block1Option{num: 2, m: true, szx: 2}, []byte("XX"))
	assert.Equal(t, outcomeIncomplete, outcome)
	assert.Nil(t, payload)

	c.mu.Lock()
	_, exists := c.entries[key]
	c.mu.Unlock()
	assert.False(t, exists, "a stray fragment with a mismatched first_mid must discard the entry")
}

func TestBlock1EncodeDecodeRoundTrip(t *testing.T) {
	for _, opt := range []block1Option{
		{num: 0, m: false, szx: 6},
		{num: 1, m: true, szx: 2},
		{num: 4095, m: true, szx: 7},
	} {
		raw := encodeBlock1(opt)
		got := decodeBlock1(raw)
		assert.Equal(t, opt, got)
	}
}
