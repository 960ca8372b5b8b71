package coap

import (
	"sync"
	"time"
)

// blockEntryTTL bounds how long a partially (or just-completed) reassembly
// stays in the cache before the sweep evicts it. 60s comfortably outlives
// any single BLOCK1 exchange between retransmissions on a constrained link.
const blockEntryTTL = 60 * time.Second

// blockCacheKey identifies one in-flight block-wise transfer: the resource
// URI a device is PUTting to, scoped by the session it arrived on, since
// two different devices legitimately PUT the same URI concurrently.
type blockCacheKey struct {
	uri     string
	session string // remote address of the session the fragment arrived on
}

type blockCacheEntry struct {
	firstMID  int32
	buffer    []byte
	lastNum   uint32
	lastM     bool
	szx       uint32
	completed bool
	expiresAt time.Time
}

// blockCache reassembles BLOCK1-fragmented PUT bodies, grounded on the
// block cache table in common::CoAP's resource_block_handler (spec.md
// §4.1.1). It is guarded by its own mutex, not the Facade's: reassemble,
// forget and the periodic sweep each take c.mu themselves.
type blockCache struct {
	mu      sync.Mutex
	entries map[blockCacheKey]*blockCacheEntry
}

func newBlockCache() *blockCache {
	c := &blockCache{entries: make(map[blockCacheKey]*blockCacheEntry)}
	go c.sweepLoop()
	return c
}

func (c *blockCache) sweepLoop() {
	ticker := time.NewTicker(blockEntryTTL)
	defer ticker.Stop()
	for range ticker.C {
		c.sweep()
	}
}

func (c *blockCache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
}

// blockOutcome is the result ResourceBlockHandler derives for one inbound
// BLOCK1 fragment.
type blockOutcome int

const (
	// outcomeSingleShot: request had no BLOCK1 option at all; deliver the
	// body as-is, no option to echo back.
	outcomeSingleShot blockOutcome = iota
	// outcomeContinue: accepted an interior fragment; echo BLOCK1 with M
	// set and respond 2.31 Continue. No payload for the resource handler.
	outcomeContinue
	// outcomeComplete: accepted the final fragment; deliver the
	// reassembled payload to the resource handler, echo BLOCK1 with M
	// clear, respond with whatever the handler returns.
	outcomeComplete
	// outcomeReplay: a retransmission of a block we've already acked
	// (block 0 of the current transfer, the last accepted block of a
	// transfer still in progress, or the final block of a transfer we
	// already completed); re-ack without touching the buffer
	// or invoking the resource handler again.
	outcomeReplay
	// outcomeIncomplete: an out-of-order or unrecognized block number;
	// reject with 4.08 Request Entity Incomplete.
	outcomeIncomplete
)

// block1Option is the decoded form of a BLOCK1 option value, packed as
// (num<<4 | m<<3 | szx), matching both RFC 7959's wire encoding and the
// original source's in-memory coap_block_t layout.
type block1Option struct {
	num uint32
	m   bool
	szx uint32
}

func decodeBlock1(raw uint32) block1Option {
	return block1Option{
		num: raw >> 4,
		m:   (raw>>3)&0x1 != 0,
		szx: raw & 0x7,
	}
}

func encodeBlock1(opt block1Option) uint32 {
	v := opt.num << 4
	if opt.m {
		v |= 1 << 3
	}
	v |= opt.szx & 0x7
	return v
}

// reassemble applies one inbound fragment to the cache and reports what the
// caller (ResourceBlockHandler) should do with it. fragment is the payload
// carried by this single request; it is only appended to the buffer on
// outcomeContinue/outcomeComplete.
//
// Cases A-H from spec.md §4.1.1:
//
//	A  no entry, num == 0                        -> start a fresh reassembly
//	B  no entry, num != 0                        -> outcomeIncomplete
//	C  entry exists, num == 0, mid == firstMID    -> outcomeReplay (block-0 ack replay)
//	D  entry exists, num == 0, mid != firstMID    -> discard stale entry, start fresh (A)
//	D' entry exists, num > 0, mid-num != firstMID -> outcomeIncomplete (stray/cross-talk fragment)
//	E  entry exists, num == lastNum+1             -> append; continue or complete
//	F  entry exists, num == lastNum, !completed   -> outcomeReplay (duplicate of last accepted block)
//	G  entry exists, num == lastNum, completed    -> outcomeReplay, update lastM but ignore data
//	H  entry exists, num otherwise out of order    -> discard entry, outcomeIncomplete
func (c *blockCache) reassemble(key blockCacheKey, mid int32, opt block1Option, fragment []byte) (blockOutcome, []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := c.entries[key]
	if entry != nil && time.Now().After(entry.expiresAt) {
		delete(c.entries, key) // expired: never decide against a stale entry
		entry = nil
	}

	if entry == nil {
		if opt.num != 0 {
			return outcomeIncomplete, nil // case B
		}
		return c.startLocked(key, mid, opt, fragment) // case A
	}

	switch {
	case opt.num == 0 && mid == entry.firstMID:
		return outcomeReplay, nil // case C

	case opt.num == 0:
		delete(c.entries, key)
		return c.startLocked(key, mid, opt, fragment) // case D

	case opt.num > 0 && mid-int32(opt.num) != entry.firstMID:
		delete(c.entries, key)
		return outcomeIncomplete, nil // case D'

	case opt.num == entry.lastNum+1:
		entry.buffer = append(entry.buffer, fragment...)
		entry.lastNum = opt.num
		entry.lastM = opt.m
		entry.szx = opt.szx
		entry.expiresAt = time.Now().Add(blockEntryTTL)
		if !opt.m {
			entry.completed = true
			payload := entry.buffer
			return outcomeComplete, payload // case E (final)
		}
		return outcomeContinue, nil // case E (interior)

	case opt.num == entry.lastNum && !entry.completed:
		return outcomeReplay, nil // case F

	case opt.num == entry.lastNum && entry.completed:
		entry.lastM = opt.m
		entry.expiresAt = time.Now().Add(blockEntryTTL)
		return outcomeReplay, nil // case G: update last_block, ignore data

	default:
		delete(c.entries, key) // case H: unrecoverable gap
		return outcomeIncomplete, nil
	}
}

func (c *blockCache) startLocked(key blockCacheKey, mid int32, opt block1Option, fragment []byte) (blockOutcome, []byte) {
	entry := &blockCacheEntry{
		firstMID:  mid,
		buffer:    append([]byte(nil), fragment...),
		lastNum:   opt.num,
		lastM:     opt.m,
		szx:       opt.szx,
		expiresAt: time.Now().Add(blockEntryTTL),
	}
	c.entries[key] = entry

	if !opt.m {
		entry.completed = true
		return outcomeComplete, entry.buffer
	}
	return outcomeContinue, nil
}

// forget drops any reassembly state for key. resourceBlockHandler does not
// call it: a completed entry stays cached, answering replays of the final
// block, until it expires.
func (c *blockCache) forget(key blockCacheKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}
