package quota

import (
	"sync/atomic"
	"time"
)

// tokenScale turns whole tokens into milli-tokens so linear refill keeps
// sub-token precision inside the packed word.
const tokenScale = 1000

// bucket is a token bucket packed into a single atomic word: the high 32
// bits hold the milli-token count, the low 32 bits the unix second of the
// last refill. Take runs a compare-and-swap loop, so concurrent callers
// never lock.
type bucket struct {
	state      atomic.Uint64
	capacity   int64 // milli-tokens
	windowSecs int64 // refill window: capacity refills linearly over this
}

func newBucket(tokens int, window time.Duration) *bucket {
	b := &bucket{
		capacity:   int64(tokens) * tokenScale,
		windowSecs: int64(window / time.Second),
	}
	b.state.Store(pack(b.capacity, time.Now().Unix()))
	return b
}

func pack(tokens, unixSec int64) uint64 {
	return uint64(tokens)<<32 | uint64(uint32(unixSec))
}

func unpack(state uint64) (tokens, unixSec int64) {
	return int64(state >> 32), int64(uint32(state))
}

// take consumes one token. On refusal it reports how long until a full
// token has refilled.
func (b *bucket) take(now time.Time) (bool, time.Duration) {
	nowSec := now.Unix()
	for {
		old := b.state.Load()
		tokens, last := unpack(old)

		elapsed := nowSec - last
		if elapsed < 0 {
			elapsed = 0
		}
		refilled := tokens + elapsed*b.capacity/b.windowSecs
		if refilled > b.capacity {
			refilled = b.capacity
		}

		if refilled < tokenScale {
			need := tokenScale - refilled
			retry := (need*b.windowSecs + b.capacity - 1) / b.capacity
			if retry < 1 {
				retry = 1
			}
			return false, time.Duration(retry) * time.Second
		}

		if b.state.CompareAndSwap(old, pack(refilled-tokenScale, nowSec)) {
			return true, 0
		}
	}
}

// give returns one token, used to undo a take when a later bucket in the
// same check refuses.
func (b *bucket) give() {
	for {
		old := b.state.Load()
		tokens, last := unpack(old)
		tokens += tokenScale
		if tokens > b.capacity {
			tokens = b.capacity
		}
		if b.state.CompareAndSwap(old, pack(tokens, last)) {
			return
		}
	}
}

// remaining reports the current whole-token balance, for introspection.
func (b *bucket) remaining(now time.Time) int {
	tokens, last := unpack(b.state.Load())
	elapsed := now.Unix() - last
	if elapsed < 0 {
		elapsed = 0
	}
	refilled := tokens + elapsed*b.capacity/b.windowSecs
	if refilled > b.capacity {
		refilled = b.capacity
	}
	return int(refilled / tokenScale)
}
