package quota

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucketPacking(t *testing.T) {
	now := time.Now().Unix()
	state := pack(123456, now)
	tokens, last := unpack(state)
	assert.Equal(t, int64(123456), tokens)
	assert.Equal(t, now, last)
}

func TestBucketTakeUntilEmpty(t *testing.T) {
	b := newBucket(3, time.Hour)
	now := time.Now()

	for i := 0; i < 3; i++ {
		ok, _ := b.take(now)
		require.True(t, ok, "take %d should pass", i)
	}

	ok, retry := b.take(now)
	assert.False(t, ok)
	assert.Greater(t, retry, time.Duration(0))
}

func TestBucketLinearRefill(t *testing.T) {
	b := newBucket(2, time.Hour)
	now := time.Now()

	ok, _ := b.take(now)
	require.True(t, ok)
	ok, _ = b.take(now)
	require.True(t, ok)

	ok, retry := b.take(now)
	require.False(t, ok)
	// One token refills in half the window for a capacity of two.
	assert.InDelta(t, float64(30*time.Minute), float64(retry), float64(2*time.Second))

	// Half a window later one token is back.
	later := now.Add(30 * time.Minute)
	ok, _ = b.take(later)
	assert.True(t, ok)

	// A full window later the bucket is capped at capacity, not beyond.
	muchLater := now.Add(3 * time.Hour)
	assert.Equal(t, 2, b.remaining(muchLater))
}

func TestBucketGive(t *testing.T) {
	b := newBucket(2, time.Hour)
	now := time.Now()

	ok, _ := b.take(now)
	require.True(t, ok)
	assert.Equal(t, 1, b.remaining(now))

	b.give()
	assert.Equal(t, 2, b.remaining(now))

	// give never pushes past capacity
	b.give()
	assert.Equal(t, 2, b.remaining(now))
}

func TestBucketConcurrentTakes(t *testing.T) {
	const capacity = 100
	b := newBucket(capacity, time.Hour)
	now := time.Now()

	var wg sync.WaitGroup
	granted := make(chan struct{}, capacity*2)
	for i := 0; i < capacity*2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := b.take(now); ok {
				granted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(granted)

	n := 0
	for range granted {
		n++
	}
	assert.Equal(t, capacity, n, "exactly capacity takes succeed under contention")
}
