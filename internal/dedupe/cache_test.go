// ABOUTME: Tests for the envelope id dedupe cache.
// ABOUTME: Uses a manual clock so expiry and sweeping are deterministic.

package dedupe

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestCheckAndMark_FirstDeliveryIsNew(t *testing.T) {
	cache := New(time.Minute, 10)
	defer cache.Close()

	assert.False(t, cache.CheckAndMark("env-1"))
	assert.True(t, cache.CheckAndMark("env-1"), "redelivery must be reported as duplicate")
	assert.True(t, cache.Seen("env-1"))
	assert.False(t, cache.Seen("env-2"))
}

func TestCheckAndMark_ExpiresAfterTTL(t *testing.T) {
	clock := newManualClock()
	cache := New(time.Minute, 10, WithClock(clock.Now))
	defer cache.Close()

	cache.CheckAndMark("env-1")
	clock.Advance(59 * time.Second)
	assert.True(t, cache.Seen("env-1"))

	clock.Advance(time.Second)
	assert.False(t, cache.Seen("env-1"))
	assert.False(t, cache.CheckAndMark("env-1"), "expired id is treated as new")
}

func TestMark_Refreshes(t *testing.T) {
	clock := newManualClock()
	cache := New(time.Minute, 10, WithClock(clock.Now))
	defer cache.Close()

	cache.Mark("env-1")
	clock.Advance(40 * time.Second)
	cache.Mark("env-1")
	clock.Advance(40 * time.Second)

	assert.True(t, cache.Seen("env-1"))
}

func TestEviction_OldestFirst(t *testing.T) {
	cache := New(time.Hour, 3)
	defer cache.Close()

	cache.Mark("a")
	cache.Mark("b")
	cache.Mark("c")
	cache.Mark("a") // refresh moves a behind c
	cache.Mark("d")

	assert.False(t, cache.Seen("b"), "least recently marked id is evicted")
	assert.True(t, cache.Seen("a"))
	assert.True(t, cache.Seen("c"))
	assert.True(t, cache.Seen("d"))
	assert.Equal(t, 3, cache.Len())
}

func TestForget(t *testing.T) {
	cache := New(time.Hour, 3)
	defer cache.Close()

	cache.Mark("a")
	cache.Forget("a")
	cache.Forget("missing")

	assert.False(t, cache.CheckAndMark("a"))
	assert.Equal(t, 1, cache.Len())
}

func TestSweep(t *testing.T) {
	clock := newManualClock()
	cache := New(time.Minute, 10, WithClock(clock.Now))
	defer cache.Close()

	cache.Mark("old-1")
	cache.Mark("old-2")
	clock.Advance(30 * time.Second)
	cache.Mark("fresh")
	clock.Advance(45 * time.Second)

	assert.Equal(t, 2, cache.Sweep())
	assert.Equal(t, 1, cache.Len())
	assert.True(t, cache.Seen("fresh"))
}

func TestDefaultMaxSize(t *testing.T) {
	cache := New(time.Minute, 0)
	defer cache.Close()
	assert.Equal(t, DefaultMaxSize, cache.maxSize)
}

func TestCheckAndMark_OneWinnerUnderContention(t *testing.T) {
	cache := New(time.Minute, 100, WithSweepInterval(time.Millisecond))
	defer cache.Close()

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !cache.CheckAndMark("contested") {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
}

func TestClose_Idempotent(t *testing.T) {
	cache := New(time.Minute, 10, WithSweepInterval(time.Hour))
	cache.Close()
	cache.Close()
}
