// ABOUTME: Tests for the event id dedupe cache.
// ABOUTME: Validates expiry, size bound, forgetting, sweeping and concurrent CheckAndMark.

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTestCache(t *testing.T, ttl time.Duration, max int) (*Cache, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	c := New(ttl, max, WithClock(clock.Now), WithSweepInterval(0))
	t.Cleanup(c.Close)
	return c, clock
}

func TestCheckAndMark_FirstThenDuplicate(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 10)

	assert.False(t, c.CheckAndMark("evt-1"), "first sighting is not a duplicate")
	assert.True(t, c.CheckAndMark("evt-1"), "second sighting is a duplicate")
	assert.True(t, c.Seen("evt-1"))
	assert.False(t, c.Seen("evt-2"))
}

func TestCheckAndMark_ExpiresAfterTTL(t *testing.T) {
	c, clock := newTestCache(t, time.Minute, 10)

	require.False(t, c.CheckAndMark("evt-1"))
	clock.Advance(59 * time.Second)
	assert.True(t, c.Seen("evt-1"))

	clock.Advance(2 * time.Second)
	assert.False(t, c.Seen("evt-1"))
	assert.False(t, c.CheckAndMark("evt-1"), "expired id is accepted again")
	assert.True(t, c.CheckAndMark("evt-1"))
}

func TestCheckAndMark_EvictsOldestAtCapacity(t *testing.T) {
	c, clock := newTestCache(t, time.Hour, 3)

	for i := 0; i < 3; i++ {
		require.False(t, c.CheckAndMark(fmt.Sprintf("evt-%d", i)))
		clock.Advance(time.Second)
	}
	require.Equal(t, 3, c.Len())

	require.False(t, c.CheckAndMark("evt-3"))
	assert.Equal(t, 3, c.Len())
	assert.False(t, c.Seen("evt-0"), "oldest entry evicted")
	assert.True(t, c.Seen("evt-1"))
	assert.True(t, c.Seen("evt-3"))
}

func TestForget_AllowsRedelivery(t *testing.T) {
	c, _ := newTestCache(t, time.Hour, 10)

	require.False(t, c.CheckAndMark("evt-1"))
	c.Forget("evt-1")
	assert.False(t, c.Seen("evt-1"))
	assert.False(t, c.CheckAndMark("evt-1"))
}

func TestForget_DoesNotBreakEviction(t *testing.T) {
	c, _ := newTestCache(t, time.Hour, 2)

	require.False(t, c.CheckAndMark("a"))
	require.False(t, c.CheckAndMark("b"))
	c.Forget("a")
	require.False(t, c.CheckAndMark("c"))
	assert.Equal(t, 2, c.Len())
	assert.True(t, c.Seen("b"))
	assert.True(t, c.Seen("c"))
}

func TestSweep_RemovesExpired(t *testing.T) {
	c, clock := newTestCache(t, time.Minute, 100)

	require.False(t, c.CheckAndMark("old"))
	clock.Advance(2 * time.Minute)
	require.False(t, c.CheckAndMark("new"))

	c.Sweep()
	assert.Equal(t, 1, c.Len())
	assert.True(t, c.Seen("new"))
}

func TestBackgroundSweep(t *testing.T) {
	c := New(10*time.Millisecond, 100, WithSweepInterval(5*time.Millisecond))
	defer c.Close()

	c.CheckAndMark("evt")
	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestClose_Idempotent(t *testing.T) {
	c := New(time.Minute, 10)
	c.Close()
	c.Close()
}

func TestCheckAndMark_ConcurrentSingleWinner(t *testing.T) {
	c, _ := newTestCache(t, time.Hour, 1000)

	var fresh atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !c.CheckAndMark("same-event") {
				fresh.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), fresh.Load())
}
