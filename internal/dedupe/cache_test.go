// ABOUTME: Tests for the dedupe cache
// ABOUTME: Uses a fake clock for TTL expiry; covers eviction, sweeping, and concurrency

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestCache(t *testing.T, ttl time.Duration, size int) (*Cache, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := New(ttl, size, WithClock(clock.Now))
	t.Cleanup(c.Close)
	return c, clock
}

func TestSeen(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 10)

	assert.False(t, c.Seen("a"))
	c.Mark("a")
	assert.True(t, c.Seen("a"))
	assert.False(t, c.Seen("b"))
}

func TestExpiry(t *testing.T) {
	c, clock := newTestCache(t, time.Minute, 10)

	c.Mark("a")
	clock.Advance(59 * time.Second)
	assert.True(t, c.Seen("a"))

	clock.Advance(time.Second)
	assert.False(t, c.Seen("a"))
}

func TestMarkRefreshesTTL(t *testing.T) {
	c, clock := newTestCache(t, time.Minute, 10)

	c.Mark("a")
	clock.Advance(45 * time.Second)
	c.Mark("a")
	clock.Advance(45 * time.Second)
	assert.True(t, c.Seen("a"))
	assert.Equal(t, 1, c.Len())
}

func TestCheckAndMark(t *testing.T) {
	c, clock := newTestCache(t, time.Minute, 10)

	assert.False(t, c.CheckAndMark("a"), "first sighting")
	assert.True(t, c.CheckAndMark("a"), "duplicate")

	clock.Advance(time.Minute)
	assert.False(t, c.CheckAndMark("a"), "expired keys count as new")
}

func TestEvictsOldest(t *testing.T) {
	c, _ := newTestCache(t, time.Hour, 3)

	c.Mark("a")
	c.Mark("b")
	c.Mark("c")
	c.Mark("a") // a is now newest
	c.Mark("d")

	assert.False(t, c.Seen("b"))
	assert.True(t, c.Seen("a"))
	assert.True(t, c.Seen("c"))
	assert.True(t, c.Seen("d"))
	assert.Equal(t, 3, c.Len())
}

func TestForget(t *testing.T) {
	c, _ := newTestCache(t, time.Hour, 10)

	c.Mark("a")
	c.Forget("a")
	c.Forget("missing")
	assert.False(t, c.Seen("a"))
	assert.Equal(t, 0, c.Len())
}

func TestSweep(t *testing.T) {
	c, clock := newTestCache(t, time.Minute, 10)

	c.Mark("old-1")
	c.Mark("old-2")
	clock.Advance(30 * time.Second)
	c.Mark("new")
	clock.Advance(40 * time.Second)

	assert.Equal(t, 2, c.Sweep())
	assert.Equal(t, 1, c.Len())
	assert.True(t, c.Seen("new"))
}

func TestKey(t *testing.T) {
	assert.Equal(t, "bot-1/env-9", Key("bot-1", "env-9"))
	assert.NotEqual(t, Key("bot-1", "x"), Key("bot-2", "x"))
}

func TestConcurrentCheckAndMark(t *testing.T) {
	c, _ := newTestCache(t, time.Hour, 1000)

	var wg sync.WaitGroup
	var mu sync.Mutex
	firsts := map[string]int{}
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				key := fmt.Sprintf("k%d", i)
				if !c.CheckAndMark(key) {
					mu.Lock()
					firsts[key]++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	assert.Len(t, firsts, 100)
	for key, n := range firsts {
		assert.Equal(t, 1, n, key)
	}
}

func TestCloseTwice(t *testing.T) {
	c := New(time.Second, 10)
	c.Close()
	c.Close()
}
