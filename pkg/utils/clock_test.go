package utils

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRealClock(t *testing.T) {
	clock := NewRealClock()

	before := time.Now()
	now := clock.Now()
	assert.False(t, now.Before(before))
	assert.GreaterOrEqual(t, clock.Since(before.Add(-time.Second)), time.Second)

	ticker := clock.NewTicker(time.Millisecond)
	defer ticker.Stop()
	select {
	case <-ticker.C():
	case <-time.After(5 * time.Second):
		t.Fatal("real ticker did not fire")
	}
}

func TestMockClock(t *testing.T) {
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)
	assert.Equal(t, start, clock.Now())

	clock.Advance(time.Hour)
	assert.Equal(t, start.Add(time.Hour), clock.Now())
	assert.Equal(t, time.Hour, clock.Since(start))

	later := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	clock.Set(later)
	assert.Equal(t, later, clock.Now())
}

func TestMockClock_Ticker(t *testing.T) {
	start := time.Unix(0, 0)
	clock := NewMockClock(start)
	ticker := clock.NewTicker(10 * time.Millisecond)
	assert.Equal(t, 1, clock.Tickers())

	clock.Advance(9 * time.Millisecond)
	select {
	case <-ticker.C():
		t.Fatal("ticked early")
	default:
	}

	clock.Advance(time.Millisecond)
	require.Len(t, ticker.C(), 1)
	assert.Equal(t, start.Add(10*time.Millisecond), <-ticker.C())

	// Missed ticks collapse into one.
	clock.Advance(35 * time.Millisecond)
	clock.Advance(4 * time.Millisecond)
	assert.Len(t, ticker.C(), 1)
	<-ticker.C()
	clock.Advance(time.Millisecond)
	assert.Len(t, ticker.C(), 1, "next tick is due at 50ms")

	ticker.Stop()
	assert.Zero(t, clock.Tickers())
	<-ticker.C()
	clock.Advance(time.Second)
	assert.Empty(t, ticker.C())
}

func TestMockClock_Concurrent(t *testing.T) {
	clock := NewMockClock(time.Unix(0, 0))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				clock.Advance(time.Millisecond)
				_ = clock.Now()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 800*time.Millisecond, clock.Since(time.Unix(0, 0)))
}

func TestClockInterface(t *testing.T) {
	var _ Clock = NewRealClock()
	var _ Clock = NewMockClock(time.Now())
}
