package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRealClock(t *testing.T) {
	var c RealClock
	start := c.Now()
	assert.GreaterOrEqual(t, c.Since(start), time.Duration(0))

	ticker := c.NewTicker(time.Millisecond)
	defer ticker.Stop()
	select {
	case <-ticker.C():
	case <-time.After(time.Second):
		t.Fatal("real ticker did not fire")
	}
}

func TestMockClock_NowAndSince(t *testing.T) {
	start := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	c := NewMockClock(start)
	assert.Equal(t, start, c.Now())

	c.Advance(5 * time.Millisecond)
	assert.Equal(t, 5*time.Millisecond, c.Since(start))
}

func TestMockClock_TickerFiresWhenDue(t *testing.T) {
	c := NewMockClock(time.Unix(0, 0))
	ticker := c.NewTicker(5 * time.Millisecond)

	c.Advance(4 * time.Millisecond)
	select {
	case <-ticker.C():
		t.Fatal("ticker fired early")
	default:
	}

	c.Advance(time.Millisecond)
	select {
	case got := <-ticker.C():
		assert.Equal(t, time.Unix(0, 0).Add(5*time.Millisecond), got)
	default:
		t.Fatal("ticker did not fire when due")
	}
}

func TestMockClock_TickerDropsWhenBehind(t *testing.T) {
	c := NewMockClock(time.Unix(0, 0))
	ticker := c.NewTicker(time.Millisecond)

	for i := 0; i < 5; i++ {
		c.Advance(time.Millisecond)
	}
	<-ticker.C()
	select {
	case <-ticker.C():
		t.Fatal("expected buffered ticks to be dropped")
	default:
	}
}

func TestMockTicker_Stop(t *testing.T) {
	c := NewMockClock(time.Unix(0, 0))
	ticker := c.NewTicker(time.Millisecond)
	ticker.Stop()

	c.Advance(10 * time.Millisecond)
	select {
	case <-ticker.C():
		t.Fatal("stopped ticker fired")
	default:
	}

	tickers := c.Tickers()
	require.Len(t, tickers, 1)
	assert.True(t, tickers[0].Stopped())
	assert.Equal(t, time.Millisecond, tickers[0].Interval())
}
