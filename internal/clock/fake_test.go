package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeClock_AfterFiresOnAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFakeClock(start)

	ch := c.After(3 * time.Second)
	require.Equal(t, 3*time.Second, <-c.Waits())

	c.Advance(2 * time.Second)
	select {
	case <-ch:
		t.Fatal("fired early")
	default:
	}

	c.Advance(time.Second)
	select {
	case got := <-ch:
		assert.Equal(t, start.Add(3*time.Second), got)
	default:
		t.Fatal("did not fire")
	}
	assert.Equal(t, start.Add(3*time.Second), c.Now())
}
