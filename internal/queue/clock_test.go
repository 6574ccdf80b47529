package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeClockAdvance(t *testing.T) {
	c := NewFakeClock(100)
	assert.Equal(t, 100.0, c.Now())

	c.Advance(5)
	assert.Equal(t, 105.0, c.Now())

	c.Sleep(2 * time.Second)
	assert.Equal(t, 107.0, c.Now())
}

func TestFakeClockSet(t *testing.T) {
	c := NewFakeClock(0)
	c.Set(42.5)
	assert.Equal(t, 42.5, c.Now())
}

func TestSystemClockNowIsMonotonicEnough(t *testing.T) {
	c := SystemClock{}
	first := c.Now()
	time.Sleep(time.Millisecond)
	second := c.Now()
	assert.Greater(t, second, first)
}
