package ws

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiterAllowsWithinBudget(t *testing.T) {
	rl := newLimiter(3, time.Second)
	assert.True(t, rl.Allow())
	assert.True(t, rl.Allow())
	assert.True(t, rl.Allow())
	assert.False(t, rl.Allow())
}

func TestLimiterWindowSlides(t *testing.T) {
	rl := newLimiter(2, 20*time.Millisecond)
	assert.True(t, rl.Allow())
	assert.True(t, rl.Allow())
	assert.False(t, rl.Allow())

	time.Sleep(30 * time.Millisecond)
	assert.True(t, rl.Allow())
}

func TestLimiterDisabled(t *testing.T) {
	rl := newLimiter(0, time.Second)
	for i := 0; i < 1000; i++ {
		assert.True(t, rl.Allow())
	}
}
