package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialBackoff_Next(t *testing.T) {
	b := &ExponentialBackoff{Base: 50 * time.Millisecond, Max: 300 * time.Millisecond, Factor: 2}

	want := []time.Duration{
		50 * time.Millisecond,
		100 * time.Millisecond,
		200 * time.Millisecond,
		300 * time.Millisecond,
		300 * time.Millisecond,
	}
	for attempt, w := range want {
		assert.Equal(t, w, b.Next(attempt), "attempt %d", attempt)
	}
	assert.Equal(t, 50*time.Millisecond, b.Next(-1), "negative attempts start from Base")
}

func TestExponentialBackoff_JitterStaysInBounds(t *testing.T) {
	b := &ExponentialBackoff{Base: 200 * time.Millisecond, Max: time.Second, Factor: 3, Jitter: 0.25}

	for i := 0; i < 200; i++ {
		got := b.Next(1)
		assert.GreaterOrEqual(t, got, 450*time.Millisecond)
		assert.LessOrEqual(t, got, 750*time.Millisecond)
	}
}

func TestConstantBackoff(t *testing.T) {
	b := ConstantBackoff(20 * time.Millisecond)
	assert.Equal(t, 20*time.Millisecond, b.Next(0))
	assert.Equal(t, 20*time.Millisecond, b.Next(7))
}
