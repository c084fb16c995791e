package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManualResume_NeverRetries(t *testing.T) {
	_, ok := ManualResume{}.NextRetry(1)
	assert.False(t, ok)
}

func TestBoundedBackoff_DelaysGrowThenStop(t *testing.T) {
	p := NewBoundedBackoff(3, 30*time.Second, 10*time.Minute)

	var delays []time.Duration
	for attempt := 1; attempt <= 3; attempt++ {
		delay, ok := p.NextRetry(attempt)
		assert.True(t, ok, "attempt %d is within the budget", attempt)
		delays = append(delays, delay)
	}

	assert.Equal(t, 30*time.Second, delays[0])
	for i := 1; i < len(delays); i++ {
		assert.Greater(t, delays[i], delays[i-1], "spacing must grow")
	}

	_, ok := p.NextRetry(4)
	assert.False(t, ok, "attempts past the budget stall the sequence")
	_, ok = p.NextRetry(0)
	assert.False(t, ok)
}

func TestBoundedBackoff_DelayIsCapped(t *testing.T) {
	p := NewBoundedBackoff(10, time.Minute, 2*time.Minute)

	for attempt := 1; attempt <= 10; attempt++ {
		delay, ok := p.NextRetry(attempt)
		assert.True(t, ok)
		assert.LessOrEqual(t, delay, 2*time.Minute)
	}
}
