package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := New(3, time.Hour)

	assert.True(t, b.Allow("payout"))
	b.RecordFailure("payout")
	b.RecordFailure("payout")
	assert.True(t, b.Allow("payout"))
	assert.Equal(t, StateClosed, b.State("payout"))

	b.RecordFailure("payout")
	assert.Equal(t, StateOpen, b.State("payout"))
	assert.False(t, b.Allow("payout"))
}

func TestBreakerSuccessResetsFailures(t *testing.T) {
	b := New(3, time.Hour)

	b.RecordFailure("refund")
	b.RecordFailure("refund")
	b.RecordSuccess("refund")
	b.RecordFailure("refund")
	b.RecordFailure("refund")
	assert.Equal(t, StateClosed, b.State("refund"))
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b := New(1, 10*time.Millisecond)

	b.RecordFailure("payout")
	assert.Equal(t, StateOpen, b.State("payout"))
	assert.False(t, b.Allow("payout"))

	time.Sleep(20 * time.Millisecond)

	// First caller becomes the probe; concurrent callers stay rejected.
	assert.True(t, b.Allow("payout"))
	assert.Equal(t, StateHalfOpen, b.State("payout"))
	assert.False(t, b.Allow("payout"))

	b.RecordSuccess("payout")
	assert.Equal(t, StateClosed, b.State("payout"))
	assert.True(t, b.Allow("payout"))
}

func TestBreakerHalfOpenProbeFailureReopens(t *testing.T) {
	b := New(1, 10*time.Millisecond)

	b.RecordFailure("payout")
	time.Sleep(20 * time.Millisecond)
	assert.True(t, b.Allow("payout"))

	b.RecordFailure("payout")
	assert.Equal(t, StateOpen, b.State("payout"))
	assert.False(t, b.Allow("payout"))
}

func TestBreakerIsolatesOperations(t *testing.T) {
	b := New(1, time.Hour)

	b.RecordFailure("payout")
	assert.False(t, b.Allow("payout"))
	assert.True(t, b.Allow("refund"))
}
