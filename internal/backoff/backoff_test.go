package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDelayGrowsExponentially(t *testing.T) {
	p := Policy{Base: 5 * time.Second, MaxDelay: time.Minute, MaxAttempts: 5}

	// Jitter adds up to 1s, so check band membership, not exact values.
	for attempt, base := range map[int]time.Duration{
		1: 5 * time.Second,
		2: 10 * time.Second,
		3: 20 * time.Second,
		4: 40 * time.Second,
	} {
		d := p.Delay(attempt)
		require.GreaterOrEqual(t, d, base, "attempt %d", attempt)
		require.Less(t, d, base+jitterSpan, "attempt %d", attempt)
	}
}

func TestDelayIsCapped(t *testing.T) {
	p := Policy{Base: 5 * time.Second, MaxDelay: time.Minute, MaxAttempts: 5}
	for attempt := 5; attempt < 20; attempt++ {
		require.LessOrEqual(t, p.Delay(attempt), time.Minute)
	}
}

func TestNormalizeFillsDefaults(t *testing.T) {
	p := Policy{}.Normalize()
	require.Equal(t, DefaultBase, p.Base)
	require.Equal(t, DefaultMaxDelay, p.MaxDelay)
	require.Equal(t, DefaultAttempts, p.MaxAttempts)

	// Out-of-range attempt indexes clamp rather than panic.
	require.Greater(t, p.Delay(0), time.Duration(0))
	require.Greater(t, p.Delay(-3), time.Duration(0))
}
