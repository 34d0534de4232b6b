package syncer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffDelay_GrowsAndCaps(t *testing.T) {
	base := 100 * time.Millisecond
	var prevMin time.Duration
	for attempt := 0; attempt < 12; attempt++ {
		d := backoffDelay(base, attempt)
		min := base << uint(attempt)
		if min > maxRetryDelay || min <= 0 {
			min = maxRetryDelay
		}
		assert.GreaterOrEqual(t, d, min, "attempt %d", attempt)
		assert.LessOrEqual(t, d, min+min/4+time.Nanosecond, "attempt %d", attempt)
		assert.GreaterOrEqual(t, min, prevMin)
		prevMin = min
	}
}

func TestSleepCtx_CancelledEarly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := sleepCtx(ctx, time.Minute)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCursorAdvances(t *testing.T) {
	tests := []struct {
		name          string
		current, next string
		want          bool
	}{
		{"first cursor", "", "100", true},
		{"empty next", "100", "", false},
		{"forward", "100", "101", true},
		{"equal", "100", "100", true},
		{"regression", "100", "99", false},
		{"non numeric", "abc", "def", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cursorAdvances(tt.current, tt.next))
		})
	}
}
