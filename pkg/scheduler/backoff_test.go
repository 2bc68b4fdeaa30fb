package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func noJitter(time.Duration) time.Duration { return 0 }

func TestBackoff_Sequence(t *testing.T) {
	tests := []struct {
		name    string
		base    time.Duration
		ceiling time.Duration
		want    []time.Duration
	}{
		{
			name: "unbounded doubling",
			base: 100 * time.Millisecond,
			want: []time.Duration{
				100 * time.Millisecond,
				200 * time.Millisecond,
				400 * time.Millisecond,
				800 * time.Millisecond,
				1600 * time.Millisecond,
				3200 * time.Millisecond,
			},
		},
		{
			name:    "capped",
			base:    time.Second,
			ceiling: 5 * time.Second,
			want: []time.Duration{
				time.Second,
				2 * time.Second,
				4 * time.Second,
				5 * time.Second,
				5 * time.Second,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBackoff(tt.base, tt.ceiling)
			b.jitter = noJitter

			got := make([]time.Duration, 0, len(tt.want))
			for range tt.want {
				got = append(got, b.Next())
			}

			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBackoff_Reset(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, 0)
	b.jitter = noJitter

	b.Next()
	b.Next()
	b.Next()
	assert.Equal(t, 800*time.Millisecond, b.Current())

	b.Reset()
	assert.Equal(t, 100*time.Millisecond, b.Current())
	assert.Equal(t, 100*time.Millisecond, b.Next())
}

func TestBackoff_JitterWithinCurrent(t *testing.T) {
	b := NewBackoff(10*time.Millisecond, 0)

	for range 10 {
		current := b.Current()
		delay := b.Next()

		assert.GreaterOrEqual(t, delay, current)
		assert.Less(t, delay, 2*current)
	}
}

func TestUniformJitter_Zero(t *testing.T) {
	assert.Equal(t, time.Duration(0), uniformJitter(0))
}

func TestBackoff_SaturatesWithoutCeiling(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, 0)

	for range 100 {
		delay := b.Next()

		assert.Positive(t, delay)
		assert.Positive(t, b.Current())
	}

	assert.Equal(t, maxDelay, b.Current())
}
