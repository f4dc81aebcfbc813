package transcode

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateAdmitsWhenLoadLow(t *testing.T) {
	g := NewGate(1.0, time.Millisecond, 0).
		withLoadFunc(func(context.Context) (float64, error) { return 0.3, nil })

	assert.NoError(t, g.Wait(context.Background(), time.Now()))
}

func TestGateBacksOffUntilLoadDrops(t *testing.T) {
	samples := []float64{3.0, 2.0, 0.9}
	i := 0
	g := NewGate(1.0, time.Millisecond, 0).
		withLoadFunc(func(context.Context) (float64, error) {
			v := samples[i]
			if i < len(samples)-1 {
				i++
			}
			return v, nil
		})

	require.NoError(t, g.Wait(context.Background(), time.Now()))
	assert.Equal(t, 2, i, "waited through two loaded samples")
}

func TestGateGivesUpAfterMaxWait(t *testing.T) {
	g := NewGate(1.0, time.Millisecond, 50*time.Millisecond).
		withLoadFunc(func(context.Context) (float64, error) { return 9.0, nil })

	err := g.Wait(context.Background(), time.Now().Add(-time.Minute))
	assert.ErrorIs(t, err, ErrWaitExceeded)
}

func TestGateUnboundedWaitHonoursContext(t *testing.T) {
	g := NewGate(1.0, time.Millisecond, 0).
		withLoadFunc(func(context.Context) (float64, error) { return 9.0, nil })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := g.Wait(ctx, time.Now())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGateAdmitsWhenLoadUnreadable(t *testing.T) {
	g := NewGate(1.0, time.Millisecond, 0).
		withLoadFunc(func(context.Context) (float64, error) {
			return 0, assert.AnError
		})

	assert.NoError(t, g.Wait(context.Background(), time.Now()))
}
