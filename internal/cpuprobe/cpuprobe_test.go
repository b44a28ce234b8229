package cpuprobe

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMockProberIsSustainedIdle(t *testing.T) {
	m := NewMockProber(map[int]float64{0: 10, 1: 90})

	assert.True(t, m.IsSustainedIdle(context.Background(), 0, 50))
	assert.False(t, m.IsSustainedIdle(context.Background(), 1, 50))
}

func TestMockProberThresholdIsStrict(t *testing.T) {
	m := NewMockProber(map[int]float64{0: 50})
	assert.False(t, m.IsSustainedIdle(context.Background(), 0, 50), "utilization at threshold is not idle")
}

func TestMockProberUnconfiguredCoreIsUnavailable(t *testing.T) {
	m := NewMockProber(nil)
	assert.Equal(t, unavailable, m.Utilization(context.Background(), 5))
	assert.False(t, m.IsSustainedIdle(context.Background(), 5, 50))
}

func TestSetUtilization(t *testing.T) {
	m := NewMockProber(map[int]float64{0: 10})
	m.SetUtilization(0, 99)
	assert.Equal(t, 99.0, m.Utilization(context.Background(), 0))
}
