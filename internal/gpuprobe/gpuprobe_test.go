package gpuprobe

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/myqueue/myqueued/internal/model"
)

func TestParseCSV(t *testing.T) {
	out := "0, 50, 16384\n1,  8192,   16384 \n\n"
	samples, ok := parseCSV(out)
	require.True(t, ok)
	require.Len(t, samples, 2)
	assert.Equal(t, model.GPUSample{DeviceID: 0, UsedMB: 50, TotalMB: 16384}, samples[0])
	assert.Equal(t, model.GPUSample{DeviceID: 1, UsedMB: 8192, TotalMB: 16384}, samples[1])
}

func TestParseCSVSkipsMalformedLines(t *testing.T) {
	out := "not,a,valid,line\n0, 10, 16384\nbad\n"
	samples, ok := parseCSV(out)
	require.True(t, ok)
	require.Len(t, samples, 1)
	assert.Equal(t, 0, samples[0].DeviceID)
}

func TestParseCSVEmptyIsNotOK(t *testing.T) {
	samples, ok := parseCSV("")
	assert.False(t, ok)
	assert.Empty(t, samples)
}

func TestMockQuerier(t *testing.T) {
	m := &MockQuerier{Samples: []model.GPUSample{{DeviceID: 0, Busy: true}}}
	got := m.Query(context.Background())
	assert.Equal(t, m.Samples, got)
}

func TestProbeBusyThresholdIsStrict(t *testing.T) {
	p := New(1, 100, zap.NewNop())
	byID := map[int]model.GPUSample{0: {DeviceID: 0, UsedMB: 100}}
	s := byID[0]
	s.Busy = s.UsedMB > p.memThresholdMB
	assert.False(t, s.Busy, "used memory exactly at threshold must not be busy")

	s.UsedMB = 101
	s.Busy = s.UsedMB > p.memThresholdMB
	assert.True(t, s.Busy)
}
