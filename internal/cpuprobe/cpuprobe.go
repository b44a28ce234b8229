// Package cpuprobe implements the CPU utilization probe (C2). It answers
// two questions for the Resource Monitor: the instantaneous utilization of
// a core, and whether a core has been continuously idle across a
// sustained observation window.
//
// Utilization sampling is built on github.com/shirou/gopsutil/v3/cpu — the
// same dependency internal/sysmetrics uses for its host-wide CPU
// sampling. cpu.Percent(interval, percpu=true) already
// performs the two-snapshot /proc/stat delta this component needs, so no
// hand-rolled kernel-counter parsing is required.
package cpuprobe

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"go.uber.org/zap"
)

// defaults for the sustained-idle window, per spec.md §4.2.
const (
	DefaultSampleInterval = 500 * time.Millisecond
	DefaultWindow         = 3000 * time.Millisecond
)

// unavailable is the sentinel utilization value for a read that failed.
const unavailable = -1.0

// Prober is the mock injection point the Resource Monitor depends on.
type Prober interface {
	Utilization(ctx context.Context, core int) float64
	IsSustainedIdle(ctx context.Context, core int, threshold float64) bool
}

// Probe samples per-core utilization via gopsutil.
type Probe struct {
	logger          *zap.Logger
	sampleInterval  time.Duration
	window          time.Duration
}

// New creates a CPU probe with the given sample interval and observation
// window. A zero value for either falls back to the spec's defaults.
func New(sampleInterval, window time.Duration, logger *zap.Logger) *Probe {
	if sampleInterval <= 0 {
		sampleInterval = DefaultSampleInterval
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Probe{
		logger:         logger.Named("cpu-probe"),
		sampleInterval: sampleInterval,
		window:         window,
	}
}

// Utilization returns core's percent utilization over one sample interval,
// or the unavailable sentinel on a read error.
func (p *Probe) Utilization(ctx context.Context, core int) float64 {
	percents, err := cpu.PercentWithContext(ctx, p.sampleInterval, true)
	if err != nil {
		p.logger.Debug("cpu read failed", zap.Int("core", core), zap.Error(err))
		return unavailable
	}
	if core < 0 || core >= len(percents) {
		return unavailable
	}
	v := percents[core]
	if v < 0 {
		return unavailable
	}
	if v > 100 {
		v = 100
	}
	return v
}

// IsSustainedIdle samples core at fixed intervals across the full
// observation window and returns true only if every sample stayed
// strictly below threshold. Any sample at or above threshold, or a read
// error, returns false immediately (fail-closed, early-exit).
func (p *Probe) IsSustainedIdle(ctx context.Context, core int, threshold float64) bool {
	samples := int(p.window / p.sampleInterval)
	if samples < 1 {
		samples = 1
	}

	for i := 0; i < samples; i++ {
		select {
		case <-ctx.Done():
			return false
		default:
		}

		util := p.Utilization(ctx, core)
		if util < 0 || util >= threshold {
			return false
		}
	}
	return true
}

// MockProber is a test-only Prober with per-core utilization fixed by the
// caller, the mock surface called for in spec.md §4.2.
type MockProber struct {
	mu   sync.Mutex
	util map[int]float64
}

// NewMockProber creates a MockProber seeded with per-core utilizations.
func NewMockProber(util map[int]float64) *MockProber {
	m := &MockProber{util: make(map[int]float64, len(util))}
	for k, v := range util {
		m.util[k] = v
	}
	return m
}

// SetUtilization updates the mocked utilization for a core.
func (m *MockProber) SetUtilization(core int, percent float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.util[core] = percent
}

// Utilization returns the mocked utilization, or the unavailable sentinel
// if the core was never configured.
func (m *MockProber) Utilization(ctx context.Context, core int) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.util[core]
	if !ok {
		return unavailable
	}
	return v
}

// IsSustainedIdle evaluates the mocked utilization against threshold
// directly, without sleeping through a real observation window.
func (m *MockProber) IsSustainedIdle(ctx context.Context, core int, threshold float64) bool {
	util := m.Utilization(ctx, core)
	return util >= 0 && util < threshold
}
