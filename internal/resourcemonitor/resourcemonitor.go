// Package resourcemonitor implements the Resource Monitor (C3): the single
// source of truth for which CPUs and GPUs are currently reserved by a
// running task. It combines live physical readings from the GPU and CPU
// probes with its own reservation bookkeeping, and performs the
// affinity-aware allocate/release algorithm the scheduler drives.
package resourcemonitor

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"go.uber.org/zap"

	"github.com/myqueue/myqueued/internal/cpuprobe"
	"github.com/myqueue/myqueued/internal/gpuprobe"
	"github.com/myqueue/myqueued/internal/model"
)

// Config carries the monitor's fixed view of the host's inventory.
type Config struct {
	TotalGPUs      int
	TotalCPUs      int
	CPUUtilThreshold float64
}

// affinityGroup returns 1 or 2 for the given GPU index, splitting the
// configured device count in half. This generalizes the fixed gpu<4/cpu<32
// split of the eight-GPU, 64-core reference host to an arbitrary inventory
// size.
func (c Config) affinityGroup(gpu int) int {
	if gpu < c.TotalGPUs/2 {
		return 1
	}
	return 2
}

// cpuRangeFor returns the half-open core range [lo, hi) owned by group.
// Group 0 is the "all cores" sentinel for a GPU-less or mixed-group
// allocation, which owns no single affinity pool.
func (c Config) cpuRangeFor(group int) (lo, hi int) {
	switch group {
	case 1:
		return 0, c.TotalCPUs / 2
	case 2:
		return c.TotalCPUs / 2, c.TotalCPUs
	default:
		return 0, c.TotalCPUs
	}
}

// Monitor is the Resource Monitor. A single mutex serializes every
// allocation decision end to end, per spec.md §5 — two concurrent
// allocate calls must never race over the same core or device.
type Monitor struct {
	mu sync.Mutex

	cfg Config

	gpus gpuprobe.Querier
	cpus cpuprobe.Prober

	reservedGPU map[int]uint64 // device -> owning task id
	reservedCPU map[int]uint64

	excludedGPU map[int]bool
	excludedCPU map[int]bool

	logger *zap.Logger
}

// New creates a Resource Monitor backed by the given probes.
func New(cfg Config, gpus gpuprobe.Querier, cpus cpuprobe.Prober, logger *zap.Logger) *Monitor {
	return &Monitor{
		cfg:         cfg,
		gpus:        gpus,
		cpus:        cpus,
		reservedGPU: make(map[int]uint64),
		reservedCPU: make(map[int]uint64),
		excludedGPU: make(map[int]bool),
		excludedCPU: make(map[int]bool),
		logger:      logger.Named("resource-monitor"),
	}
}

// SetExcludedGPUs replaces the administrator-excluded GPU set.
func (m *Monitor) SetExcludedGPUs(ids []int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.excludedGPU = make(map[int]bool, len(ids))
	for _, id := range ids {
		m.excludedGPU[id] = true
	}
}

// SetExcludedCPUs replaces the administrator-excluded CPU set.
func (m *Monitor) SetExcludedCPUs(ids []int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.excludedCPU = make(map[int]bool, len(ids))
	for _, id := range ids {
		m.excludedCPU[id] = true
	}
}

// Status returns a full snapshot of every configured CPU and GPU.
func (m *Monitor) Status(ctx context.Context) model.ResourceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked(ctx)
}

func (m *Monitor) statusLocked(ctx context.Context) model.ResourceStatus {
	gpuSamples := m.gpus.Query(ctx)
	status := model.ResourceStatus{
		GPUs: make([]model.GPUSample, 0, len(gpuSamples)),
		CPUs: make([]model.CPUSample, 0, m.cfg.TotalCPUs),
	}
	for _, s := range gpuSamples {
		s.Reserved = m.reservedGPU[s.DeviceID] != 0
		s.Excluded = m.excludedGPU[s.DeviceID]
		status.GPUs = append(status.GPUs, s)
	}
	for core := 0; core < m.cfg.TotalCPUs; core++ {
		util := m.cpus.Utilization(ctx, core)
		status.CPUs = append(status.CPUs, model.CPUSample{
			CoreID:        core,
			Utilization:   util,
			AffinityGroup: m.affinityGroupForCPU(core),
			Reserved:      m.reservedCPU[core] != 0,
			Excluded:      m.excludedCPU[core],
		})
	}
	return status
}

func (m *Monitor) affinityGroupForCPU(core int) int {
	lo1, hi1 := m.cfg.cpuRangeFor(1)
	if core >= lo1 && core < hi1 {
		return 1
	}
	return 2
}

// Allocate reserves ngpu GPUs and ncpu CPUs for taskID, honoring explicit
// requested device lists when given. GPU selection happens first, in
// ascending device-index order; CPU selection is then drawn at random
// from the core range owned by the affinity group of the chosen GPUs
// (explicitly requested CPUs are not limited to that range). If
// the CPU phase cannot be satisfied, any GPUs reserved during this call
// are rolled back before returning the error — a task never holds a
// partial allocation.
func (m *Monitor) Allocate(ctx context.Context, taskID uint64, ncpu, ngpu int, reqCPUs, reqGPUs []int) (cpus, gpus []int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	gpus, err = m.allocateGPUsLocked(ctx, taskID, ngpu, reqGPUs)
	if err != nil {
		return nil, nil, err
	}

	// group 0 means "all cores": a GPU-less task has no affinity pool to
	// draw from, and a GPU selection spanning both groups is degenerate,
	// so both fall through to the full core range.
	group := 0
	for i, g := range gpus {
		gg := m.cfg.affinityGroup(g)
		if i == 0 {
			group = gg
		} else if gg != group {
			group = 0
			break
		}
	}

	cpus, err = m.allocateCPUsLocked(ctx, taskID, ncpu, reqCPUs, group)
	if err != nil {
		m.releaseGPUsLocked(gpus)
		return nil, nil, err
	}

	return cpus, gpus, nil
}

func (m *Monitor) allocateGPUsLocked(ctx context.Context, taskID uint64, ngpu int, requested []int) ([]int, error) {
	if ngpu == 0 {
		return nil, nil
	}

	samples := m.gpus.Query(ctx)
	busyOrReserved := make(map[int]bool, len(samples))
	for _, s := range samples {
		busyOrReserved[s.DeviceID] = s.Busy
	}

	available := func(id int) bool {
		if m.excludedGPU[id] {
			return false
		}
		if m.reservedGPU[id] != 0 {
			return false
		}
		if busyOrReserved[id] {
			return false
		}
		return true
	}

	var chosen []int
	if len(requested) > 0 {
		for _, id := range requested {
			if !available(id) {
				return nil, fmt.Errorf("resourcemonitor: requested gpu %d unavailable", id)
			}
		}
		chosen = append(chosen, requested...)
	} else {
		for id := 0; id < m.cfg.TotalGPUs && len(chosen) < ngpu; id++ {
			if available(id) {
				chosen = append(chosen, id)
			}
		}
	}

	if len(chosen) < ngpu {
		return nil, fmt.Errorf("resourcemonitor: insufficient gpus available: need %d, found %d", ngpu, len(chosen))
	}
	chosen = chosen[:ngpu]

	for _, id := range chosen {
		m.reservedGPU[id] = taskID
	}
	return chosen, nil
}

func (m *Monitor) allocateCPUsLocked(ctx context.Context, taskID uint64, ncpu int, requested []int, group int) ([]int, error) {
	if ncpu == 0 {
		return nil, nil
	}

	lo, hi := m.cfg.cpuRangeFor(group)

	available := func(id int) bool {
		if id < 0 || id >= m.cfg.TotalCPUs {
			return false
		}
		if m.excludedCPU[id] {
			return false
		}
		if m.reservedCPU[id] != 0 {
			return false
		}
		if !m.cpus.IsSustainedIdle(ctx, id, m.cfg.CPUUtilThreshold) {
			return false
		}
		return true
	}

	var chosen []int
	if len(requested) > 0 {
		for _, id := range requested {
			if !available(id) {
				return nil, fmt.Errorf("resourcemonitor: requested cpu %d unavailable", id)
			}
		}
		chosen = append(chosen, requested...)
	} else {
		var candidates []int
		for id := lo; id < hi; id++ {
			if available(id) {
				candidates = append(candidates, id)
			}
		}
		rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
		if len(candidates) < ncpu {
			return nil, fmt.Errorf("resourcemonitor: insufficient cpus available in affinity group %d: need %d, found %d", group, ncpu, len(candidates))
		}
		chosen = candidates[:ncpu]
	}

	if len(chosen) < ncpu {
		return nil, fmt.Errorf("resourcemonitor: insufficient cpus available in affinity group %d: need %d, found %d", group, ncpu, len(chosen))
	}

	for _, id := range chosen {
		m.reservedCPU[id] = taskID
	}
	return chosen, nil
}

// Release frees previously allocated CPUs and GPUs. Releasing an
// unreserved or already-released device is a no-op, making the call safe
// to retry.
func (m *Monitor) Release(cpus, gpus []int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseCPUsLocked(cpus)
	m.releaseGPUsLocked(gpus)
}

func (m *Monitor) releaseGPUsLocked(gpus []int) {
	for _, id := range gpus {
		delete(m.reservedGPU, id)
	}
}

func (m *Monitor) releaseCPUsLocked(cpus []int) {
	for _, id := range cpus {
		delete(m.reservedCPU, id)
	}
}

// AdoptReservation re-seeds bookkeeping for a task the scheduler found
// already running at startup, without going through the allocate path
// (the physical probes would otherwise see these devices as busy and
// refuse to hand them out again to the same task).
func (m *Monitor) AdoptReservation(taskID uint64, cpus, gpus []int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range cpus {
		m.reservedCPU[id] = taskID
	}
	for _, id := range gpus {
		m.reservedGPU[id] = taskID
	}
}
