// Package gpuprobe implements the GPU inventory probe (C1): it shells out
// to nvidia-smi, parses its CSV output, and classifies devices as
// physically busy by used memory. It never lets a missing or malformed
// tool escape as an error — every device is reported busy instead.
package gpuprobe

import (
	"bufio"
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/myqueue/myqueued/internal/model"
)

const queryTimeout = 5 * time.Second

// Querier is the mock injection point the Resource Monitor depends on.
type Querier interface {
	Query(ctx context.Context) []model.GPUSample
}

// Probe queries nvidia-smi for per-device memory usage.
type Probe struct {
	logger        *zap.Logger
	totalGPUs     int
	memThresholdMB uint64
}

// New creates a GPU probe for totalGPUs devices, busy above thresholdMB of
// used memory (strict inequality — exactly at threshold is not busy).
func New(totalGPUs int, thresholdMB uint64, logger *zap.Logger) *Probe {
	return &Probe{
		logger:         logger.Named("gpu-probe"),
		totalGPUs:      totalGPUs,
		memThresholdMB: thresholdMB,
	}
}

// Query returns one sample per configured device. On any failure to run or
// parse nvidia-smi, every device is reported at threshold+1 used MB (busy),
// per the fail-safe contract.
func (p *Probe) Query(ctx context.Context) []model.GPUSample {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	out, err := p.runNvidiaSmi(ctx)
	if err != nil {
		p.logger.Debug("nvidia-smi unavailable, reporting all GPUs busy", zap.Error(err))
		return p.allBusy()
	}

	samples, ok := parseCSV(out)
	if !ok || len(samples) == 0 {
		p.logger.Debug("nvidia-smi output malformed, reporting all GPUs busy")
		return p.allBusy()
	}

	byID := make(map[int]model.GPUSample, len(samples))
	for _, s := range samples {
		s.Busy = s.UsedMB > p.memThresholdMB
		byID[s.DeviceID] = s
	}

	result := make([]model.GPUSample, 0, p.totalGPUs)
	for i := 0; i < p.totalGPUs; i++ {
		if s, ok := byID[i]; ok {
			result = append(result, s)
			continue
		}
		// Device configured but absent from the tool's output: fail safe.
		result = append(result, model.GPUSample{DeviceID: i, UsedMB: p.memThresholdMB + 1, Busy: true})
	}
	return result
}

func (p *Probe) allBusy() []model.GPUSample {
	result := make([]model.GPUSample, p.totalGPUs)
	for i := range result {
		result[i] = model.GPUSample{DeviceID: i, UsedMB: p.memThresholdMB + 1, Busy: true}
	}
	return result
}

func (p *Probe) runNvidiaSmi(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=index,memory.used,memory.total",
		"--format=csv,noheader,nounits")
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// parseCSV parses lines of the form "id, used, total". Malformed lines are
// skipped; the bool return is false only when nothing usable was parsed.
func parseCSV(output string) ([]model.GPUSample, bool) {
	var samples []model.GPUSample

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		fields := strings.Split(line, ",")
		if len(fields) < 3 {
			continue
		}

		id, err1 := strconv.Atoi(strings.TrimSpace(fields[0]))
		used, err2 := strconv.ParseUint(strings.TrimSpace(fields[1]), 10, 64)
		total, err3 := strconv.ParseUint(strings.TrimSpace(fields[2]), 10, 64)
		if err1 != nil || err2 != nil || err3 != nil {
			continue
		}

		samples = append(samples, model.GPUSample{
			DeviceID: id,
			UsedMB:   used,
			TotalMB:  total,
		})
	}

	return samples, len(samples) > 0
}

// MockQuerier is a test-only Querier that returns a fixed sample list,
// the mock surface called for in spec.md §4.1.
type MockQuerier struct {
	Samples []model.GPUSample
}

// Query returns the configured sample list verbatim.
func (m *MockQuerier) Query(ctx context.Context) []model.GPUSample {
	return m.Samples
}
