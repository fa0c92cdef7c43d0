package degradation

import (
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// GopsutilSampler is the default SystemSampler backend, reading live
// host CPU and memory utilization.
type GopsutilSampler struct{}

// NewGopsutilSampler constructs the default, host-backed SystemSampler.
func NewGopsutilSampler() *GopsutilSampler { return &GopsutilSampler{} }

func (GopsutilSampler) CPUPercent() (float64, error) {
	percentages, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		return 0, err
	}
	if len(percentages) == 0 {
		return 0, nil
	}
	return percentages[0], nil
}

func (GopsutilSampler) MemPercent() (float64, error) {
	stat, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return stat.UsedPercent, nil
}
