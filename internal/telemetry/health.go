package telemetry

import (
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// HostStats is the subset of host metrics reported in GatewayHealth.
type HostStats struct {
	UptimeSec  uint64
	Load1      float64
	MemUsedPct float64
}

// HostCollector reads host metrics; swapped for a stub in tests.
type HostCollector interface {
	Collect() HostStats
}

// GopsutilCollector reads live host metrics. Individual read failures
// leave the corresponding field at zero rather than failing the report.
type GopsutilCollector struct{}

func (GopsutilCollector) Collect() HostStats {
	var s HostStats
	if up, err := host.Uptime(); err == nil {
		s.UptimeSec = up
	}
	if avg, err := load.Avg(); err == nil {
		s.Load1 = avg.Load1
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		s.MemUsedPct = vm.UsedPercent
	}
	return s
}
