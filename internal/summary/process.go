package summary

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/process"
)

// PSInspector reads process usage from /proc via gopsutil.
type PSInspector struct{}

func (PSInspector) Inspect(pid int32) (float64, float32, error) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to create process handle for PID %d: %w", pid, err)
	}

	cpu, err := p.CPUPercent()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read CPU usage for PID %d: %w", pid, err)
	}

	mem, err := p.MemoryPercent()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read memory usage for PID %d: %w", pid, err)
	}

	return cpu, mem, nil
}
