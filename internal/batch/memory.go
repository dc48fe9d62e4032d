package batch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/mem"
)

// MemoryMonitor reports current memory utilisation as a percentage.
type MemoryMonitor interface {
	UsedPercent(ctx context.Context) (float64, error)
}

// SystemMemory reads host memory usage.
type SystemMemory struct{}

// UsedPercent returns the share of physical memory in use.
func (SystemMemory) UsedPercent(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read virtual memory stats: %w", err)
	}
	slog.Debug("Memory usage sampled.",
		"used", humanize.Bytes(vm.Used),
		"total", humanize.Bytes(vm.Total),
		"percent", vm.UsedPercent)
	return vm.UsedPercent, nil
}
