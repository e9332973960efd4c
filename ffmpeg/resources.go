package ffmpeg

import (
	"errors"
	"fmt"
	"time"

	"ffgif/config"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

var ErrInsufficientResources = errors.New("insufficient system resources")

const cpuSampleWindow = 200 * time.Millisecond

// ResourceGuard refuses new work when the host is short on idle CPU, memory or disk.
// A zero threshold disables that check.
type ResourceGuard struct {
	minIdleCPU  float64
	minFreeMem  int64
	minFreeDisk int64
	dir         string
	logger      *zap.Logger
}

func NewResourceGuard(cfg *config.Config, logger *zap.Logger) *ResourceGuard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResourceGuard{
		minIdleCPU:  cfg.ThrottleCPU,
		minFreeMem:  cfg.ThrottleFreeMem,
		minFreeDisk: cfg.ThrottleFreeDisk,
		dir:         cfg.OutputDir,
		logger:      logger.Named("resources"),
	}
}

// Check samples the host. Metrics that cannot be read are logged and skipped.
func (g *ResourceGuard) Check() error {
	if g.minIdleCPU > 0 {
		p, err := cpu.Percent(cpuSampleWindow, false)
		if err != nil {
			g.logger.Warn("could not get CPU usage", zap.Error(err))
		} else if len(p) > 0 && p[0] > 100.0-g.minIdleCPU {
			return fmt.Errorf("%w: CPU usage %.2f%%, idle threshold %.2f%%", ErrInsufficientResources, p[0], g.minIdleCPU)
		}
	}

	if g.minFreeMem > 0 {
		vm, err := mem.VirtualMemory()
		if err != nil {
			g.logger.Warn("could not get memory usage", zap.Error(err))
		} else if vm.Available < uint64(g.minFreeMem) {
			return fmt.Errorf("%w: available memory %d, required %d", ErrInsufficientResources, vm.Available, g.minFreeMem)
		}
	}

	if g.minFreeDisk > 0 {
		d, err := disk.Usage(g.dir)
		if err != nil {
			g.logger.Warn("could not get disk usage", zap.String("dir", g.dir), zap.Error(err))
		} else if d.Free < uint64(g.minFreeDisk) {
			return fmt.Errorf("%w: free disk %d, required %d", ErrInsufficientResources, d.Free, g.minFreeDisk)
		}
	}
	return nil
}
