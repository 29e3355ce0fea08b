package async

import (
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/teranos/tenantpulse/errors"
)

// highMemoryPercent is the used-memory share above which queue start warns.
const highMemoryPercent = 90.0

// MemorySnapshot is the host memory picture at a point in time.
type MemorySnapshot struct {
	TotalBytes     uint64  `json:"total_bytes"`
	AvailableBytes uint64  `json:"available_bytes"`
	UsedPercent    float64 `json:"used_percent"`
}

// ReadMemory reads host memory usage.
func ReadMemory() (*MemorySnapshot, error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read virtual memory")
	}
	return &MemorySnapshot{
		TotalBytes:     v.Total,
		AvailableBytes: v.Available,
		UsedPercent:    v.UsedPercent,
	}, nil
}

func logMemory(log *zap.SugaredLogger) {
	snap, err := ReadMemory()
	if err != nil {
		log.Debugw("Memory snapshot unavailable", "error", err)
		return
	}
	fields := []interface{}{
		"total_mb", snap.TotalBytes / (1 << 20),
		"available_mb", snap.AvailableBytes / (1 << 20),
		"used_percent", snap.UsedPercent,
	}
	if snap.UsedPercent >= highMemoryPercent {
		log.Warnw("Memory pressure warning", fields...)
		return
	}
	log.Debugw("Memory snapshot", fields...)
}
