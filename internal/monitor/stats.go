package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// ResourceStats is a point-in-time sample of process host resources,
// included in the scheduler's status report.
type ResourceStats struct {
	CPUUsage    float64   `json:"cpu_usage"`
	MemoryUsage float64   `json:"memory_usage"`
	CollectedAt time.Time `json:"collected_at"`
}

// Sampler periodically collects host CPU and memory usage
type Sampler struct {
	logger   *zap.Logger
	interval time.Duration

	mu    sync.RWMutex
	stats ResourceStats

	stopOnce sync.Once
	stop     chan struct{}
}

// NewSampler creates a resource sampler with the given collection interval
func NewSampler(interval time.Duration, logger *zap.Logger) *Sampler {
	if interval == 0 {
		interval = 30 * time.Second
	}
	return &Sampler{
		logger:   logger.Named("monitor"),
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start begins background collection
func (s *Sampler) Start(ctx context.Context) {
	go s.loop(ctx)
}

// Stop halts background collection
func (s *Sampler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Current returns the most recent sample
func (s *Sampler) Current() ResourceStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

func (s *Sampler) loop(ctx context.Context) {
	s.collect()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.collect()
		}
	}
}

func (s *Sampler) collect() {
	sample := ResourceStats{CollectedAt: time.Now()}

	cpuPercent, err := cpu.Percent(0, false)
	if err != nil {
		s.logger.Error("Failed to get CPU usage", zap.Error(err))
	} else if len(cpuPercent) > 0 {
		sample.CPUUsage = cpuPercent[0]
	}

	memInfo, err := mem.VirtualMemory()
	if err != nil {
		s.logger.Error("Failed to get memory usage", zap.Error(err))
	} else {
		sample.MemoryUsage = memInfo.UsedPercent
	}

	s.mu.Lock()
	s.stats = sample
	s.mu.Unlock()
}
