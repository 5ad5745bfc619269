package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ResourceSample is one CPU/memory reading of the backend.
type ResourceSample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// ResourceConfig holds configuration for backend resource sampling.
type ResourceConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// ResourceSampler periodically samples the backend PID with gopsutil and
// exports the readings as gauges.
type ResourceSampler struct {
	name     string
	enabled  bool
	interval time.Duration

	mu     sync.RWMutex
	last   ResourceSample
	hasPID bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryMB   *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

// NewResourceSampler creates a sampler for the backend called name.
func NewResourceSampler(name string, cfg ResourceConfig) *ResourceSampler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	gauge := func(n, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      n,
			Help:      help,
		}, []string{"name"})
	}
	return &ResourceSampler{
		name:       name,
		enabled:    cfg.Enabled,
		interval:   interval,
		stopCh:     make(chan struct{}),
		cpuPercent: gauge("cpu_percent", "CPU usage percentage of the backend."),
		memoryMB:   gauge("memory_mb", "Resident memory of the backend in MB."),
		numThreads: gauge("num_threads", "Number of threads of the backend."),
		numFDs:     gauge("num_fds", "Number of open file descriptors of the backend (Unix only)."),
	}
}

// RegisterMetrics registers the resource gauges with the provided registerer.
func (s *ResourceSampler) RegisterMetrics(r prometheus.Registerer) error {
	if !s.enabled {
		return nil
	}
	collectors := []prometheus.Collector{s.cpuPercent, s.memoryMB, s.numThreads}
	if runtime.GOOS != "windows" {
		collectors = append(collectors, s.numFDs)
	}
	for _, c := range collectors {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples pid() every interval until ctx is done or Stop is called.
// A non-positive PID means the backend is not running and clears the gauges.
func (s *ResourceSampler) Start(ctx context.Context, pid func() int) {
	if !s.enabled {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.SampleOnce(ctx, int32(pid()))
			}
		}
	}()
}

// Stop ends sampling and waits for the loop to exit.
func (s *ResourceSampler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// SampleOnce takes a single reading of pid and updates the gauges.
func (s *ResourceSampler) SampleOnce(ctx context.Context, pid int32) {
	if pid <= 0 {
		s.clear()
		return
	}
	sample, err := sample(ctx, pid)
	if err != nil {
		slog.Debug("Failed to sample backend resources", "name", s.name, "pid", pid, "error", err)
		s.clear()
		return
	}

	s.mu.Lock()
	s.last = sample
	s.hasPID = true
	s.mu.Unlock()

	s.cpuPercent.WithLabelValues(s.name).Set(sample.CPUPercent)
	s.memoryMB.WithLabelValues(s.name).Set(sample.MemoryMB)
	s.numThreads.WithLabelValues(s.name).Set(float64(sample.NumThreads))
	if runtime.GOOS != "windows" && sample.NumFDs > 0 {
		s.numFDs.WithLabelValues(s.name).Set(float64(sample.NumFDs))
	}
}

// Latest returns the most recent sample, if the backend was running at the last tick.
func (s *ResourceSampler) Latest() (ResourceSample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last, s.hasPID
}

func (s *ResourceSampler) clear() {
	s.mu.Lock()
	s.last = ResourceSample{}
	s.hasPID = false
	s.mu.Unlock()
	s.cpuPercent.DeleteLabelValues(s.name)
	s.memoryMB.DeleteLabelValues(s.name)
	s.numThreads.DeleteLabelValues(s.name)
	s.numFDs.DeleteLabelValues(s.name)
}

func sample(ctx context.Context, pid int32) (ResourceSample, error) {
	proc, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return ResourceSample{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	memInfo, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return ResourceSample{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	// CPUPercent may need a previous call for an accurate value; 0 is fine then
	cpu, _ := proc.CPUPercentWithContext(ctx)
	threads, _ := proc.NumThreadsWithContext(ctx)

	out := ResourceSample{
		PID:        pid,
		CPUPercent: cpu,
		MemoryMB:   float64(memInfo.RSS) / 1024 / 1024,
		MemoryRSS:  memInfo.RSS,
		NumThreads: threads,
		Timestamp:  time.Now(),
	}
	if runtime.GOOS != "windows" {
		if fds, err := proc.NumFDsWithContext(ctx); err == nil {
			out.NumFDs = fds
		}
	}
	return out, nil
}
