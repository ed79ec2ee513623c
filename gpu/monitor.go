package gpu

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultMonitorInterval is the sampling period used when none is configured.
const DefaultMonitorInterval = 5 * time.Second

// Sampler reads one utilisation value for a slot.
type Sampler interface {
	Sample(ctx context.Context, slot Slot) (float64, error)
}

// SamplerFunc adapts a function to the Sampler interface.
type SamplerFunc func(ctx context.Context, slot Slot) (float64, error)

func (f SamplerFunc) Sample(ctx context.Context, slot Slot) (float64, error) {
	return f(ctx, slot)
}

// Monitor periodically samples every slot and stores the values in the pool.
type Monitor struct {
	pool     *Pool
	sampler  Sampler
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewMonitor creates a usage monitor. A non-positive interval falls back to
// DefaultMonitorInterval.
func NewMonitor(pool *Pool, sampler Sampler, interval time.Duration, logger *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		pool:     pool,
		sampler:  sampler,
		interval: interval,
		logger:   logger.With(zap.String("component", "gpu-monitor")),
	}
}

// Start launches the sampling loop in the background. It runs until Stop is
// called or ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return fmt.Errorf("usage monitor already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.started = true

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.Run(loopCtx)
	}()

	m.logger.Info("Usage monitor started",
		zap.Int("slots", m.pool.Capacity()),
		zap.Duration("interval", m.interval))
	return nil
}

// Stop cancels the sampling loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.cancel()
	m.started = false
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("Usage monitor stopped")
}

// Run samples immediately and then on every tick until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.SampleAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SampleAll(ctx)
		}
	}
}

// SampleAll takes one sample per slot. A failed sample keeps the previous value.
func (m *Monitor) SampleAll(ctx context.Context) {
	for i := 0; i < m.pool.Capacity(); i++ {
		if ctx.Err() != nil {
			return
		}
		slot := Slot(i)
		value, err := m.sampler.Sample(ctx, slot)
		if err != nil {
			m.logger.Warn("Failed to sample GPU usage",
				zap.Int("slot", i),
				zap.Error(err))
			continue
		}
		m.pool.SetUsage(slot, value)
	}
	m.logger.Debug("GPU usage sampled", zap.Float64s("usage", m.pool.Usage()))
}
