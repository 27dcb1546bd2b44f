package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/roadsafe/accident-detection-service/detections"
	"github.com/roadsafe/accident-detection-service/models"
)

// DefaultPoolSize Pool configuration
const DefaultPoolSize = 4

var (
	ErrPoolClosed     = errors.New("pool is closed")
	ErrAcquireTimeout = errors.New("timeout waiting for available session")
)

// ModelSessionPool hands out sessions exclusively: a session is never run by
// two requests at once. A pool of one serializes all inference.
type ModelSessionPool struct {
	sessions       chan *detections.ModelSession
	size           int
	acquireTimeout time.Duration
	mu             sync.Mutex
	closed         bool
	metrics        *PoolMetrics
}

type PoolMetrics struct {
	mu              sync.RWMutex
	inUse           int
	totalAcquired   int64
	totalReleased   int64
	acquireFailures int64
	waitTime        time.Duration
}

type PoolStats struct {
	Size            int   `json:"pool_size"`
	InUse           int   `json:"sessions_in_use"`
	TotalAcquired   int64 `json:"total_acquired"`
	TotalReleased   int64 `json:"total_released"`
	AcquireFailures int64 `json:"acquire_failures"`
	WaitTimeMs      int64 `json:"wait_time_ms"`
}

func NewModelSessionPool(size int, acquireTimeout time.Duration, newSession func() (*detections.ModelSession, error)) (*ModelSessionPool, error) {
	if size <= 0 {
		size = DefaultPoolSize
	}

	pool := &ModelSessionPool{
		sessions:       make(chan *detections.ModelSession, size),
		size:           size,
		acquireTimeout: acquireTimeout,
		metrics:        &PoolMetrics{},
	}

	// Initialize sessions
	for i := 0; i < size; i++ {
		session, err := newSession()
		if err != nil {
			pool.Destroy()
			return nil, fmt.Errorf("failed to initialize session %d: %w", i, err)
		}
		pool.sessions <- session
	}

	return pool, nil
}

// SessionFactory opens one session for cfg on device.
type SessionFactory func(cfg detections.Config, device detections.Device) (*detections.ModelSession, error)

// OpenPool builds the session pool on device. When the device was picked
// automatically and its sessions fail to start, the pool is rebuilt on the
// CPU. The device the pool actually runs on is returned.
func OpenPool(size int, acquireTimeout time.Duration, cfg detections.Config, pref detections.DevicePreference, device detections.Device, newSession SessionFactory, logger *logrus.Logger) (*ModelSessionPool, detections.Device, error) {
	if size <= 0 {
		size = DefaultPoolSize
	}

	build := func(d detections.Device) (*ModelSessionPool, error) {
		sessionCfg := cfg
		sessionCfg.IntraOpThreads = d.IntraOpThreads(cfg.IntraOpThreads, size)
		return NewModelSessionPool(size, acquireTimeout, func() (*detections.ModelSession, error) {
			return newSession(sessionCfg, d)
		})
	}

	pool, err := build(device)
	if err == nil || pref != detections.PreferAuto || device.Backend != detections.BackendCUDA {
		return pool, device, err
	}

	logger.WithError(err).Warn("CUDA sessions failed to start, falling back to CPU")
	cpuDevice := detections.Device{Backend: detections.BackendCPU}
	pool, err = build(cpuDevice)
	return pool, cpuDevice, err
}

func (p *ModelSessionPool) Acquire(ctx context.Context) (*detections.ModelSession, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}

	start := time.Now()
	defer func() {
		p.metrics.mu.Lock()
		p.metrics.waitTime += time.Since(start)
		p.metrics.mu.Unlock()
	}()

	var timeout <-chan time.Time
	if p.acquireTimeout > 0 {
		timer := time.NewTimer(p.acquireTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case session, ok := <-p.sessions:
		if !ok {
			return nil, ErrPoolClosed
		}
		p.metrics.mu.Lock()
		p.metrics.inUse++
		p.metrics.totalAcquired++
		p.metrics.mu.Unlock()
		return session, nil
	case <-timeout:
		p.recordFailure()
		return nil, ErrAcquireTimeout
	case <-ctx.Done():
		p.recordFailure()
		return nil, ctx.Err()
	}
}

func (p *ModelSessionPool) Release(session *detections.ModelSession) {
	p.metrics.mu.Lock()
	p.metrics.inUse--
	p.metrics.totalReleased++
	p.metrics.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		session.Destroy()
		return
	}
	p.sessions <- session
}

// Destroy closes idle sessions now; sessions still in use are closed when
// they are released.
func (p *ModelSessionPool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	p.closed = true
	close(p.sessions)

	for session := range p.sessions {
		session.Destroy()
	}
}

// Predict runs one image through a pooled session.
func (p *ModelSessionPool) Predict(ctx context.Context, img image.Image, timings *models.ProcessingTimings) ([]models.Detection, error) {
	session, err := p.Acquire(ctx)
	if err != nil {
		return nil, &detections.ProcessingError{Stage: detections.StageAcquire, Cause: err}
	}
	defer p.Release(session)

	return detections.ProcessImage(ctx, img, session, timings)
}

func (p *ModelSessionPool) recordFailure() {
	p.metrics.mu.Lock()
	p.metrics.acquireFailures++
	p.metrics.mu.Unlock()
}

func (p *ModelSessionPool) Stats() PoolStats {
	p.metrics.mu.RLock()
	defer p.metrics.mu.RUnlock()

	return PoolStats{
		Size:            p.size,
		InUse:           p.metrics.inUse,
		TotalAcquired:   p.metrics.totalAcquired,
		TotalReleased:   p.metrics.totalReleased,
		AcquireFailures: p.metrics.acquireFailures,
		WaitTimeMs:      p.metrics.waitTime.Milliseconds(),
	}
}
