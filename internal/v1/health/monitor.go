package health

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/syncroom/engine/internal/v1/metrics"
	"github.com/syncroom/engine/internal/v1/registry"
	"github.com/syncroom/engine/internal/v1/room"
)

// Monitor runs the two independent periodic tasks spec.md §4.3 describes:
// a liveness scan that detects host timeouts and expires long-dead rooms,
// and a belt-and-braces inactivity sweeper. It satisfies ScanFreshnessChecker
// so Handler.Readiness can report on it.
type Monitor struct {
	reg *registry.Registry

	hostTimeout         time.Duration
	reconnectionWindow  time.Duration
	healthCheckInterval time.Duration
	cleanupInterval     time.Duration

	mu      sync.Mutex
	healthy map[string]bool

	lastScanAt atomic.Int64

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewMonitor creates a Monitor. Call Start to begin scanning and Stop to
// shut it down as part of graceful shutdown (spec.md §5).
func NewMonitor(reg *registry.Registry, hostTimeout, reconnectionWindow, healthCheckInterval, cleanupInterval time.Duration) *Monitor {
	return &Monitor{
		reg:                 reg,
		hostTimeout:         hostTimeout,
		reconnectionWindow:  reconnectionWindow,
		healthCheckInterval: healthCheckInterval,
		cleanupInterval:     cleanupInterval,
		healthy:             make(map[string]bool),
		stop:                make(chan struct{}),
	}
}

// Start launches the liveness scan and inactivity sweeper goroutines.
func (m *Monitor) Start() {
	m.wg.Add(2)
	go m.loop(m.healthCheckInterval, m.scanOnce)
	go m.loop(m.cleanupInterval, m.sweepOnce)
}

// Stop halts both loops and waits for them to exit.
func (m *Monitor) Stop() {
	close(m.stop)
	m.wg.Wait()
}

// LastScanAt implements health.ScanFreshnessChecker.
func (m *Monitor) LastScanAt() time.Time {
	ms := m.lastScanAt.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func (m *Monitor) loop(interval time.Duration, tick func()) {
	defer m.wg.Done()
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			tick()
		}
	}
}

// scanOnce is the liveness scan: per room, detect a healthy->unhealthy edge
// on host-activity staleness, or expire a room that has stayed
// HOST_DISCONNECTED past the reconnection window.
func (m *Monitor) scanOnce() {
	metrics.HealthScansTotal.WithLabelValues("liveness").Inc()
	now := time.Now().UnixMilli()

	for _, r := range m.reg.IterSnapshot() {
		m.evaluateRoom(r, now)
	}
	m.lastScanAt.Store(now)
}

func (m *Monitor) evaluateRoom(r *room.Room, now int64) {
	id := r.ID()

	if r.State() == room.StateTerminated {
		m.forget(id)
		return
	}

	hostAbsent := time.Duration(now-r.LastHostActivityAt()) * time.Millisecond
	if hostAbsent > m.hostTimeout {
		if m.markUnhealthy(id) {
			r.EmitHealthEvent(room.EventHostDisconnected, map[string]any{"senderId": r.HostID()})
			metrics.HealthTransitions.WithLabelValues("host_disconnected").Inc()
		}
		return
	}

	if r.State() == room.StateHostDisconnected {
		inactiveFor := time.Duration(now-r.LastActivityAt()) * time.Millisecond
		if inactiveFor > m.reconnectionWindow {
			m.expire(r)
			return
		}
	}

	if m.markHealthy(id) {
		r.EmitHealthEvent(room.EventHealthCheckPassed, nil)
		metrics.HealthTransitions.WithLabelValues("health_check_passed").Inc()
	}
}

// sweepOnce is the inactivity sweeper: belt-and-braces cull of rooms whose
// host activity precedes the reconnection window, independent of whatever
// the liveness scan last observed.
func (m *Monitor) sweepOnce() {
	metrics.HealthScansTotal.WithLabelValues("sweep").Inc()
	now := time.Now().UnixMilli()

	for _, r := range m.reg.IterSnapshot() {
		if r.State() == room.StateTerminated {
			continue
		}
		if time.Duration(now-r.LastHostActivityAt())*time.Millisecond > m.reconnectionWindow {
			m.expire(r)
		}
	}
}

func (m *Monitor) expire(r *room.Room) {
	r.EmitHealthEvent(room.EventRoomExpired, nil)
	_ = m.reg.Delete(r.ID(), room.HealthSystemPrincipal)
	metrics.HealthTransitions.WithLabelValues("room_expired").Inc()
	m.forget(r.ID())
}

// markUnhealthy returns true only on the healthy->unhealthy edge (de-duplicated).
func (m *Monitor) markUnhealthy(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	wasHealthy, tracked := m.healthy[id]
	m.healthy[id] = false
	return !tracked || wasHealthy
}

// markHealthy returns true only on the unhealthy->healthy (or first-seen) edge.
func (m *Monitor) markHealthy(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	wasHealthy, tracked := m.healthy[id]
	m.healthy[id] = true
	return !tracked || !wasHealthy
}

func (m *Monitor) forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.healthy, id)
}
