// Package connectivity keeps a best-effort view of backend availability.
package connectivity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the coarse availability of the backend.
type State string

const (
	Checking State = "checking"
	Online   State = "online"
	Offline  State = "offline"
)

// TopicStateChanged is published with a Snapshot after every transition.
const TopicStateChanged = "connectivity:state_changed"

// DefaultRetryCap bounds consecutive failed automatic probes.
const DefaultRetryCap = 10

// Snapshot is a copy of the monitor's state.
type Snapshot struct {
	State         State     `json:"state"`
	RetryCount    int       `json:"retry_count"`
	RetryCap      int       `json:"retry_cap"`
	LastCheckedAt time.Time `json:"last_checked_at,omitempty"`
	Dormant       bool      `json:"dormant"`
}

// Prober issues one liveness probe.
type Prober interface {
	Health(ctx context.Context) error
}

// Notifier receives state transitions. EventBus.Bus satisfies it.
type Notifier interface {
	Publish(topic string, args ...interface{})
}

// Options configures a Monitor. Zero values select the defaults.
type Options struct {
	LongInterval  time.Duration
	ShortInterval time.Duration
	RetryCap      int
	Scheduler     Scheduler
	Notifier      Notifier
	Now           func() time.Time
}

// Monitor polls the backend's liveness endpoint on a state-dependent
// schedule. It is the only writer of its Snapshot.
type Monitor struct {
	prober   Prober
	logger   *zap.Logger
	long     time.Duration
	short    time.Duration
	cap      int
	sched    Scheduler
	notifier Notifier
	now      func() time.Time

	// probeMu is held for the duration of a probe.
	probeMu sync.Mutex

	notifyMu  sync.Mutex
	published *Snapshot

	mu      sync.Mutex
	state   Snapshot
	running bool
	ctx     context.Context
	timer   Timer
	// timerGen identifies the installed timer; stale fires compare unequal.
	timerGen uint64
	// epoch is bumped by manual refresh and Stop so that a probe started
	// earlier does not apply its result.
	epoch uint64
}

// NewMonitor builds a monitor around prober.
func NewMonitor(prober Prober, logger *zap.Logger, opts Options) *Monitor {
	m := &Monitor{
		prober:   prober,
		logger:   logger.Named("connectivity"),
		long:     opts.LongInterval,
		short:    opts.ShortInterval,
		cap:      opts.RetryCap,
		sched:    opts.Scheduler,
		notifier: opts.Notifier,
		now:      opts.Now,
		ctx:      context.Background(),
	}
	if m.long <= 0 {
		m.long = 5 * time.Minute
	}
	if m.short <= 0 {
		m.short = 10 * time.Second
	}
	if m.cap <= 0 {
		m.cap = DefaultRetryCap
	}
	if m.sched == nil {
		m.sched = SystemScheduler{}
	}
	if m.now == nil {
		m.now = time.Now
	}
	m.state = Snapshot{State: Checking, RetryCap: m.cap}
	return m
}

// Snapshot returns the current state.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start performs an immediate probe and installs the recurring schedule.
// Calling Start on a running monitor only triggers a fresh probe. ctx bounds
// every automatic probe until Stop.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if !m.running {
		m.running = true
		m.ctx = ctx
		m.logger.Info("connectivity monitor started",
			zap.Duration("long_interval", m.long),
			zap.Duration("short_interval", m.short),
			zap.Int("retry_cap", m.cap))
	}
	m.mu.Unlock()

	m.check(ctx, triggerStart)
}

// Stop cancels the pending check and discards any probe still in flight.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelTimerLocked()
	m.running = false
	m.epoch++
	m.logger.Info("connectivity monitor stopped")
}

// ManualRefresh resets the retry counter and probes immediately, regardless
// of the retry cap. It returns the state after the probe resolved. The probe
// outlives cancellation of ctx since its result is shared by every caller.
func (m *Monitor) ManualRefresh(ctx context.Context) Snapshot {
	m.mu.Lock()
	m.cancelTimerLocked()
	m.epoch++
	m.state.RetryCount = 0
	m.state.Dormant = false
	m.state.State = Checking
	snap := m.state
	m.mu.Unlock()
	m.publish(snap)

	m.check(context.WithoutCancel(ctx), triggerManual)
	return m.Snapshot()
}

type trigger int

const (
	triggerTimer trigger = iota
	triggerStart
	triggerManual
)

func (m *Monitor) check(ctx context.Context, by trigger) {
	manual := by == triggerManual
	m.mu.Lock()
	if !manual && m.state.State == Offline && m.state.RetryCount >= m.cap {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	switch by {
	case triggerTimer:
		if !m.probeMu.TryLock() {
			// The probe in flight reschedules when it resolves.
			return
		}
	default:
		// A probe from before Stop or a refresh discards its result, so
		// Start and ManualRefresh wait for it and probe again.
		m.probeMu.Lock()
	}
	defer m.probeMu.Unlock()

	m.mu.Lock()
	epoch := m.epoch
	m.transitionLocked(Checking)
	snap := m.state
	m.mu.Unlock()
	m.publish(snap)

	err := m.prober.Health(ctx)

	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		m.logger.Debug("discarding superseded probe result")
		return
	}
	m.apply(err, manual)
	snap = m.state
	m.mu.Unlock()
	m.publish(snap)
}

// apply folds a probe outcome into the state and installs the next check.
// Callers hold m.mu.
func (m *Monitor) apply(err error, manual bool) {
	if err == nil {
		m.state.RetryCount = 0
		m.state.LastCheckedAt = m.now()
		m.state.Dormant = false
		m.transitionLocked(Online)
		m.scheduleLocked(m.long)
		return
	}

	if !manual {
		m.state.RetryCount++
	}
	m.logger.Warn("backend liveness probe failed",
		zap.Error(err),
		zap.Bool("manual", manual),
		zap.Int("retry_count", m.state.RetryCount))
	m.transitionLocked(Offline)
	if m.state.RetryCount < m.cap {
		m.scheduleLocked(m.short)
		return
	}
	m.state.Dormant = true
	m.cancelTimerLocked()
	m.logger.Warn("retry cap reached; automatic probing paused until manual refresh",
		zap.Int("retry_cap", m.cap))
}

func (m *Monitor) scheduleLocked(d time.Duration) {
	m.cancelTimerLocked()
	if !m.running {
		return
	}
	gen := m.timerGen
	m.timer = m.sched.AfterFunc(d, func() { m.fire(gen) })
}

func (m *Monitor) cancelTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.timerGen++
}

func (m *Monitor) fire(gen uint64) {
	m.mu.Lock()
	if gen != m.timerGen || !m.running {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	ctx := m.ctx
	m.mu.Unlock()

	m.check(ctx, triggerTimer)
}

func (m *Monitor) transitionLocked(next State) {
	prev := m.state.State
	m.state.State = next
	if prev != next {
		m.logger.Info("connectivity state changed",
			zap.String("from", string(prev)),
			zap.String("to", string(next)),
			zap.Int("retry_count", m.state.RetryCount))
	}
}

// publish reports snap unless it equals the last published snapshot.
func (m *Monitor) publish(snap Snapshot) {
	if m.notifier == nil {
		return
	}
	m.notifyMu.Lock()
	if m.published != nil && *m.published == snap {
		m.notifyMu.Unlock()
		return
	}
	m.published = &snap
	m.notifyMu.Unlock()
	m.notifier.Publish(TopicStateChanged, snap)
}
