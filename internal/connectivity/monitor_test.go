package connectivity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	evbus "github.com/asaskevich/EventBus"
	"go.uber.org/zap"
)

type fakeTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	wasActive := !t.stopped
	t.stopped = true
	return wasActive
}

type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{delay: d, fn: f}
	s.timers = append(s.timers, t)
	return t
}

func (s *fakeScheduler) active() []*fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*fakeTimer
	for _, t := range s.timers {
		if !t.stopped {
			out = append(out, t)
		}
	}
	return out
}

// fireActive runs the single pending timer, failing the test if there is
// not exactly one.
func (s *fakeScheduler) fireActive(t *testing.T) {
	t.Helper()
	active := s.active()
	if len(active) != 1 {
		t.Fatalf("expected exactly one active timer, got %d", len(active))
	}
	timer := active[0]
	timer.stopped = true
	timer.fn()
}

type stubProber struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (p *stubProber) Health(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if len(p.errs) == 0 {
		return nil
	}
	err := p.errs[0]
	if len(p.errs) > 1 {
		p.errs = p.errs[1:]
	}
	return err
}

func (p *stubProber) setErrs(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs = errs
}

func (p *stubProber) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type recordingNotifier struct {
	mu        sync.Mutex
	snapshots []Snapshot
}

func (n *recordingNotifier) Publish(topic string, args ...interface{}) {
	if topic != TopicStateChanged || len(args) != 1 {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.snapshots = append(n.snapshots, args[0].(Snapshot))
}

var errProbe = errors.New("connection refused")

const (
	testLong  = 5 * time.Minute
	testShort = 10 * time.Second
)

func newTestMonitor(prober Prober, sched Scheduler, notifier Notifier, now time.Time) *Monitor {
	return NewMonitor(prober, zap.NewNop(), Options{
		LongInterval:  testLong,
		ShortInterval: testShort,
		RetryCap:      DefaultRetryCap,
		Scheduler:     sched,
		Notifier:      notifier,
		Now:           func() time.Time { return now },
	})
}

func TestStartOnlineSchedulesLongInterval(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sched := &fakeScheduler{}
	prober := &stubProber{}
	m := newTestMonitor(prober, sched, nil, now)

	m.Start(context.Background())

	snap := m.Snapshot()
	if snap.State != Online {
		t.Fatalf("expected online, got %s", snap.State)
	}
	if snap.RetryCount != 0 {
		t.Fatalf("expected retry count 0, got %d", snap.RetryCount)
	}
	if !snap.LastCheckedAt.Equal(now) {
		t.Fatalf("expected last checked %v, got %v", now, snap.LastCheckedAt)
	}
	active := sched.active()
	if len(active) != 1 || active[0].delay != testLong {
		t.Fatalf("expected one long-interval timer, got %+v", active)
	}
}

func TestFailedAutomaticProbesStopAtCap(t *testing.T) {
	sched := &fakeScheduler{}
	prober := &stubProber{errs: []error{errProbe}}
	m := newTestMonitor(prober, sched, nil, time.Now())

	m.Start(context.Background())
	for want := 1; want <= DefaultRetryCap; want++ {
		snap := m.Snapshot()
		if snap.State != Offline {
			t.Fatalf("attempt %d: expected offline, got %s", want, snap.State)
		}
		if snap.RetryCount != want {
			t.Fatalf("attempt %d: expected retry count %d, got %d", want, want, snap.RetryCount)
		}
		if !snap.LastCheckedAt.IsZero() {
			t.Fatal("last checked must only be set on success")
		}
		if want < DefaultRetryCap {
			active := sched.active()
			if len(active) != 1 || active[0].delay != testShort {
				t.Fatalf("attempt %d: expected one short-interval timer, got %d", want, len(active))
			}
			sched.fireActive(t)
		}
	}

	snap := m.Snapshot()
	if !snap.Dormant {
		t.Fatal("expected dormant monitor at cap")
	}
	if n := len(sched.active()); n != 0 {
		t.Fatalf("expected no scheduled probe at cap, got %d", n)
	}
	if calls := prober.callCount(); calls != DefaultRetryCap {
		t.Fatalf("expected %d probes, got %d", DefaultRetryCap, calls)
	}

	// A fresh automatic attempt is skipped while dormant.
	m.Start(context.Background())
	if calls := prober.callCount(); calls != DefaultRetryCap {
		t.Fatalf("dormant monitor probed again: %d calls", calls)
	}
	if got := m.Snapshot().RetryCount; got != DefaultRetryCap {
		t.Fatalf("retry count exceeded cap: %d", got)
	}
}

func TestManualRefreshIgnoresCap(t *testing.T) {
	sched := &fakeScheduler{}
	prober := &stubProber{errs: []error{errProbe}}
	m := newTestMonitor(prober, sched, nil, time.Now())

	m.Start(context.Background())
	for i := 1; i < DefaultRetryCap; i++ {
		sched.fireActive(t)
	}
	if !m.Snapshot().Dormant {
		t.Fatal("expected dormant monitor")
	}

	snap := m.ManualRefresh(context.Background())
	if calls := prober.callCount(); calls != DefaultRetryCap+1 {
		t.Fatalf("expected an immediate probe, got %d calls", calls)
	}
	if snap.State != Offline {
		t.Fatalf("expected offline after failed manual probe, got %s", snap.State)
	}
	if snap.RetryCount != 0 {
		t.Fatalf("manual failure must not count, got %d", snap.RetryCount)
	}
	if snap.Dormant {
		t.Fatal("manual refresh must wake the monitor")
	}
	if active := sched.active(); len(active) != 1 || active[0].delay != testShort {
		t.Fatal("expected automatic retries to resume")
	}

	prober.setErrs()
	snap = m.ManualRefresh(context.Background())
	if snap.State != Online || snap.RetryCount != 0 {
		t.Fatalf("expected online with reset counter, got %+v", snap)
	}
}

func TestManualRefreshCancelsPendingTimer(t *testing.T) {
	sched := &fakeScheduler{}
	prober := &stubProber{errs: []error{errProbe}}
	m := newTestMonitor(prober, sched, nil, time.Now())

	m.Start(context.Background())
	pending := sched.active()
	if len(pending) != 1 {
		t.Fatalf("expected pending retry, got %d", len(pending))
	}
	stale := pending[0]

	prober.setErrs()
	m.ManualRefresh(context.Background())

	if !stale.stopped {
		t.Fatal("expected the pending timer to be cancelled")
	}
	calls := prober.callCount()
	stale.fn()
	if prober.callCount() != calls {
		t.Fatal("a cancelled timer must not probe")
	}
	if active := sched.active(); len(active) != 1 || active[0].delay != testLong {
		t.Fatal("expected a single long-interval timer after recovery")
	}
}

func TestStartTwiceKeepsSingleTimer(t *testing.T) {
	sched := &fakeScheduler{}
	prober := &stubProber{}
	m := newTestMonitor(prober, sched, nil, time.Now())

	m.Start(context.Background())
	m.Start(context.Background())

	if calls := prober.callCount(); calls != 2 {
		t.Fatalf("expected a fresh probe per Start, got %d", calls)
	}
	if n := len(sched.active()); n != 1 {
		t.Fatalf("expected one active timer, got %d", n)
	}
}

func TestStopCancelsSchedule(t *testing.T) {
	sched := &fakeScheduler{}
	m := newTestMonitor(&stubProber{}, sched, nil, time.Now())

	m.Start(context.Background())
	m.Stop()

	if n := len(sched.active()); n != 0 {
		t.Fatalf("expected no active timers after stop, got %d", n)
	}
}

func TestOnlineRecheckGoesOffline(t *testing.T) {
	sched := &fakeScheduler{}
	prober := &stubProber{}
	m := newTestMonitor(prober, sched, nil, time.Now())

	m.Start(context.Background())
	prober.setErrs(errProbe)
	sched.fireActive(t)

	snap := m.Snapshot()
	if snap.State != Offline || snap.RetryCount != 1 {
		t.Fatalf("expected offline with one retry, got %+v", snap)
	}
}

func TestNotifierReceivesTransitions(t *testing.T) {
	sched := &fakeScheduler{}
	notifier := &recordingNotifier{}
	prober := &stubProber{errs: []error{errProbe}}
	m := newTestMonitor(prober, sched, notifier, time.Now())

	m.Start(context.Background())
	prober.setErrs()
	sched.fireActive(t)

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	var states []State
	for _, s := range notifier.snapshots {
		states = append(states, s.State)
	}
	want := []State{Checking, Offline, Checking, Online}
	if len(states) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("expected transitions %v, got %v", want, states)
		}
	}
}

func TestEventBusDeliversSnapshots(t *testing.T) {
	bus := evbus.New()
	var got []State
	if err := bus.Subscribe(TopicStateChanged, func(s Snapshot) {
		got = append(got, s.State)
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	m := newTestMonitor(&stubProber{}, &fakeScheduler{}, bus, time.Now())
	m.Start(context.Background())

	if len(got) != 2 || got[0] != Checking || got[1] != Online {
		t.Fatalf("expected [checking online], got %v", got)
	}
}

type blockingProber struct {
	started chan struct{}
	release chan error
	calls   int
	mu      sync.Mutex
}

func (p *blockingProber) Health(ctx context.Context) error {
	p.mu.Lock()
	p.calls++
	first := p.calls == 1
	p.mu.Unlock()
	if first {
		close(p.started)
		return <-p.release
	}
	return nil
}

func TestManualRefreshSupersedesProbeInFlight(t *testing.T) {
	sched := &fakeScheduler{}
	prober := &blockingProber{started: make(chan struct{}), release: make(chan error)}
	m := newTestMonitor(prober, sched, nil, time.Now())

	startDone := make(chan struct{})
	go func() {
		m.Start(context.Background())
		close(startDone)
	}()
	<-prober.started

	refreshDone := make(chan Snapshot, 1)
	go func() {
		refreshDone <- m.ManualRefresh(context.Background())
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		m.mu.Lock()
		bumped := m.epoch == 1
		m.mu.Unlock()
		if bumped {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("manual refresh did not start")
		}
		time.Sleep(time.Millisecond)
	}

	prober.release <- errProbe
	<-startDone

	select {
	case snap := <-refreshDone:
		if snap.State != Online || snap.RetryCount != 0 {
			t.Fatalf("expected the manual result to win, got %+v", snap)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("manual refresh did not complete")
	}
	if active := sched.active(); len(active) != 1 || active[0].delay != testLong {
		t.Fatalf("expected only the manual probe to schedule, got %d timers", len(active))
	}
}

func TestRestartDuringProbeStillProbes(t *testing.T) {
	sched := &fakeScheduler{}
	prober := &blockingProber{started: make(chan struct{}), release: make(chan error)}
	m := newTestMonitor(prober, sched, nil, time.Now())

	firstDone := make(chan struct{})
	go func() {
		m.Start(context.Background())
		close(firstDone)
	}()
	<-prober.started

	m.Stop()
	restartDone := make(chan struct{})
	go func() {
		m.Start(context.Background())
		close(restartDone)
	}()

	prober.release <- nil
	<-firstDone
	select {
	case <-restartDone:
	case <-time.After(2 * time.Second):
		t.Fatal("restart did not complete")
	}

	snap := m.Snapshot()
	if snap.State != Online {
		t.Fatalf("expected online after restart, got %+v", snap)
	}
	prober.mu.Lock()
	calls := prober.calls
	prober.mu.Unlock()
	if calls != 2 {
		t.Fatalf("expected the restart to issue its own probe, got %d probes", calls)
	}
	if active := sched.active(); len(active) != 1 || active[0].delay != testLong {
		t.Fatalf("expected one long timer after restart, got %d", len(active))
	}
}

type ctxProber struct{}

func (ctxProber) Health(ctx context.Context) error {
	return ctx.Err()
}

func TestManualRefreshIgnoresCallerCancellation(t *testing.T) {
	sched := &fakeScheduler{}
	m := newTestMonitor(ctxProber{}, sched, nil, time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	snap := m.ManualRefresh(ctx)
	if snap.State != Online || snap.RetryCount != 0 {
		t.Fatalf("expected a healthy backend to stay online, got %+v", snap)
	}
}
