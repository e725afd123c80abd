package connectivity

import "time"

// Timer is a cancellation handle for one scheduled task.
type Timer interface {
	Stop() bool
}

// Scheduler installs delayed tasks.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// SystemScheduler schedules on the runtime timer wheel.
type SystemScheduler struct{}

// AfterFunc implements Scheduler.
func (SystemScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
