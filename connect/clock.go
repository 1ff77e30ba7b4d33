package connect

import (
	"time"
)

// Timer is a handle to a pending callback.
type Timer interface {
	// returns false if the timer already fired or was stopped
	Stop() bool
}

// Clock schedules background callbacks.
// Callbacks run on their own goroutine and never keep the process alive.
type Clock interface {
	AfterFunc(timeout time.Duration, callback func()) Timer
}

type systemClock struct{}

func SystemClock() Clock {
	return &systemClock{}
}

func (self *systemClock) AfterFunc(timeout time.Duration, callback func()) Timer {
	return time.AfterFunc(timeout, callback)
}
