package utils

import "time"

// SystemClock is the production clock. Tests substitute a virtual one to
// drive backoff schedules deterministically.
type SystemClock struct{}

func NewSystemClock() *SystemClock {
	return &SystemClock{}
}

func (SystemClock) Now() time.Time {
	return time.Now()
}

func (SystemClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}
