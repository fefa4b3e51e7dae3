package core

import "time"

// Clock supplies the current time. The manager and scheduler never read the
// system clock directly so scheduling decisions stay testable.
type Clock interface {
	Now() time.Time
}

// SystemClock returns a Clock backed by the process wall clock, in UTC.
func SystemClock() Clock {
	return systemClock{}
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}
