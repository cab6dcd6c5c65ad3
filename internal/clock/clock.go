package clock

import "time"

// Clock abstracts wall time so calendar boundaries can be driven in tests.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func NewSystemClock() Clock {
	return SystemClock{}
}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
