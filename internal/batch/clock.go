package batch

import "time"

// Clock abstracts time so tests can drive the batch timer deterministically
// instead of sleeping real wall-clock milliseconds.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RealClock is the production Clock backed by the time package.
var RealClock Clock = realClock{}
