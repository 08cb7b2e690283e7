package ratelimit

import "time"

// Clock abstracts time.Now so tests can drive refill deterministically.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
