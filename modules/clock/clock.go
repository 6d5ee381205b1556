package clock

import (
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
}

var RealClockProvider = sync.OnceValue(func() Clock {
	return &RealClock{}
})

type RealClock struct{}

func (RealClock) Now() time.Time {
	return time.Now()
}

// Fixed always reports the same instant. Signing golden tests and
// certificate expiry tests pin time with it.
type Fixed time.Time

func (f Fixed) Now() time.Time {
	return time.Time(f)
}

// Unix returns the clock's current time in unix seconds, the unit the
// gateway uses for request and notification timestamps.
func Unix(c Clock) int64 {
	return c.Now().Unix()
}
