package clock

import (
	"time"

	"go.uber.org/fx"
)

// Module provides the real clock.
var Module = fx.Provide(NewRealClock)

// Clock abstracts time for period math and sweep jobs.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

// NewRealClock returns a Clock backed by the system clock in UTC.
func NewRealClock() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now().UTC()
}
