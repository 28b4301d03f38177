package util

import "time"

// Clock abstracts the time source. The admission controller and the token
// manager take a Clock at construction so tests can move "now" instead of
// sleeping or poking private timestamps.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall-clock time source.
func SystemClock() Clock { return systemClock{} }
