package uevent

import (
	"time"

	"github.com/sirupsen/logrus"
)

const (
	maxAccumulationCount = 2048
	maxAccumulationTime  = 30 * 1000 // milliseconds
	minBurstSpeed        = 10        // events per second
)

// shouldAccumulate reports whether the listener is still inside a uevent
// burst and should keep batching instead of forwarding. It only steers
// the poll timeout; it never moves data itself.
func shouldAccumulate(windowStart time.Time, events int) bool {
	if events > maxAccumulationCount {
		logrus.Warnf("burst got %d uevents, too much uevents, stopped", events)
		return false
	}

	elapsed := time.Since(windowStart).Milliseconds()
	if elapsed == 0 {
		return true
	}
	if elapsed > maxAccumulationTime {
		logrus.Warnf("burst continued %d ms, too long time, stopped", elapsed)
		return false
	}

	return int64(events)*1000/elapsed > minBurstSpeed
}
