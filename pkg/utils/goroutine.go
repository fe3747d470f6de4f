package utils

import (
	"runtime"
	"testing"
	"time"
)

// GoroutineLeakDetector fails a test when goroutines started during it are
// still running after it finishes. Transports and sessions use it to prove
// that Stop tears down every reader and writer loop.
type GoroutineLeakDetector struct {
	t              testing.TB
	initialCount   int
	allowedGrowth  int
	checkInterval  time.Duration
	stabilizeDelay time.Duration
}

// NewGoroutineLeakDetector creates a new goroutine leak detector
func NewGoroutineLeakDetector(t testing.TB) *GoroutineLeakDetector {
	return &GoroutineLeakDetector{
		t:              t,
		checkInterval:  50 * time.Millisecond,
		stabilizeDelay: 100 * time.Millisecond,
	}
}

// Start records the initial goroutine count
func (d *GoroutineLeakDetector) Start() {
	time.Sleep(d.stabilizeDelay)
	d.initialCount = runtime.NumGoroutine()
}

// Check compares the current goroutine count with the one recorded by Start.
// It samples a few times and keeps the minimum since exiting goroutines may
// still be unwinding.
func (d *GoroutineLeakDetector) Check() {
	d.t.Helper()
	time.Sleep(d.stabilizeDelay)

	finalCount := runtime.NumGoroutine()
	for i := 0; i < 2; i++ {
		time.Sleep(d.checkInterval)
		if c := runtime.NumGoroutine(); c < finalCount {
			finalCount = c
		}
	}

	leaked := finalCount - d.initialCount
	if leaked > d.allowedGrowth {
		buf := make([]byte, 1<<20)
		stackLen := runtime.Stack(buf, true)
		d.t.Errorf("goroutine leak: started with %d, ended with %d (allowed growth %d)\n%s",
			d.initialCount, finalCount, d.allowedGrowth, buf[:stackLen])
	}
}

// SetAllowedGrowth sets the number of goroutines allowed to grow
func (d *GoroutineLeakDetector) SetAllowedGrowth(n int) *GoroutineLeakDetector {
	d.allowedGrowth = n
	return d
}
