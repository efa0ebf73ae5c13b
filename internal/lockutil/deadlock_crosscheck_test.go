package lockutil

import (
	"testing"

	godeadlock "github.com/sasha-s/go-deadlock"
)

// TestDeadlockCrossCheckNoFalsePositive exercises
// github.com/sasha-s/go-deadlock directly (a runtime, lock-order-graph
// detector, independent of our own wait-for-graph implementation in
// mutex.go) over consistently-ordered locking, as a cross-check sanity
// test: if the benign, textbook-safe ordering below ever tripped
// go-deadlock's detector, that would mean the library itself - not just
// our own Mutex - disagrees with what a "safe" lock ordering is, and our
// own TestDeadlockSafeMutexNoFalsePositive would be trusting the wrong
// baseline.
func TestDeadlockCrossCheckNoFalsePositive(t *testing.T) {
	tripped := false
	godeadlock.Opts.OnPotentialDeadlock = func() { tripped = true }
	defer func() { godeadlock.Opts.OnPotentialDeadlock = nil }()

	var a, b godeadlock.Mutex

	for i := 0; i < 100; i++ {
		a.Lock()
		b.Lock()
		b.Unlock()
		a.Unlock()
	}

	if tripped {
		t.Fatal("go-deadlock flagged a consistently-ordered lock sequence as a potential deadlock")
	}
}
