package epoch

import (
	"testing"

	"cindex/internal/threadreg"
)

func testHandle(t *testing.T) *threadreg.Handle {
	t.Helper()
	h, ok := threadreg.Default().Register()
	if !ok {
		t.Fatalf("failed to register thread handle")
	}
	t.Cleanup(func() { threadreg.Default().Unregister(h) })
	return h
}

func TestEnterExitTracksLocalEpoch(t *testing.T) {
	m := New[int](nil)
	h := testHandle(t)

	if got := m.MyEpoch(h); got != Quiescent {
		t.Fatalf("expected Quiescent before Enter, got %d", got)
	}

	m.Enter(h)
	if got := m.MyEpoch(h); got != m.Now() {
		t.Fatalf("expected local epoch %d, got %d", m.Now(), got)
	}

	m.Exit(h)
	if got := m.MyEpoch(h); got != Quiescent {
		t.Fatalf("expected Quiescent after Exit, got %d", got)
	}
}

func TestRetireWaitsForActiveReader(t *testing.T) {
	var reclaimed []string
	m := New[string](func(v string) { reclaimed = append(reclaimed, v) })

	reader := testHandle(t)
	writer := testHandle(t)

	m.Enter(reader) // pins the current epoch

	m.RetireInNewEpoch(writer, "node-a")
	m.DoReclaim(writer)
	if len(reclaimed) != 0 {
		t.Fatalf("expected retiree to survive while reader is active, got %v", reclaimed)
	}

	m.Exit(reader)
	m.DoReclaim(writer)
	if len(reclaimed) != 1 || reclaimed[0] != "node-a" {
		t.Fatalf("expected node-a reclaimed after reader exits, got %v", reclaimed)
	}
}

func TestReclaimAllScansEveryThread(t *testing.T) {
	var reclaimed []int
	m := New[int](func(v int) { reclaimed = append(reclaimed, v) })

	w1 := testHandle(t)
	w2 := testHandle(t)

	m.RetireInNewEpoch(w1, 1)
	m.RetireInNewEpoch(w2, 2)

	m.ReclaimAll()
	if len(reclaimed) != 2 {
		t.Fatalf("expected both retirees reclaimed, got %v", reclaimed)
	}
}

func TestSetReclamationThresholdTriggersScanOnRetire(t *testing.T) {
	var reclaimed []int
	m := New[int](func(v int) { reclaimed = append(reclaimed, v) })
	m.SetReclamationThreshold(1)

	h := testHandle(t)
	m.RetireInCurrentEpoch(h, 7)

	if len(reclaimed) != 1 {
		t.Fatalf("expected threshold of 1 to trigger an immediate scan, got %v", reclaimed)
	}
}
