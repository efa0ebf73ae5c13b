package bptree

import "testing"

func TestInsertSearchSequential(t *testing.T) {
	tr := NewOrdered[int, string](8)

	for i := 1; i <= 1000; i++ {
		if err := tr.Insert(i, "v"); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	for i := 1; i <= 1000; i++ {
		if _, err := tr.Search(i); err != nil {
			t.Fatalf("search %d: %v", i, err)
		}
	}

	if tr.Stats().KeyCount != 1000 {
		t.Fatalf("expected 1000 keys, got %d", tr.Stats().KeyCount)
	}
}

func TestInsertDuplicateFails(t *testing.T) {
	tr := NewOrdered[int, string](8)
	_ = tr.Insert(1, "a")
	if err := tr.Insert(1, "b"); err != ErrKeyExists {
		t.Fatalf("expected ErrKeyExists, got %v", err)
	}
}

func TestUpsertOverwrites(t *testing.T) {
	tr := NewOrdered[int, string](8)
	tr.Upsert(1, "a")
	tr.Upsert(1, "b")

	v, err := tr.Search(1)
	if err != nil || v != "b" {
		t.Fatalf("expected b, got %q err=%v", v, err)
	}
}

func TestUpdateMissingFails(t *testing.T) {
	tr := NewOrdered[int, string](8)
	if err := tr.Update(1, "a"); err != ErrKeyNotFound {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestDeleteThenSearchMisses(t *testing.T) {
	tr := NewOrdered[int, string](8)
	for i := 0; i < 50; i++ {
		_ = tr.Insert(i, "v")
	}
	for i := 0; i < 50; i++ {
		if err := tr.Delete(i); err != nil {
			t.Fatalf("delete %d: %v", i, err)
		}
	}
	for i := 0; i < 50; i++ {
		if _, err := tr.Search(i); err != ErrKeyNotFound {
			t.Fatalf("expected key %d gone, got err=%v", i, err)
		}
	}
}

func TestAscendOrdersAndRespectsBounds(t *testing.T) {
	tr := NewOrdered[int, string](4)
	for i := 0; i < 100; i++ {
		tr.Upsert(i, "v")
	}

	from, to := 10, 20
	var got []int
	tr.Ascend(&from, &to, func(k int, _ string) bool {
		got = append(got, k)
		return true
	})

	if len(got) != 10 {
		t.Fatalf("expected 10 keys in [10,20), got %d", len(got))
	}
	for i, k := range got {
		if k != 10+i {
			t.Fatalf("expected ordered keys starting at 10, got %v", got)
		}
	}
}

func TestDescendOrdersAndRespectsBounds(t *testing.T) {
	tr := NewOrdered[int, string](4)
	for i := 0; i < 100; i++ {
		tr.Upsert(i, "v")
	}

	from, to := 20, 10
	var got []int
	tr.Descend(&from, &to, func(k int, _ string) bool {
		got = append(got, k)
		return true
	})

	if len(got) != 10 {
		t.Fatalf("expected 10 keys in (10,20], got %d", len(got))
	}
	for i, k := range got {
		if k != 20-i {
			t.Fatalf("expected descending keys starting at 20, got %v", got)
		}
	}
}

func TestLowerAndUpperBound(t *testing.T) {
	tr := NewOrdered[int, string](4)
	for _, k := range []int{10, 20, 30} {
		tr.Upsert(k, "v")
	}

	if k, _, ok := tr.LowerBound(15); !ok || k != 20 {
		t.Fatalf("LowerBound(15): got k=%d ok=%v, want 20", k, ok)
	}
	if k, _, ok := tr.LowerBound(20); !ok || k != 20 {
		t.Fatalf("LowerBound(20): got k=%d ok=%v, want 20", k, ok)
	}
	if k, _, ok := tr.UpperBound(20); !ok || k != 30 {
		t.Fatalf("UpperBound(20): got k=%d ok=%v, want 30", k, ok)
	}
	if _, _, ok := tr.UpperBound(30); ok {
		t.Fatalf("UpperBound(30): expected no key past 30")
	}
}

func TestRandomCapacity256Keys(t *testing.T) {
	tr := NewOrdered[int, int](256)
	const n = 100_000
	keys := pseudoShuffle(n)

	for _, k := range keys {
		tr.Upsert(k, k*2)
	}
	for _, k := range keys {
		v, err := tr.Search(k)
		if err != nil || v != k*2 {
			t.Fatalf("search %d: got %d err=%v", k, v, err)
		}
	}
}

// pseudoShuffle returns a deterministic permutation of [0, n) using a
// simple linear-congruential stride, avoiding math/rand so the test is
// reproducible without seeding.
func pseudoShuffle(n int) []int {
	out := make([]int, n)
	const stride = 104729 // prime, coprime with most practical n
	for i := 0; i < n; i++ {
		out[i] = (i * stride) % n
	}
	return out
}
