package bptree

import (
	"sync"
	"testing"

	"cindex/internal/threadreg"
)

func mustHandle(t *testing.T) *threadreg.Handle {
	t.Helper()
	h, err := NewHandle()
	if err != nil {
		t.Fatalf("NewHandle: %v", err)
	}
	t.Cleanup(func() { ReleaseHandle(h) })
	return h
}

func TestConcurrentInsertSearchSequential(t *testing.T) {
	tr := NewConcurrentOrdered[int, string](8)
	h := mustHandle(t)

	for i := 1; i <= 1000; i++ {
		if err := tr.Insert(h, i, "v"); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	for i := 1; i <= 1000; i++ {
		if _, err := tr.Search(h, i); err != nil {
			t.Fatalf("search %d: %v", i, err)
		}
	}
	if tr.Stats().KeyCount != 1000 {
		t.Fatalf("expected 1000 keys, got %d", tr.Stats().KeyCount)
	}
}

func TestConcurrentParallelWritersAndReaders(t *testing.T) {
	tr := NewConcurrentOrdered[int, int](16)

	const writers = 8
	const perWriter = 500

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			h, err := NewHandle()
			if err != nil {
				t.Error(err)
				return
			}
			defer ReleaseHandle(h)
			for i := 0; i < perWriter; i++ {
				tr.Upsert(h, base*perWriter+i, i)
			}
		}(w)
	}

	var readerWG sync.WaitGroup
	stop := make(chan struct{})
	readerWG.Add(1)
	go func() {
		defer readerWG.Done()
		h, err := NewHandle()
		if err != nil {
			t.Error(err)
			return
		}
		defer ReleaseHandle(h)
		for {
			select {
			case <-stop:
				return
			default:
				tr.Search(h, 1)
			}
		}
	}()

	wg.Wait()
	close(stop)
	readerWG.Wait()

	if got := tr.Stats().KeyCount; got != writers*perWriter {
		t.Fatalf("expected %d keys, got %d", writers*perWriter, got)
	}
}

func TestConcurrentDeleteAndAscend(t *testing.T) {
	tr := NewConcurrentOrdered[int, int](8)
	h := mustHandle(t)

	for i := 0; i < 100; i++ {
		tr.Upsert(h, i, i)
	}
	for i := 0; i < 50; i++ {
		if err := tr.Delete(h, i); err != nil {
			t.Fatalf("delete %d: %v", i, err)
		}
	}

	var got []int
	tr.Ascend(h, nil, nil, func(k int, _ int) bool {
		got = append(got, k)
		return true
	})

	if len(got) != 50 {
		t.Fatalf("expected 50 remaining keys, got %d", len(got))
	}
	for i, k := range got {
		if k != 50+i {
			t.Fatalf("expected ordered remaining keys from 50, got %v", got)
		}
	}
}

func TestConcurrentDescendAndBounds(t *testing.T) {
	tr := NewConcurrentOrdered[int, int](8)
	h := mustHandle(t)

	for _, k := range []int{10, 20, 30, 40} {
		tr.Upsert(h, k, k)
	}

	var got []int
	tr.Descend(h, nil, nil, func(k int, _ int) bool {
		got = append(got, k)
		return true
	})
	want := []int{40, 30, 20, 10}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i, k := range got {
		if k != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}

	if k, _, ok := tr.LowerBound(h, 25); !ok || k != 30 {
		t.Fatalf("LowerBound(25): got k=%d ok=%v, want 30", k, ok)
	}
	if k, _, ok := tr.UpperBound(h, 30); !ok || k != 40 {
		t.Fatalf("UpperBound(30): got k=%d ok=%v, want 40", k, ok)
	}
}
