package art

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

func TestConcurrentInsertSearch(t *testing.T) {
	tr := NewConcurrent[uint32, string]()
	h := mustHandle(t)

	for i := uint32(0); i < 2000; i++ {
		if err := tr.Insert(h, i, "v"); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	for i := uint32(0); i < 2000; i++ {
		if _, err := tr.Search(h, i); err != nil {
			t.Fatalf("search %d: %v", i, err)
		}
	}
	if tr.Stats().KeyCount != 2000 {
		t.Fatalf("expected 2000 keys, got %d", tr.Stats().KeyCount)
	}
}

func TestConcurrentParallelInsertDelete(t *testing.T) {
	tr := NewConcurrent[uint32, int]()

	const writers = 8
	const perWriter = 500

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(base uint32) {
			defer wg.Done()
			h, err := NewHandle()
			if err != nil {
				t.Error(err)
				return
			}
			defer ReleaseHandle(h)
			for i := uint32(0); i < perWriter; i++ {
				tr.Upsert(h, base*perWriter+i, int(i))
			}
		}(uint32(w))
	}
	wg.Wait()

	if got := tr.Stats().KeyCount; got != writers*perWriter {
		t.Fatalf("expected %d keys, got %d", writers*perWriter, got)
	}

	h := mustHandle(t)
	for i := uint32(0); i < perWriter; i++ {
		if err := tr.Delete(h, i); err != nil {
			t.Fatalf("delete %d: %v", i, err)
		}
	}
	if got := tr.Stats().KeyCount; got != writers*perWriter-perWriter {
		t.Fatalf("expected %d keys after delete, got %d", writers*perWriter-perWriter, got)
	}
}

func TestConcurrentAscend(t *testing.T) {
	tr := NewConcurrent[uint16, int]()
	h := mustHandle(t)

	for i := uint16(0); i < 100; i++ {
		tr.Upsert(h, i, int(i))
	}

	var got []uint16
	tr.Ascend(h, func(k uint16, _ int) bool {
		got = append(got, k)
		return true
	})

	if len(got) != 100 {
		t.Fatalf("expected 100 keys, got %d", len(got))
	}
	for i, k := range got {
		if int(k) != i {
			t.Fatalf("expected ascending order, got %v", got)
		}
	}
}
