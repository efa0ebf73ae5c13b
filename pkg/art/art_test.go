package art

import "testing"

func TestInsertSearchUint32(t *testing.T) {
	tr := New[uint32, string]()
	for i := uint32(0); i < 2000; i++ {
		if err := tr.Insert(i, "v"); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	for i := uint32(0); i < 2000; i++ {
		if _, err := tr.Search(i); err != nil {
			t.Fatalf("search %d: %v", i, err)
		}
	}
	if tr.Stats().KeyCount != 2000 {
		t.Fatalf("expected 2000 keys, got %d", tr.Stats().KeyCount)
	}
}

func TestInsertDuplicateFails(t *testing.T) {
	tr := New[uint64, int]()
	_ = tr.Insert(1, 1)
	if err := tr.Insert(1, 2); err != ErrKeyExists {
		t.Fatalf("expected ErrKeyExists, got %v", err)
	}
}

func TestUpsertOverwrites(t *testing.T) {
	tr := New[uint64, string]()
	tr.Upsert(7, "a")
	tr.Upsert(7, "b")
	v, err := tr.Search(7)
	if err != nil || v != "b" {
		t.Fatalf("expected b, got %q err=%v", v, err)
	}
}

func TestDeleteRemovesKey(t *testing.T) {
	tr := New[uint16, int]()
	for i := uint16(0); i < 300; i++ {
		tr.Upsert(i, int(i))
	}
	for i := uint16(0); i < 300; i += 2 {
		if err := tr.Delete(i); err != nil {
			t.Fatalf("delete %d: %v", i, err)
		}
	}
	for i := uint16(0); i < 300; i++ {
		_, err := tr.Search(i)
		if i%2 == 0 && err != ErrKeyNotFound {
			t.Fatalf("expected key %d deleted", i)
		}
		if i%2 == 1 && err != nil {
			t.Fatalf("expected key %d present: %v", i, err)
		}
	}
}

func TestAscendOrdersUint64Keys(t *testing.T) {
	tr := New[uint64, int]()
	input := []uint64{500, 3, 70000, 1, 2}
	for _, k := range input {
		tr.Upsert(k, int(k))
	}

	var got []uint64
	tr.Ascend(func(k uint64, _ int) bool {
		got = append(got, k)
		return true
	})

	want := []uint64{1, 2, 3, 500, 70000}
	if len(got) != len(want) {
		t.Fatalf("expected %d keys, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected ascending order %v, got %v", want, got)
		}
	}
}

func TestLargeUniformRandomUint64Keys(t *testing.T) {
	tr := New[uint64, uint64]()
	const n = 50_000
	var key uint64 = 0x9E3779B97F4A7C15 // splitmix64 seed, deterministic

	keys := make([]uint64, n)
	for i := range keys {
		key += 0x9E3779B97F4A7C15
		z := key
		z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
		z = (z ^ (z >> 27)) * 0x94D049BB133111EB
		z = z ^ (z >> 31)
		keys[i] = z
	}

	for _, k := range keys {
		tr.Upsert(k, k)
	}
	for _, k := range keys {
		v, err := tr.Search(k)
		if err != nil || v != k {
			t.Fatalf("search %d: got %d err=%v", k, v, err)
		}
	}
}
