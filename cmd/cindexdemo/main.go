// Command cindexdemo is a smoke-test driver, not a benchmark harness
// (this module ships no benchmark suite): it builds one
// instance of each concurrent index, drives a handful of goroutines
// through inserts/updates/deletes against it, and prints the resulting
// stats so a reader can see the three families actually behave.
package main

import (
	"fmt"
	"sync"

	"cindex/internal/logging"
	"cindex/pkg/art"
	"cindex/pkg/bptree"
	"cindex/pkg/hashmap"
)

const writers = 4
const perWriter = 2500

func main() {
	logging.SetConsoleWriter()

	runBTree()
	runART()
	runHashMap()
}

func runBTree() {
	tr := bptree.NewConcurrentOrdered[uint64, uint64](bptree.DefaultNodeSize)

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(base uint64) {
			defer wg.Done()
			h, err := bptree.NewHandle()
			if err != nil {
				panic(err)
			}
			defer bptree.ReleaseHandle(h)
			for i := uint64(0); i < perWriter; i++ {
				tr.Upsert(h, base*perWriter+i, i)
			}
		}(uint64(w))
	}
	wg.Wait()

	stats := tr.Stats()
	fmt.Printf("bptree: keys=%d height=%d splits=%d\n", stats.KeyCount, stats.Height, stats.SplitCount)

	h, err := bptree.NewHandle()
	if err != nil {
		panic(err)
	}
	defer bptree.ReleaseHandle(h)
	if k, _, ok := tr.LowerBound(h, 0); ok {
		fmt.Printf("bptree: lower_bound(0)=%d\n", k)
	}

	tr.Close()
}

func runART() {
	tr := art.NewConcurrent[uint64, uint64]()

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(base uint64) {
			defer wg.Done()
			h, err := art.NewHandle()
			if err != nil {
				panic(err)
			}
			defer art.ReleaseHandle(h)
			for i := uint64(0); i < perWriter; i++ {
				tr.Upsert(h, base*perWriter+i, i)
			}
		}(uint64(w))
	}
	wg.Wait()

	stats := tr.Stats()
	fmt.Printf("art: keys=%d inserts=%d\n", stats.KeyCount, stats.InsertCount)
	tr.Close()
}

func runHashMap() {
	m := hashmap.NewConcurrent[uint64, uint64](hashmap.Uint64Hasher())

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(base uint64) {
			defer wg.Done()
			h, err := hashmap.NewHandle()
			if err != nil {
				panic(err)
			}
			defer hashmap.ReleaseHandle(h)
			for i := uint64(0); i < perWriter; i++ {
				m.Upsert(h, base*perWriter+i, i)
			}
		}(uint64(w))
	}
	wg.Wait()

	stats := m.Stats()
	fmt.Printf("hashmap: values=%d grows=%d capacity=%d load_factor=%d%%\n",
		stats.ValueCount, stats.GrowCount, stats.Capacity, m.LoadFactor())
}
