package art

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"cindex/internal/threadreg"
)

// TestConcurrentContentedSwap is the WL_CONTENTED_SWAP workload: T threads
// all insert, then all delete, then all re-insert the same set of keys,
// with a barrier between phases so every thread's call for a given key
// actually races every other thread's call for that same key. It targets
// the window where an unlocked presence check lets two racing Inserts
// both report success. (All 256 keys share one parent node, which has
// grown to Node256 before the first delete, so Node48 slot reuse is not
// exercised here.) Every round after the first begins by deleting the
// keys the previous round re-inserted, so each Insert phase starts from
// absent keys.
func TestConcurrentContentedSwap(t *testing.T) {
	tr := NewConcurrent[uint32, uint32]()

	const keys = 256
	const threads = 8
	const rounds = 10

	runPhase := func(op func(h *threadreg.Handle, k uint32) error) []int32 {
		successes := make([]atomic.Int32, keys)
		var g errgroup.Group
		for w := 0; w < threads; w++ {
			g.Go(func() error {
				h, err := NewHandle()
				if err != nil {
					return err
				}
				defer ReleaseHandle(h)
				for k := uint32(0); k < keys; k++ {
					if op(h, k) == nil {
						successes[k].Add(1)
					}
				}
				return nil
			})
		}
		require.NoError(t, g.Wait())
		out := make([]int32, keys)
		for k := range out {
			out[k] = successes[k].Load()
		}
		return out
	}

	for round := 0; round < rounds; round++ {
		if round > 0 {
			cleared := runPhase(func(h *threadreg.Handle, k uint32) error {
				return tr.Delete(h, k)
			})
			for k, n := range cleared {
				require.Equal(t, int32(1), n, "round %d: key %d had %d successful deletes of the previous round's keys, want exactly 1", round, k, n)
			}
		}

		inserted := runPhase(func(h *threadreg.Handle, k uint32) error {
			return tr.Insert(h, k, k)
		})
		for k, n := range inserted {
			require.Equal(t, int32(1), n, "round %d: key %d had %d successful inserts into an absent key, want exactly 1", round, k, n)
		}

		deleted := runPhase(func(h *threadreg.Handle, k uint32) error {
			return tr.Delete(h, k)
		})
		for k, n := range deleted {
			require.Equal(t, int32(1), n, "round %d: key %d had %d successful deletes of a present key, want exactly 1", round, k, n)
		}

		reinserted := runPhase(func(h *threadreg.Handle, k uint32) error {
			return tr.Insert(h, k, k+1)
		})
		for k, n := range reinserted {
			require.Equal(t, int32(1), n, "round %d: key %d had %d successful re-inserts into an absent key, want exactly 1", round, k, n)
		}
	}

	h := mustHandle(t)
	for k := uint32(0); k < keys; k++ {
		v, err := tr.Search(h, k)
		require.NoError(t, err, "key %d should be present exactly once after the contended swap", k)
		require.Equal(t, k+1, v)
	}
	require.Equal(t, int64(keys), tr.Stats().KeyCount)
}
