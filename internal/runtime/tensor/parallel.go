package tensor

import (
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

var workers atomic.Int64

func init() { workers.Store(1) }

// SetWorkers bounds the goroutines a single kernel call may use. n <= 1 runs
// kernels on the calling goroutine.
func SetWorkers(n int) {
	workers.Store(int64(max(n, 1)))
}

// parallelRows splits [0, n) into contiguous chunks, one per worker.
func parallelRows(n int, fn func(lo, hi int)) {
	if n <= 0 {
		return
	}

	w := min(int(workers.Load()), n)
	if w <= 1 {
		fn(0, n)
		return
	}

	chunk := (n + w - 1) / w

	var g errgroup.Group
	for lo := 0; lo < n; lo += chunk {
		g.Go(func() error {
			fn(lo, min(lo+chunk, n))
			return nil
		})
	}

	_ = g.Wait()
}
