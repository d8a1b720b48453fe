package device

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// numWorkers defines the default parallelism for accelerated kernels.
var numWorkers atomic.Int64

func init() {
	numWorkers.Store(int64(runtime.NumCPU()))
}

// Workers returns the current fan-out width.
func Workers() int {
	return int(numWorkers.Load())
}

// SetWorkers changes the fan-out width and returns the previous value.
// Values below 1 are treated as 1.
func SetWorkers(n int) int {
	if n < 1 {
		n = 1
	}
	return int(numWorkers.Swap(int64(n)))
}

// ParallelFor splits [0, n) into contiguous chunks and calls fn once per
// chunk, one goroutine per chunk. It returns when every chunk is done.
// Work units must not depend on each other.
func ParallelFor(n int, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	workers := Workers()
	if workers > n {
		workers = n
	}
	if workers <= 1 {
		parallelInline.Inc()
		fn(0, n)
		return
	}
	parallelDispatches.Inc()

	var wg sync.WaitGroup
	perWorker := (n + workers - 1) / workers
	for w := 0; w < workers; w++ {
		start := w * perWorker
		if start >= n {
			break
		}
		end := start + perWorker
		if end > n {
			end = n
		}

		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			fn(s, e)
		}(start, end)
	}
	wg.Wait()
}
