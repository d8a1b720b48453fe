package device

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-layers/internal/engine"
)

func TestParallelFor_CoversRangeOnce(t *testing.T) {
	prev := SetWorkers(4)
	defer SetWorkers(prev)

	for _, n := range []int{0, 1, 3, 4, 17, 1000} {
		hits := make([]int32, n)
		ParallelFor(n, func(start, end int) {
			for i := start; i < end; i++ {
				atomic.AddInt32(&hits[i], 1)
			}
		})
		for i, h := range hits {
			require.Equal(t, int32(1), h, "n=%d index %d", n, i)
		}
	}
}

func TestParallelFor_SingleWorkerRunsInline(t *testing.T) {
	prev := SetWorkers(1)
	defer SetWorkers(prev)

	calls := 0
	ParallelFor(10, func(start, end int) {
		calls++
		assert.Equal(t, 0, start)
		assert.Equal(t, 10, end)
	})
	assert.Equal(t, 1, calls)
}

func TestSetWorkers_ClampsToOne(t *testing.T) {
	prev := SetWorkers(0)
	defer SetWorkers(prev)
	assert.Equal(t, 1, Workers())
}

func TestBufferPool(t *testing.T) {
	p := &BufferPool{}
	buf := p.Get(16)
	require.Len(t, buf, 16)
	buf[3] = 42
	p.Put(buf)

	again := p.Get(8)
	require.Len(t, again, 8)
	for i, v := range again {
		assert.Zero(t, v, "index %d not zeroed", i)
	}
}

func TestDetectAndRestrict(t *testing.T) {
	caps := Detect()
	assert.Equal(t, acceleratedCompiledIn, caps.Accelerated)
	assert.Equal(t, caps, Detect())

	got, ok := Restrict(engine.ReferenceAndAccelerated(), "reference")
	require.True(t, ok)
	assert.False(t, got.Accelerated)

	got, ok = Restrict(engine.ReferenceAndAccelerated(), "auto")
	require.True(t, ok)
	assert.True(t, got.Accelerated)

	_, ok = Restrict(engine.ReferenceAndAccelerated(), "gpu")
	assert.False(t, ok)

	assert.NotEmpty(t, BLASImplementation())
}
