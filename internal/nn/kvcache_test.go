package nn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/kosmos/internal/backend/cpu"
	"github.com/born-ml/kosmos/internal/tensor"
)

func TestDynamicCacheGrowsMonotonically(t *testing.T) {
	backend := cpu.New()
	cache := NewDynamicCache[*cpu.CPUBackend](2)
	assert.Equal(t, 0, cache.SeqLength(0))
	assert.Equal(t, -1, cache.MaxLength())

	for step := 1; step <= 5; step++ {
		k := randn(backend, int64(step), 2, 3, 1, 4)
		v := randn(backend, int64(step+100), 2, 3, 1, 4)
		allK, allV := cache.Update(0, k, v)
		require.Equal(t, tensor.Shape{2, 3, step, 4}, allK.Shape())
		require.Equal(t, tensor.Shape{2, 3, step, 4}, allV.Shape())
		assert.Equal(t, step, cache.SeqLength(0))
	}
	assert.Equal(t, 0, cache.SeqLength(1))
}

func TestDynamicCacheKeepsOrder(t *testing.T) {
	backend := cpu.New()
	cache := NewDynamicCache[*cpu.CPUBackend](1)
	a := tensor.MustFromSlice([]float32{1, 2}, tensor.Shape{1, 1, 1, 2}, backend)
	b := tensor.MustFromSlice([]float32{3, 4, 5, 6}, tensor.Shape{1, 1, 2, 2}, backend)
	cache.Update(0, a, a)
	k, _ := cache.Update(0, b, b)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, k.Data())
}

func TestDynamicCacheLayerOutOfRange(t *testing.T) {
	backend := cpu.New()
	cache := NewDynamicCache[*cpu.CPUBackend](2)
	k := randn(backend, 1, 1, 1, 1, 2)
	assert.Panics(t, func() { cache.Update(2, k, k) })
	assert.Panics(t, func() { cache.Update(-1, k, k) })
	assert.Panics(t, func() { cache.SeqLength(5) })
}

func TestDynamicCacheRejectsMismatchedHeads(t *testing.T) {
	backend := cpu.New()
	cache := NewDynamicCache[*cpu.CPUBackend](1)
	cache.Update(0, randn(backend, 1, 1, 2, 1, 4), randn(backend, 2, 1, 2, 1, 4))
	assert.Panics(t, func() {
		cache.Update(0, randn(backend, 3, 1, 3, 1, 4), randn(backend, 4, 1, 3, 1, 4))
	})
}

func TestLegacyRoundTrip(t *testing.T) {
	backend := cpu.New()
	cache := NewDynamicCache[*cpu.CPUBackend](3)
	k := randn(backend, 1, 1, 2, 3, 4)
	cache.Update(0, k, k)
	cache.Update(1, k, k)

	legacy := cache.ToLegacy()
	require.Len(t, legacy, 2)
	assert.Equal(t, 3, legacy.SeqLength())

	back := legacy.ToDynamic(3)
	assert.Equal(t, 3, back.SeqLength(1))
	assert.Equal(t, 0, back.SeqLength(2))
	assert.Panics(t, func() { legacy.ToDynamic(1) })
}

func TestDynamicCacheReorder(t *testing.T) {
	backend := cpu.New()
	cache := NewDynamicCache[*cpu.CPUBackend](1)
	k := tensor.MustFromSlice([]float32{1, 2, 3}, tensor.Shape{3, 1, 1, 1}, backend)
	cache.Update(0, k, k)

	cache.Reorder(tensor.MustFromSlice([]int64{2, 2, 0}, tensor.Shape{3}, backend))
	got, _ := cache.Layer(0)
	assert.Equal(t, []float32{3, 3, 1}, got.Data())
}

func TestStaticCache(t *testing.T) {
	backend := cpu.New()
	cache := NewStaticCache(2, 1, 2, 4, 3, backend)
	assert.Equal(t, 4, cache.MaxLength())
	assert.Equal(t, 0, cache.CurrentLength())

	first := randn(backend, 1, 1, 2, 3, 3)
	k, v := cache.Update(0, first, first)
	assert.Equal(t, tensor.Shape{1, 2, 3, 3}, k.Shape())
	assert.Equal(t, first.Data(), v.Data())
	assert.Equal(t, 3, cache.CurrentLength())

	next := randn(backend, 2, 1, 2, 1, 3)
	k, _ = cache.Update(0, next, next)
	assert.Equal(t, tensor.Shape{1, 2, 4, 3}, k.Shape())
	// Head 1 of the combined entry is first's head 1 followed by next's head 1.
	assert.Equal(t, first.Data()[9:18], k.Data()[12:21])
	assert.Equal(t, next.Data()[3:6], k.Data()[21:24])

	assert.Panics(t, func() { cache.Update(0, next, next) }, "capacity exceeded")
	assert.Panics(t, func() { cache.Update(2, next, next) }, "layer out of range")

	cache.Reset()
	assert.Equal(t, 0, cache.CurrentLength())
}

func TestEncoderCache(t *testing.T) {
	backend := cpu.New()
	cache := NewEncoderCache[*cpu.CPUBackend](2)
	_, _, ok := cache.Lookup(0, 5)
	assert.False(t, ok)

	k := randn(backend, 1, 1, 2, 5, 4)
	cache.Store(0, k, k)
	got, _, ok := cache.Lookup(0, 5)
	require.True(t, ok)
	assert.Same(t, k, got)

	_, _, ok = cache.Lookup(0, 6)
	assert.False(t, ok, "different conditioning length misses")
	assert.Panics(t, func() { cache.Store(0, k, k) }, "entries are written once")
	assert.Panics(t, func() { cache.Lookup(3, 5) })
}
