package nn

import (
	"fmt"

	"github.com/born-ml/kosmos/internal/tensor"
)

// Cache stores the keys and values each decoder layer has already
// projected so that a decoding step only projects its new tokens.
//
// Entries are [batch, heads, seen, head_dim]. seen never decreases for a
// layer within one generation run. A Cache must not be shared by two
// decoding steps in flight at the same time.
type Cache[B tensor.Backend] interface {
	// Update appends key and value for layer and returns everything the
	// layer has seen so far. An out-of-range layer panics.
	Update(layer int, key, value *tensor.Tensor[float32, B]) (*tensor.Tensor[float32, B], *tensor.Tensor[float32, B])
	// SeqLength returns the number of positions stored for layer.
	SeqLength(layer int) int
	// MaxLength returns the capacity, or -1 when the cache grows without bound.
	MaxLength() int
	// NumLayers returns the number of layer slots.
	NumLayers() int
	// Reorder permutes the batch dimension of every entry, selecting rows
	// beamIdx[0], beamIdx[1], ...
	Reorder(beamIdx *tensor.Tensor[int64, B])
}

func checkLayer(op string, layer, numLayers int) {
	if layer < 0 || layer >= numLayers {
		panic(fmt.Sprintf("%s: layer index %d out of range [0, %d)", op, layer, numLayers))
	}
}

func checkKV[B tensor.Backend](op string, key, value *tensor.Tensor[float32, B]) {
	ks, vs := key.Shape(), value.Shape()
	if len(ks) != 4 || len(vs) != 4 || !ks[:3].Equal(vs[:3]) {
		panic(fmt.Sprintf("%s: key %v and value %v must be [batch, heads, seq, head_dim]", op, ks, vs))
	}
}

// DynamicCache grows each layer's entry by concatenation along the
// sequence axis.
//
// Example:
//
//	cache := nn.NewDynamicCache[B](24)
//	k, v = cache.Update(0, k, v) // k: [b, h, past+new, d]
type DynamicCache[B tensor.Backend] struct {
	keys   []*tensor.Tensor[float32, B]
	values []*tensor.Tensor[float32, B]
}

// NewDynamicCache creates an empty cache with numLayers slots.
func NewDynamicCache[B tensor.Backend](numLayers int) *DynamicCache[B] {
	return &DynamicCache[B]{
		keys:   make([]*tensor.Tensor[float32, B], numLayers),
		values: make([]*tensor.Tensor[float32, B], numLayers),
	}
}

// Update implements Cache.
func (c *DynamicCache[B]) Update(layer int, key, value *tensor.Tensor[float32, B]) (*tensor.Tensor[float32, B], *tensor.Tensor[float32, B]) {
	checkLayer("DynamicCache.Update", layer, len(c.keys))
	checkKV("DynamicCache.Update", key, value)
	if c.keys[layer] == nil {
		c.keys[layer], c.values[layer] = key, value
		return key, value
	}
	prev := c.keys[layer].Shape()
	ks := key.Shape()
	if prev[0] != ks[0] || prev[1] != ks[1] || prev[3] != ks[3] {
		panic(fmt.Sprintf("DynamicCache.Update: layer %d holds %v, cannot append %v", layer, prev, ks))
	}
	c.keys[layer] = tensor.Cat([]*tensor.Tensor[float32, B]{c.keys[layer], key}, 2)
	c.values[layer] = tensor.Cat([]*tensor.Tensor[float32, B]{c.values[layer], value}, 2)
	return c.keys[layer], c.values[layer]
}

// SeqLength implements Cache.
func (c *DynamicCache[B]) SeqLength(layer int) int {
	checkLayer("DynamicCache.SeqLength", layer, len(c.keys))
	if c.keys[layer] == nil {
		return 0
	}
	return c.keys[layer].Shape()[2]
}

// MaxLength implements Cache; a dynamic cache is unbounded.
func (c *DynamicCache[B]) MaxLength() int { return -1 }

// NumLayers implements Cache.
func (c *DynamicCache[B]) NumLayers() int { return len(c.keys) }

// Layer returns the stored entry for layer, or nils when empty.
func (c *DynamicCache[B]) Layer(layer int) (key, value *tensor.Tensor[float32, B]) {
	checkLayer("DynamicCache.Layer", layer, len(c.keys))
	return c.keys[layer], c.values[layer]
}

// Reorder implements Cache.
func (c *DynamicCache[B]) Reorder(beamIdx *tensor.Tensor[int64, B]) {
	for i := range c.keys {
		if c.keys[i] == nil {
			continue
		}
		c.keys[i] = c.keys[i].IndexSelect(0, beamIdx.Raw())
		c.values[i] = c.values[i].IndexSelect(0, beamIdx.Raw())
	}
}

// ToLegacy exports the cache as per-layer key/value pairs.
// Layers that were never written are omitted from the tail.
func (c *DynamicCache[B]) ToLegacy() LegacyCache[B] {
	n := 0
	for i, k := range c.keys {
		if k != nil {
			n = i + 1
		}
	}
	out := make(LegacyCache[B], n)
	for i := 0; i < n; i++ {
		out[i] = LayerKV[B]{Key: c.keys[i], Value: c.values[i]}
	}
	return out
}

// LayerKV is one layer's cached key and value.
type LayerKV[B tensor.Backend] struct {
	Key   *tensor.Tensor[float32, B]
	Value *tensor.Tensor[float32, B]
}

// LegacyCache is the plain per-layer list representation of a cache,
// accepted at the model boundary for older callers.
type LegacyCache[B tensor.Backend] []LayerKV[B]

// ToDynamic wraps the legacy entries in a DynamicCache with numLayers slots.
func (l LegacyCache[B]) ToDynamic(numLayers int) *DynamicCache[B] {
	if len(l) > numLayers {
		panic(fmt.Sprintf("LegacyCache.ToDynamic: %d entries for %d layers", len(l), numLayers))
	}
	c := NewDynamicCache[B](numLayers)
	for i, kv := range l {
		c.keys[i], c.values[i] = kv.Key, kv.Value
	}
	return c
}

// SeqLength returns the sequence length stored in the first layer.
func (l LegacyCache[B]) SeqLength() int {
	if len(l) == 0 || l[0].Key == nil {
		return 0
	}
	return l[0].Key.Shape()[2]
}

// StaticCache preallocates [batch, heads, capacity, head_dim] buffers per
// layer and tracks how much of each is in use. Update returns the used prefix.
type StaticCache[B tensor.Backend] struct {
	batch, heads, capacity, headDim int

	keys    []*tensor.Tensor[float32, B]
	values  []*tensor.Tensor[float32, B]
	lengths []int
}

// NewStaticCache allocates a fixed-capacity cache.
func NewStaticCache[B tensor.Backend](numLayers, batch, heads, capacity, headDim int, backend B) *StaticCache[B] {
	if numLayers <= 0 || batch <= 0 || heads <= 0 || capacity <= 0 || headDim <= 0 {
		panic(fmt.Sprintf("NewStaticCache: invalid geometry layers=%d batch=%d heads=%d capacity=%d head_dim=%d",
			numLayers, batch, heads, capacity, headDim))
	}
	c := &StaticCache[B]{
		batch:    batch,
		heads:    heads,
		capacity: capacity,
		headDim:  headDim,
		keys:     make([]*tensor.Tensor[float32, B], numLayers),
		values:   make([]*tensor.Tensor[float32, B], numLayers),
		lengths:  make([]int, numLayers),
	}
	shape := tensor.Shape{batch, heads, capacity, headDim}
	for i := range c.keys {
		c.keys[i] = tensor.Zeros[float32](shape, backend)
		c.values[i] = tensor.Zeros[float32](shape, backend)
	}
	return c
}

// Update implements Cache. Writing past the capacity panics.
func (c *StaticCache[B]) Update(layer int, key, value *tensor.Tensor[float32, B]) (*tensor.Tensor[float32, B], *tensor.Tensor[float32, B]) {
	checkLayer("StaticCache.Update", layer, len(c.keys))
	checkKV("StaticCache.Update", key, value)
	ks := key.Shape()
	if ks[0] != c.batch || ks[1] != c.heads || ks[3] != c.headDim || value.Shape()[3] != c.headDim {
		panic(fmt.Sprintf("StaticCache.Update: got %v, cache holds [%d %d * %d]", ks, c.batch, c.heads, c.headDim))
	}
	n := ks[2]
	start := c.lengths[layer]
	if start+n > c.capacity {
		panic(fmt.Sprintf("StaticCache.Update: layer %d would hold %d positions, capacity is %d", layer, start+n, c.capacity))
	}
	c.write(c.keys[layer].Data(), key.Data(), start, n)
	c.write(c.values[layer].Data(), value.Data(), start, n)
	c.lengths[layer] = start + n
	return c.keys[layer].Narrow(2, 0, start+n), c.values[layer].Narrow(2, 0, start+n)
}

func (c *StaticCache[B]) write(dst, src []float32, start, n int) {
	for bh := 0; bh < c.batch*c.heads; bh++ {
		d := dst[(bh*c.capacity+start)*c.headDim:]
		copy(d[:n*c.headDim], src[bh*n*c.headDim:(bh+1)*n*c.headDim])
	}
}

// SeqLength implements Cache.
func (c *StaticCache[B]) SeqLength(layer int) int {
	checkLayer("StaticCache.SeqLength", layer, len(c.keys))
	return c.lengths[layer]
}

// CurrentLength returns the positions stored in the first layer.
func (c *StaticCache[B]) CurrentLength() int { return c.lengths[0] }

// MaxLength implements Cache.
func (c *StaticCache[B]) MaxLength() int { return c.capacity }

// NumLayers implements Cache.
func (c *StaticCache[B]) NumLayers() int { return len(c.keys) }

// Reorder implements Cache. beamIdx must have length batch.
func (c *StaticCache[B]) Reorder(beamIdx *tensor.Tensor[int64, B]) {
	if beamIdx.NumElements() != c.batch {
		panic(fmt.Sprintf("StaticCache.Reorder: %d indices for batch %d", beamIdx.NumElements(), c.batch))
	}
	for i := range c.keys {
		c.keys[i] = c.keys[i].IndexSelect(0, beamIdx.Raw())
		c.values[i] = c.values[i].IndexSelect(0, beamIdx.Raw())
	}
}

// Reset empties every layer without releasing the buffers.
func (c *StaticCache[B]) Reset() {
	clear(c.lengths)
}

// EncoderCache holds cross-attention keys and values computed from a
// conditioning sequence. Each layer is written at most once per run; later
// steps reuse the entry while the conditioning length is unchanged.
type EncoderCache[B tensor.Backend] struct {
	keys    []*tensor.Tensor[float32, B]
	values  []*tensor.Tensor[float32, B]
	lengths []int
}

// NewEncoderCache creates an empty cross-attention cache.
func NewEncoderCache[B tensor.Backend](numLayers int) *EncoderCache[B] {
	return &EncoderCache[B]{
		keys:    make([]*tensor.Tensor[float32, B], numLayers),
		values:  make([]*tensor.Tensor[float32, B], numLayers),
		lengths: make([]int, numLayers),
	}
}

// Lookup returns the stored entry for layer when it was computed from a
// conditioning sequence of length condLen.
func (c *EncoderCache[B]) Lookup(layer, condLen int) (key, value *tensor.Tensor[float32, B], ok bool) {
	checkLayer("EncoderCache.Lookup", layer, len(c.keys))
	if c.keys[layer] == nil || c.lengths[layer] != condLen {
		return nil, nil, false
	}
	return c.keys[layer], c.values[layer], true
}

// Store records the entry for layer. Replacing an existing entry means the
// conditioning changed mid-run, which is not supported and panics.
func (c *EncoderCache[B]) Store(layer int, key, value *tensor.Tensor[float32, B]) {
	checkLayer("EncoderCache.Store", layer, len(c.keys))
	checkKV("EncoderCache.Store", key, value)
	if c.keys[layer] != nil {
		panic(fmt.Sprintf("EncoderCache.Store: layer %d already holds a conditioning of length %d; "+
			"changing the conditioning mid-run is not supported", layer, c.lengths[layer]))
	}
	c.keys[layer], c.values[layer] = key, value
	c.lengths[layer] = key.Shape()[2]
}

// Cached reports whether layer has an entry.
func (c *EncoderCache[B]) Cached(layer int) bool {
	checkLayer("EncoderCache.Cached", layer, len(c.keys))
	return c.keys[layer] != nil
}

// NumLayers returns the number of layer slots.
func (c *EncoderCache[B]) NumLayers() int { return len(c.keys) }
