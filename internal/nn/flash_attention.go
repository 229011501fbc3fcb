package nn

import (
	"fmt"
	"math"

	"github.com/born-ml/kosmos/internal/logger"
	"github.com/born-ml/kosmos/internal/metrics"
	"github.com/born-ml/kosmos/internal/parallel"
	"github.com/born-ml/kosmos/internal/tensor"
)

// defaultBlockSize is the key/value tile length of the fused kernel.
const defaultBlockSize = 64

// FusedKernel implements the fused-kernel strategy with the Flash Attention
// 2 tiling scheme:
//  1. For each query row, keys and values are visited in tiles
//  2. Each tile's scores update an OnlineSoftmax accumulator
//  3. The full score matrix is never materialized
//
// Only 2D padding masks are accepted, causality is bottom-right aligned
// (query i sees key j when j ≤ i + keys - queries) and attention weights
// are never returned. When the pipeline precision is float16 or bfloat16,
// inputs and output are rounded through it.
//
// Reference: "Flash Attention 2: Faster Attention with Better Parallelism"
// Dao et al., 2023 (https://arxiv.org/abs/2307.08691)
type FusedKernel[B tensor.Backend] struct {
	blockSize int
	par       parallel.Config
}

// NewFusedKernel creates a fused kernel. blockSize ≤ 0 selects 64.
func NewFusedKernel[B tensor.Backend](blockSize int) *FusedKernel[B] {
	if blockSize <= 0 {
		blockSize = defaultBlockSize
	}
	return &FusedKernel[B]{blockSize: blockSize, par: parallel.DefaultConfig()}
}

// Strategy implements Kernel.
func (k *FusedKernel[B]) Strategy() Strategy { return StrategyFusedKernel }

// Attend implements Kernel. A mask carrying an additive bias panics.
func (k *FusedKernel[B]) Attend(in KernelInput[B]) (*tensor.Tensor[float32, B], *tensor.Tensor[float32, B]) {
	if in.Mask != nil && in.Mask.Bias != nil {
		panic("FusedKernel.Attend: additive masks are not supported; pass a 2D padding mask")
	}
	q, key, v := in.Query, in.Key, in.Value
	if in.Precision.IsReduced() {
		logger.WarnOnce("fused-precision-cast",
			"fused attention received float32 inputs; casting to pipeline precision",
			"dtype", in.Precision.String())
		metrics.RecordPrecisionCast(in.Precision.String())
		q = tensor.RoundTo(q, in.Precision)
		key = tensor.RoundTo(key, in.Precision)
		v = tensor.RoundTo(v, in.Precision)
	}

	qs, ks, vs := q.Shape(), key.Shape(), v.Shape()
	batch, heads, seq, dim := qs[0], qs[1], qs[2], qs[3]
	kvLen, valDim := ks[2], vs[3]

	var pad []bool
	if in.Mask != nil && in.Mask.Padding != nil {
		ps := in.Mask.Padding.Shape()
		if ps[0] != batch || ps[1] < kvLen {
			panic(fmt.Sprintf("FusedKernel.Attend: padding mask %v incompatible with batch %d and %d keys", ps, batch, kvLen))
		}
		pad = in.Mask.Padding.Data()
	}

	out := tensor.Zeros[float32](tensor.Shape{batch, heads, seq, valDim}, q.Backend())
	cfg := flashConfig{
		scale:     float32(in.Scale),
		causal:    in.Causal,
		shift:     kvLen - seq,
		blockSize: k.blockSize,
	}
	qd, kd, vd, od := q.Data(), key.Data(), v.Data(), out.Data()
	parallel.ForBatch(batch, heads, func(b, h int) {
		bh := b*heads + h
		dims := flashDims{
			headDim: dim,
			valDim:  valDim,
			kvLen:   kvLen,
			qBase:   bh * seq * dim,
			kBase:   bh * kvLen * dim,
			vBase:   bh * kvLen * valDim,
			outBase: bh * seq * valDim,
		}
		var keep []bool
		if pad != nil {
			stride := in.Mask.Padding.Shape()[1]
			keep = pad[b*stride : b*stride+kvLen]
		}
		softmax := NewOnlineSoftmax(valDim)
		scores := make([]float32, k.blockSize)
		values := make([]float32, k.blockSize*valDim)
		for i := 0; i < seq; i++ {
			softmax.Reset()
			flashProcessQuery(od, qd, kd, vd, i, keep, dims, cfg, softmax, scores, values)
		}
	}, k.par)

	if in.Precision.IsReduced() {
		out = tensor.RoundTo(out, in.Precision)
	}
	return out, nil
}

// flashDims holds per-(batch, head) offsets into the flattened q/k/v/out.
type flashDims struct {
	headDim, valDim, kvLen       int
	qBase, kBase, vBase, outBase int
}

type flashConfig struct {
	scale     float32
	causal    bool
	shift     int // keys - queries, for bottom-right causal alignment
	blockSize int
}

// flashScoreBlock computes q·K[block]ᵀ·scale, writing -Inf for masked keys.
func flashScoreBlock(scores, q, k []float32, keep []bool, kvStart int, dims flashDims, cfg flashConfig, queryPos int) {
	negInf := float32(math.Inf(-1))
	for idx := range scores {
		j := kvStart + idx
		if (cfg.causal && j > queryPos+cfg.shift) || (keep != nil && !keep[j]) {
			scores[idx] = negInf
			continue
		}
		off := dims.kBase + j*dims.headDim
		kVec := k[off : off+dims.headDim]
		var score float32
		for d, qv := range q {
			score += qv * kVec[d]
		}
		scores[idx] = score * cfg.scale
	}
}

// flashExtractValues copies the value rows of one block.
func flashExtractValues(values, v []float32, kvStart, blockLen int, dims flashDims) {
	off := dims.vBase + kvStart*dims.valDim
	copy(values[:blockLen*dims.valDim], v[off:off+blockLen*dims.valDim])
}

// flashProcessQuery accumulates one query row over all key blocks and writes
// the normalized result.
func flashProcessQuery(
	output, q, k, v []float32,
	queryIdx int,
	keep []bool,
	dims flashDims,
	cfg flashConfig,
	softmax *OnlineSoftmax,
	scoreBuf, valueBuf []float32,
) {
	qOff := dims.qBase + queryIdx*dims.headDim
	qVec := q[qOff : qOff+dims.headDim]

	kvLimit := dims.kvLen
	if cfg.causal {
		kvLimit = min(kvLimit, max(queryIdx+cfg.shift+1, 0))
	}
	for kvStart := 0; kvStart < kvLimit; kvStart += cfg.blockSize {
		blockLen := min(cfg.blockSize, kvLimit-kvStart)
		scores := scoreBuf[:blockLen]
		values := valueBuf[:blockLen*dims.valDim]
		flashScoreBlock(scores, qVec, k, keep, kvStart, dims, cfg, queryIdx)
		flashExtractValues(values, v, kvStart, blockLen, dims)
		softmax.Update(scores, values)
	}

	outOff := dims.outBase + queryIdx*dims.valDim
	softmax.Normalize(output[outOff : outOff+dims.valDim])
}
