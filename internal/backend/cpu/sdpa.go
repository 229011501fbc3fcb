package cpu

import (
	"fmt"
	"math"

	"github.com/born-ml/kosmos/internal/parallel"
	"github.com/born-ml/kosmos/internal/tensor"
)

// ScaledDotProductAttention is the backend's fused attention primitive:
//
//	out = softmax(q·kᵀ·scale + bias) · v
//
// computed row by row without materializing the score tensor. q is
// [B, H, S, D]; k and v are [B, H, K, D]. bias is nil or an additive
// [B|1, H|1, S, K'] tensor with K' ≥ K, of which the first K columns are used.
// isCausal masks key j for query i when j > i + (K - S), aligning the last
// query with the last key. bias and isCausal are mutually exclusive.
func (cpu *CPUBackend) ScaledDotProductAttention(q, k, v, bias *tensor.RawTensor, isCausal bool, scale float64) *tensor.RawTensor {
	qs, ks, vs := q.Shape(), k.Shape(), v.Shape()
	if len(qs) != 4 || len(ks) != 4 || len(vs) != 4 {
		panic(fmt.Sprintf("sdpa: expected 4D q/k/v, got %v %v %v", qs, ks, vs))
	}
	if q.DType() != tensor.Float32 || k.DType() != tensor.Float32 || v.DType() != tensor.Float32 {
		panic("sdpa: only float32 inputs are supported")
	}
	if bias != nil && isCausal {
		panic("sdpa: bias and isCausal are mutually exclusive")
	}
	batch, heads, seq, dim := qs[0], qs[1], qs[2], qs[3]
	keyLen := ks[2]
	if ks[0] != batch || ks[1] != heads || ks[3] != dim || !ks[:3].Equal(vs[:3]) {
		panic(fmt.Sprintf("sdpa: incompatible shapes q=%v k=%v v=%v", qs, ks, vs))
	}
	valDim := vs[3]

	var biasData []float32
	var biasStrides []int
	if bias != nil {
		bs := bias.Shape()
		if len(bs) != 4 || bs[2] != seq || bs[3] < keyLen ||
			(bs[0] != 1 && bs[0] != batch) || (bs[1] != 1 && bs[1] != heads) {
			panic(fmt.Sprintf("sdpa: bias %v incompatible with scores [%d %d %d %d]", bs, batch, heads, seq, keyLen))
		}
		biasData = bias.AsFloat32()
		biasStrides = append([]int(nil), bias.Strides()...)
		if bs[0] == 1 {
			biasStrides[0] = 0
		}
		if bs[1] == 1 {
			biasStrides[1] = 0
		}
	}

	result := cpu.alloc("sdpa", tensor.Shape{batch, heads, seq, valDim}, tensor.Float32)
	qd, kd, vd, od := q.AsFloat32(), k.AsFloat32(), v.AsFloat32(), result.AsFloat32()
	shift := keyLen - seq

	parallel.ForBatch(batch, heads, func(b, h int) {
		bh := b*heads + h
		qBase, kBase, vBase, oBase := bh*seq*dim, bh*keyLen*dim, bh*keyLen*valDim, bh*seq*valDim
		row := make([]float64, keyLen)
		for i := 0; i < seq; i++ {
			qi := qd[qBase+i*dim : qBase+(i+1)*dim]
			for j := 0; j < keyLen; j++ {
				if isCausal && j > i+shift {
					row[j] = math.Inf(-1)
					continue
				}
				kj := kd[kBase+j*dim : kBase+(j+1)*dim]
				var dot float64
				for d := range qi {
					dot += float64(qi[d]) * float64(kj[d])
				}
				dot *= scale
				if biasData != nil {
					dot += float64(biasData[b*biasStrides[0]+h*biasStrides[1]+i*biasStrides[2]+j*biasStrides[3]])
				}
				row[j] = dot
			}
			SoftmaxRow(row)

			out := od[oBase+i*valDim : oBase+(i+1)*valDim]
			for d := 0; d < valDim; d++ {
				var acc float64
				for j := 0; j < keyLen; j++ {
					if row[j] != 0 {
						acc += row[j] * float64(vd[vBase+j*valDim+d])
					}
				}
				out[d] = float32(acc)
			}
		}
	}, cpu.par)
	return result
}
