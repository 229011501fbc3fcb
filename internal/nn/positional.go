package nn

import (
	"fmt"
	"math"

	"github.com/born-ml/kosmos/internal/tensor"
)

// positionOffset is the number of spare rows kept past the largest position
// the table was sized for.
const positionOffset = 2

// SinusoidalTable is a growable table of sinusoidal position embeddings.
//
// For width D with half = D/2, row p is
//
//	concat(sin(p·f), cos(p·f)),  f[i] = exp(-i·ln(10000)/(half-1))
//
// zero-padded to D when D is odd. The padding row is all zeros. Rows depend
// only on their index, so growing the table never changes rows that were
// already handed out.
//
// The table is mutated when it grows; callers sharing it across goroutines
// must serialize Forward calls.
//
// Example:
//
//	pe := nn.NewSinusoidalTable(4096, 1536, 1, backend)
//	pos := pe.Forward(nn.PositionInput[B]{InputIDs: ids})
type SinusoidalTable[B tensor.Backend] struct {
	dim        int
	paddingIdx int
	rows       int
	weights    []float32
	backend    B
}

// NewSinusoidalTable creates a table with room for numPositions positions
// plus the spare offset rows.
func NewSinusoidalTable[B tensor.Backend](numPositions, dim, paddingIdx int, backend B) *SinusoidalTable[B] {
	if dim < 4 {
		panic(fmt.Sprintf("NewSinusoidalTable: dim must be at least 4, got %d", dim))
	}
	if paddingIdx < 0 {
		panic(fmt.Sprintf("NewSinusoidalTable: padding index must be non-negative, got %d", paddingIdx))
	}
	t := &SinusoidalTable[B]{
		dim:        dim,
		paddingIdx: paddingIdx,
		backend:    backend,
	}
	t.grow(numPositions + positionOffset)
	return t
}

// SinusoidalRow writes row pos of a width-len(dst) table into dst.
// The padding row is zero.
func SinusoidalRow(dst []float32, pos, paddingIdx int) {
	if pos == paddingIdx {
		clear(dst)
		return
	}
	half := len(dst) / 2
	step := math.Log(10000) / float64(half-1)
	for i := 0; i < half; i++ {
		freq := float32(math.Exp(float64(i) * -step))
		angle := float64(float32(pos) * freq)
		dst[i] = float32(math.Sin(angle))
		dst[half+i] = float32(math.Cos(angle))
	}
	if len(dst)%2 == 1 {
		dst[len(dst)-1] = 0
	}
}

// grow extends the table to n rows. Existing rows are kept as they are.
func (t *SinusoidalTable[B]) grow(n int) {
	if n <= t.rows {
		return
	}
	weights := make([]float32, n*t.dim)
	copy(weights, t.weights)
	for pos := t.rows; pos < n; pos++ {
		SinusoidalRow(weights[pos*t.dim:(pos+1)*t.dim], pos, t.paddingIdx)
	}
	t.weights = weights
	t.rows = n
}

// Capacity returns the number of rows currently materialized.
func (t *SinusoidalTable[B]) Capacity() int {
	return t.rows
}

// Dim returns the embedding width.
func (t *SinusoidalTable[B]) Dim() int {
	return t.dim
}

// PaddingIdx returns the padding position.
func (t *SinusoidalTable[B]) PaddingIdx() int {
	return t.paddingIdx
}

// Row returns a copy of row pos, growing the table when needed.
func (t *SinusoidalTable[B]) Row(pos int) []float32 {
	if pos < 0 {
		panic(fmt.Sprintf("SinusoidalTable.Row: negative position %d", pos))
	}
	t.grow(pos + 1 + positionOffset)
	return append([]float32(nil), t.weights[pos*t.dim:(pos+1)*t.dim]...)
}

// PositionInput selects how positions are derived for Forward. Exactly one of
// PositionIDs, InputIDs, or (Batch, SeqLen) is consulted, in that order.
type PositionInput[B tensor.Backend] struct {
	// PositionIDs are explicit positions [batch, seq].
	PositionIDs *tensor.Tensor[int64, B]
	// InputIDs are token ids [batch, seq]; padding tokens keep the padding position.
	InputIDs *tensor.Tensor[int64, B]
	// Batch and SeqLen describe embeddings-only input with no padding.
	Batch, SeqLen int
	// PastLength is the number of positions already consumed.
	PastLength int
}

// Forward returns position embeddings [batch, seq, dim].
func (t *SinusoidalTable[B]) Forward(in PositionInput[B]) *tensor.Tensor[float32, B] {
	ids := in.PositionIDs
	switch {
	case ids != nil:
	case in.InputIDs != nil:
		ids = PositionIDsFromInputIDs(in.InputIDs, t.paddingIdx, in.PastLength)
	default:
		ids = PositionIDsFromEmbeds(in.Batch, in.SeqLen, t.paddingIdx, in.PastLength, t.backend)
	}
	shape := ids.Shape()
	if len(shape) != 2 {
		panic(fmt.Sprintf("SinusoidalTable.Forward: position ids must be [batch, seq], got %v", shape))
	}

	maxPos := t.paddingIdx + 1 + shape[1] + in.PastLength
	if maxPos > t.rows {
		t.grow(maxPos + positionOffset)
	}
	for _, p := range ids.Data() {
		if p < 0 {
			panic(fmt.Sprintf("SinusoidalTable.Forward: negative position %d", p))
		}
		if int(p) >= t.rows {
			t.grow(int(p) + 1 + positionOffset)
		}
	}

	out := tensor.Zeros[float32](tensor.Shape{shape[0], shape[1], t.dim}, t.backend)
	dst := out.Data()
	for i, p := range ids.Data() {
		copy(dst[i*t.dim:(i+1)*t.dim], t.weights[int(p)*t.dim:(int(p)+1)*t.dim])
	}
	return out
}

// PositionIDsFromInputIDs numbers the non-padding tokens of each row
// starting at paddingIdx+1+past. Padding tokens get paddingIdx.
func PositionIDsFromInputIDs[B tensor.Backend](ids *tensor.Tensor[int64, B], paddingIdx, past int) *tensor.Tensor[int64, B] {
	shape := ids.Shape()
	if len(shape) != 2 {
		panic(fmt.Sprintf("PositionIDsFromInputIDs: ids must be [batch, seq], got %v", shape))
	}
	batch, seq := shape[0], shape[1]
	src := ids.Data()
	out := tensor.Zeros[int64](tensor.Shape{batch, seq}, ids.Backend())
	dst := out.Data()
	pad := int64(paddingIdx)
	for b := 0; b < batch; b++ {
		var count int64
		for s := 0; s < seq; s++ {
			i := b*seq + s
			if src[i] == pad {
				dst[i] = pad
				continue
			}
			count++
			dst[i] = count + int64(past) + pad
		}
	}
	return out
}

// PositionIDsFromEmbeds assigns sequential positions paddingIdx+1+past, ...
// to every row, assuming no padding.
func PositionIDsFromEmbeds[B tensor.Backend](batch, seq, paddingIdx, past int, backend B) *tensor.Tensor[int64, B] {
	out := tensor.Zeros[int64](tensor.Shape{batch, seq}, backend)
	dst := out.Data()
	for b := 0; b < batch; b++ {
		for s := 0; s < seq; s++ {
			dst[b*seq+s] = int64(paddingIdx + 1 + s + past)
		}
	}
	return out
}
