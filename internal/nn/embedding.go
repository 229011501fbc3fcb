package nn

import (
	"fmt"

	"github.com/born-ml/kosmos/internal/tensor"
)

// Embedding is a lookup table mapping integer ids to dense vectors.
//
// When a padding index is set, that row starts at zero.
//
// Example:
//
//	emb := nn.NewEmbeddingWithPadding(108481, 1536, 1, backend)
//	ids := tensor.MustFromSlice([]int64{0, 5, 9}, tensor.Shape{1, 3}, backend)
//	vectors := emb.Forward(ids) // [1, 3, 1536]
type Embedding[B tensor.Backend] struct {
	numEmbeddings int
	dim           int
	paddingIdx    int // -1 when unset
	weight        *Parameter[B]
	backend       B
}

// NewEmbedding creates an embedding table initialized from N(0, 1).
func NewEmbedding[B tensor.Backend](numEmbeddings, dim int, backend B) *Embedding[B] {
	return NewEmbeddingWithPadding(numEmbeddings, dim, -1, backend)
}

// NewEmbeddingWithPadding creates an embedding table whose paddingIdx row is
// zero. A negative paddingIdx disables padding.
func NewEmbeddingWithPadding[B tensor.Backend](numEmbeddings, dim, paddingIdx int, backend B) *Embedding[B] {
	if numEmbeddings <= 0 || dim <= 0 {
		panic(fmt.Sprintf("NewEmbedding: invalid size %dx%d", numEmbeddings, dim))
	}
	if paddingIdx >= numEmbeddings {
		panic(fmt.Sprintf("NewEmbedding: padding index %d out of range [0, %d)", paddingIdx, numEmbeddings))
	}
	w := Normal(1.0, tensor.Shape{numEmbeddings, dim}, backend)
	if paddingIdx >= 0 {
		clear(w.Data()[paddingIdx*dim : (paddingIdx+1)*dim])
	}
	return &Embedding[B]{
		numEmbeddings: numEmbeddings,
		dim:           dim,
		paddingIdx:    paddingIdx,
		weight:        NewParameter("weight", w),
		backend:       backend,
	}
}

// Forward gathers one row per id. The result has shape ids.Shape() + [dim].
func (e *Embedding[B]) Forward(ids *tensor.Tensor[int64, B]) *tensor.Tensor[float32, B] {
	return tensor.New[float32, B](e.backend.Embedding(e.weight.Tensor().Raw(), ids.Raw()), e.backend)
}

// Parameters returns the embedding table.
func (e *Embedding[B]) Parameters() []*Parameter[B] {
	return []*Parameter[B]{e.weight}
}

// Weight returns the [num_embeddings, dim] table.
func (e *Embedding[B]) Weight() *Parameter[B] { return e.weight }

// NumEmbeddings returns the table size.
func (e *Embedding[B]) NumEmbeddings() int { return e.numEmbeddings }

// Dim returns the vector width.
func (e *Embedding[B]) Dim() int { return e.dim }

// PaddingIdx returns the padding row, or -1.
func (e *Embedding[B]) PaddingIdx() int { return e.paddingIdx }
