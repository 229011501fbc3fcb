package nn

import "math"

// OnlineSoftmax computes a softmax-weighted sum of value rows block by
// block, without storing the full score row.
//
// Algorithm:
//
//	When processing a new block of scores:
//	  1. new_max = max(running_max, max(scores))
//	  2. scale = exp(old_max - new_max)
//	  3. running_sum = scale * running_sum + sum(exp(scores - new_max))
//	  4. output = scale * output + exp(scores - new_max) @ values
//	  5. running_max = new_max
//
//	After all blocks: output /= running_sum
//
// Scores of -Inf are masked keys. A block made only of masked keys leaves
// the accumulator untouched, and a row that never sees an unmasked key
// normalizes to zeros.
type OnlineSoftmax struct {
	maxVal  float32
	sumExp  float32
	output  []float32
	headDim int
}

// NewOnlineSoftmax creates an accumulator for value rows of width headDim.
//
// Example:
//
//	softmax := nn.NewOnlineSoftmax(64)
//	softmax.Update(scores1, values1)
//	softmax.Update(scores2, values2)
//	softmax.Normalize(out)
func NewOnlineSoftmax(headDim int) *OnlineSoftmax {
	return &OnlineSoftmax{
		maxVal:  float32(math.Inf(-1)),
		output:  make([]float32, headDim),
		headDim: headDim,
	}
}

// Update folds in one block: scores is [blockSize] and values is
// [blockSize*headDim] in row-major order.
func (o *OnlineSoftmax) Update(scores, values []float32) {
	blockSize := len(scores)
	if len(values) != blockSize*o.headDim {
		panic("OnlineSoftmax.Update: values length must be blockSize * headDim")
	}

	blockMax := float32(math.Inf(-1))
	for _, score := range scores {
		if score > blockMax {
			blockMax = score
		}
	}
	if math.IsInf(float64(blockMax), -1) {
		return
	}

	newMax := max(o.maxVal, blockMax)
	correction := float32(math.Exp(float64(o.maxVal - newMax)))
	o.sumExp *= correction
	for i := range o.output {
		o.output[i] *= correction
	}

	for i, score := range scores {
		if math.IsInf(float64(score), -1) {
			continue
		}
		e := float32(math.Exp(float64(score - newMax)))
		o.sumExp += e
		row := values[i*o.headDim : (i+1)*o.headDim]
		for j, v := range row {
			o.output[j] += e * v
		}
	}
	o.maxVal = newMax
}

// Normalize writes the normalized output into dst, which must have length
// headDim.
func (o *OnlineSoftmax) Normalize(dst []float32) {
	if o.sumExp == 0 {
		clear(dst)
		return
	}
	inv := 1 / o.sumExp
	for i, v := range o.output {
		dst[i] = v * inv
	}
}

// Reset clears the accumulator for reuse.
func (o *OnlineSoftmax) Reset() {
	o.maxVal = float32(math.Inf(-1))
	o.sumExp = 0
	clear(o.output)
}
