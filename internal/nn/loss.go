package nn

import (
	"fmt"
	"math"

	"github.com/born-ml/kosmos/internal/tensor"
)

// IgnoreIndex is the conventional label value skipped by CrossEntropy.
const IgnoreIndex = -100

// CrossEntropy returns the mean negative log-likelihood of targets under
// logits, skipping positions whose target equals ignoreIndex.
//
// logits is [N, vocab] and targets is [N]. The log-softmax is computed with
// the log-sum-exp trick in float64. When every target is ignored the loss
// is 0.
//
// Example:
//
//	loss := nn.CrossEntropy(logits, labels, nn.IgnoreIndex)
//	fmt.Println(loss.Item())
func CrossEntropy[B tensor.Backend](logits *tensor.Tensor[float32, B], targets *tensor.Tensor[int64, B], ignoreIndex int64) *tensor.Tensor[float32, B] {
	ls, ts := logits.Shape(), targets.Shape()
	if len(ls) != 2 || len(ts) != 1 || ls[0] != ts[0] {
		panic(fmt.Sprintf("CrossEntropy: expected logits [N, vocab] and targets [N], got %v and %v", ls, ts))
	}
	n, vocab := ls[0], ls[1]
	data, labels := logits.Data(), targets.Data()

	var total float64
	count := 0
	for i := 0; i < n; i++ {
		label := labels[i]
		if label == ignoreIndex {
			continue
		}
		if label < 0 || int(label) >= vocab {
			panic(fmt.Sprintf("CrossEntropy: target %d out of range [0, %d)", label, vocab))
		}
		row := data[i*vocab : (i+1)*vocab]
		maxVal := math.Inf(-1)
		for _, v := range row {
			maxVal = math.Max(maxVal, float64(v))
		}
		var sum float64
		for _, v := range row {
			sum += math.Exp(float64(v) - maxVal)
		}
		total += maxVal + math.Log(sum) - float64(row[label])
		count++
	}

	loss := 0.0
	if count > 0 {
		loss = total / float64(count)
	}
	return tensor.Full[float32](tensor.Shape{1}, float32(loss), logits.Backend())
}
