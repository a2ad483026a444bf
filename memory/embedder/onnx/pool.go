package onnx

import (
	"fmt"
	"math"
)

// pool turns model output into one unit-length sentence vector. A rank-2
// output is already pooled; a rank-3 output [1, seq, hidden] is mean-pooled
// over the attended positions.
func pool(data []float32, shape []int64, mask []int64, dims int) ([]float32, error) {
	out := make([]float32, dims)

	switch len(shape) {
	case 2:
		if len(data) < dims {
			return nil, fmt.Errorf("pooled output has %d values, want %d", len(data), dims)
		}
		copy(out, data[:dims])

	case 3:
		if shape[0] != 1 {
			return nil, fmt.Errorf("batch size %d, want 1", shape[0])
		}
		seqLen, hidden := int(shape[1]), int(shape[2])
		if hidden != dims {
			return nil, fmt.Errorf("hidden size %d, want %d", hidden, dims)
		}
		if len(data) < seqLen*hidden || len(mask) < seqLen {
			return nil, fmt.Errorf("output shape %v does not match data", shape)
		}
		var n float32
		for i := 0; i < seqLen; i++ {
			if mask[i] == 0 {
				continue
			}
			n++
			row := data[i*hidden : (i+1)*hidden]
			for j, v := range row {
				out[j] += v
			}
		}
		if n > 0 {
			for j := range out {
				out[j] /= n
			}
		}

	default:
		return nil, fmt.Errorf("unexpected output shape %v", shape)
	}

	return normalize(out), nil
}

func normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}
