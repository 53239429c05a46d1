package embedding

import (
	"context"
	"fmt"
	"strings"
)

// Backbone maps tokenized text to fixed-dimension pooled features. Backbones
// are pretrained and frozen; the classification head on top is what trains.
type Backbone interface {
	Dimensions() int
	Encode(ctx context.Context, inputIDs, attentionMasks [][]int64) ([][]float32, error)
	Descriptor() Descriptor
}

// Descriptor identifies a backbone well enough to rebuild it from a saved
// model config.
type Descriptor struct {
	Name      string `json:"name"`
	Dims      int    `json:"dims"`
	ModelPath string `json:"model_path,omitempty"`
}

// NewBackbone selects a backbone by name ("hash", "onnx" or "onnx:<tag>").
func NewBackbone(name string, dims int, modelPath string) (Backbone, error) {
	if dims <= 0 {
		dims = 384
	}
	n := strings.ToLower(strings.TrimSpace(name))
	switch {
	case n == "hash" || n == "" || n == "dev":
		return NewHashBackbone(dims), nil
	case strings.HasPrefix(n, "onnx"):
		if modelPath == "" {
			return nil, fmt.Errorf("onnx backbone requires a model path")
		}
		return newONNXBackbone(dims, modelPath), nil
	default:
		return nil, fmt.Errorf("unknown backbone %q", name)
	}
}

// FromDescriptor rebuilds the backbone recorded in a saved model.
func FromDescriptor(d Descriptor) (Backbone, error) {
	return NewBackbone(d.Name, d.Dims, d.ModelPath)
}

// MeanPool averages hidden states [seq, dim] over positions whose mask is 1.
// A row with no unmasked positions pools to zeros.
func MeanPool(hidden []float32, seq, dim int, mask []int64) []float32 {
	out := make([]float32, dim)
	var n float32
	for s := 0; s < seq && s < len(mask); s++ {
		if mask[s] == 0 {
			continue
		}
		row := hidden[s*dim : (s+1)*dim]
		for j, v := range row {
			out[j] += v
		}
		n++
	}
	if n == 0 {
		return out
	}
	for j := range out {
		out[j] /= n
	}
	return out
}

// FitDims truncates or zero-pads a pooled vector to dims. Encoders trained
// with nested embeddings keep their leading components meaningful, so a
// prefix is still a usable feature vector.
func FitDims(vec []float32, dims int) []float32 {
	switch {
	case dims <= 0 || len(vec) == dims:
		return vec
	case len(vec) > dims:
		return vec[:dims]
	}
	out := make([]float32, dims)
	copy(out, vec)
	return out
}
