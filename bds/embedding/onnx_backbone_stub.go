//go:build !onnx
// +build !onnx

package embedding

import (
	"context"
	"errors"
)

// errNoONNX is returned by onnx backbones in builds without the onnx tag.
var errNoONNX = errors.New("onnx backbone not available: rebuild with -tags onnx")

type onnxBackbone struct {
	dims      int
	modelPath string
}

func newONNXBackbone(dims int, modelPath string) Backbone {
	return &onnxBackbone{dims: dims, modelPath: modelPath}
}

func (b *onnxBackbone) Dimensions() int { return b.dims }

func (b *onnxBackbone) Descriptor() Descriptor {
	return Descriptor{Name: "onnx", Dims: b.dims, ModelPath: b.modelPath}
}

func (b *onnxBackbone) Encode(context.Context, [][]int64, [][]int64) ([][]float32, error) {
	return nil, errNoONNX
}
