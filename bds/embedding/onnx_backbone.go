//go:build onnx
// +build onnx

package embedding

import (
	"context"
	"fmt"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// inputRole says which tensor feeds an encoder input.
type inputRole int

const (
	roleIDs inputRole = iota
	roleMask
	roleSegments
)

// onnxBackbone runs a BERT-style encoder exported to ONNX. The session opens
// on first use and Encode calls are serialised on it.
type onnxBackbone struct {
	dims      int
	modelPath string

	mu      sync.Mutex
	session *ort.DynamicAdvancedSession
	roles   []inputRole
}

func newONNXBackbone(dims int, modelPath string) Backbone {
	return &onnxBackbone{dims: dims, modelPath: modelPath}
}

func (b *onnxBackbone) Dimensions() int { return b.dims }

func (b *onnxBackbone) Descriptor() Descriptor {
	return Descriptor{Name: "onnx", Dims: b.dims, ModelPath: b.modelPath}
}

func (b *onnxBackbone) Encode(ctx context.Context, inputIDs, attentionMasks [][]int64) ([][]float32, error) {
	if len(inputIDs) != len(attentionMasks) {
		return nil, fmt.Errorf("input ids and masks differ in batch size: %d vs %d", len(inputIDs), len(attentionMasks))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.open(); err != nil {
		return nil, err
	}
	step := onnxOpts.BatchSize
	out := make([][]float32, 0, len(inputIDs))
	for start := 0; start < len(inputIDs); start += step {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+step, len(inputIDs))
		vecs, err := b.run(inputIDs[start:end], attentionMasks[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (b *onnxBackbone) open() error {
	if b.session != nil {
		return nil
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("initialize onnx runtime: %w", err)
		}
	}
	ins, outs, err := ort.GetInputOutputInfo(b.modelPath)
	if err != nil {
		return fmt.Errorf("inspect %s: %w", b.modelPath, err)
	}

	var inputs []string
	for _, in := range ins {
		name := strings.ToLower(in.Name)
		switch {
		case strings.Contains(name, "input_ids"):
			b.roles = append(b.roles, roleIDs)
		case strings.Contains(name, "attention_mask"):
			b.roles = append(b.roles, roleMask)
		case strings.Contains(name, "token_type"):
			b.roles = append(b.roles, roleSegments)
		default:
			continue
		}
		inputs = append(inputs, in.Name)
	}
	if len(inputs) == 0 {
		return fmt.Errorf("%s has no input_ids or attention_mask input", b.modelPath)
	}
	output := ""
	for _, o := range outs {
		if o.DataType == ort.TensorElementDataTypeFloat {
			output = o.Name
			break
		}
	}
	if output == "" {
		return fmt.Errorf("%s has no float output", b.modelPath)
	}

	opts := sessionOptions()
	s, err := ort.NewDynamicAdvancedSession(b.modelPath, inputs, []string{output}, opts)
	if opts != nil {
		_ = opts.Destroy()
	}
	if err != nil {
		return fmt.Errorf("create onnx session: %w", err)
	}
	b.session = s
	return nil
}

// sessionOptions returns nil for the default CPU provider.
func sessionOptions() *ort.SessionOptions {
	ep := onnxOpts.ExecutionProvider
	if ep == "" || ep == "cpu" {
		return nil
	}
	o, err := ort.NewSessionOptions()
	if err != nil {
		return nil
	}
	_ = o.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableAll)
	switch ep {
	case "cuda":
		if cu, err := ort.NewCUDAProviderOptions(); err == nil {
			_ = o.AppendExecutionProviderCUDA(cu)
			_ = cu.Destroy()
		}
	case "tensorrt":
		if trt, err := ort.NewTensorRTProviderOptions(); err == nil {
			_ = o.AppendExecutionProviderTensorRT(trt)
			_ = trt.Destroy()
		}
	case "coreml":
		_ = o.AppendExecutionProviderCoreMLV2(map[string]string{})
	case "dml":
		_ = o.AppendExecutionProviderDirectML(onnxOpts.DeviceID)
	}
	return o
}

func flatten(rows [][]int64, seq int) []int64 {
	flat := make([]int64, len(rows)*seq)
	for i, r := range rows {
		copy(flat[i*seq:(i+1)*seq], r)
	}
	return flat
}

// run encodes one chunk. Rows in a chunk share the same padded length.
func (b *onnxBackbone) run(ids, masks [][]int64) ([][]float32, error) {
	n := len(ids)
	if n == 0 {
		return nil, nil
	}
	seq := len(ids[0])
	for i := range ids {
		if len(ids[i]) != seq || len(masks[i]) != seq {
			return nil, fmt.Errorf("row %d: expected %d tokens", i, seq)
		}
	}
	shape := ort.NewShape(int64(n), int64(seq))
	data := map[inputRole][]int64{
		roleIDs:      flatten(ids, seq),
		roleMask:     flatten(masks, seq),
		roleSegments: make([]int64, n*seq),
	}
	inputs := make([]ort.Value, len(b.roles))
	for i, role := range b.roles {
		t, err := ort.NewTensor(shape, data[role])
		if err != nil {
			return nil, fmt.Errorf("input tensor: %w", err)
		}
		defer t.Destroy()
		inputs[i] = t
	}

	outputs := []ort.Value{nil}
	if err := b.session.Run(inputs, outputs); err != nil {
		return nil, fmt.Errorf("onnx run: %w", err)
	}
	defer outputs[0].Destroy()
	hidden, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("encoder output is not a float32 tensor")
	}
	return b.pool(hidden.GetData(), hidden.GetShape(), masks)
}

// pool turns an encoder output into one feature vector per row: rank 2
// outputs are already pooled, rank 3 hidden states are mean pooled.
func (b *onnxBackbone) pool(data []float32, shape ort.Shape, masks [][]int64) ([][]float32, error) {
	n := len(masks)
	vecs := make([][]float32, n)
	switch len(shape) {
	case 2:
		width := int(shape[1])
		for r := range vecs {
			row := make([]float32, width)
			copy(row, data[r*width:(r+1)*width])
			vecs[r] = FitDims(row, b.dims)
		}
	case 3:
		seq, width := int(shape[1]), int(shape[2])
		for r := range vecs {
			vecs[r] = FitDims(MeanPool(data[r*seq*width:(r+1)*seq*width], seq, width, masks[r]), b.dims)
		}
	default:
		return nil, fmt.Errorf("unexpected encoder output rank %d", len(shape))
	}
	return vecs, nil
}
