package embedding

import "strings"

// ONNXOptions tunes the ONNX Runtime session used by the onnx backbone.
type ONNXOptions struct {
	// ExecutionProvider is "cpu", "cuda", "tensorrt", "coreml" or "dml".
	ExecutionProvider string
	DeviceID          int
	// BatchSize bounds the rows sent to one session run.
	BatchSize int
}

var onnxOpts = ONNXOptions{ExecutionProvider: "cpu", BatchSize: 32}

// ConfigureONNX replaces the options used when an onnx backbone opens its
// session. A non-positive BatchSize keeps the current one.
func ConfigureONNX(o ONNXOptions) {
	o.ExecutionProvider = strings.ToLower(strings.TrimSpace(o.ExecutionProvider))
	if o.BatchSize <= 0 {
		o.BatchSize = onnxOpts.BatchSize
	}
	onnxOpts = o
}
