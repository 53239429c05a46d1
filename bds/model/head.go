package model

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Head is the trainable classification head on top of pooled backbone
// features: dense(dims→hidden) → tanh → out_proj(hidden→labels).
type Head struct {
	DenseW *mat.Dense // [hidden, dims]
	DenseB []float64  // [hidden]
	OutW   *mat.Dense // [labels, hidden]
	OutB   []float64  // [labels]
}

// Param is a named view on one parameter tensor. Data aliases the head's storage.
type Param struct {
	Name  string
	Shape []int
	Data  []float64
	Decay bool
}

const initStd = 0.02

// NewHead initialises weights from N(0, 0.02²) with a seeded source and biases at zero.
func NewHead(dims, hidden, numLabels int, seed int64) *Head {
	rng := rand.New(rand.NewSource(seed))
	normal := func(n int) []float64 {
		out := make([]float64, n)
		for i := range out {
			out[i] = rng.NormFloat64() * initStd
		}
		return out
	}
	return &Head{
		DenseW: mat.NewDense(hidden, dims, normal(hidden*dims)),
		DenseB: make([]float64, hidden),
		OutW:   mat.NewDense(numLabels, hidden, normal(numLabels*hidden)),
		OutB:   make([]float64, numLabels),
	}
}

func (h *Head) Dims() int      { _, c := h.DenseW.Dims(); return c }
func (h *Head) Hidden() int    { r, _ := h.DenseW.Dims(); return r }
func (h *Head) NumLabels() int { r, _ := h.OutW.Dims(); return r }

// Params lists the head's tensors in a fixed order. Biases are excluded from
// weight decay.
func (h *Head) Params() []Param {
	return []Param{
		{Name: "classifier.dense.weight", Shape: []int{h.Hidden(), h.Dims()}, Data: h.DenseW.RawMatrix().Data, Decay: true},
		{Name: "classifier.dense.bias", Shape: []int{h.Hidden()}, Data: h.DenseB},
		{Name: "classifier.out_proj.weight", Shape: []int{h.NumLabels(), h.Hidden()}, Data: h.OutW.RawMatrix().Data, Decay: true},
		{Name: "classifier.out_proj.bias", Shape: []int{h.NumLabels()}, Data: h.OutB},
	}
}

// Activations holds the forward pass intermediates Backward needs.
type Activations struct {
	Input  *mat.Dense // [n, dims]
	Hidden *mat.Dense // [n, hidden]
	Logits *mat.Dense // [n, labels]
}

// Forward runs the head on a batch of pooled features x [n, dims].
func (h *Head) Forward(x *mat.Dense) (*Activations, error) {
	_, c := x.Dims()
	if c != h.Dims() {
		return nil, fmt.Errorf("feature width %d does not match head input %d", c, h.Dims())
	}
	var hidden mat.Dense
	hidden.Mul(x, h.DenseW.T())
	hidden.Apply(func(_, j int, v float64) float64 { return math.Tanh(v + h.DenseB[j]) }, &hidden)

	var logits mat.Dense
	logits.Mul(&hidden, h.OutW.T())
	logits.Apply(func(_, j int, v float64) float64 { return v + h.OutB[j] }, &logits)
	return &Activations{Input: x, Hidden: &hidden, Logits: &logits}, nil
}

// Gradients mirrors Params: one slice per tensor, same order and length.
type Gradients [][]float64

// Backward returns the mean softmax cross-entropy loss over the batch and the
// gradient of that loss for every parameter.
func (h *Head) Backward(act *Activations, targets []int) (float64, Gradients, error) {
	n, k := act.Logits.Dims()
	if len(targets) != n {
		return 0, nil, fmt.Errorf("got %d targets for a batch of %d", len(targets), n)
	}
	probs := Softmax(act.Logits)
	var loss float64
	dLogits := mat.NewDense(n, k, nil)
	for i, y := range targets {
		if y < 0 || y >= k {
			return 0, nil, fmt.Errorf("target %d out of range [0,%d)", y, k)
		}
		row := probs.RawRowView(i)
		loss -= math.Log(math.Max(row[y], 1e-12))
		grad := dLogits.RawRowView(i)
		copy(grad, row)
		grad[y] -= 1
		floats.Scale(1/float64(n), grad)
	}
	loss /= float64(n)

	var gOutW mat.Dense
	gOutW.Mul(dLogits.T(), act.Hidden)
	gOutB := columnSums(dLogits)

	var dHidden mat.Dense
	dHidden.Mul(dLogits, h.OutW)
	dHidden.Apply(func(i, j int, v float64) float64 {
		a := act.Hidden.At(i, j)
		return v * (1 - a*a)
	}, &dHidden)

	var gDenseW mat.Dense
	gDenseW.Mul(dHidden.T(), act.Input)
	gDenseB := columnSums(&dHidden)

	return loss, Gradients{gDenseW.RawMatrix().Data, gDenseB, gOutW.RawMatrix().Data, gOutB}, nil
}

// Softmax returns row-wise softmax probabilities of logits.
func Softmax(logits mat.Matrix) *mat.Dense {
	n, k := logits.Dims()
	out := mat.NewDense(n, k, nil)
	for i := 0; i < n; i++ {
		row := out.RawRowView(i)
		for j := range row {
			row[j] = logits.At(i, j)
		}
		maxV := floats.Max(row)
		for j := range row {
			row[j] = math.Exp(row[j] - maxV)
		}
		floats.Scale(1/floats.Sum(row), row)
	}
	return out
}

// Argmax returns the index of the highest score in each row of m. Ties go to
// the lowest index.
func Argmax(m mat.Matrix) []int {
	n, _ := m.Dims()
	out := make([]int, n)
	for i := 0; i < n; i++ {
		out[i] = floats.MaxIdx(mat.Row(nil, i, m))
	}
	return out
}

func columnSums(m *mat.Dense) []float64 {
	r, c := m.Dims()
	out := make([]float64, c)
	for i := 0; i < r; i++ {
		floats.Add(out, m.RawRowView(i))
	}
	return out
}
