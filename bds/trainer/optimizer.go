package trainer

import (
	"math"

	"github.com/ZanzyTHEbar/bds-sentiment/bds/model"

	"gonum.org/v1/gonum/floats"
)

// adamW is Adam with decoupled weight decay. Decay applies only to params
// marked Decay.
type adamW struct {
	params      []model.Param
	m, v        [][]float64
	beta1       float64
	beta2       float64
	eps         float64
	weightDecay float64
	t           int
}

func newAdamW(params []model.Param, weightDecay float64) *adamW {
	o := &adamW{params: params, beta1: 0.9, beta2: 0.999, eps: 1e-8, weightDecay: weightDecay}
	o.m = make([][]float64, len(params))
	o.v = make([][]float64, len(params))
	for i, p := range params {
		o.m[i] = make([]float64, len(p.Data))
		o.v[i] = make([]float64, len(p.Data))
	}
	return o
}

func (o *adamW) step(grads model.Gradients, lr float64) {
	o.t++
	bc1 := 1 - math.Pow(o.beta1, float64(o.t))
	bc2 := 1 - math.Pow(o.beta2, float64(o.t))
	for i, p := range o.params {
		g := grads[i]
		m, v := o.m[i], o.v[i]
		for j := range p.Data {
			if p.Decay {
				p.Data[j] -= lr * o.weightDecay * p.Data[j]
			}
			m[j] = o.beta1*m[j] + (1-o.beta1)*g[j]
			v[j] = o.beta2*v[j] + (1-o.beta2)*g[j]*g[j]
			p.Data[j] -= lr * (m[j] / bc1) / (math.Sqrt(v[j]/bc2) + o.eps)
		}
	}
}

// clipGradNorm rescales grads in place so their global L2 norm is at most
// maxNorm, and returns the norm before clipping.
func clipGradNorm(grads model.Gradients, maxNorm float64) float64 {
	var sq float64
	for _, g := range grads {
		n := floats.Norm(g, 2)
		sq += n * n
	}
	norm := math.Sqrt(sq)
	if maxNorm > 0 && norm > maxNorm {
		scale := maxNorm / (norm + 1e-6)
		for _, g := range grads {
			floats.Scale(scale, g)
		}
	}
	return norm
}

// linearSchedule ramps the learning rate from 0 to base over warmup steps,
// then decays it linearly to 0 at total steps. step is the number of
// optimizer steps already taken.
func linearSchedule(base float64, step, warmup, total int) float64 {
	if step < warmup {
		return base * float64(step) / float64(max(1, warmup))
	}
	return base * math.Max(0, float64(total-step)/float64(max(1, total-warmup)))
}
