// Package params holds named model parameters: a mapping from parameter name
// (e.g. "hidden0/weights") to its tensor value.
//
// Two logical instances exist during a meta-training step: the shared meta
// parameters, owned by the trainer, and per-task adapted copies created with
// Clone by the adaptation engine and discarded after use.
package params

import (
	"math"
	"sort"

	"github.com/KhabarlakKonstantin/mtm-meta-learning-sa/types/tensor"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// Params maps a parameter name to its value.
type Params map[string]*tensor.Tensor

// Clone returns a deep copy: a new map with cloned tensors.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for name, t := range p {
		out[name] = t.Clone()
	}
	return out
}

// Names returns the parameter names in sorted order. Serialization and
// gradient application iterate in this order, for determinism.
func (p Params) Names() []string {
	names := maps.Keys(p)
	sort.Strings(names)
	return names
}

// Equal reports whether both parameter sets have the same names and
// bit-identical tensor values.
func (p Params) Equal(other Params) bool {
	if len(p) != len(other) {
		return false
	}
	for name, t := range p {
		o, found := other[name]
		if !found || !t.Equal(o) {
			return false
		}
	}
	return true
}

// AXPY computes p[name] += alpha*x[name] for every parameter, in place.
// It is the core SGD-style update used by the inner loop.
func (p Params) AXPY(alpha float32, x Params) error {
	for name, t := range p {
		g, found := x[name]
		if !found {
			return errors.Errorf("params.AXPY: missing entry %q in right-hand side", name)
		}
		t.AXPY(alpha, g)
	}
	return nil
}

// Add accumulates other into p, in place.
func (p Params) Add(other Params) error {
	return p.AXPY(1, other)
}

// Scale multiplies every parameter by alpha, in place.
func (p Params) Scale(alpha float32) {
	for _, t := range p {
		t.Scale(alpha)
	}
}

// ZerosLike returns a new parameter set with the same names and shapes,
// zero-filled.
func (p Params) ZerosLike() Params {
	out := make(Params, len(p))
	for name, t := range p {
		out[name] = tensor.New(t.Dims()...)
	}
	return out
}

// GlobalNorm returns the L2 norm over all parameters, as used for gradient
// clipping.
func (p Params) GlobalNorm() float64 {
	var sum float64
	for _, t := range p {
		sum += t.SumSquares()
	}
	return math.Sqrt(sum)
}

// ClipByGlobalNorm scales the parameters down so their global norm does not
// exceed maxNorm. A maxNorm <= 0 disables clipping.
func (p Params) ClipByGlobalNorm(maxNorm float64) {
	if maxNorm <= 0 {
		return
	}
	norm := p.GlobalNorm()
	if norm <= maxNorm || norm == 0 {
		return
	}
	p.Scale(float32(maxNorm / norm))
}

// IsFinite reports whether every tensor holds only finite values.
func (p Params) IsFinite() bool {
	for _, t := range p {
		if !t.IsFinite() {
			return false
		}
	}
	return true
}

// NumValues returns the total number of scalar values across all parameters.
func (p Params) NumValues() int {
	var n int
	for _, t := range p {
		n += t.Size()
	}
	return n
}
