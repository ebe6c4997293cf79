// Package models implements the base model adapted by the episodic driver:
// a small fully-connected classifier over flattened inputs.
//
// The architecture is intentionally simple. The driver's contracts (inner-loop
// adaptation, outer-loop meta update, checkpointing) only require a model that
// exposes a forward pass and loss gradients with respect to a given parameter
// set; the parameter set itself is always passed in explicitly, never held as
// model state, so the same model can evaluate meta parameters and any number
// of per-task adapted copies concurrently.
package models

import (
	"math"
	"math/rand"

	"github.com/KhabarlakKonstantin/mtm-meta-learning-sa/ml/params"
	"github.com/KhabarlakKonstantin/mtm-meta-learning-sa/types/tensor"
	"github.com/pkg/errors"
)

// Layer parameter names, in forward order.
const (
	Hidden0Weights = "hidden0/weights"
	Hidden0Bias    = "hidden0/bias"
	Hidden1Weights = "hidden1/weights"
	Hidden1Bias    = "hidden1/bias"
	OutputWeights  = "output/weights"
	OutputBias     = "output/bias"
)

// MLP is a 2-hidden-layer ReLU classifier. It is stateless: parameters are
// created by Init and passed explicitly to Forward and LossAndGrad.
type MLP struct {
	// InputDim is the flattened feature size of the dataset.
	InputDim int

	// HiddenSize is the width of both hidden layers (the --hidden-size flag).
	HiddenSize int

	// NumWays is the output width: the number of classes per episodic task.
	NumWays int
}

// New creates an MLP description for the given dimensions.
func New(inputDim, hiddenSize, numWays int) *MLP {
	return &MLP{InputDim: inputDim, HiddenSize: hiddenSize, NumWays: numWays}
}

// Init creates a fresh parameter set, He-initialized from rng.
// Deterministic given the rng state.
func (m *MLP) Init(rng *rand.Rand) params.Params {
	p := params.Params{
		Hidden0Weights: tensor.New(m.InputDim, m.HiddenSize),
		Hidden0Bias:    tensor.New(m.HiddenSize),
		Hidden1Weights: tensor.New(m.HiddenSize, m.HiddenSize),
		Hidden1Bias:    tensor.New(m.HiddenSize),
		OutputWeights:  tensor.New(m.HiddenSize, m.NumWays),
		OutputBias:     tensor.New(m.NumWays),
	}
	p[Hidden0Weights].FillRandn(rng, math.Sqrt(2.0/float64(m.InputDim)))
	p[Hidden1Weights].FillRandn(rng, math.Sqrt(2.0/float64(m.HiddenSize)))
	p[OutputWeights].FillRandn(rng, math.Sqrt(2.0/float64(m.HiddenSize)))
	return p
}

// CheckParams validates that p has the shapes this model expects.
func (m *MLP) CheckParams(p params.Params) error {
	want := map[string][]int{
		Hidden0Weights: {m.InputDim, m.HiddenSize},
		Hidden0Bias:    {m.HiddenSize},
		Hidden1Weights: {m.HiddenSize, m.HiddenSize},
		Hidden1Bias:    {m.HiddenSize},
		OutputWeights:  {m.HiddenSize, m.NumWays},
		OutputBias:     {m.NumWays},
	}
	for name, dims := range want {
		t, found := p[name]
		if !found {
			return errors.Errorf("model parameters missing %q", name)
		}
		got := t.Dims()
		if len(got) != len(dims) {
			return errors.Errorf("parameter %q has rank %d, want %d", name, len(got), len(dims))
		}
		for i, d := range dims {
			if got[i] != d {
				return errors.Errorf("parameter %q has dimensions %v, want %v", name, got, dims)
			}
		}
	}
	return nil
}

// forward runs the model and returns the intermediate activations needed for
// backpropagation.
func (m *MLP) forward(p params.Params, inputs *tensor.Tensor) (z0, a0, z1, a1, logits *tensor.Tensor) {
	z0 = tensor.MatMul(inputs, p[Hidden0Weights])
	z0.AddRowBroadcast(p[Hidden0Bias])
	a0 = z0.Clone()
	a0.ReLU()

	z1 = tensor.MatMul(a0, p[Hidden1Weights])
	z1.AddRowBroadcast(p[Hidden1Bias])
	a1 = z1.Clone()
	a1.ReLU()

	logits = tensor.MatMul(a1, p[OutputWeights])
	logits.AddRowBroadcast(p[OutputBias])
	return
}

// Forward returns the logits [batch, numWays] for the given inputs
// [batch, inputDim] under parameter set p.
func (m *MLP) Forward(p params.Params, inputs *tensor.Tensor) *tensor.Tensor {
	_, _, _, _, logits := m.forward(p, inputs)
	return logits
}

// softmaxCrossEntropy returns the mean cross-entropy loss and, if gradOut is
// not nil, fills it with d(loss)/d(logits).
func softmaxCrossEntropy(logits *tensor.Tensor, labels []int, gradOut *tensor.Tensor) float64 {
	batch, ways := logits.Rows(), logits.Cols()
	var lossSum float64
	for i := 0; i < batch; i++ {
		row := logits.Row(i)
		maxV := row[0]
		for _, v := range row[1:] {
			if v > maxV {
				maxV = v
			}
		}
		var sumExp float64
		for _, v := range row {
			sumExp += math.Exp(float64(v - maxV))
		}
		logSumExp := math.Log(sumExp) + float64(maxV)
		lossSum += logSumExp - float64(row[labels[i]])

		if gradOut != nil {
			gRow := gradOut.Row(i)
			for j := 0; j < ways; j++ {
				softmax := math.Exp(float64(row[j])-logSumExp) / float64(batch)
				gRow[j] = float32(softmax)
			}
			gRow[labels[i]] -= float32(1) / float32(batch)
		}
	}
	return lossSum / float64(batch)
}

// Loss returns the mean softmax cross-entropy of inputs/labels under p.
func (m *MLP) Loss(p params.Params, inputs *tensor.Tensor, labels []int) float64 {
	logits := m.Forward(p, inputs)
	return softmaxCrossEntropy(logits, labels, nil)
}

// Accuracy returns the fraction of inputs whose argmax logit matches the
// label, under p.
func (m *MLP) Accuracy(p params.Params, inputs *tensor.Tensor, labels []int) float64 {
	logits := m.Forward(p, inputs)
	var correct int
	for i := 0; i < logits.Rows(); i++ {
		row := logits.Row(i)
		best := 0
		for j, v := range row {
			if v > row[best] {
				best = j
			}
		}
		if best == labels[i] {
			correct++
		}
	}
	return float64(correct) / float64(logits.Rows())
}

// LossAndGrad computes the mean softmax cross-entropy loss of inputs/labels
// under p, and its gradient with respect to every parameter in p.
//
// p is read-only here: the returned gradients are freshly allocated.
func (m *MLP) LossAndGrad(p params.Params, inputs *tensor.Tensor, labels []int) (loss float64, grads params.Params, err error) {
	if inputs.Rows() != len(labels) {
		return 0, nil, errors.Errorf("LossAndGrad: %d input rows but %d labels", inputs.Rows(), len(labels))
	}
	z0, a0, z1, a1, logits := m.forward(p, inputs)

	dLogits := tensor.New(logits.Rows(), logits.Cols())
	loss = softmaxCrossEntropy(logits, labels, dLogits)

	grads = make(params.Params, 6)
	grads[OutputWeights] = tensor.MatMulTA(a1, dLogits)
	grads[OutputBias] = tensor.SumRows(dLogits)

	dA1 := tensor.MatMulTB(dLogits, p[OutputWeights])
	dA1.MaskReLU(z1)
	grads[Hidden1Weights] = tensor.MatMulTA(a0, dA1)
	grads[Hidden1Bias] = tensor.SumRows(dA1)

	dA0 := tensor.MatMulTB(dA1, p[Hidden1Weights])
	dA0.MaskReLU(z0)
	grads[Hidden0Weights] = tensor.MatMulTA(inputs, dA0)
	grads[Hidden0Bias] = tensor.SumRows(dA0)
	return loss, grads, nil
}
