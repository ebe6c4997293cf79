// Package optimizers implements the outer-loop (meta) optimizers. They all
// implement optimizers.Interface and operate directly on named parameters.
package optimizers

import (
	"github.com/KhabarlakKonstantin/mtm-meta-learning-sa/ml/params"
	"github.com/pkg/errors"
)

// Interface implemented by optimizer implementations.
type Interface interface {
	// Apply performs one update of p using the given gradients, in place.
	Apply(p params.Params, grads params.Params) error

	// StateParams exports the optimizer's internal state as named tensors so
	// it can be checkpointed along the model parameters. May be empty.
	StateParams() params.Params

	// LoadStateParams restores state previously exported by StateParams.
	// Loading an empty set resets the optimizer.
	LoadStateParams(state params.Params) error

	// Name returns the canonical optimizer name.
	Name() string
}

// KnownOptimizers maps optimizer names to their default constructors, keyed
// the way the configuration refers to them.
var KnownOptimizers = map[string]func(learningRate float64) Interface{
	"sgd":  func(lr float64) Interface { return StochasticGradientDescent(lr) },
	"adam": func(lr float64) Interface { return Adam().LearningRate(lr).Done() },
}

// ByName constructs a known optimizer, or errors listing the valid names.
func ByName(name string, learningRate float64) (Interface, error) {
	build, found := KnownOptimizers[name]
	if !found {
		return nil, errors.Errorf("unknown optimizer %q, valid values are \"sgd\" and \"adam\"", name)
	}
	return build(learningRate), nil
}

// sgd is plain gradient descent: p -= lr * grad. Stateless.
type sgd struct {
	learningRate float64
}

// StochasticGradientDescent creates the simplest possible optimizer.
func StochasticGradientDescent(learningRate float64) Interface {
	return &sgd{learningRate: learningRate}
}

func (o *sgd) Apply(p params.Params, grads params.Params) error {
	return p.AXPY(float32(-o.learningRate), grads)
}

func (o *sgd) StateParams() params.Params { return params.Params{} }

func (o *sgd) LoadStateParams(state params.Params) error {
	if len(state) != 0 {
		return errors.Errorf("sgd optimizer carries no state, got %d state tensors", len(state))
	}
	return nil
}

func (o *sgd) Name() string { return "sgd" }
