package optimizers

import (
	"math"

	"github.com/KhabarlakKonstantin/mtm-meta-learning-sa/ml/params"
	"github.com/KhabarlakKonstantin/mtm-meta-learning-sa/types/tensor"
	"github.com/pkg/errors"
)

// AdamDefaultLearningRate is used by Adam if no learning rate is set.
const AdamDefaultLearningRate = 0.001

// Names of the Adam state tensors exported for checkpointing. Per-parameter
// moments are stored as "adam/m/<name>" and "adam/v/<name>".
const (
	adamStepState    = "adam/step"
	adamFirstMoment  = "adam/m/"
	adamSecondMoment = "adam/v/"
)

// Adam optimization is stochastic gradient descent with adaptive estimation
// of first- and second-order moments ([Kingma et al., 2014]).
//
// It returns a configuration object; set its parameters and call Done to get
// an optimizers.Interface.
//
// [Kingma et al., 2014]: http://arxiv.org/abs/1412.6980
func Adam() *AdamConfig {
	return &AdamConfig{
		learningRate: AdamDefaultLearningRate,
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-7,
	}
}

// AdamConfig holds the configuration for an Adam optimizer, created with
// Adam(); once configured call Done.
type AdamConfig struct {
	learningRate float64
	beta1, beta2 float64
	epsilon      float64
}

// LearningRate sets the base learning rate. Defaults to
// AdamDefaultLearningRate.
func (c *AdamConfig) LearningRate(value float64) *AdamConfig {
	c.learningRate = value
	return c
}

// Betas sets the two moving average constants (exponential decays). They
// default to 0.9 and 0.999.
func (c *AdamConfig) Betas(beta1, beta2 float64) *AdamConfig {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// Epsilon used on the denominator as a small constant for stability.
func (c *AdamConfig) Epsilon(epsilon float64) *AdamConfig {
	c.epsilon = epsilon
	return c
}

// Done creates the Adam optimizer with the current configuration.
func (c *AdamConfig) Done() Interface {
	return &adam{config: *c}
}

type adam struct {
	config AdamConfig

	step int
	m    params.Params // first moments, lazily shaped after the first Apply
	v    params.Params // second moments
}

func (o *adam) Apply(p params.Params, grads params.Params) error {
	if o.m == nil {
		o.m = p.ZerosLike()
		o.v = p.ZerosLike()
	}
	o.step++
	beta1, beta2 := o.config.beta1, o.config.beta2
	// Bias-corrected step size.
	alpha := o.config.learningRate *
		math.Sqrt(1-math.Pow(beta2, float64(o.step))) /
		(1 - math.Pow(beta1, float64(o.step)))

	for _, name := range p.Names() {
		grad, found := grads[name]
		if !found {
			return errors.Errorf("adam: missing gradient for parameter %q", name)
		}
		mData := o.m[name].Data()
		vData := o.v[name].Data()
		pData := p[name].Data()
		gData := grad.Data()
		for i, g := range gData {
			g64 := float64(g)
			m := beta1*float64(mData[i]) + (1-beta1)*g64
			v := beta2*float64(vData[i]) + (1-beta2)*g64*g64
			mData[i] = float32(m)
			vData[i] = float32(v)
			pData[i] -= float32(alpha * m / (math.Sqrt(v) + o.config.epsilon))
		}
	}
	return nil
}

func (o *adam) StateParams() params.Params {
	state := params.Params{adamStepState: tensor.Scalar(float32(o.step))}
	for name, t := range o.m {
		state[adamFirstMoment+name] = t.Clone()
	}
	for name, t := range o.v {
		state[adamSecondMoment+name] = t.Clone()
	}
	return state
}

func (o *adam) LoadStateParams(state params.Params) error {
	if len(state) == 0 {
		o.step = 0
		o.m, o.v = nil, nil
		return nil
	}
	stepT, found := state[adamStepState]
	if !found {
		return errors.Errorf("adam optimizer state is missing %q", adamStepState)
	}
	o.step = int(stepT.Data()[0])
	o.m = make(params.Params)
	o.v = make(params.Params)
	for name, t := range state {
		switch {
		case name == adamStepState:
		case len(name) > len(adamFirstMoment) && name[:len(adamFirstMoment)] == adamFirstMoment:
			o.m[name[len(adamFirstMoment):]] = t.Clone()
		case len(name) > len(adamSecondMoment) && name[:len(adamSecondMoment)] == adamSecondMoment:
			o.v[name[len(adamSecondMoment):]] = t.Clone()
		default:
			return errors.Errorf("unexpected adam optimizer state tensor %q", name)
		}
	}
	return nil
}

func (o *adam) Name() string { return "adam" }
