package optimizers

import (
	"testing"

	"github.com/KhabarlakKonstantin/mtm-meta-learning-sa/ml/params"
	"github.com/KhabarlakKonstantin/mtm-meta-learning-sa/types/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func singleParam(t *testing.T, values ...float32) params.Params {
	v, err := tensor.FromFlat(values, len(values))
	require.NoError(t, err)
	return params.Params{"w": v}
}

// quadraticGrad is the gradient of f(w) = sum(w²)/2, minimized at 0.
func quadraticGrad(p params.Params) params.Params {
	return params.Params{"w": p["w"].Clone()}
}

func TestSGDStep(t *testing.T) {
	o := StochasticGradientDescent(0.5)
	p := singleParam(t, 2, -4)
	grads := singleParam(t, 1, 1)
	require.NoError(t, o.Apply(p, grads))
	assert.Equal(t, []float32{1.5, -4.5}, p["w"].Data())
	assert.Equal(t, "sgd", o.Name())
	assert.Empty(t, o.StateParams())
}

func TestAdamConverges(t *testing.T) {
	o := Adam().LearningRate(0.1).Done()
	p := singleParam(t, 3, -2)
	for i := 0; i < 300; i++ {
		require.NoError(t, o.Apply(p, quadraticGrad(p)))
	}
	assert.InDelta(t, 0, float64(p["w"].Data()[0]), 0.05)
	assert.InDelta(t, 0, float64(p["w"].Data()[1]), 0.05)
}

func TestAdamStateRoundTrip(t *testing.T) {
	o1 := Adam().LearningRate(0.05).Done()
	p1 := singleParam(t, 1, 2, 3)
	for i := 0; i < 10; i++ {
		require.NoError(t, o1.Apply(p1, quadraticGrad(p1)))
	}

	// Restore state into a fresh optimizer; further updates must match a
	// continuation of the original run exactly.
	o2 := Adam().LearningRate(0.05).Done()
	require.NoError(t, o2.LoadStateParams(o1.StateParams()))
	p2 := p1.Clone()

	for i := 0; i < 5; i++ {
		require.NoError(t, o1.Apply(p1, quadraticGrad(p1)))
		require.NoError(t, o2.Apply(p2, quadraticGrad(p2)))
	}
	assert.True(t, p1.Equal(p2))
}

func TestAdamMissingGradient(t *testing.T) {
	o := Adam().Done()
	p := singleParam(t, 1)
	err := o.Apply(p, params.Params{})
	assert.Error(t, err)
}

func TestByName(t *testing.T) {
	o, err := ByName("sgd", 0.1)
	require.NoError(t, err)
	assert.Equal(t, "sgd", o.Name())

	o, err = ByName("adam", 0.1)
	require.NoError(t, err)
	assert.Equal(t, "adam", o.Name())

	_, err = ByName("lion", 0.1)
	assert.Error(t, err)
}

func TestSGDRejectsState(t *testing.T) {
	o := StochasticGradientDescent(0.1)
	assert.NoError(t, o.LoadStateParams(params.Params{}))
	assert.Error(t, o.LoadStateParams(singleParam(t, 1)))
}
