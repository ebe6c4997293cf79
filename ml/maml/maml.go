// Package maml implements the bi-level optimization core of the driver: the
// inner-loop adaptation engine and the outer-loop meta-trainer.
//
// The outer gradient uses the first-order MAML approximation (FOMAML): the
// gradient of the mean query loss is evaluated at each task's adapted
// parameters and applied to the meta parameters directly, detaching the
// inner-loop Jacobian. This keeps the engine independent of any
// autodifferentiation library while preserving the training dynamics of the
// episodic driver.
package maml

import (
	"fmt"
	"math"

	"github.com/KhabarlakKonstantin/mtm-meta-learning-sa/ml/models"
	"github.com/KhabarlakKonstantin/mtm-meta-learning-sa/ml/params"
	"github.com/KhabarlakKonstantin/mtm-meta-learning-sa/ml/sampler"
	"github.com/pkg/errors"
)

// Engine runs the inner-loop (fast) adaptation: NumSteps gradient descent
// steps on the task's support set at a fixed step size.
type Engine struct {
	Model *models.MLP

	// NumSteps of inner-loop gradient descent. Zero is legal: the adapted
	// parameters then equal the meta parameters.
	NumSteps int

	// StepSize of each inner-loop update.
	StepSize float64

	// ClipNorm bounds the global norm of the inner-loop gradients.
	// Zero or negative disables clipping (the default).
	ClipNorm float64
}

// NonFiniteLossError reports a forward pass that produced NaN or ±Inf.
// Recoverable at the batch level: the meta update is skipped, not aborted.
type NonFiniteLossError struct {
	Step int
	Loss float64
}

func (e *NonFiniteLossError) Error() string {
	return fmt.Sprintf("non-finite loss %g at inner-loop step %d", e.Loss, e.Step)
}

// Adapt runs the inner loop on a copy of meta for the task's support set and
// returns the adapted parameters along with the support loss at each step
// (measured before the step's update).
//
// meta is never mutated: adaptation for one task starts from an independent
// copy of the meta parameters and cannot observe any other task's adaptation.
// Deterministic given identical inputs.
func (e *Engine) Adapt(meta params.Params, task *sampler.Task) (adapted params.Params, supportTrace []float64, err error) {
	adapted = meta.Clone()
	supportTrace = make([]float64, 0, e.NumSteps)
	for step := 0; step < e.NumSteps; step++ {
		loss, grads, err := e.Model.LossAndGrad(adapted, task.Support, task.SupportLabels)
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "inner-loop step %d", step)
		}
		if !isFinite(loss) {
			return nil, nil, &NonFiniteLossError{Step: step, Loss: loss}
		}
		supportTrace = append(supportTrace, loss)
		grads.ClipByGlobalNorm(e.ClipNorm)
		if err := adapted.AXPY(float32(-e.StepSize), grads); err != nil {
			return nil, nil, err
		}
	}
	return adapted, supportTrace, nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
