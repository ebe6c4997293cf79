// Package train orchestrates episodic meta-training: the epoch loop, its
// hooks, the run state machine and the evaluation entry point.
//
// The Loop itself doesn't do much; functionality is attached to it through
// hooks -- checkpointing, progress bars, metric logs -- keeping it simple and
// flexible.
package train

import (
	"github.com/KhabarlakKonstantin/mtm-meta-learning-sa/ml/sampler"
)

// StepMetrics aggregates one batch step (one epoch of the driver): mean
// support loss, mean query loss and mean query accuracy over the tasks of the
// batch. Appended to the run's metrics log, never mutated afterwards.
type StepMetrics struct {
	Epoch int `json:"epoch"`

	SupportLoss   float64 `json:"mean_support_loss"`
	QueryLoss     float64 `json:"mean_query_loss"`
	QueryAccuracy float64 `json:"mean_query_accuracy"`

	// Skipped is set when the batch produced a non-finite loss and the meta
	// update was skipped (see the maml package).
	Skipped bool `json:"skipped,omitempty"`
}

// Trainer runs one meta-training step over a batch of tasks, and evaluates
// single held-out tasks. Implemented by maml.Trainer.
type Trainer interface {
	// TrainStep adapts every task of the batch from the current meta
	// parameters, applies one outer-loop update and returns the batch
	// metrics. A batch that produced non-finite losses is skipped, reported
	// through StepMetrics.Skipped, and is not an error.
	TrainStep(batch []*sampler.Task) (StepMetrics, error)

	// EvalTask adapts the meta parameters to the task's support set and
	// returns the query loss and accuracy of the adapted parameters. No
	// outer-loop update occurs.
	EvalTask(task *sampler.Task) (loss, accuracy float64, err error)
}

// State of the training/evaluation loop.
type State int

const (
	// StateInitializing: configuration resolved, model and optimizer being
	// constructed, optionally restoring from a checkpoint.
	StateInitializing State = iota

	// StateRunningEpoch: drawing task batches and driving train steps.
	StateRunningEpoch

	// StateCheckpointing: persisting a checkpoint; returns to RunningEpoch.
	StateCheckpointing

	// StateEvaluating: adapting to held-out tasks without outer updates.
	StateEvaluating

	// StateCompleted is terminal: all epochs done, or a clean stop.
	StateCompleted

	// StateFailed is terminal: unrecoverable configuration or I/O error.
	StateFailed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateInitializing:
		return "Initializing"
	case StateRunningEpoch:
		return "RunningEpoch"
	case StateCheckpointing:
		return "Checkpointing"
	case StateEvaluating:
		return "Evaluating"
	case StateCompleted:
		return "Completed"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}
