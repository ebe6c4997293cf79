package train

import (
	"context"
	"math"

	"github.com/KhabarlakKonstantin/mtm-meta-learning-sa/ml/sampler"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
)

// EvalResult aggregates an evaluation run over held-out episodes.
type EvalResult struct {
	// Episodes actually evaluated (may be lower than requested if canceled).
	Episodes int

	// MeanLoss is the mean query loss over episodes.
	MeanLoss float64

	// MeanAccuracy and its spread over the per-episode accuracies.
	MeanAccuracy float64
	StdDev       float64

	// CI95 is the half-width of the 95% confidence interval of the mean
	// accuracy: 1.96 * stddev / sqrt(episodes).
	CI95 float64

	// Accuracies holds the per-episode query accuracies.
	Accuracies []float64
}

// EvalProgressFn is called during Evaluate with the running result so far.
type EvalProgressFn func(result EvalResult)

// Evaluation is the evaluation-only flow: it draws held-out episodes from a
// source, adapts the trainer's meta parameters to each task's support set and
// aggregates query accuracy. No outer-loop update occurs.
//
// The public attributes are meant for reading only after NewEvaluation.
type Evaluation struct {
	// Trainer whose meta parameters are adapted per episode.
	Trainer Trainer

	// Episodes to evaluate.
	Episodes int

	// OnProgress, if not nil, is called roughly 20 times over the run with
	// the running aggregate.
	OnProgress EvalProgressFn

	state State
}

// NewEvaluation creates the evaluation flow over the given number of held-out
// episodes.
func NewEvaluation(trainer Trainer, episodes int, onProgress EvalProgressFn) *Evaluation {
	return &Evaluation{
		Trainer:    trainer,
		Episodes:   episodes,
		OnProgress: onProgress,
		state:      StateInitializing,
	}
}

// State returns the evaluation's current state: Evaluating while episodes are
// being adapted and scored, then Completed or Failed.
func (e *Evaluation) State() State { return e.state }

// Run draws e.Episodes tasks from src and scores each one with
// Trainer.EvalTask. Cancellation of ctx stops between episodes; the partial
// result is returned with a nil error and the state is Completed.
func (e *Evaluation) Run(ctx context.Context, src sampler.Source) (EvalResult, error) {
	if e.Episodes < 1 {
		e.state = StateFailed
		return EvalResult{}, errors.Errorf("Evaluate: number of episodes must be >= 1, got %d", e.Episodes)
	}
	e.state = StateEvaluating
	reportEvery := e.Episodes / 20
	if reportEvery < 1 {
		reportEvery = 1
	}

	result := EvalResult{Accuracies: make([]float64, 0, e.Episodes)}
	var lossSum float64
	for result.Episodes < e.Episodes {
		if ctx.Err() != nil {
			break
		}
		batch, err := src.Yield()
		if err != nil {
			e.state = StateFailed
			return result, errors.WithMessagef(err, "Evaluate: failed reading from source %q", src.Name())
		}
		for _, task := range batch {
			loss, accuracy, err := e.Trainer.EvalTask(task)
			if err != nil {
				e.state = StateFailed
				return result, errors.WithMessagef(err, "Evaluate: episode %d failed", result.Episodes)
			}
			lossSum += loss
			result.Accuracies = append(result.Accuracies, accuracy)
			result.Episodes++

			if e.OnProgress != nil && result.Episodes%reportEvery == 0 {
				summarize(&result, lossSum)
				e.OnProgress(result)
			}
			if result.Episodes == e.Episodes {
				break
			}
		}
	}
	summarize(&result, lossSum)
	e.state = StateCompleted
	return result, nil
}

// Evaluate runs a one-shot Evaluation: see Evaluation.Run.
func Evaluate(ctx context.Context, trainer Trainer, src sampler.Source, episodes int, onProgress EvalProgressFn) (EvalResult, error) {
	return NewEvaluation(trainer, episodes, onProgress).Run(ctx, src)
}

func summarize(result *EvalResult, lossSum float64) {
	if result.Episodes == 0 {
		return
	}
	result.MeanLoss = lossSum / float64(result.Episodes)
	result.MeanAccuracy = stat.Mean(result.Accuracies, nil)
	if result.Episodes > 1 {
		result.StdDev = stat.StdDev(result.Accuracies, nil)
	} else {
		result.StdDev = 0
	}
	result.CI95 = 1.96 * result.StdDev / math.Sqrt(float64(result.Episodes))
}
