package maml

import (
	"runtime"
	"sync"

	"github.com/KhabarlakKonstantin/mtm-meta-learning-sa/ml/params"
	"github.com/KhabarlakKonstantin/mtm-meta-learning-sa/ml/sampler"
	"github.com/KhabarlakKonstantin/mtm-meta-learning-sa/ml/train"
	"github.com/KhabarlakKonstantin/mtm-meta-learning-sa/ml/train/optimizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// InstabilityEvent records a batch whose forward pass produced a non-finite
// loss. The batch's meta update was skipped; training continued.
type InstabilityEvent struct {
	// OuterStep counts applied meta updates at the time of the event.
	OuterStep int

	// TaskIndex within the skipped batch.
	TaskIndex int

	// Loss is the offending value (NaN or ±Inf).
	Loss float64
}

// Trainer owns the meta parameters and implements train.Trainer: per-task
// inner-loop adaptation (concurrently within a batch), the FOMAML outer step,
// and the evaluation path.
//
// The meta parameters are mutated exclusively by TrainStep, exclusively
// between batches; a read/write lock lets checkpoint snapshots serialize with
// the updates.
type Trainer struct {
	engine    Engine
	optimizer optimizers.Interface

	// parallelism bounds concurrent per-task adaptations within a batch.
	parallelism int

	mu        sync.RWMutex
	meta      params.Params
	outerStep int
	events    []InstabilityEvent
}

// NewTrainer creates a meta-trainer over the given engine and outer-loop
// optimizer, taking ownership of meta. parallelism bounds concurrent
// adaptations within a batch; 0 means the number of cores.
func NewTrainer(engine Engine, meta params.Params, optimizer optimizers.Interface, parallelism int) (*Trainer, error) {
	if engine.Model == nil {
		return nil, errors.Errorf("maml.NewTrainer: engine has no model")
	}
	if err := engine.Model.CheckParams(meta); err != nil {
		return nil, errors.WithMessage(err, "maml.NewTrainer")
	}
	if parallelism <= 0 {
		parallelism = runtime.NumCPU()
	}
	return &Trainer{
		engine:      engine,
		optimizer:   optimizer,
		parallelism: parallelism,
		meta:        meta,
	}, nil
}

// taskResult is the outcome of one task's adapt+query-evaluation cycle.
type taskResult struct {
	supportLoss float64
	queryLoss   float64
	queryAcc    float64
	queryGrads  params.Params // nil when the task has an empty query set

	nonFinite *NonFiniteLossError
	err       error
}

// TrainStep implements train.Trainer: it adapts every task of the batch from
// an independent copy of the current meta parameters (concurrently, up to the
// configured parallelism), waits for all of them (the outer step is a hard
// synchronization barrier) and applies one FOMAML outer update.
//
// If any task produces a non-finite loss the whole outer update is skipped,
// the event is recorded, and the step reports Skipped instead of failing.
func (t *Trainer) TrainStep(batch []*sampler.Task) (train.StepMetrics, error) {
	if len(batch) == 0 {
		return train.StepMetrics{}, errors.Errorf("TrainStep: empty task batch")
	}

	results := make([]taskResult, len(batch))
	t.mu.RLock()
	meta := t.meta
	var wg sync.WaitGroup
	sem := make(chan struct{}, t.parallelism)
	for i, task := range batch {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, task *sampler.Task) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = t.runTask(meta, task)
		}(i, task)
	}
	wg.Wait()
	t.mu.RUnlock()

	var metrics train.StepMetrics
	var queryTasks int
	for i := range results {
		r := &results[i]
		if r.err != nil {
			return metrics, errors.WithMessagef(r.err, "task %d of batch", i)
		}
		if r.nonFinite != nil {
			// Skip the whole batch: meta parameters unchanged.
			t.mu.Lock()
			event := InstabilityEvent{OuterStep: t.outerStep, TaskIndex: i, Loss: r.nonFinite.Loss}
			t.events = append(t.events, event)
			t.mu.Unlock()
			klog.Warningf("Skipping meta update: %v (outer step %d, task %d)", r.nonFinite, event.OuterStep, i)
			metrics.Skipped = true
			return metrics, nil
		}
		metrics.SupportLoss += r.supportLoss / float64(len(batch))
		if r.queryGrads != nil {
			queryTasks++
			metrics.QueryLoss += r.queryLoss
			metrics.QueryAccuracy += r.queryAcc
		}
	}

	if queryTasks == 0 {
		// All tasks had empty query sets: nothing to drive the outer update.
		klog.V(1).Info("No query examples in batch, meta update skipped")
		return metrics, nil
	}
	metrics.QueryLoss /= float64(queryTasks)
	metrics.QueryAccuracy /= float64(queryTasks)

	// Outer gradient: mean of the per-task query gradients.
	outerGrads := results[firstQueryTask(results)].queryGrads
	for i := firstQueryTask(results) + 1; i < len(results); i++ {
		if results[i].queryGrads == nil {
			continue
		}
		if err := outerGrads.Add(results[i].queryGrads); err != nil {
			return metrics, err
		}
	}
	outerGrads.Scale(1 / float32(queryTasks))

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.optimizer.Apply(t.meta, outerGrads); err != nil {
		return metrics, errors.WithMessage(err, "outer-loop update")
	}
	t.outerStep++
	return metrics, nil
}

func firstQueryTask(results []taskResult) int {
	for i := range results {
		if results[i].queryGrads != nil {
			return i
		}
	}
	return 0
}

// runTask adapts one task and evaluates its query set. meta is read-only.
func (t *Trainer) runTask(meta params.Params, task *sampler.Task) (r taskResult) {
	adapted, trace, err := t.engine.Adapt(meta, task)
	if err != nil {
		var nonFinite *NonFiniteLossError
		if errors.As(err, &nonFinite) {
			r.nonFinite = nonFinite
		} else {
			r.err = err
		}
		return
	}
	if len(trace) > 0 {
		r.supportLoss = trace[len(trace)-1]
	} else {
		r.supportLoss = t.engine.Model.Loss(adapted, task.Support, task.SupportLabels)
	}

	if task.NumQuery == 0 {
		return
	}
	loss, grads, err := t.engine.Model.LossAndGrad(adapted, task.Query, task.QueryLabels)
	if err != nil {
		r.err = err
		return
	}
	if !isFinite(loss) {
		r.nonFinite = &NonFiniteLossError{Step: t.engine.NumSteps, Loss: loss}
		return
	}
	r.queryLoss = loss
	r.queryAcc = t.engine.Model.Accuracy(adapted, task.Query, task.QueryLabels)
	r.queryGrads = grads
	return
}

// EvalTask implements train.Trainer: it adapts the current meta parameters to
// the task's support set and returns the adapted parameters' loss and
// accuracy on the query set. Tasks with an empty query set are scored on the
// support set instead. No outer-loop update occurs.
func (t *Trainer) EvalTask(task *sampler.Task) (loss, accuracy float64, err error) {
	t.mu.RLock()
	meta := t.meta
	adapted, _, err := t.engine.Adapt(meta, task)
	t.mu.RUnlock()
	if err != nil {
		return 0, 0, err
	}
	inputs, labels := task.Query, task.QueryLabels
	if task.NumQuery == 0 {
		inputs, labels = task.Support, task.SupportLabels
	}
	loss = t.engine.Model.Loss(adapted, inputs, labels)
	accuracy = t.engine.Model.Accuracy(adapted, inputs, labels)
	return loss, accuracy, nil
}

// MetaParams returns a snapshot copy of the current meta parameters.
func (t *Trainer) MetaParams() params.Params {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.meta.Clone()
}

// Snapshot exports copies of the meta parameters and optimizer state, for
// checkpointing. The lock guarantees no meta update is in flight.
func (t *Trainer) Snapshot() (meta params.Params, optimizerState params.Params) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.meta.Clone(), t.optimizer.StateParams()
}

// Restore replaces the meta parameters and optimizer state from a checkpoint.
func (t *Trainer) Restore(meta params.Params, optimizerState params.Params) error {
	if err := t.engine.Model.CheckParams(meta); err != nil {
		return errors.WithMessage(err, "restoring checkpoint")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.meta = meta.Clone()
	return t.optimizer.LoadStateParams(optimizerState)
}

// Events returns a copy of the instability events recorded so far.
func (t *Trainer) Events() []InstabilityEvent {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]InstabilityEvent{}, t.events...)
}

var _ train.Trainer = (*Trainer)(nil)
