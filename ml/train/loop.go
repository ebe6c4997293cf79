package train

import (
	"context"
	"sort"
	"time"

	"github.com/KhabarlakKonstantin/mtm-meta-learning-sa/ml/sampler"
	"github.com/pkg/errors"
	xslices "golang.org/x/exp/slices"
)

// Priority for hooks, the lowest values are run first. Defaults to 0, but
// negative values are ok.
type Priority int

// OnStartFn is the type of OnStart hooks.
type OnStartFn func(loop *Loop, src sampler.Source) error

// OnEpochFn is the type of OnEpoch hooks, called after every train step.
type OnEpochFn func(loop *Loop, metrics StepMetrics) error

// OnEndFn is the type of OnEnd hooks.
type OnEndFn func(loop *Loop, metrics StepMetrics) error

// Loop runs the episodic training loop, invoking Trainer.TrainStep once per
// epoch and calling the appropriate hooks.
//
// In itself it doesn't do much, but one can attach functionality to it, like
// checkpointing and progress reporting.
//
// The public attributes are meant for reading only.
type Loop struct {
	// Trainer associated with this loop.
	Trainer Trainer

	// NumEpochs to run. Each epoch is one batch of tasks and one outer
	// update.
	NumEpochs int

	// Epoch currently being executed, starting from StartEpoch.
	Epoch int

	// StartEpoch is the first epoch of this run, non-zero when resuming from
	// a checkpoint.
	StartEpoch int

	// LastCompletedEpoch is the most recent epoch whose train step finished,
	// counting epochs restored from a checkpoint. It is -1 until any epoch
	// completes, including a run cancelled before its first train step.
	LastCompletedEpoch int

	// SharedData allows cross-tools to publish and consume information. Keys
	// and semantics of their values are not specified by the loop.
	SharedData map[string]any

	// EpochDurations collected during training.
	EpochDurations []time.Duration

	state State

	// Registered hooks.
	onStart *priorityHooks[*hookWithName[OnStartFn]]
	onEpoch *priorityHooks[*hookWithName[OnEpochFn]]
	onEnd   *priorityHooks[*hookWithName[OnEndFn]]
}

// NewLoop creates a training loop for the given trainer.
func NewLoop(trainer Trainer, numEpochs int) *Loop {
	return &Loop{
		Trainer:            trainer,
		NumEpochs:          numEpochs,
		LastCompletedEpoch: -1,
		SharedData:         make(map[string]any),
		state:              StateInitializing,
		onStart:            newPriorityHooks[*hookWithName[OnStartFn]](),
		onEpoch:            newPriorityHooks[*hookWithName[OnEpochFn]](),
		onEnd:              newPriorityHooks[*hookWithName[OnEndFn]](),
	}
}

// State returns the loop's current state.
func (loop *Loop) State() State { return loop.state }

// start of loop: calls the OnStart hooks.
func (loop *Loop) start(src sampler.Source) (err error) {
	loop.onStart.Enumerate(func(hook *hookWithName[OnStartFn]) {
		if err != nil {
			// After the first error stop.
			return
		}
		err = hook.fn(loop, src)
		if err != nil {
			err = errors.WithMessagef(err, "OnStart(hook %q)", hook.name)
		}
	})
	return
}

// epochDone calls the OnEpoch hooks after a train step.
func (loop *Loop) epochDone(metrics StepMetrics) (err error) {
	loop.onEpoch.Enumerate(func(hook *hookWithName[OnEpochFn]) {
		if err != nil {
			return
		}
		err = hook.fn(loop, metrics)
		if err != nil {
			err = errors.WithMessagef(err, "OnEpoch(hook %q)", hook.name)
		}
	})
	return
}

// end of loop: calls the OnEnd hooks.
func (loop *Loop) end(metrics StepMetrics) (err error) {
	loop.onEnd.Enumerate(func(hook *hookWithName[OnEndFn]) {
		if err != nil {
			return
		}
		err = hook.fn(loop, metrics)
		if err != nil {
			err = errors.WithMessagef(err, "OnEnd(hook %q)", hook.name)
		}
	})
	return
}

// RunEpochs drives the loop from StartEpoch for the configured number of
// epochs total: per epoch it yields one batch of tasks from src, runs one
// Trainer.TrainStep and invokes the OnEpoch hooks.
//
// Cancellation of ctx is observed at epoch boundaries only, never mid-batch:
// the loop then runs its end hooks (which checkpoint, if one is attached) and
// transitions to Completed, not Failed.
func (loop *Loop) RunEpochs(ctx context.Context, src sampler.Source) (metrics StepMetrics, err error) {
	defer func() {
		if err != nil {
			loop.state = StateFailed
		}
	}()

	loop.Epoch = loop.StartEpoch
	if err = loop.start(src); err != nil {
		return
	}
	loop.state = StateRunningEpoch
	loop.EpochDurations = make([]time.Duration, 0, loop.NumEpochs-loop.StartEpoch)
	loop.LastCompletedEpoch = loop.StartEpoch - 1

	for loop.Epoch = loop.StartEpoch; loop.Epoch < loop.NumEpochs; loop.Epoch++ {
		if ctx.Err() != nil {
			// External stop: finish cleanly at the epoch boundary.
			break
		}
		startTime := time.Now()
		var batch []*sampler.Task
		batch, err = src.Yield()
		if err != nil {
			err = errors.WithMessagef(err, "Loop.RunEpochs: failed reading from source %q (epoch %d)", src.Name(), loop.Epoch)
			return
		}
		metrics, err = loop.Trainer.TrainStep(batch)
		if err != nil {
			err = errors.WithMessagef(err, "Loop.RunEpochs: train step failed (epoch %d)", loop.Epoch)
			return
		}
		metrics.Epoch = loop.Epoch
		loop.EpochDurations = append(loop.EpochDurations, time.Since(startTime))
		loop.LastCompletedEpoch = loop.Epoch
		if err = loop.epochDone(metrics); err != nil {
			return
		}
	}

	if err = loop.end(metrics); err != nil {
		err = errors.WithMessagef(err, "Loop.RunEpochs: end hooks failed (epoch %d)", loop.Epoch)
		return
	}
	loop.state = StateCompleted
	return
}

// EnterCheckpointing runs fn with the loop in the Checkpointing state,
// restoring the previous state on all exit paths. Used by the checkpoint
// handler's hooks.
func (loop *Loop) EnterCheckpointing(fn func() error) error {
	prev := loop.state
	loop.state = StateCheckpointing
	defer func() { loop.state = prev }()
	return fn()
}

// MedianEpochDuration returns the median duration of the epochs run so far.
// It returns 1ms if no epoch was recorded, to avoid divisions by zero.
//
// It sorts a copy of loop.EpochDurations.
func (loop *Loop) MedianEpochDuration() time.Duration {
	if len(loop.EpochDurations) == 0 {
		return time.Millisecond
	}
	times := append([]time.Duration{}, loop.EpochDurations...)
	xslices.Sort(times)
	return times[len(times)/2]
}

// OnStart adds a hook with given priority and name (for error reporting) to
// the start of the loop.
func (loop *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	loop.onStart.Add(priority, &hookWithName[OnStartFn]{name: name, fn: fn})
}

// OnEpoch adds a hook with given priority and name (for error reporting)
// called after every train step.
func (loop *Loop) OnEpoch(name string, priority Priority, fn OnEpochFn) {
	loop.onEpoch.Add(priority, &hookWithName[OnEpochFn]{name: name, fn: fn})
}

// OnEnd adds a hook with given priority and name (for error reporting) to the
// end of the loop, after the last train step.
func (loop *Loop) OnEnd(name string, priority Priority, fn OnEndFn) {
	loop.onEnd.Add(priority, &hookWithName[OnEndFn]{name: name, fn: fn})
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks for type F per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{hooks: make(map[Priority][]H)}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// Enumerate calls fn for all registered hooks in priority order.
func (h *priorityHooks[H]) Enumerate(fn func(hook H)) {
	keys := make([]Priority, 0, len(h.hooks))
	for key := range h.hooks {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, key := range keys {
		for _, hook := range h.hooks[key] {
			fn(hook)
		}
	}
}
