package train

import (
	"context"
	"testing"

	"github.com/KhabarlakKonstantin/mtm-meta-learning-sa/ml/sampler"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTrainer records its train steps and can be made to fail at a given one.
type fakeTrainer struct {
	steps  int
	failAt int // fail at this step number, 0 disables
}

func (f *fakeTrainer) TrainStep(batch []*sampler.Task) (StepMetrics, error) {
	f.steps++
	if f.failAt > 0 && f.steps == f.failAt {
		return StepMetrics{}, errors.Errorf("injected failure at step %d", f.steps)
	}
	return StepMetrics{QueryLoss: 1.0 / float64(f.steps), QueryAccuracy: 0.5}, nil
}

func (f *fakeTrainer) EvalTask(task *sampler.Task) (loss, accuracy float64, err error) {
	return 0.5, 0.75, nil
}

// singleTaskSource yields one empty task per call.
type singleTaskSource struct{}

func (singleTaskSource) Name() string { return "single" }
func (singleTaskSource) Reset()       {}
func (singleTaskSource) Yield() ([]*sampler.Task, error) {
	return []*sampler.Task{{}}, nil
}

func TestLoopRunsAllEpochs(t *testing.T) {
	trainer := &fakeTrainer{}
	loop := NewLoop(trainer, 7)
	assert.Equal(t, StateInitializing, loop.State())

	var epochsSeen []int
	loop.OnEpoch("record", 0, func(loop *Loop, metrics StepMetrics) error {
		epochsSeen = append(epochsSeen, metrics.Epoch)
		return nil
	})

	metrics, err := loop.RunEpochs(context.Background(), singleTaskSource{})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, loop.State())
	assert.Equal(t, 7, trainer.steps)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6}, epochsSeen)
	assert.Equal(t, 6, metrics.Epoch)
	assert.Len(t, loop.EpochDurations, 7)
}

func TestLoopStartEpochResumes(t *testing.T) {
	trainer := &fakeTrainer{}
	loop := NewLoop(trainer, 10)
	loop.StartEpoch = 6
	_, err := loop.RunEpochs(context.Background(), singleTaskSource{})
	require.NoError(t, err)
	assert.Equal(t, 4, trainer.steps, "a resumed loop runs only the remaining epochs")
}

func TestLoopHookOrder(t *testing.T) {
	loop := NewLoop(&fakeTrainer{}, 1)
	var order []string
	loop.OnStart("start", 0, func(*Loop, sampler.Source) error {
		order = append(order, "start")
		return nil
	})
	loop.OnEpoch("late", 10, func(*Loop, StepMetrics) error {
		order = append(order, "epoch-late")
		return nil
	})
	loop.OnEpoch("early", -10, func(*Loop, StepMetrics) error {
		order = append(order, "epoch-early")
		return nil
	})
	loop.OnEnd("end", 0, func(*Loop, StepMetrics) error {
		order = append(order, "end")
		return nil
	})
	_, err := loop.RunEpochs(context.Background(), singleTaskSource{})
	require.NoError(t, err)
	assert.Equal(t, []string{"start", "epoch-early", "epoch-late", "end"}, order)
}

func TestLoopTrainerErrorFails(t *testing.T) {
	trainer := &fakeTrainer{failAt: 3}
	loop := NewLoop(trainer, 10)
	_, err := loop.RunEpochs(context.Background(), singleTaskSource{})
	require.Error(t, err)
	assert.Equal(t, StateFailed, loop.State())
	assert.Equal(t, 3, trainer.steps)
}

func TestLoopHookErrorFails(t *testing.T) {
	loop := NewLoop(&fakeTrainer{}, 5)
	loop.OnEpoch("boom", 0, func(*Loop, StepMetrics) error {
		return errors.Errorf("hook failure")
	})
	_, err := loop.RunEpochs(context.Background(), singleTaskSource{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, StateFailed, loop.State())
}

func TestLoopCancellationCompletesCleanly(t *testing.T) {
	trainer := &fakeTrainer{}
	loop := NewLoop(trainer, 1000)
	ctx, cancel := context.WithCancel(context.Background())
	loop.OnEpoch("cancel after 5", 0, func(loop *Loop, _ StepMetrics) error {
		if loop.Epoch == 4 {
			cancel()
		}
		return nil
	})
	endCalled := false
	loop.OnEnd("check", 0, func(*Loop, StepMetrics) error {
		endCalled = true
		return nil
	})

	_, err := loop.RunEpochs(ctx, singleTaskSource{})
	require.NoError(t, err, "external cancellation is a clean stop, not a failure")
	assert.Equal(t, StateCompleted, loop.State())
	assert.Equal(t, 5, trainer.steps, "cancellation is observed at the epoch boundary")
	assert.True(t, endCalled, "end hooks still run on a cancelled loop")
	assert.Equal(t, 4, loop.LastCompletedEpoch)
}

func TestLoopLastCompletedEpoch(t *testing.T) {
	trainer := &fakeTrainer{}
	loop := NewLoop(trainer, 3)
	assert.Equal(t, -1, loop.LastCompletedEpoch)
	_, err := loop.RunEpochs(context.Background(), singleTaskSource{})
	require.NoError(t, err)
	assert.Equal(t, 2, loop.LastCompletedEpoch)
}

func TestLoopCancelledBeforeFirstEpoch(t *testing.T) {
	trainer := &fakeTrainer{}
	loop := NewLoop(trainer, 10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var endEpoch int
	loop.OnEnd("check", 0, func(loop *Loop, _ StepMetrics) error {
		endEpoch = loop.LastCompletedEpoch
		return nil
	})
	_, err := loop.RunEpochs(ctx, singleTaskSource{})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, loop.State())
	assert.Zero(t, trainer.steps)
	assert.Equal(t, -1, loop.LastCompletedEpoch, "no epoch ran, none completed")
	assert.Equal(t, -1, endEpoch)

	// A resumed loop cancelled straight away still reports the epochs of the
	// previous run as completed.
	loop = NewLoop(trainer, 10)
	loop.StartEpoch = 6
	_, err = loop.RunEpochs(ctx, singleTaskSource{})
	require.NoError(t, err)
	assert.Equal(t, 5, loop.LastCompletedEpoch)
}

func TestEnterCheckpointing(t *testing.T) {
	loop := NewLoop(&fakeTrainer{}, 1)
	var observed State
	err := loop.EnterCheckpointing(func() error {
		observed = loop.State()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StateCheckpointing, observed)
	assert.Equal(t, StateInitializing, loop.State(), "previous state restored")

	// The state is restored even when the body fails.
	err = loop.EnterCheckpointing(func() error {
		return errors.Errorf("disk full")
	})
	require.Error(t, err)
	assert.Equal(t, StateInitializing, loop.State())
}

func TestEveryNEpochs(t *testing.T) {
	loop := NewLoop(&fakeTrainer{}, 10)
	var fired []int
	EveryNEpochs(loop, 3, "test", 0, func(loop *Loop, metrics StepMetrics) error {
		fired = append(fired, metrics.Epoch)
		return nil
	})
	_, err := loop.RunEpochs(context.Background(), singleTaskSource{})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 5, 8}, fired)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "RunningEpoch", StateRunningEpoch.String())
	assert.Equal(t, "Completed", StateCompleted.String())
}
