package commandline

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/KhabarlakKonstantin/mtm-meta-learning-sa/ml/sampler"
	"github.com/KhabarlakKonstantin/mtm-meta-learning-sa/ml/train"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "1.50s", FormatDuration(1500*time.Millisecond))
	assert.Equal(t, "3.00ms", FormatDuration(3*time.Millisecond))
}

func TestHumanizeInt(t *testing.T) {
	assert.Equal(t, "7", humanizeInt(7))
	assert.Equal(t, "1_000", humanizeInt(1000))
	assert.Equal(t, "1_234_567", humanizeInt(1234567))
}

// TestProgressBarUpdatesArePreRendered asserts that the OnEpoch hook renders
// every loop-derived value into the update it queues, so the draw goroutine
// never reads the Loop while the training goroutine mutates it.
func TestProgressBarUpdatesArePreRendered(t *testing.T) {
	pBar := &progressBar{updates: make(chan progressBarUpdate, 10)}
	loop := train.NewLoop(nil, 1000)
	require.NoError(t, pBar.onStart(loop, nil))

	loop.Epoch = 41
	loop.EpochDurations = []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}
	metrics := train.StepMetrics{Epoch: 41, SupportLoss: 0.5, QueryLoss: 0.25, QueryAccuracy: 0.875}
	require.NoError(t, pBar.onEpoch(loop, metrics))

	update := <-pBar.updates
	assert.Equal(t, 42, update.amount)
	assert.Equal(t, "42 of 1_000", update.epoch)
	assert.Equal(t, "2.00s", update.medianDuration)
	assert.Equal(t, metrics, update.metrics)
}

// failingTrainer fails its first train step, so the loop never reaches its
// end hooks.
type failingTrainer struct{}

func (failingTrainer) TrainStep(batch []*sampler.Task) (train.StepMetrics, error) {
	return train.StepMetrics{}, errors.Errorf("injected failure")
}

func (failingTrainer) EvalTask(task *sampler.Task) (loss, accuracy float64, err error) {
	return 0, 0, nil
}

type oneTaskSource struct{}

func (oneTaskSource) Name() string                    { return "one" }
func (oneTaskSource) Reset()                          {}
func (oneTaskSource) Yield() ([]*sampler.Task, error) { return []*sampler.Task{{}}, nil }

func TestAttachProgressBarCloseOnFailure(t *testing.T) {
	loop := train.NewLoop(failingTrainer{}, 5)
	done := AttachProgressBar(loop)
	_, err := loop.RunEpochs(context.Background(), oneTaskSource{})
	require.Error(t, err)
	assert.Equal(t, train.StateFailed, loop.State())

	// The caller releases the draw goroutine; a second call is a no-op.
	done()
	done()
}

func TestAttachProgressBarCloseAfterCompletedRun(t *testing.T) {
	loop := train.NewLoop(failingTrainer{}, 0)
	done := AttachProgressBar(loop)
	_, err := loop.RunEpochs(context.Background(), oneTaskSource{})
	require.NoError(t, err)

	// The end hook already closed the bar; the close function stays safe.
	done()
}

func TestEvalProgress(t *testing.T) {
	var buf bytes.Buffer
	progress := EvalProgress(&buf)
	progress(train.EvalResult{Episodes: 50, MeanAccuracy: 0.875, CI95: 0.012, MeanLoss: 0.42})
	assert.Contains(t, buf.String(), "50 episodes")
	assert.Contains(t, buf.String(), "87.50%")
}

func TestPrintEvalReport(t *testing.T) {
	var buf bytes.Buffer
	PrintEvalReport(&buf, "Evaluation", train.EvalResult{
		Episodes:     1000,
		MeanAccuracy: 0.9312,
		CI95:         0.0041,
		StdDev:       0.066,
		MeanLoss:     0.31,
	})
	out := buf.String()
	assert.Contains(t, out, "Evaluation")
	assert.Contains(t, out, "93.12%")
	assert.Contains(t, out, "1_000")
}

func TestFormatEvalRecord(t *testing.T) {
	record := FormatEvalRecord(train.EvalResult{
		Episodes:     200,
		MeanAccuracy: 0.5,
		CI95:         0.01,
		StdDev:       0.07,
		MeanLoss:     1.2,
	}, 10)
	assert.Equal(t, "episodes=200 num_steps=10 accuracy=0.5000 ci95=0.0100 std=0.0700 loss=1.2000", record)
}
