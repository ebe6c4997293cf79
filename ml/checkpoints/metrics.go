package checkpoints

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/KhabarlakKonstantin/mtm-meta-learning-sa/ml/train"
	"github.com/pkg/errors"
)

// MetricsLogName is the file name of the per-epoch metrics log inside a run
// directory.
const MetricsLogName = "metrics.jsonl"

// MetricsLog appends per-epoch training metrics to a json-lines file in the
// run directory, one object per epoch. The file is opened in append mode so a
// resumed run continues the same log.
type MetricsLog struct {
	file *os.File
	enc  *json.Encoder
}

// OpenMetricsLog opens (or creates) the metrics log of the given run
// directory for appending.
func OpenMetricsLog(dir string) (*MetricsLog, error) {
	fileName := filepath.Join(dir, MetricsLogName)
	file, err := os.OpenFile(fileName, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0660)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open metrics log %q", fileName)
	}
	return &MetricsLog{file: file, enc: json.NewEncoder(file)}, nil
}

// Append writes one epoch's metrics as a json line.
func (l *MetricsLog) Append(metrics train.StepMetrics) error {
	if err := l.enc.Encode(metrics); err != nil {
		return errors.Wrapf(err, "failed to append to metrics log %q", l.file.Name())
	}
	return nil
}

// AttachTo arranges for every epoch's metrics to be appended to the log. The
// log must outlive the loop; close it after the loop returns.
func (l *MetricsLog) AttachTo(loop *train.Loop) {
	loop.OnEpoch("metrics log", 90, func(_ *train.Loop, metrics train.StepMetrics) error {
		return l.Append(metrics)
	})
}

// Close flushes and closes the underlying file.
func (l *MetricsLog) Close() error {
	return l.file.Close()
}
