// Package sampler draws episodic few-shot tasks (N-way, K-shot) from a
// dataset partition.
//
// A Sampler produces an effectively infinite lazy stream of task batches:
// classes are drawn with replacement across draws, but support and query
// examples never overlap within a task. Sampling is reproducible given a
// seed, and Reset restores the initial seed so a restarted stream repeats.
package sampler

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/KhabarlakKonstantin/mtm-meta-learning-sa/ml/datasets"
	"github.com/KhabarlakKonstantin/mtm-meta-learning-sa/types/tensor"
	"github.com/pkg/errors"
)

// Task is one sampled episode: a support set for inner-loop adaptation and a
// query set for evaluating the adapted parameters. Immutable once drawn;
// consumed and discarded after one adaptation+evaluation cycle.
//
// Labels are task-local: the sampled classes are relabeled 0..NumWays-1.
type Task struct {
	Support       *tensor.Tensor // [NumWays*NumShots, featureDim]
	SupportLabels []int
	Query         *tensor.Tensor // [NumWays*NumQuery, featureDim], nil when NumQuery == 0
	QueryLabels   []int

	NumWays  int
	NumShots int
	NumQuery int // effective query count per class, possibly clamped to 0
}

// Config for episodic sampling.
type Config struct {
	// NumWays is the number of classes per task.
	NumWays int

	// NumShots is the number of support examples per class.
	NumShots int

	// NumQuery is the requested number of query examples per class. The
	// effective count is clamped to the examples left after the support
	// split; the minimum is 0 (a task may carry an empty query set).
	NumQuery int

	// BatchSize is the number of tasks per Yield.
	BatchSize int

	// Seed makes the stream reproducible.
	Seed int64
}

// Source produces batches of tasks for the training loop. It mirrors the
// usual dataset contract: restartable, and Yield can be called until the
// consumer decides to stop (the stream is infinite).
type Source interface {
	// Name identifies the source. Used for logging and error reporting.
	Name() string

	// Reset restarts the stream from its initial state.
	Reset()

	// Yield returns the next batch of tasks.
	Yield() ([]*Task, error)
}

// Sampler implements Source over a dataset partition. Safe for concurrent
// use: parallel producers may call Sample simultaneously.
type Sampler struct {
	partition *datasets.Partition
	config    Config

	mu  sync.Mutex
	rng *rand.Rand
}

// New validates the configuration against the partition and creates a
// Sampler.
//
// It fails with datasets.InsufficientClassesError if the partition has fewer
// than NumWays classes, and with datasets.InsufficientExamplesError if any
// class cannot provide NumShots support examples.
func New(partition *datasets.Partition, config Config) (*Sampler, error) {
	if config.NumWays < 2 {
		return nil, errors.Errorf("sampler: num-ways must be >= 2, got %d", config.NumWays)
	}
	if config.NumShots < 1 {
		return nil, errors.Errorf("sampler: num-shots must be >= 1, got %d", config.NumShots)
	}
	if config.NumQuery < 0 {
		return nil, errors.Errorf("sampler: num-query must be >= 0, got %d", config.NumQuery)
	}
	if config.BatchSize < 1 {
		return nil, errors.Errorf("sampler: batch size must be >= 1, got %d", config.BatchSize)
	}
	if partition.NumClasses() < config.NumWays {
		return nil, &datasets.InsufficientClassesError{
			Partition: partition.Name(),
			Have:      partition.NumClasses(),
			Need:      config.NumWays,
		}
	}
	for c, class := range partition.Classes {
		if class.NumExamples() < config.NumShots {
			return nil, &datasets.InsufficientExamplesError{
				Partition: partition.Name(),
				Class:     c,
				Have:      class.NumExamples(),
				Need:      config.NumShots,
			}
		}
	}
	return &Sampler{
		partition: partition,
		config:    config,
		rng:       rand.New(rand.NewSource(config.Seed)),
	}, nil
}

// Name implements Source.
func (s *Sampler) Name() string {
	return fmt.Sprintf("%s %d-way %d-shot", s.partition.Name(), s.config.NumWays, s.config.NumShots)
}

// Reset implements Source: it restores the initial seed, so the stream
// repeats from the beginning.
func (s *Sampler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rng = rand.New(rand.NewSource(s.config.Seed))
}

// Yield implements Source: it draws BatchSize independent tasks.
func (s *Sampler) Yield() ([]*Task, error) {
	batch := make([]*Task, s.config.BatchSize)
	for i := range batch {
		task, err := s.Sample()
		if err != nil {
			return nil, err
		}
		batch[i] = task
	}
	return batch, nil
}

// Sample draws one episodic task.
func (s *Sampler) Sample() (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := s.config
	classIdx := s.rng.Perm(s.partition.NumClasses())[:cfg.NumWays]

	// Clamp the query count to what remains after the support split across
	// the chosen classes. Zero is a legal query count.
	numQuery := cfg.NumQuery
	for _, c := range classIdx {
		if avail := s.partition.Classes[c].NumExamples() - cfg.NumShots; avail < numQuery {
			numQuery = avail
		}
	}

	featureDim := s.partition.FeatureDim
	support := tensor.New(cfg.NumWays*cfg.NumShots, featureDim)
	supportLabels := make([]int, 0, cfg.NumWays*cfg.NumShots)
	var query *tensor.Tensor
	var queryLabels []int
	if numQuery > 0 {
		query = tensor.New(cfg.NumWays*numQuery, featureDim)
		queryLabels = make([]int, 0, cfg.NumWays*numQuery)
	}

	supportRow, queryRow := 0, 0
	for way, c := range classIdx {
		class := s.partition.Classes[c]
		perm := s.rng.Perm(class.NumExamples())
		for k := 0; k < cfg.NumShots; k++ {
			copy(support.Row(supportRow), class.Examples.Row(perm[k]))
			supportLabels = append(supportLabels, way)
			supportRow++
		}
		for q := 0; q < numQuery; q++ {
			copy(query.Row(queryRow), class.Examples.Row(perm[cfg.NumShots+q]))
			queryLabels = append(queryLabels, way)
			queryRow++
		}
	}

	return &Task{
		Support:       support,
		SupportLabels: supportLabels,
		Query:         query,
		QueryLabels:   queryLabels,
		NumWays:       cfg.NumWays,
		NumShots:      cfg.NumShots,
		NumQuery:      numQuery,
	}, nil
}
