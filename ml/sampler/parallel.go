package sampler

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/pkg/errors"
)

// ParallelSource wraps a Source and parallelizes calls to Yield: a bounded
// pool of producer goroutines assembles task batches into a channel cache,
// decoupling I/O-bound task assembly from the compute-bound training loop.
//
// The underlying Source must be thread-safe (Sampler is). To avoid leaking
// goroutines, call Cancel when exiting.
type ParallelSource struct {
	Source Source

	// parallelism is the number of producer goroutines.
	parallelism int

	// bufferSize is the capacity of the cache of pre-assembled batches.
	bufferSize int

	// impl is the actual implementation. It must not point back to the
	// ParallelSource, so garbage collection also stops the goroutines.
	impl *parallelImpl

	// keepAlive is used only to keep ParallelSource alive in the middle of
	// long calls.
	keepAlive int64
}

type parallelImpl struct {
	source Source

	err   error
	muErr sync.Mutex

	cache chan []*Task
	stop  chan struct{}
}

// Parallel starts workers producer goroutines over source, each calling
// source.Yield, with a cache of one batch per worker. If workers is 0 it
// uses the number of cores plus one.
func Parallel(source Source, workers int) *ParallelSource {
	if workers == 0 {
		workers = runtime.NumCPU() + 1
	}
	ps := &ParallelSource{
		Source:      source,
		parallelism: workers,
		bufferSize:  workers,
	}
	ps.start()
	return ps
}

func (ps *ParallelSource) start() {
	impl := &parallelImpl{
		source: ps.Source,
		cache:  make(chan []*Task, ps.bufferSize),
		stop:   make(chan struct{}),
	}
	ps.impl = impl
	// If the ParallelSource is garbage collected, stop the producers.
	runtime.SetFinalizer(ps, func(ps *ParallelSource) {
		ps.Cancel()
	})
	for i := 0; i < ps.parallelism; i++ {
		go impl.producer()
	}
}

func (impl *parallelImpl) producer() {
	for {
		select {
		case <-impl.stop:
			return
		default:
			// Assemble the next batch.
		}
		batch, err := impl.source.Yield()
		if err != nil {
			impl.muErr.Lock()
			if impl.err == nil {
				impl.err = err
				close(impl.stop)
			}
			impl.muErr.Unlock()
			return
		}
		select {
		case <-impl.stop:
			return
		case impl.cache <- batch:
		}
	}
}

// Name implements Source.
func (ps *ParallelSource) Name() string {
	return fmt.Sprintf("%s [parallel x%d]", ps.Source.Name(), ps.parallelism)
}

// Reset implements Source: it stops the current producers, resets the
// underlying source and starts a fresh stream.
func (ps *ParallelSource) Reset() {
	ps.Cancel()
	ps.Source.Reset()
	ps.start()

	// This no-op prevents ps from being garbage collected, and the producers
	// stopped, in the middle of the Reset operation. Leave it at the end.
	ps.keepAlive++
}

// Yield implements Source: it returns the next cached batch.
func (ps *ParallelSource) Yield() ([]*Task, error) {
	impl := ps.impl
	if impl == nil {
		return nil, errors.Errorf("ParallelSource.Yield called after Cancel")
	}
	var batch []*Task
	select {
	case batch = <-impl.cache:
	case <-impl.stop:
		// A producer failed (or Cancel was called): drain the cache first,
		// then report the error.
		select {
		case batch = <-impl.cache:
		default:
			impl.muErr.Lock()
			err := impl.err
			impl.muErr.Unlock()
			if err == nil {
				err = errors.Errorf("ParallelSource %q was canceled", ps.Source.Name())
			}
			return nil, err
		}
	}

	// This no-op prevents ps from being garbage collected, and the producers
	// stopped, in the middle of the Yield operation. Leave it at the end.
	ps.keepAlive++
	return batch, nil
}

// Cancel stops the producer goroutines. The ParallelSource cannot be used
// afterwards, except by calling Reset.
func (ps *ParallelSource) Cancel() {
	impl := ps.impl
	if impl == nil {
		return
	}
	impl.muErr.Lock()
	select {
	case <-impl.stop:
	default:
		close(impl.stop)
	}
	impl.muErr.Unlock()
	ps.impl = nil
}
