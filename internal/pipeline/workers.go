package pipeline

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
)

// ErrPoolClosed is returned when submitting to a closed worker pool.
var ErrPoolClosed = errors.New("worker pool closed")

// WorkerPool runs formation tasks on a fixed set of goroutines so a burst of
// conversational turns does not spawn an unbounded number of pipeline runs.
type WorkerPool struct {
	workCh chan func()
	stopCh chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool

	// submitMu serializes Submit against Close so a task accepted by Submit
	// is enqueued before the stop channel closes. Without it a task could
	// land in the buffer after the workers finished draining and never run.
	submitMu sync.Mutex
}

// NewWorkerPool creates a pool with numWorkers goroutines. Non-positive
// numWorkers defaults to GOMAXPROCS.
func NewWorkerPool(numWorkers int) *WorkerPool {
	if numWorkers <= 0 {
		numWorkers = runtime.GOMAXPROCS(0)
	}

	wp := &WorkerPool{
		workCh: make(chan func(), numWorkers*2),
		stopCh: make(chan struct{}),
	}

	wp.wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go wp.worker()
	}
	return wp
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()
	for {
		select {
		case <-wp.stopCh:
			// Drain remaining work before exiting
			for {
				select {
				case task, ok := <-wp.workCh:
					if !ok {
						return
					}
					task()
				default:
					return
				}
			}
		case task, ok := <-wp.workCh:
			if !ok {
				return
			}
			task()
		}
	}
}

// Submit enqueues a task and returns immediately. Backpressure blocks the
// caller when all workers are busy and the buffer is full.
func (wp *WorkerPool) Submit(task func()) error {
	wp.submitMu.Lock()
	defer wp.submitMu.Unlock()

	if wp.closed.Load() {
		return ErrPoolClosed
	}
	select {
	case wp.workCh <- task:
		return nil
	case <-wp.stopCh:
		return ErrPoolClosed
	}
}

// Close shuts the pool down and waits for in-flight tasks to finish. Tasks
// already accepted by Submit are guaranteed to run before Close returns.
func (wp *WorkerPool) Close() {
	wp.submitMu.Lock()
	if !wp.closed.CompareAndSwap(false, true) {
		wp.submitMu.Unlock()
		return
	}
	close(wp.stopCh)
	wp.submitMu.Unlock()

	wp.wg.Wait()
}
