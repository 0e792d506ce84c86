package runtime

import "sync"

// Stage runs a fixed number of dedicated worker goroutines draining a
// shared job queue, the non-blocking-mode mechanism behind the
// registration and deregistration stages: N dedicated threads reading
// from an MPMC channel, as opposed to async mode's per-job spawn onto a
// bounded task pool (WorkerPool).
// The queue is a generously buffered channel rather than a literal
// unbounded one — Go has no unbounded channel primitive — so Submit only
// blocks when the backlog already queued is deep.
type Stage struct {
	jobs chan func()
	done chan struct{}
}

// stageQueueDepth bounds how many pending jobs Submit can enqueue before
// it blocks.
const stageQueueDepth = 4096

// NewStage starts workers goroutines, each looping over the shared job
// queue until it is closed.
func NewStage(workers int) *Stage {
	s := &Stage{
		jobs: make(chan func(), stageQueueDepth),
		done: make(chan struct{}),
	}
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for job := range s.jobs {
				job()
			}
		}()
	}
	go func() {
		wg.Wait()
		close(s.done)
	}()
	return s
}

// Submit enqueues job for the next free worker to run.
func (s *Stage) Submit(job func()) {
	s.jobs <- job
}

// Close stops accepting new jobs immediately, lets the workers run the
// jobs already queued, and blocks until every worker has exited.
func (s *Stage) Close() {
	close(s.jobs)
	<-s.done
}
