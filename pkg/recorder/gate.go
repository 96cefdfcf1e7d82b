package recorder

import "sync"

// gate serializes access to the recorder state. The mutex guards the state
// itself; the job queue hands completion and failure notifications to a
// single dispatch goroutine so they never run inline on a caller, and never
// while the mutex is held. Callbacks may therefore re-enter the recorder.
type gate struct {
	mu sync.Mutex

	jobMu  sync.Mutex
	jobs   []func()
	wake   chan struct{}
	closed bool
	done   chan struct{}
}

func newGate() *gate {
	g := &gate{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go g.run()
	return g
}

// dispatch queues job on the dispatch goroutine. Never blocks. Jobs queued
// after close are discarded.
func (g *gate) dispatch(job func()) {
	g.jobMu.Lock()
	if g.closed {
		g.jobMu.Unlock()
		return
	}
	g.jobs = append(g.jobs, job)
	g.jobMu.Unlock()

	select {
	case g.wake <- struct{}{}:
	default:
	}
}

func (g *gate) run() {
	defer close(g.done)
	for {
		g.jobMu.Lock()
		jobs := g.jobs
		g.jobs = nil
		closed := g.closed
		g.jobMu.Unlock()

		for _, job := range jobs {
			job()
		}
		if closed {
			return
		}
		<-g.wake
	}
}

// close drains the queue and stops the dispatch goroutine.
func (g *gate) close() {
	g.jobMu.Lock()
	if g.closed {
		g.jobMu.Unlock()
		<-g.done
		return
	}
	g.closed = true
	g.jobMu.Unlock()

	select {
	case g.wake <- struct{}{}:
	default:
	}
	<-g.done
}
