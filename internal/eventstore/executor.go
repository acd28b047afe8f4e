package eventstore

import "sync"

// executor runs submitted jobs one at a time on a dedicated goroutine.
// Submissions never block, so completions may queue follow-up work.
type executor struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newExecutor() *executor {
	e := &executor{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *executor) submit(job func()) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	e.queue = append(e.queue, job)
	e.mu.Unlock()
	e.signal()
	return true
}

func (e *executor) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *executor) run() {
	defer close(e.done)
	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			closed := e.closed
			e.mu.Unlock()
			if closed {
				return
			}
			<-e.wake
			continue
		}
		job := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.mu.Unlock()
		job()
	}
}

// stop rejects new jobs, drains the queue and waits for the goroutine.
func (e *executor) stop() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.signal()
	<-e.done
}
