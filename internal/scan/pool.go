package scan

import (
	"runtime"
	"sync"
)

// Pool is a fixed-size worker pool shared by all module invocations of one
// scan. Submit blocks until a worker picks the task up, which bounds the
// number of concurrent module calls.
type Pool struct {
	tasks     chan func()
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// DefaultPoolSize returns the worker count used when none is configured:
// twice the available CPUs, matching the mixed IO/CPU profile of scan
// modules.
func DefaultPoolSize() int {
	return 2 * runtime.GOMAXPROCS(0)
}

// NewPool starts a pool with the given number of workers. Sizes below one
// fall back to DefaultPoolSize.
func NewPool(size int) *Pool {
	if size < 1 {
		size = DefaultPoolSize()
	}

	p := &Pool{tasks: make(chan func())}

	p.wg.Add(size)

	for i := 0; i < size; i++ {
		go p.worker()
	}

	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for task := range p.tasks {
		task()
	}
}

// Submit hands a task to the pool, blocking until a worker is free.
func (p *Pool) Submit(task func()) {
	p.tasks <- task
}

// Close stops intake and waits for in-flight tasks to finish. Submit must
// not be called after Close.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.tasks)
	})

	p.wg.Wait()
}
