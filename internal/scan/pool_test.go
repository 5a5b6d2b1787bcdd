package scan

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestPoolExecutesAllTasks(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	p := NewPool(4)

	var ran atomic.Int64

	for i := 0; i < 100; i++ {
		p.Submit(func() { ran.Add(1) })
	}

	p.Close()

	if got := ran.Load(); got != 100 {
		t.Errorf("ran %d tasks, want 100", got)
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	const workers = 2

	p := NewPool(workers)

	var (
		mu      sync.Mutex
		current int
		peak    int
	)

	gate := make(chan struct{})
	submitted := make(chan struct{})

	go func() {
		defer close(submitted)

		// Submit blocks once every worker is busy, so this goroutine
		// paces itself against the pool.
		for i := 0; i < 10; i++ {
			p.Submit(func() {
				mu.Lock()
				current++
				if current > peak {
					peak = current
				}
				mu.Unlock()

				<-gate

				mu.Lock()
				current--
				mu.Unlock()
			})
		}
	}()

	close(gate)
	<-submitted
	p.Close()

	if peak > workers {
		t.Errorf("observed %d concurrent tasks, want at most %d", peak, workers)
	}
}

func TestPoolCloseIsIdempotent(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	p := NewPool(1)
	p.Submit(func() {})
	p.Close()
	p.Close()
}

func TestPoolDefaultSize(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	if DefaultPoolSize() < 2 {
		t.Errorf("DefaultPoolSize() = %d, want at least 2", DefaultPoolSize())
	}

	// Sizes below one fall back to the default instead of panicking.
	p := NewPool(0)
	p.Submit(func() {})
	p.Close()
}
