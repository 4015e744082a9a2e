package utils

import (
	"context"
	"sync"

	goutils "go.viam.com/utils"
)

// StoppableWorkers runs background loops under one cancellable context. A panicking worker is
// logged by goutils.PanicCapturingGo instead of crashing the process.
type StoppableWorkers struct {
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	running sync.WaitGroup
}

// NewStoppableWorkers starts each function on its own goroutine.
func NewStoppableWorkers(workers ...func(context.Context)) *StoppableWorkers {
	ctx, cancel := context.WithCancel(context.Background())
	sw := &StoppableWorkers{ctx: ctx, cancel: cancel}
	sw.Add(workers...)
	return sw
}

// Add starts more workers. It does nothing after Stop.
func (sw *StoppableWorkers) Add(workers ...func(context.Context)) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.ctx.Err() != nil {
		return
	}
	sw.running.Add(len(workers))
	for _, work := range workers {
		work := work
		goutils.PanicCapturingGo(func() {
			defer sw.running.Done()
			work(sw.ctx)
		})
	}
}

// Stop cancels the workers' context and waits for every worker to return. It is safe to call
// more than once.
func (sw *StoppableWorkers) Stop() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.cancel()
	sw.running.Wait()
}
