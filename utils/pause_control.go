package utils

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// PauseControl implements the cooperative stop/release/finish handshake between a background
// worker and the goroutines that need it quiescent. Requesters call RequestStop and AwaitStopped;
// the worker calls TryStop at points where it holds no partial mutation and then AwaitRelease.
//
// Stop requests are counted holds: each RequestStop must be matched by a Release, and the worker
// resumes when the last hold is released. Every state change closes the channel returned by
// Changed, so waiters block on a channel rather than polling.
type PauseControl struct {
	mu              sync.Mutex
	stopRequested   bool
	holds           int
	stopped         bool
	notStop         bool
	finishRequested bool
	finished        bool
	changed         chan struct{}
}

// NewPauseControl returns a control in the running state.
func NewPauseControl() *PauseControl {
	return &PauseControl{changed: make(chan struct{})}
}

// must hold mu.
func (pc *PauseControl) broadcast() {
	close(pc.changed)
	pc.changed = make(chan struct{})
}

// Changed returns a channel closed at the next state change.
func (pc *PauseControl) Changed() <-chan struct{} {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.changed
}

// RequestStop takes a stop hold and asks the worker to stop at its next safe point.
func (pc *PauseControl) RequestStop() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.holds++
	if pc.stopRequested {
		return
	}
	pc.stopRequested = true
	pc.broadcast()
}

// StopRequested reports whether a stop is pending or in effect.
func (pc *PauseControl) StopRequested() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.stopRequested
}

// TryStop is called by the worker. It moves to the stopped state if a stop was requested and
// nothing is holding the worker running, reporting whether it did.
func (pc *PauseControl) TryStop() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.stopRequested && !pc.notStop {
		if !pc.stopped {
			pc.stopped = true
			pc.broadcast()
		}
		return true
	}
	return false
}

// IsStopped reports whether the worker acknowledged a stop request. A finished worker is
// considered stopped.
func (pc *PauseControl) IsStopped() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.stopped
}

// SetNotStop prevents (flag=true) or allows again (flag=false) the worker from stopping. Setting
// it fails when the worker is already stopped.
func (pc *PauseControl) SetNotStop(flag bool) bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if flag && pc.stopped {
		return false
	}
	if pc.notStop != flag {
		pc.notStop = flag
		pc.broadcast()
	}
	return true
}

// Release drops a stop hold and resumes the worker once no hold remains. Releasing a finished
// worker does nothing.
func (pc *PauseControl) Release() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.finished {
		return
	}
	if pc.holds > 0 {
		pc.holds--
	}
	if pc.holds > 0 {
		return
	}
	pc.stopped = false
	pc.stopRequested = false
	pc.broadcast()
}

// RequestFinish asks the worker to exit its loop.
func (pc *PauseControl) RequestFinish() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.finishRequested {
		return
	}
	pc.finishRequested = true
	pc.broadcast()
}

// FinishRequested reports whether RequestFinish was called.
func (pc *PauseControl) FinishRequested() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.finishRequested
}

// SetFinished is called by the worker when its loop has exited.
func (pc *PauseControl) SetFinished() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.finished = true
	pc.stopped = true
	pc.broadcast()
}

// IsFinished reports whether the worker loop has exited.
func (pc *PauseControl) IsFinished() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.finished
}

// AwaitStopped blocks until the worker is stopped or finished, or ctx is done.
func (pc *PauseControl) AwaitStopped(ctx context.Context) error {
	return pc.await(ctx, "stop", func() bool { return pc.stopped })
}

// AwaitFinished blocks until the worker loop has exited, or ctx is done.
func (pc *PauseControl) AwaitFinished(ctx context.Context) error {
	return pc.await(ctx, "finish", func() bool { return pc.finished })
}

// AwaitRelease is called by a stopped worker. It blocks until released, until finish is requested,
// or until ctx is done.
func (pc *PauseControl) AwaitRelease(ctx context.Context) error {
	return pc.await(ctx, "release", func() bool { return !pc.stopped || pc.finishRequested })
}

func (pc *PauseControl) await(ctx context.Context, what string, cond func() bool) error {
	for {
		pc.mu.Lock()
		if cond() {
			pc.mu.Unlock()
			return nil
		}
		changed := pc.changed
		pc.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "waiting for worker %s", what)
		}
	}
}
