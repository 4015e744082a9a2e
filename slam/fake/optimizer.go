package fake

import (
	"context"
	"sync"

	"go.viam.com/orbslam/slam/worldmap"
)

// Optimizer is a loopclosing.Optimizer that records its calls. When Block is set each call waits
// on it, so tests can hold an optimization in flight.
type Optimizer struct {
	Block chan struct{}
	Err   error

	mu      sync.Mutex
	calls   []uint64
	started chan struct{}
}

// NewOptimizer returns an optimizer that waits on a fresh Block channel.
func NewOptimizer() *Optimizer {
	return &Optimizer{Block: make(chan struct{}), started: make(chan struct{}, 16)}
}

// GlobalBundleAdjustment implements loopclosing.Optimizer.
func (o *Optimizer) GlobalBundleAdjustment(ctx context.Context, m *worldmap.Map, loopKeyFrameID uint64) error {
	o.mu.Lock()
	o.calls = append(o.calls, loopKeyFrameID)
	started := o.started
	o.mu.Unlock()
	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if o.Block != nil {
		select {
		case <-o.Block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return o.Err
}

// Started is signalled each time an optimization begins. Nil unless built with NewOptimizer.
func (o *Optimizer) Started() <-chan struct{} {
	return o.started
}

// Calls returns the loop keyframe ids of every call so far.
func (o *Optimizer) Calls() []uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]uint64(nil), o.calls...)
}

// LoopDetector is a loopclosing.Detector that closes a loop with the first keyframe of the map
// once a keyframe with id at least After arrives, at most once.
type LoopDetector struct {
	Map   *worldmap.Map
	After uint64

	mu   sync.Mutex
	done bool
}

// Detect implements loopclosing.Detector.
func (d *LoopDetector) Detect(ctx context.Context, kf *worldmap.KeyFrame) (*worldmap.KeyFrame, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done || kf.ID < d.After {
		return nil, false
	}
	kfs := d.Map.KeyFrames()
	if len(kfs) == 0 || kfs[0] == kf {
		return nil, false
	}
	d.done = true
	return kfs[0], true
}
