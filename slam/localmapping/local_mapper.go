// Package localmapping implements the local mapping worker: it processes keyframes promoted by
// tracking, culls young map points and redundant keyframes, and forwards keyframes to loop
// closing. Other goroutines pause it through the cooperative stop protocol of utils.PauseControl.
package localmapping

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"go.viam.com/orbslam/logging"
	"go.viam.com/orbslam/slam/keyframedb"
	"go.viam.com/orbslam/slam/worldmap"
	"go.viam.com/orbslam/utils"
)

// KeyFrameSink receives keyframes once local mapping is done with them.
type KeyFrameSink interface {
	InsertKeyFrame(kf *worldmap.KeyFrame)
}

// Config holds the local mapper's collaborators.
type Config struct {
	Map      *worldmap.Map
	Database *keyframedb.Database
	// Culler defaults to NewRedundancyCuller.
	Culler Culler
	// LoopCloser may be set after construction with SetLoopCloser, before Run.
	LoopCloser KeyFrameSink
	Monocular  bool
}

type recentPoint struct {
	mp      *worldmap.MapPoint
	firstKF uint64
}

// LocalMapper is the local mapping worker.
type LocalMapper struct {
	cfg    Config
	logger logging.Logger
	pause  *utils.PauseControl

	abortBA atomic.Bool
	accept  atomic.Bool
	wake    chan struct{}

	mu           sync.Mutex
	queue        []*worldmap.KeyFrame
	recentPoints []recentPoint
	resetDone    chan struct{}
}

// New returns a local mapper accepting keyframes. Start it with Run.
func New(cfg Config, logger logging.Logger) (*LocalMapper, error) {
	if cfg.Map == nil || cfg.Database == nil {
		return nil, errors.New("local mapper needs a map and a keyframe database")
	}
	if cfg.Culler == nil {
		cfg.Culler = NewRedundancyCuller()
	}
	lm := &LocalMapper{
		cfg:    cfg,
		logger: logger,
		pause:  utils.NewPauseControl(),
		wake:   make(chan struct{}, 1),
	}
	lm.accept.Store(true)
	return lm, nil
}

// SetLoopCloser sets where processed keyframes go. Call it before Run.
func (lm *LocalMapper) SetLoopCloser(sink KeyFrameSink) {
	lm.cfg.LoopCloser = sink
}

func (lm *LocalMapper) signal() {
	select {
	case lm.wake <- struct{}{}:
	default:
	}
}

// InsertKeyFrame queues kf for processing and interrupts any local optimization.
func (lm *LocalMapper) InsertKeyFrame(kf *worldmap.KeyFrame) {
	lm.mu.Lock()
	lm.queue = append(lm.queue, kf)
	lm.mu.Unlock()
	lm.abortBA.Store(true)
	lm.signal()
}

// QueuedKeyFrames returns the number of keyframes waiting to be processed.
func (lm *LocalMapper) QueuedKeyFrames() int {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return len(lm.queue)
}

// AcceptKeyFrames reports whether the worker is idle enough to take a new keyframe.
func (lm *LocalMapper) AcceptKeyFrames() bool {
	return lm.accept.Load()
}

// InterruptBA asks a running local optimization to return early.
func (lm *LocalMapper) InterruptBA() {
	lm.abortBA.Store(true)
}

// Pause returns the worker's stop/release/finish control.
func (lm *LocalMapper) Pause() *utils.PauseControl {
	return lm.pause
}

// RequestStop asks the worker to stop once its queue is empty.
func (lm *LocalMapper) RequestStop() {
	lm.pause.RequestStop()
	lm.abortBA.Store(true)
	lm.signal()
}

// AwaitStopped blocks until the worker acknowledged a stop request.
func (lm *LocalMapper) AwaitStopped(ctx context.Context) error {
	return lm.pause.AwaitStopped(ctx)
}

// IsStopped reports whether the worker is stopped.
func (lm *LocalMapper) IsStopped() bool {
	return lm.pause.IsStopped()
}

// StopRequested reports whether a stop is pending or in effect.
func (lm *LocalMapper) StopRequested() bool {
	return lm.pause.StopRequested()
}

// SetNotStop keeps the worker from stopping while tracking inserts a keyframe.
func (lm *LocalMapper) SetNotStop(flag bool) bool {
	return lm.pause.SetNotStop(flag)
}

// Release resumes a stopped worker. Queued keyframes are kept: they are already part of the map.
func (lm *LocalMapper) Release() {
	lm.pause.Release()
	lm.logger.Debug("local mapping released")
}

// RequestFinish asks the worker loop to exit.
func (lm *LocalMapper) RequestFinish() {
	lm.pause.RequestFinish()
	lm.signal()
}

// IsFinished reports whether the worker loop exited.
func (lm *LocalMapper) IsFinished() bool {
	return lm.pause.IsFinished()
}

// AwaitFinished blocks until the worker loop exited.
func (lm *LocalMapper) AwaitFinished(ctx context.Context) error {
	return lm.pause.AwaitFinished(ctx)
}

// RequestReset drops queued keyframes and young points and blocks until done. A stopped or
// finished worker is reset from the calling goroutine.
func (lm *LocalMapper) RequestReset(ctx context.Context) error {
	lm.mu.Lock()
	if lm.pause.IsStopped() {
		lm.resetLocked()
		lm.mu.Unlock()
		return nil
	}
	if lm.resetDone == nil {
		lm.resetDone = make(chan struct{})
	}
	done := lm.resetDone
	lm.mu.Unlock()
	lm.signal()

	select {
	case <-done:
		return nil
	case <-lm.pause.Changed():
		// the worker may have stopped or finished without reaching its reset point
		return lm.RequestReset(ctx)
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for local mapping reset")
	}
}

// must hold mu.
func (lm *LocalMapper) resetLocked() {
	lm.queue = nil
	lm.recentPoints = nil
	if lm.resetDone != nil {
		close(lm.resetDone)
		lm.resetDone = nil
	}
}

func (lm *LocalMapper) resetIfRequested() {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.resetDone != nil {
		lm.resetLocked()
		lm.logger.Debug("local mapping reset")
	}
}

func (lm *LocalMapper) next() *worldmap.KeyFrame {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if len(lm.queue) == 0 {
		return nil
	}
	kf := lm.queue[0]
	lm.queue = lm.queue[1:]
	return kf
}

// Run is the worker loop. It returns when finish is requested or ctx is done.
func (lm *LocalMapper) Run(ctx context.Context) {
	defer lm.pause.SetFinished()
	for {
		lm.accept.Store(false)

		if kf := lm.next(); kf != nil {
			lm.abortBA.Store(false)
			lm.processKeyFrame(kf)
			if lm.QueuedKeyFrames() == 0 && !lm.pause.StopRequested() {
				lm.cullKeyFrames(kf)
			}
			if lm.cfg.LoopCloser != nil {
				lm.cfg.LoopCloser.InsertKeyFrame(kf)
			}
		} else if lm.pause.TryStop() {
			lm.logger.Debug("local mapping stopped")
			if err := lm.pause.AwaitRelease(ctx); err != nil {
				return
			}
			if lm.pause.FinishRequested() {
				return
			}
		}

		lm.resetIfRequested()
		lm.accept.Store(true)
		if lm.pause.FinishRequested() {
			return
		}

		if lm.QueuedKeyFrames() > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-lm.wake:
		case <-lm.pause.Changed():
		}
	}
}

func (lm *LocalMapper) processKeyFrame(kf *worldmap.KeyFrame) {
	kf.ComputeBoW()

	threshold := 3
	if lm.cfg.Monocular {
		threshold = 2
	}
	lm.mu.Lock()
	kept := lm.recentPoints[:0]
	var culled []*worldmap.MapPoint
	for _, rp := range lm.recentPoints {
		switch age := kf.ID - rp.firstKF; {
		case rp.mp.IsBad():
		case age >= 2 && rp.mp.Observations() < threshold:
			culled = append(culled, rp.mp)
		case age >= 3:
		default:
			kept = append(kept, rp)
		}
	}
	lm.recentPoints = kept
	for _, mp := range kf.MapPoints() {
		if mp != nil && mp.Observations() == 1 {
			lm.recentPoints = append(lm.recentPoints, recentPoint{mp: mp, firstKF: kf.ID})
		}
	}
	lm.mu.Unlock()

	if len(culled) > 0 {
		lm.cfg.Map.Mutate(func(mm worldmap.MutableMap) {
			for _, mp := range culled {
				mm.SetBadMapPoint(mp)
			}
		})
		lm.logger.Debugw("culled map points", "keyframe", kf.ID, "count", len(culled))
	}
}

// cullKeyFrames removes redundant keyframes that share map points with kf.
func (lm *LocalMapper) cullKeyFrames(kf *worldmap.KeyFrame) {
	seen := map[uint64]bool{kf.ID: true}
	var candidates []*worldmap.KeyFrame
	for _, mp := range kf.MapPoints() {
		if mp == nil || mp.IsBad() {
			continue
		}
		for _, id := range mp.ObservingKeyFrames() {
			if seen[id] {
				continue
			}
			seen[id] = true
			if other, ok := lm.cfg.Map.KeyFrame(id); ok {
				candidates = append(candidates, other)
			}
		}
	}
	for _, other := range candidates {
		if other.IsBad() || !lm.cfg.Culler.Redundant(other) {
			continue
		}
		var culled bool
		lm.cfg.Map.Mutate(func(mm worldmap.MutableMap) {
			culled = mm.SetBadKeyFrame(other)
		})
		if culled {
			lm.cfg.Database.Erase(other)
			lm.logger.Debugw("culled keyframe", "keyframe", other.ID, "parent", other.Parent().ID)
		}
	}
}
