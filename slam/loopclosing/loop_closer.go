// Package loopclosing implements the loop closing worker: it indexes keyframes for place
// recognition, detects loops and runs global bundle adjustment in the background.
package loopclosing

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.uber.org/atomic"
	goutils "go.viam.com/utils"

	"go.viam.com/orbslam/logging"
	"go.viam.com/orbslam/slam/keyframedb"
	"go.viam.com/orbslam/slam/worldmap"
	"go.viam.com/orbslam/utils"
)

// An Optimizer refines every keyframe pose and map point position. It should return promptly
// when ctx is cancelled.
type Optimizer interface {
	GlobalBundleAdjustment(ctx context.Context, m *worldmap.Map, loopKeyFrameID uint64) error
}

// Pauser is the part of local mapping loop closing pauses while it writes optimized poses back.
type Pauser interface {
	RequestStop()
	AwaitStopped(ctx context.Context) error
	Release()
}

// Config holds the loop closer's collaborators.
type Config struct {
	Map      *worldmap.Map
	Database *keyframedb.Database
	// Detector defaults to NewDatabaseDetector.
	Detector Detector
	// Optimizer is optional; without it no global optimization runs.
	Optimizer Optimizer
	Mapper    Pauser
}

// LoopCloser is the loop closing worker.
type LoopCloser struct {
	cfg    Config
	logger logging.Logger
	pause  *utils.PauseControl
	wake   chan struct{}

	mu        sync.Mutex
	queue     []*worldmap.KeyFrame
	resetDone chan struct{}
	loops     int

	runningGBA  atomic.Bool
	finishedGBA atomic.Bool
	gbaMu       sync.Mutex
	gbaCancel   context.CancelFunc
	gbaDone     chan struct{}
}

// New returns a loop closer. Start it with Run.
func New(cfg Config, logger logging.Logger) (*LoopCloser, error) {
	if cfg.Map == nil || cfg.Database == nil {
		return nil, errors.New("loop closer needs a map and a keyframe database")
	}
	if cfg.Mapper == nil {
		return nil, errors.New("loop closer needs local mapping")
	}
	if cfg.Detector == nil {
		cfg.Detector = NewDatabaseDetector(cfg.Database)
	}
	lc := &LoopCloser{
		cfg:    cfg,
		logger: logger,
		pause:  utils.NewPauseControl(),
		wake:   make(chan struct{}, 1),
	}
	lc.finishedGBA.Store(true)
	return lc, nil
}

func (lc *LoopCloser) signal() {
	select {
	case lc.wake <- struct{}{}:
	default:
	}
}

// InsertKeyFrame queues kf for loop detection.
func (lc *LoopCloser) InsertKeyFrame(kf *worldmap.KeyFrame) {
	lc.mu.Lock()
	lc.queue = append(lc.queue, kf)
	lc.mu.Unlock()
	lc.signal()
}

// QueuedKeyFrames returns the number of keyframes waiting for detection.
func (lc *LoopCloser) QueuedKeyFrames() int {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return len(lc.queue)
}

// Loops returns the number of loops closed.
func (lc *LoopCloser) Loops() int {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.loops
}

// IsRunningGBA reports whether a global optimization is in flight.
func (lc *LoopCloser) IsRunningGBA() bool {
	return lc.runningGBA.Load()
}

// IsFinishedGBA reports whether the last global optimization ran to completion.
func (lc *LoopCloser) IsFinishedGBA() bool {
	return lc.finishedGBA.Load()
}

// AwaitIdle blocks until no global optimization is in flight.
func (lc *LoopCloser) AwaitIdle(ctx context.Context) error {
	lc.gbaMu.Lock()
	done := lc.gbaDone
	lc.gbaMu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for global bundle adjustment")
	}
}

// RequestFinish asks the worker loop to exit. A running global optimization is left to complete.
func (lc *LoopCloser) RequestFinish() {
	lc.pause.RequestFinish()
	lc.signal()
}

// IsFinished reports whether the worker loop exited.
func (lc *LoopCloser) IsFinished() bool {
	return lc.pause.IsFinished()
}

// AwaitFinished blocks until the worker loop exited.
func (lc *LoopCloser) AwaitFinished(ctx context.Context) error {
	return lc.pause.AwaitFinished(ctx)
}

// RequestReset drops queued keyframes, aborts any global optimization and blocks until done. A
// finished worker is reset from the calling goroutine.
func (lc *LoopCloser) RequestReset(ctx context.Context) error {
	lc.abortGBA()
	if err := lc.AwaitIdle(ctx); err != nil {
		return err
	}
	lc.mu.Lock()
	if lc.pause.IsFinished() {
		lc.resetLocked()
		lc.mu.Unlock()
		return nil
	}
	if lc.resetDone == nil {
		lc.resetDone = make(chan struct{})
	}
	done := lc.resetDone
	lc.mu.Unlock()
	lc.signal()

	select {
	case <-done:
		return nil
	case <-lc.pause.Changed():
		return lc.RequestReset(ctx)
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for loop closing reset")
	}
}

// must hold mu.
func (lc *LoopCloser) resetLocked() {
	lc.queue = nil
	if lc.resetDone != nil {
		close(lc.resetDone)
		lc.resetDone = nil
	}
}

func (lc *LoopCloser) next() *worldmap.KeyFrame {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if len(lc.queue) == 0 {
		return nil
	}
	kf := lc.queue[0]
	lc.queue = lc.queue[1:]
	return kf
}

// Run is the worker loop. It returns when finish is requested or ctx is done.
func (lc *LoopCloser) Run(ctx context.Context) {
	defer lc.pause.SetFinished()
	for {
		if kf := lc.next(); kf != nil && !kf.IsBad() {
			lc.process(ctx, kf)
		}

		lc.mu.Lock()
		if lc.resetDone != nil {
			lc.resetLocked()
			lc.logger.Debug("loop closing reset")
		}
		lc.mu.Unlock()

		if lc.pause.FinishRequested() {
			return
		}
		if lc.QueuedKeyFrames() > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-lc.wake:
		}
	}
}

func (lc *LoopCloser) process(ctx context.Context, kf *worldmap.KeyFrame) {
	kf.SetNotErase()
	defer lc.cfg.Map.SetErase(kf)

	match, found := lc.cfg.Detector.Detect(ctx, kf)
	lc.cfg.Database.Add(kf)
	if !found {
		return
	}
	match.SetNotErase()
	defer lc.cfg.Map.SetErase(match)

	if err := lc.correctLoop(ctx, kf, match); err != nil {
		lc.logger.Warnw("loop correction abandoned", "keyframe", kf.ID, "match", match.ID, "error", err)
	}
}

func (lc *LoopCloser) correctLoop(ctx context.Context, kf, match *worldmap.KeyFrame) error {
	ctx, span := trace.StartSpan(ctx, "loopclosing::correctLoop")
	defer span.End()

	lc.logger.Infow("loop detected", "keyframe", kf.ID, "match", match.ID)
	lc.cfg.Mapper.RequestStop()
	lc.abortGBA()
	if err := lc.AwaitIdle(ctx); err != nil {
		lc.cfg.Mapper.Release()
		return err
	}
	if err := lc.cfg.Mapper.AwaitStopped(ctx); err != nil {
		lc.cfg.Mapper.Release()
		return err
	}
	lc.cfg.Map.Mutate(func(mm worldmap.MutableMap) { mm.InformBigChange() })
	lc.cfg.Mapper.Release()

	lc.mu.Lock()
	lc.loops++
	lc.mu.Unlock()

	if lc.cfg.Optimizer != nil {
		lc.startGBA(ctx, kf.ID)
	}
	return nil
}

func (lc *LoopCloser) abortGBA() {
	lc.gbaMu.Lock()
	defer lc.gbaMu.Unlock()
	if lc.gbaCancel != nil {
		lc.gbaCancel()
	}
}

// startGBA runs global bundle adjustment in its own goroutine. It must not be called while one is
// in flight.
func (lc *LoopCloser) startGBA(ctx context.Context, loopKeyFrameID uint64) {
	gbaCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	lc.gbaMu.Lock()
	lc.gbaCancel = cancel
	lc.gbaDone = done
	lc.gbaMu.Unlock()
	lc.runningGBA.Store(true)
	lc.finishedGBA.Store(false)

	goutils.PanicCapturingGo(func() {
		defer func() {
			lc.runningGBA.Store(false)
			lc.gbaMu.Lock()
			cancel()
			lc.gbaCancel = nil
			lc.gbaDone = nil
			lc.gbaMu.Unlock()
			close(done)
		}()
		lc.runGBA(gbaCtx, loopKeyFrameID)
	})
}

func (lc *LoopCloser) runGBA(ctx context.Context, loopKeyFrameID uint64) {
	ctx, span := trace.StartSpan(ctx, "loopclosing::GlobalBundleAdjustment")
	defer span.End()

	lc.logger.Infow("starting global bundle adjustment", "loop_keyframe", loopKeyFrameID)
	if err := lc.cfg.Optimizer.GlobalBundleAdjustment(ctx, lc.cfg.Map, loopKeyFrameID); err != nil {
		if ctx.Err() != nil {
			lc.logger.Info("global bundle adjustment aborted")
			return
		}
		lc.logger.Warnw("global bundle adjustment failed", "error", err)
		return
	}
	if ctx.Err() != nil {
		lc.logger.Info("global bundle adjustment aborted")
		return
	}

	lc.cfg.Mapper.RequestStop()
	defer lc.cfg.Mapper.Release()
	if err := lc.cfg.Mapper.AwaitStopped(ctx); err != nil {
		return
	}
	lc.cfg.Map.Mutate(func(mm worldmap.MutableMap) { mm.InformBigChange() })
	lc.finishedGBA.Store(true)
	lc.logger.Info("global bundle adjustment finished, map updated")
}
