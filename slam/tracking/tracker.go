// Package tracking implements the synchronous tracking engine: it turns ingested images into
// poses through an Estimator, promotes keyframes, and logs every frame for trajectory export.
package tracking

import (
	"context"
	"image"
	"sync"

	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.uber.org/atomic"

	"go.viam.com/orbslam/logging"
	"go.viam.com/orbslam/slam/keyframedb"
	"go.viam.com/orbslam/slam/vocabulary"
	"go.viam.com/orbslam/slam/worldmap"
	"go.viam.com/orbslam/spatialmath"
	"go.viam.com/orbslam/utils"
)

// DefaultEarlyLossKeyFrames is the map size at or below which losing track resets the system.
const DefaultEarlyLossKeyFrames = 5

// Mapper is the local mapping handle tracking feeds keyframes into.
type Mapper interface {
	InsertKeyFrame(kf *worldmap.KeyFrame)
	AcceptKeyFrames() bool
	IsStopped() bool
	StopRequested() bool
	SetNotStop(flag bool) bool
	RequestReset(ctx context.Context) error
}

// Resetter is a worker that can drop its state on request.
type Resetter interface {
	RequestReset(ctx context.Context) error
}

// Config holds the tracker's collaborators.
type Config struct {
	Sensor     Sensor
	Map        *worldmap.Map
	Database   *keyframedb.Database
	Estimator  Estimator
	Mapper     Mapper
	LoopCloser Resetter
	// Viewer is paused during a reset when set.
	Viewer *utils.PauseControl
	// ReuseMap starts tracking in relocalization against a loaded map.
	ReuseMap bool
	// EarlyLossKeyFrames overrides DefaultEarlyLossKeyFrames; negative disables the reset.
	EarlyLossKeyFrames int
}

// Tracker is the tracking engine. Track runs on the caller's goroutine; the accessors are safe to
// call from any goroutine.
type Tracker struct {
	cfg       Config
	logger    logging.Logger
	earlyLoss int

	// current is read without mu so a reset waiting on the viewer cannot block its render.
	current atomic.Pointer[Frame]

	mu           sync.Mutex
	state        State
	onlyTracking bool
	reuseMap     bool
	nextFrameID  uint64
	reference    *worldmap.KeyFrame
	lastPose     spatialmath.Pose
	log          TrajectoryLog
}

// New returns a tracker waiting for its first image.
func New(cfg Config, logger logging.Logger) (*Tracker, error) {
	if cfg.Map == nil || cfg.Database == nil {
		return nil, errors.New("tracker needs a map and a keyframe database")
	}
	if cfg.Estimator == nil {
		return nil, errors.New("tracker needs an estimator")
	}
	if cfg.Mapper == nil {
		return nil, errors.New("tracker needs a local mapper")
	}
	earlyLoss := cfg.EarlyLossKeyFrames
	if earlyLoss == 0 {
		earlyLoss = DefaultEarlyLossKeyFrames
	}
	return &Tracker{
		cfg:       cfg,
		logger:    logger,
		earlyLoss: earlyLoss,
		state:     NoImagesYet,
		reuseMap:  cfg.ReuseMap,
	}, nil
}

// Sensor returns the configured modality.
func (t *Tracker) Sensor() Sensor {
	return t.cfg.Sensor
}

// State returns the current tracking state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// CurrentFrame returns the last processed frame, nil before the first one.
func (t *Tracker) CurrentFrame() *Frame {
	return t.current.Load()
}

// SetOnlyTracking switches between localization only (true) and full mapping (false).
func (t *Tracker) SetOnlyTracking(flag bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onlyTracking = flag
}

// OnlyTracking reports whether keyframe creation is disabled.
func (t *Tracker) OnlyTracking() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.onlyTracking
}

// NextFrameID returns the id the next frame will get.
func (t *Tracker) NextFrameID() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nextFrameID
}

// SetNextFrameID sets the id the next frame will get.
func (t *Tracker) SetNextFrameID(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextFrameID = id
}

// Trajectory returns a copy of the trajectory log.
func (t *Tracker) Trajectory() []TrajectoryEntry {
	return t.log.Entries()
}

// TrajectoryLengths returns the lengths of the four trajectory log sequences.
func (t *Tracker) TrajectoryLengths() [4]int {
	return t.log.Lengths()
}

// Reset discards the map, the index, the trajectory and worker queues and waits for a first
// image again.
func (t *Tracker) Reset(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resetLocked(ctx)
}

func (t *Tracker) resetLocked(ctx context.Context) error {
	t.logger.Info("resetting system")
	if t.cfg.Viewer != nil {
		t.cfg.Viewer.RequestStop()
		defer t.cfg.Viewer.Release()
		if err := t.cfg.Viewer.AwaitStopped(ctx); err != nil {
			return err
		}
	}
	if err := t.cfg.Mapper.RequestReset(ctx); err != nil {
		return errors.Wrap(err, "resetting local mapping")
	}
	if t.cfg.LoopCloser != nil {
		if err := t.cfg.LoopCloser.RequestReset(ctx); err != nil {
			return errors.Wrap(err, "resetting loop closing")
		}
	}
	t.cfg.Database.Clear()
	t.cfg.Map.Mutate(func(mm worldmap.MutableMap) { mm.Clear() })

	t.nextFrameID = 0
	t.state = NoImagesYet
	t.reuseMap = false
	t.current.Store(nil)
	t.reference = nil
	t.lastPose = nil
	t.log.Clear()
	return nil
}

// ResetAfterLoad prepares tracking for a map that was just loaded in place: the trajectory is
// dropped and the next frame relocalizes against the loaded map.
func (t *Tracker) ResetAfterLoad() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = NoImagesYet
	t.reuseMap = true
	t.current.Store(nil)
	t.reference = nil
	t.lastPose = nil
	t.log.Clear()
}

func (t *Tracker) relocalize(descs []vocabulary.Descriptor) []keyframedb.Candidate {
	voc := t.cfg.Database.Vocabulary()
	if voc == nil {
		return nil
	}
	return t.cfg.Database.DetectRelocalizationCandidates(voc.Transform(descs))
}

// Track processes one image set and returns Tcw, or nil when the frame was not localized.
func (t *Tracker) Track(ctx context.Context, timestamp float64, images ...image.Image) (spatialmath.Pose, error) {
	ctx, span := trace.StartSpan(ctx, "tracking::Track")
	defer span.End()

	t.mu.Lock()
	defer t.mu.Unlock()

	f := &Frame{ID: t.nextFrameID, Timestamp: timestamp, Images: images}
	t.nextFrameID++

	if t.state == NoImagesYet {
		if t.reuseMap {
			t.state = Lost
		} else {
			t.state = NotInitialized
		}
	}

	est, err := t.cfg.Estimator.Estimate(ctx, f, View{
		Sensor:       t.cfg.Sensor,
		State:        t.state,
		OnlyTracking: t.onlyTracking,
		Map:          t.cfg.Map,
		Reference:    t.reference,
		LastPose:     t.lastPose,
		Relocalize:   t.relocalize,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "estimating frame %d", f.ID)
	}
	if len(est.Matches) != 0 && len(est.Matches) != len(est.KeyPoints) {
		return nil, errors.Errorf("estimate for frame %d has %d matches for %d keypoints",
			f.ID, len(est.Matches), len(est.KeyPoints))
	}
	f.KeyPoints = est.KeyPoints
	f.Descriptors = est.Descriptors
	f.MapPoints = make([]*worldmap.MapPoint, len(est.KeyPoints))
	copy(f.MapPoints, est.Matches)

	if t.state == NotInitialized {
		if est.Pose == nil {
			t.current.Store(f)
			return nil, nil
		}
		f.Pose = est.Pose
		kf, err := t.createKeyFrame(f, est, nil)
		if err != nil {
			return nil, err
		}
		t.logger.Infow("new map created", "keyframe", kf.ID, "points", t.cfg.Map.MapPointsInMap())
		t.reference = kf
		t.state = Ok
	} else {
		if err := t.trackInitialized(ctx, f, est); err != nil {
			return nil, err
		}
		if t.state == NoImagesYet {
			// reset after an early loss
			return nil, nil
		}
	}

	f.Reference = t.reference
	t.current.Store(f)
	if f.Pose != nil {
		t.lastPose = f.Pose
		t.log.Append(TrajectoryEntry{
			Relative:  spatialmath.Compose(f.Pose, t.reference.PoseInverse()),
			Reference: t.reference,
			Timestamp: f.Timestamp,
			Lost:      t.state == Lost,
		})
	} else if last, ok := t.log.Last(); ok {
		last.Timestamp = f.Timestamp
		last.Lost = true
		t.log.Append(last)
	}
	return f.Pose, nil
}

func (t *Tracker) trackInitialized(ctx context.Context, f *Frame, est Estimate) error {
	if est.Reference != nil {
		t.reference = est.Reference
	}
	if est.Pose == nil || t.reference == nil {
		if est.Pose != nil {
			t.logger.Warnw("localized frame has no reference keyframe", "frame", f.ID)
		}
		if t.state != Lost {
			t.logger.Infow("tracking lost", "frame", f.ID)
		}
		t.state = Lost
		if t.earlyLoss > 0 && !t.reuseMap && t.cfg.Map.KeyFramesInMap() <= t.earlyLoss {
			t.logger.Warn("track lost soon after initialisation, resetting")
			return t.resetLocked(ctx)
		}
		return nil
	}

	if t.state == Lost {
		t.logger.Infow("relocalized", "frame", f.ID, "reference", t.reference.ID)
	}
	t.state = Ok
	f.Pose = est.Pose
	if t.onlyTracking || !est.NeedKeyFrame {
		return nil
	}
	if t.cfg.Mapper.IsStopped() || t.cfg.Mapper.StopRequested() || !t.cfg.Mapper.AcceptKeyFrames() {
		return nil
	}
	if !t.cfg.Mapper.SetNotStop(true) {
		return nil
	}
	defer t.cfg.Mapper.SetNotStop(false)
	kf, err := t.createKeyFrame(f, est, t.reference)
	if err != nil {
		return err
	}
	t.reference = kf
	return nil
}

// createKeyFrame promotes f, attaches its matched and new landmarks and hands it to local mapping.
func (t *Tracker) createKeyFrame(f *Frame, est Estimate, parent *worldmap.KeyFrame) (*worldmap.KeyFrame, error) {
	for idx := range est.NewPoints {
		if idx < 0 || idx >= len(f.KeyPoints) {
			return nil, errors.Errorf("new point for frame %d at keypoint %d out of range", f.ID, idx)
		}
	}
	var (
		kf  *worldmap.KeyFrame
		err error
	)
	t.cfg.Map.Mutate(func(mm worldmap.MutableMap) {
		kf = mm.NewKeyFrame(f.ID, f.Timestamp, f.Pose, f.KeyPoints, f.Descriptors)
		mm.AddKeyFrame(kf, parent)
		for idx, mp := range f.MapPoints {
			if mp == nil || mp.IsBad() {
				continue
			}
			if err = mm.AddObservation(kf, idx, mp); err != nil {
				return
			}
		}
		for idx, pos := range est.NewPoints {
			if f.MapPoints[idx] != nil {
				continue
			}
			mp := mm.AddMapPoint(pos)
			if err = mm.AddObservation(kf, idx, mp); err != nil {
				return
			}
			f.MapPoints[idx] = mp
		}
	})
	if err != nil {
		return nil, errors.Wrapf(err, "creating keyframe from frame %d", f.ID)
	}
	kf.SetVocabulary(t.cfg.Database.Vocabulary())
	t.cfg.Mapper.InsertKeyFrame(kf)
	return kf, nil
}
