// Package slam is the ORB-SLAM system orchestrator. A System owns the shared map and keyframe
// database, runs local mapping, loop closing and an optional viewer in the background, tracks
// ingested images on the caller's goroutine, arbitrates localization and reset requests,
// persists the map and exports trajectories.
package slam

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"go.viam.com/orbslam/logging"
	"go.viam.com/orbslam/slam/keyframedb"
	"go.viam.com/orbslam/slam/localmapping"
	"go.viam.com/orbslam/slam/loopclosing"
	"go.viam.com/orbslam/slam/settings"
	"go.viam.com/orbslam/slam/tracking"
	"go.viam.com/orbslam/slam/viewer"
	"go.viam.com/orbslam/slam/vocabulary"
	"go.viam.com/orbslam/slam/worldmap"
	"go.viam.com/orbslam/utils"
)

// pendingFlag is a request consumed by the next ingestion call.
type pendingFlag struct {
	mu      sync.Mutex
	pending bool
	path    string
}

func (f *pendingFlag) set(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = true
	f.path = path
}

func (f *pendingFlag) get() (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending, f.path
}

func (f *pendingFlag) clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = false
	f.path = ""
}

// System is the SLAM orchestrator.
type System struct {
	sessionID  string
	logger     logging.Logger
	sensor     tracking.Sensor
	settings   *settings.Settings
	vocabulary *vocabulary.Vocabulary

	worldMap    *worldmap.Map
	database    *keyframedb.Database
	tracker     *tracking.Tracker
	localMapper *localmapping.LocalMapper
	loopCloser  *loopclosing.LoopCloser
	viewer      *viewer.Viewer
	workers     *utils.StoppableWorkers
	reuseMap    bool

	activateLocalization   pendingFlag
	deactivateLocalization pendingFlag
	reset                  pendingFlag
	resetAndLoad           pendingFlag

	// persistMu serializes map saves and map replacement.
	persistMu sync.Mutex
	mapFile   string

	ingestMu      sync.Mutex
	lastTimestamp float64
	haveTimestamp bool
	// localizationHold is the local mapping stop taken by localization mode.
	localizationHold bool

	stateMu            sync.Mutex
	trackingState      tracking.State
	trackedMapPoints   []*worldmap.MapPoint
	trackedKeyPointsUn []worldmap.KeyPoint

	lastGeneration atomic.Uint64
	closed         atomic.Bool
}

// New loads the settings and vocabulary, loads or creates the map and starts the background
// workers. Unusable settings or vocabulary yield a ConfigurationError before anything starts.
func New(ctx context.Context, cfg Config, logger logging.Logger) (*System, error) {
	ctx, span := trace.StartSpan(ctx, "slam::New")
	defer span.End()

	if err := cfg.Validate("slam"); err != nil {
		return nil, newConfigurationError("invalid config", err)
	}
	sensor, err := tracking.ParseSensor(cfg.Sensor)
	if err != nil {
		return nil, newConfigurationError("invalid config", err)
	}

	sessionID := uuid.NewString()
	logger = logger.WithFields("session", sessionID)
	logger.Infow("starting ORB-SLAM", "sensor", sensor.String())

	st, err := settings.Load(cfg.SettingsPath)
	if err != nil {
		return nil, newConfigurationError("settings", err)
	}
	if sensor != tracking.Monocular {
		if err := st.ValidateDepth(sensor == tracking.RGBD); err != nil {
			return nil, newConfigurationError("settings", err)
		}
	}

	logger.Infow("loading ORB vocabulary", "path", cfg.VocabularyPath)
	voc, err := vocabulary.Load(cfg.VocabularyPath)
	if err != nil {
		return nil, newConfigurationError("vocabulary", errors.Wrapf(err, "wrong path to vocabulary, failed to open at %q", cfg.VocabularyPath))
	}
	logger.Infow("vocabulary loaded", "words", voc.Size())

	s := &System{
		sessionID:  sessionID,
		logger:     logger,
		sensor:     sensor,
		settings:   st,
		vocabulary: voc,
		worldMap:   worldmap.New(),
		database:   keyframedb.New(voc),
	}

	var nextFrameID uint64
	if utils.HasSuffix(cfg.MapPath, mapFileSuffix) {
		s.mapFile = cfg.MapPath
		next, err := s.loadMap(ctx, s.mapFile)
		switch {
		case err == nil:
			s.reuseMap = true
			nextFrameID = next
		case errors.Is(err, worldmap.ErrMapFileAbsent):
			logger.Warnw("cannot open map file, you need to create it first", "path", s.mapFile, "error", err)
		default:
			logger.Warnw("map file unusable, starting with an empty map", "path", s.mapFile, "error", err)
		}
	}

	if err := s.build(cfg); err != nil {
		return nil, err
	}
	if s.reuseMap {
		s.tracker.SetNextFrameID(nextFrameID)
	}
	s.trackingState = s.tracker.State()
	s.lastGeneration.Store(s.worldMap.Generation())

	workers := []func(context.Context){s.localMapper.Run, s.loopCloser.Run}
	if s.viewer != nil {
		workers = append(workers, s.viewer.Run)
	}
	s.workers = utils.NewStoppableWorkers(workers...)
	return s, nil
}

// build constructs the workers and the tracker, each with the handles it needs.
func (s *System) build(cfg Config) error {
	var err error
	s.localMapper, err = localmapping.New(localmapping.Config{
		Map:       s.worldMap,
		Database:  s.database,
		Culler:    cfg.Culler,
		Monocular: s.sensor == tracking.Monocular,
	}, s.logger.Sublogger("localmapping"))
	if err != nil {
		return err
	}
	s.loopCloser, err = loopclosing.New(loopclosing.Config{
		Map:       s.worldMap,
		Database:  s.database,
		Detector:  cfg.LoopDetector,
		Optimizer: cfg.Optimizer,
		Mapper:    s.localMapper,
	}, s.logger.Sublogger("loopclosing"))
	if err != nil {
		return err
	}
	s.localMapper.SetLoopCloser(s.loopCloser)

	var viewerPause *utils.PauseControl
	if cfg.UseViewer {
		s.viewer, err = viewer.New(viewer.Config{
			Map:          s.worldMap,
			Frames:       s,
			OutputPath:   cfg.ViewerOutputPath,
			FrameRate:    s.settings.FrameRate(),
			PointSize:    s.settings.ViewerPointSize,
			KeyFrameSize: s.settings.ViewerKeyFrameSize,
			LineWidth:    s.settings.ViewerGraphLineWidth,
		}, s.logger.Sublogger("viewer"))
		if err != nil {
			return err
		}
		viewerPause = s.viewer.Pause()
	}

	s.tracker, err = tracking.New(tracking.Config{
		Sensor:             s.sensor,
		Map:                s.worldMap,
		Database:           s.database,
		Estimator:          cfg.Estimator,
		Mapper:             s.localMapper,
		LoopCloser:         s.loopCloser,
		Viewer:             viewerPause,
		ReuseMap:           s.reuseMap,
		EarlyLossKeyFrames: cfg.EarlyLossKeyFrames,
	}, s.logger.Sublogger("tracking"))
	return err
}

// Shutdown asks every worker to finish and waits until they have, and until no global bundle
// adjustment is in flight. Waits are bounded by ctx; on error the system stays running and
// Shutdown may be called again.
func (s *System) Shutdown(ctx context.Context) error {
	if s.closed.Load() {
		return nil
	}
	s.localMapper.RequestFinish()
	s.loopCloser.RequestFinish()
	if s.viewer != nil {
		s.viewer.RequestFinish()
		if err := s.viewer.AwaitFinished(ctx); err != nil {
			return err
		}
	}
	if err := multierr.Combine(
		s.localMapper.AwaitFinished(ctx),
		s.loopCloser.AwaitFinished(ctx),
		s.loopCloser.AwaitIdle(ctx),
	); err != nil {
		return err
	}
	s.workers.Stop()
	s.closed.Store(true)
	s.logger.Info("shutdown complete")
	return nil
}

// SessionID identifies this System in its logs.
func (s *System) SessionID() string {
	return s.sessionID
}

// Sensor returns the configured modality.
func (s *System) Sensor() tracking.Sensor {
	return s.sensor
}

// Settings returns the parsed settings file.
func (s *System) Settings() *settings.Settings {
	return s.settings
}

// Tracker returns the tracking engine.
func (s *System) Tracker() *tracking.Tracker {
	return s.tracker
}

// Map returns the shared map.
func (s *System) Map() *worldmap.Map {
	return s.worldMap
}

// ReusingMap reports whether the map was loaded at startup.
func (s *System) ReusingMap() bool {
	return s.reuseMap
}

// CurrentFrame returns the tracker's last frame.
func (s *System) CurrentFrame() *tracking.Frame {
	return s.tracker.CurrentFrame()
}

// TrackingState returns the state after the last ingestion call.
func (s *System) TrackingState() tracking.State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.trackingState
}

// TrackedMapPoints returns the map points matched in the last frame.
func (s *System) TrackedMapPoints() []*worldmap.MapPoint {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.trackedMapPoints
}

// TrackedKeyPointsUn returns the undistorted keypoints of the last frame.
func (s *System) TrackedKeyPointsUn() []worldmap.KeyPoint {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.trackedKeyPointsUn
}

// KeyFrames returns every live keyframe, ascending by id.
func (s *System) KeyFrames() []*worldmap.KeyFrame {
	return s.worldMap.KeyFrames()
}

// MapChanged reports whether the map had a structural change since the last call.
func (s *System) MapChanged() bool {
	gen := s.worldMap.Generation()
	for {
		last := s.lastGeneration.Load()
		if gen <= last {
			return false
		}
		if s.lastGeneration.CompareAndSwap(last, gen) {
			return true
		}
	}
}
