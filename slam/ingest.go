package slam

import (
	"context"
	"image"

	"go.opencensus.io/trace"

	"go.viam.com/orbslam/slam/tracking"
	"go.viam.com/orbslam/slam/worldmap"
	"go.viam.com/orbslam/spatialmath"
)

// TrackStereo processes a rectified stereo pair. It returns Tcw, nil when not localized.
func (s *System) TrackStereo(ctx context.Context, left, right image.Image, timestamp float64) (spatialmath.Pose, error) {
	return s.track(ctx, tracking.Stereo, timestamp, left, right)
}

// TrackRGBD processes a color image and its registered depth map. It returns Tcw, nil when not
// localized.
func (s *System) TrackRGBD(ctx context.Context, rgb, depth image.Image, timestamp float64) (spatialmath.Pose, error) {
	return s.track(ctx, tracking.RGBD, timestamp, rgb, depth)
}

// TrackMonocular processes a single image. It returns Tcw, nil when not localized.
func (s *System) TrackMonocular(ctx context.Context, img image.Image, timestamp float64) (spatialmath.Pose, error) {
	return s.track(ctx, tracking.Monocular, timestamp, img)
}

func (s *System) track(ctx context.Context, sensor tracking.Sensor, timestamp float64, images ...image.Image) (spatialmath.Pose, error) {
	ctx, span := trace.StartSpan(ctx, "slam::Track")
	defer span.End()

	if s.sensor != sensor {
		return nil, newUsageError("called %s tracking but input sensor was set to %s", sensor, s.sensor)
	}
	if s.closed.Load() {
		return nil, newUsageError("system is shut down")
	}

	s.ingestMu.Lock()
	defer s.ingestMu.Unlock()
	// a pending reset or load forgets the previous timestamp
	if err := s.applyPending(ctx); err != nil {
		return nil, err
	}
	if s.haveTimestamp && timestamp < s.lastTimestamp {
		return nil, newUsageError("timestamp %f precedes the previous frame's %f", timestamp, s.lastTimestamp)
	}

	pose, err := s.tracker.Track(ctx, timestamp, images...)
	if err != nil {
		return nil, err
	}
	s.lastTimestamp = timestamp
	s.haveTimestamp = true

	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.trackingState = s.tracker.State()
	s.trackedMapPoints = nil
	s.trackedKeyPointsUn = nil
	if f := s.tracker.CurrentFrame(); f != nil {
		s.trackedMapPoints = append([]*worldmap.MapPoint(nil), f.MapPoints...)
		s.trackedKeyPointsUn = append([]worldmap.KeyPoint(nil), f.KeyPoints...)
	}
	return pose, nil
}

// ActivateLocalizationMode stops local mapping and keyframe creation from the next frame on.
func (s *System) ActivateLocalizationMode() {
	s.activateLocalization.set("")
}

// DeactivateLocalizationMode resumes mapping from the next frame on.
func (s *System) DeactivateLocalizationMode() {
	s.deactivateLocalization.set("")
}

// Reset discards the map and the trajectory at the next frame.
func (s *System) Reset() {
	s.reset.set("")
}

// ResetAndLoad replaces the map with the one saved at path at the next frame. A path without the
// .bin suffix falls back to the map file given at construction.
func (s *System) ResetAndLoad(path string) error {
	s.persistMu.Lock()
	if hasMapSuffix(path) {
		s.mapFile = path
	}
	path = s.mapFile
	s.persistMu.Unlock()
	if path == "" {
		return newUsageError("no map to load, incorrect file name")
	}
	s.resetAndLoad.set(path)
	return nil
}

// applyPending applies mode and reset requests in their fixed order. A request whose wait is cut
// short by ctx stays pending.
func (s *System) applyPending(ctx context.Context) error {
	if pending, _ := s.activateLocalization.get(); pending {
		if !s.localizationHold {
			s.localMapper.RequestStop()
			s.localizationHold = true
		}
		if err := s.localMapper.AwaitStopped(ctx); err != nil {
			return err
		}
		s.tracker.SetOnlyTracking(true)
		s.activateLocalization.clear()
		s.logger.Info("localization mode activated")
	}

	if pending, _ := s.deactivateLocalization.get(); pending {
		s.tracker.SetOnlyTracking(false)
		if s.localizationHold {
			s.localMapper.Release()
			s.localizationHold = false
		}
		s.deactivateLocalization.clear()
		s.logger.Info("localization mode deactivated")
	}

	if pending, _ := s.reset.get(); pending {
		if err := s.tracker.Reset(ctx); err != nil {
			return err
		}
		s.haveTimestamp = false
		s.reset.clear()
	}

	if pending, path := s.resetAndLoad.get(); pending {
		err := s.applyResetAndLoad(ctx, path)
		if err != nil && ctx.Err() != nil {
			return err
		}
		if err != nil {
			s.logger.Warnw("failed to load map, keeping the current one", "path", path, "error", err)
		}
		s.resetAndLoad.clear()
	}
	return nil
}
