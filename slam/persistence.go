package slam

import (
	"context"

	"github.com/pkg/errors"
	"go.opencensus.io/trace"

	"go.viam.com/orbslam/slam/keyframedb"
	"go.viam.com/orbslam/slam/worldmap"
	"go.viam.com/orbslam/utils"
)

func hasMapSuffix(path string) bool {
	return utils.HasSuffix(path, mapFileSuffix)
}

// SaveMap writes the map and keyframe database to path as two consecutive CBOR items. It does
// nothing but log when the map is not initialized. A path without the .bin suffix falls back to
// the map file given at construction. Local mapping is paused while the snapshot is taken.
func (s *System) SaveMap(ctx context.Context, path string) error {
	ctx, span := trace.StartSpan(ctx, "slam::SaveMap")
	defer span.End()

	if state := s.TrackingState(); !state.Initialized() {
		s.logger.Warnw("map not initialized, not saving", "state", state.String())
		return nil
	}

	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	if hasMapSuffix(path) {
		s.mapFile = path
	}
	path = s.mapFile
	if path == "" {
		return newUsageError("no map file to save to, a .bin path is required")
	}

	s.logger.Infow("saving map", "path", path)
	rec, idx, err := s.snapshot(ctx)
	if err != nil {
		return err
	}
	if err := worldmap.WriteFile(path, rec, idx); err != nil {
		return &PersistenceWriteError{Path: path, Err: err}
	}
	s.logger.Infow("map saved", "path", path, "keyframes", len(rec.KeyFrames), "points", len(rec.MapPoints))
	return nil
}

// snapshot freezes the map and the index while local mapping is stopped.
func (s *System) snapshot(ctx context.Context) (*worldmap.Record, *keyframedb.Record, error) {
	s.localMapper.RequestStop()
	defer s.localMapper.Release()
	if err := s.localMapper.AwaitStopped(ctx); err != nil {
		return nil, nil, err
	}
	// map first: culling removes a keyframe from the map before the index
	rec := s.worldMap.Snapshot()
	idx := s.database.Snapshot()
	return rec, idx, nil
}

// loadMap restores the map and index saved at path in place and rebinds the vocabulary. It
// returns the id the next frame should get.
func (s *System) loadMap(ctx context.Context, path string) (uint64, error) {
	rec, idx, err := s.readMapFile(ctx, path)
	if err != nil {
		return 0, err
	}
	return s.restoreMap(path, rec, idx)
}

// readMapFile decodes a map file and checks that the index only references saved keyframes.
func (s *System) readMapFile(ctx context.Context, path string) (*worldmap.Record, *keyframedb.Record, error) {
	_, span := trace.StartSpan(ctx, "slam::readMapFile")
	defer span.End()

	s.logger.Infow("loading map file", "path", path)
	var idx keyframedb.Record
	rec, err := worldmap.ReadFile(path, &idx)
	if err != nil {
		return nil, nil, err
	}
	ids := make(map[uint64]bool, len(rec.KeyFrames))
	for _, kf := range rec.KeyFrames {
		ids[kf.ID] = true
	}
	for word, kfIDs := range idx.Words {
		for _, id := range kfIDs {
			if !ids[id] {
				return nil, nil, errors.Errorf("index word %d references keyframe %d missing from the map", word, id)
			}
		}
	}
	return rec, &idx, nil
}

func (s *System) restoreMap(path string, rec *worldmap.Record, idx *keyframedb.Record) (uint64, error) {
	if err := s.worldMap.Restore(rec); err != nil {
		return 0, err
	}
	if err := s.database.Restore(idx, s.worldMap.KeyFrame); err != nil {
		return 0, err
	}
	s.database.SetVocabulary(s.vocabulary)
	s.worldMap.SetVocabulary(s.vocabulary)

	var next uint64
	if maxFrameID, ok := s.worldMap.MaxFrameID(); ok {
		next = maxFrameID + 1
	}
	s.logger.Infow("map loaded",
		"path", path,
		"keyframes", s.worldMap.KeyFramesInMap(),
		"points", s.worldMap.MapPointsInMap(),
		"next_frame_id", next)
	return next, nil
}

// applyResetAndLoad replaces the map while local mapping and the viewer are stopped.
func (s *System) applyResetAndLoad(ctx context.Context, path string) error {
	ctx, span := trace.StartSpan(ctx, "slam::ResetAndLoad")
	defer span.End()

	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.localMapper.RequestStop()
	defer s.localMapper.Release()
	if s.viewer != nil {
		s.viewer.RequestStop()
		defer s.viewer.Release()
	}
	if err := s.localMapper.AwaitStopped(ctx); err != nil {
		return err
	}
	if s.viewer != nil {
		if err := s.viewer.AwaitStopped(ctx); err != nil {
			return err
		}
	}
	rec, idx, err := s.readMapFile(ctx, path)
	if err != nil {
		return err
	}
	if err := s.localMapper.RequestReset(ctx); err != nil {
		return err
	}
	if err := s.loopCloser.RequestReset(ctx); err != nil {
		return err
	}
	next, err := s.restoreMap(path, rec, idx)
	if err != nil {
		return err
	}
	s.tracker.ResetAfterLoad()
	s.tracker.SetNextFrameID(next)
	s.haveTimestamp = false
	return nil
}
